// Package main — точка входа ядра модерации.
// Здесь парсим флаги, загружаем конфигурацию, настраиваем логирование и
// организуем корректное завершение по системным сигналам (Ctrl+C/SIGTERM).
// Главная задача: собрать все подсистемы (кэш, бюджет, очередь, воркер,
// outbox, rollup, ingress-мост, CLI) и отдать управление lifecycle.Manager,
// обеспечив предсказуемый порядок запуска/остановки.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"moderation-core/internal/adapters/aiclient"
	"moderation-core/internal/adapters/budgetstore"
	"moderation-core/internal/adapters/cli"
	ingresstelegram "moderation-core/internal/adapters/ingress/telegram"
	"moderation-core/internal/adapters/outboxstore"
	"moderation-core/internal/adapters/platform"
	"moderation-core/internal/adapters/rawmetrics"
	"moderation-core/internal/adapters/rollupstore"
	"moderation-core/internal/domain/budget"
	"moderation-core/internal/domain/cache"
	"moderation-core/internal/domain/outbox"
	"moderation-core/internal/domain/policy"
	"moderation-core/internal/domain/queue"
	"moderation-core/internal/domain/rollup"
	"moderation-core/internal/domain/worker"
	"moderation-core/internal/infra/clock"
	"moderation-core/internal/infra/config"
	"moderation-core/internal/infra/lifecycle"
	"moderation-core/internal/infra/logger"
	"moderation-core/internal/infra/pr"
	"moderation-core/internal/infra/timeutil"
)

const (
	shutdownGrace   = 10 * time.Second
	rollupInterval  = 24 * time.Hour
	rollupStartWait = time.Minute
)

// main поднимает окружение, собирает подсистемы и блокируется до завершения.
// Порядок:
//  1. bootstrap: stdout/stderr → pr, базовый log с префиксом времени,
//  2. flags/env: путь к .env,
//  3. config: загрузка и предупреждения,
//  4. logger: уровень и перенаправление вывода в pr,
//  5. signals: контекст с отменой по Ctrl+C/SIGTERM,
//  6. сборка домена: cache -> budget -> outbox (+platform) -> rollup -> worker -> queue,
//  7. lifecycle.Manager: регистрация узлов queue/rollup-scheduler/ingress/cli в правильном порядке и StartAll,
//  8. ожидание завершения и graceful Shutdown.
func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))
	if err := pr.Init(); err != nil {
		log.Fatalf("failed to assign stdout and stderr: %v", err)
	}

	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(config.Env().LogLevel)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env := config.Env()

	if loc, locErr := timeutil.ParseLocation(env.App.AppTimezone); locErr == nil {
		clock.SetLocation(loc)
	} else {
		logger.Warnf("invalid app timezone %q, falling back to UTC: %v", env.App.AppTimezone, locErr)
	}

	cacheInstance := cache.New(cache.Config{
		TTL:             env.Cache.TTL,
		MaxEntries:      env.Cache.MaxEntries,
		CleanupInterval: env.Cache.CleanupInterval,
	})

	budgetStore := budgetstore.New(env.Budget.StoreBaseURL, &http.Client{Timeout: 10 * time.Second}, env.Budget.StoreMaxElapsed)
	enforcer := budget.NewEnforcer(budgetStore, env.Budget.SnapshotTTL)

	outboxStore, err := outboxstore.Open(env.App.DataDir + "/outbox.db")
	if err != nil {
		log.Fatalf("open outbox store: %v", err)
	}
	defer outboxStore.Close()

	platformClient := platform.New(platform.Config{
		BotToken:                env.Platform.BotToken,
		APIURL:                  env.Platform.APIURL,
		MaxRetries:              env.Platform.MaxRetries,
		BaseDelay:               env.Platform.BaseDelay,
		MaxDelay:                env.Platform.MaxDelay,
		CircuitBreakerThreshold: env.Platform.CircuitBreakerThreshold,
		CircuitBreakerResetTime: env.Platform.CircuitBreakerResetTime,
		RequestsPerSecond:       env.Platform.RequestsPerSecond,
	})
	defer platformClient.Close()

	outboxMgr, err := outbox.NewManager(platformClient, outboxStore)
	if err != nil {
		log.Fatalf("init outbox manager: %v", err)
	}

	metrics := rawmetrics.New()

	rollupStore, err := rollupstore.Open(env.App.DataDir + "/rollups.db")
	if err != nil {
		log.Fatalf("open rollup store: %v", err)
	}
	defer rollupStore.Close()

	rollupSvc := rollup.New(metrics, rollupStore)

	engine := policy.NewEngine()

	var aiClient *aiclient.Client
	if env.App.OpenAIAPIKey != "" {
		aiClient = aiclient.New(env.App.OpenAIAPIKey, env.App.OpenAIModel)
	}

	w := worker.New(engine, cacheInstance, enforcer, outboxMgr, worker.WithMetricsSink(metrics), workerAIOption(aiClient))

	shardManager, err := queue.NewShardManager(queue.Config{
		PartitionCount:         env.Queue.PartitionCount,
		Concurrency:            env.Queue.Concurrency,
		MaxConcurrencyPerShard: env.Queue.MaxConcurrencyPerShard,
		HighWatermark:          env.Queue.HighWatermark,
		ShardRatePerSecond:     env.Queue.ShardRatePerSecond,
	}, w.Process)
	if err != nil {
		log.Fatalf("init shard manager: %v", err)
	}

	bridge := ingresstelegram.New(ingresstelegram.Config{
		APIID:       env.Ingress.APIID,
		APIHash:     env.Ingress.APIHash,
		BotToken:    env.Ingress.BotToken,
		SessionFile: env.Ingress.SessionFile,
		StateFile:   env.Ingress.StateFile,
		PeersDBFile: env.Ingress.PeersDBFile,
		TestDC:      env.Ingress.TestDC,
	}, shardManager)

	cliService := cli.NewService(stop, shardManager, outboxMgr, enforcer, rollupSvc)

	lc := lifecycle.New(ctx)

	if err := lc.Register("queue", "", nil, func(nodeCtx context.Context) (context.Context, error) {
		shardManager.Start()
		return nodeCtx, nil
	}, func(context.Context) error {
		shardManager.Shutdown(shutdownGrace)
		return nil
	}); err != nil {
		log.Fatalf("register queue node: %v", err)
	}

	if err := lc.Register("rollup-scheduler", "", []string{"queue"}, func(nodeCtx context.Context) (context.Context, error) {
		go runRollupScheduler(nodeCtx, rollupSvc, metrics, env.Rollup.RetentionDays)
		return nodeCtx, nil
	}, func(context.Context) error { return nil }); err != nil {
		log.Fatalf("register rollup-scheduler node: %v", err)
	}

	if err := lc.Register("ingress", "", []string{"queue"}, func(nodeCtx context.Context) (context.Context, error) {
		go func() {
			if runErr := bridge.Run(nodeCtx); runErr != nil && nodeCtx.Err() == nil {
				logger.Errorf("ingress bridge stopped: %v", runErr)
			}
		}()
		return nodeCtx, nil
	}, func(context.Context) error { return nil }); err != nil {
		log.Fatalf("register ingress node: %v", err)
	}

	if err := lc.Register("cli", "", []string{"queue"}, func(nodeCtx context.Context) (context.Context, error) {
		cliService.Start(nodeCtx)
		return nodeCtx, nil
	}, func(context.Context) error {
		cliService.Stop()
		return nil
	}); err != nil {
		log.Fatalf("register cli node: %v", err)
	}

	if err := lc.StartAll(); err != nil {
		log.Fatalf("start subsystems: %v", err)
	}

	logger.Info("moderation core running")

	<-ctx.Done()
	logger.Debug("shutdown signal received, stopping subsystems...")

	if err := lc.Shutdown(); err != nil {
		logger.Errorf("shutdown error: %v", err)
	}
	log.Println("Graceful shutdown complete")
}

func workerAIOption(c *aiclient.Client) worker.Option {
	if c == nil {
		return func(*worker.Worker) {}
	}
	return worker.WithAIClient(c)
}

// runRollupScheduler выполняет ежедневный перенос сырых метрик в durable-
// хранилище и подчистку устаревших rollup'ов и буферов rawmetrics. Первый
// запуск откладывается на rollupStartWait, чтобы дать входящему трафику
// накопиться перед первым измерением.
func runRollupScheduler(ctx context.Context, svc *rollup.Service, metrics *rawmetrics.Store, retentionDays int) {
	timer := time.NewTimer(rollupStartWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			now := clock.Now()
			if err := svc.PerformDailyRollup(ctx, now); err != nil {
				logger.Errorf("scheduled rollup failed: %v", err)
			}
			if _, err := svc.CleanupOldMetrics(ctx, now, retentionDays); err != nil {
				logger.Errorf("scheduled rollup cleanup failed: %v", err)
			}
			metrics.Prune(now.AddDate(0, 0, -retentionDays).Format("2006-01-02"))
			timer.Reset(rollupInterval)
		}
	}
}
