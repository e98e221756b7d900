// Package cli — интерактивная операторская консоль поверх readline. Сервис
// стартует фоном и читает команды построчно, показывая read-only срезы
// состояния (очередь, outbox, бюджет, rollup) без мутации политик тенантов —
// управление правилами находится вне зоны ответственности этой консоли.
// Структура цикла (readline + обработчик Ctrl-C/?) унаследована от
// CLI-сервиса юзербота.
package cli

import (
	"context"
	"strings"
	"sync"
	"time"

	"moderation-core/internal/domain/budget"
	"moderation-core/internal/domain/outbox"
	"moderation-core/internal/domain/queue"
	"moderation-core/internal/domain/rollup"
	"moderation-core/internal/infra/apptime"
	"moderation-core/internal/infra/clock"
	"moderation-core/internal/infra/config"
	"moderation-core/internal/infra/logger"
	"moderation-core/internal/infra/pr"
)

const appVersion = "0.1.0"

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "queue stats", description: "Print shard manager queue stats"},
	{name: "outbox stats", description: "Print outbox manager metrics"},
	{name: "outbox get <id>", description: "Show a single outbox entry by id"},
	{name: "outbox pending", description: "List pending outbox entries"},
	{name: "budget check <tenant>", description: "Check a tenant's current budget state"},
	{name: "rollup run", description: "Run the daily rollup for yesterday now"},
	{name: "version", description: "Print moderator version"},
	{name: "exit", description: "Stop CLI and terminate the service"},
}

// Service инкапсулирует операторскую консоль и интегрируется в lifecycle
// приложения. Только читает состояние остальных подсистем — ни одна команда
// не меняет политику модерации тенанта.
type Service struct {
	stopApp context.CancelFunc
	queue   *queue.ShardManager
	outbox  *outbox.Manager
	budget  *budget.Enforcer
	rollup  *rollup.Service

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт CLI-сервис. Любой из указателей на подсистемы может
// быть nil — соответствующие команды тогда отвечают "not available" вместо
// паники.
func NewService(
	stopApp context.CancelFunc,
	shardManager *queue.ShardManager,
	outboxMgr *outbox.Manager,
	enforcer *budget.Enforcer,
	rollupSvc *rollup.Service,
) *Service {
	return &Service{
		stopApp: stopApp,
		queue:   shardManager,
		outbox:  outboxMgr,
		budget:  enforcer,
		rollup:  rollupSvc,
	}
}

// Start запускает основной цикл CLI в отдельной горутине. Повторные вызовы
// безопасно игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(runCtx)
		}()
	})
}

// Stop завершает CLI: прерывает readline, отменяет локальный контекст и
// дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("> ")
	pr.Println("CLI started. Type 'help' for the command list.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает '?' как быстрый help и Ctrl-C на пустой
// строке как мягкую остановку приложения.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

func printCommandHelp() {
	pr.Println("Available commands:")
	for _, d := range commandDescriptors {
		pr.Printf("  %-22s - %s\n", d.name, d.description)
	}
}

// handleCommand разбирает введённую команду и выполняет соответствующее
// read-only действие. Возвращает true, если команда завершает CLI.
func (s *Service) handleCommand(cmd string) bool {
	fields := strings.Fields(cmd)
	switch {
	case cmd == "":
		// ignore
	case cmd == "help":
		printCommandHelp()
	case cmd == "version":
		pr.Printf("moderation-core v%s\n", appVersion)
	case cmd == "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	case cmd == "queue stats":
		s.handleQueueStats()
	case cmd == "outbox stats":
		s.handleOutboxStats()
	case cmd == "outbox pending":
		s.handleOutboxPending()
	case len(fields) == 3 && fields[0] == "outbox" && fields[1] == "get":
		s.handleOutboxGet(fields[2])
	case len(fields) == 3 && fields[0] == "budget" && fields[1] == "check":
		s.handleBudgetCheck(fields[2])
	case cmd == "rollup run":
		s.handleRollupRun()
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

func (s *Service) handleQueueStats() {
	if s.queue == nil {
		pr.ErrPrintln("queue is not available")
		return
	}
	st := s.queue.Stats()
	pr.Printf("Queue: waiting=%d active=%d completed=%d failed=%d\n", st.Waiting, st.Active, st.Completed, st.Failed)
}

func (s *Service) handleOutboxStats() {
	if s.outbox == nil {
		pr.ErrPrintln("outbox is not available")
		return
	}
	m := s.outbox.GetMetrics()
	pr.Printf("Outbox: total=%d pending=%d processing=%d completed=%d failed=%d\n",
		m.Total, m.Pending, m.Processing, m.Completed, m.Failed)
}

func (s *Service) handleOutboxPending() {
	if s.outbox == nil {
		pr.ErrPrintln("outbox is not available")
		return
	}
	pending := s.outbox.GetPendingActions()
	if len(pending) == 0 {
		pr.Println("No pending outbox entries.")
		return
	}
	for _, e := range pending {
		pr.Printf("%s chat=%d action=%s retries=%d status=%s\n", e.ID, e.ChatID, e.ActionType, e.RetryCount, e.Status)
	}
	pr.Printf("Total pending: %d\n", len(pending))
}

func (s *Service) handleOutboxGet(id string) {
	if s.outbox == nil {
		pr.ErrPrintln("outbox is not available")
		return
	}
	entry, ok := s.outbox.GetActionStatus(id)
	if !ok {
		pr.ErrPrintln("no outbox entry with id:", id)
		return
	}
	pr.Printf("id=%s chat=%d message=%s action=%s status=%s retries=%d\n",
		entry.ID, entry.ChatID, entry.MessageID, entry.ActionType, entry.Status, entry.RetryCount)
	pr.Printf("created=%s\n", apptime.FormatInTimezone(entry.CreatedAt, config.Env().App.AppTimezone, time.RFC3339))
	if entry.ProcessedAt != nil {
		pr.Printf("processed=%s\n", apptime.FormatInTimezone(*entry.ProcessedAt, config.Env().App.AppTimezone, time.RFC3339))
	}
	if entry.LastError != "" {
		pr.Printf("last error: %s\n", entry.LastError)
	}
}

func (s *Service) handleBudgetCheck(tenantID string) {
	if s.budget == nil {
		pr.ErrPrintln("budget enforcer is not available")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res := s.budget.CheckBudget(ctx, tenantID)
	pr.Printf("Tenant %s: allowed=%t degradeMode=%s remaining=%s reason=%s\n",
		tenantID, res.Allowed, res.DegradeMode, res.RemainingBudget.String(), res.Reason)
}

func (s *Service) handleRollupRun() {
	if s.rollup == nil {
		pr.ErrPrintln("rollup service is not available")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.rollup.PerformDailyRollup(ctx, clock.Now()); err != nil {
		pr.ErrPrintln("rollup run error:", err)
		return
	}
	pr.Println("Daily rollup completed.")
}
