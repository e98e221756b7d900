// Package telegram реализует тонкий мост между MTProto (gotd/td) и очередью
// модерации: получает апдейты нового/отредактированного сообщения, приводит
// их к model.MessageJob и публикует в queue.ShardManager. Сам мост не
// принимает решений модерации — это исключительно ingress-слой.
//
// Структура запуска (floodwait.Waiter + client.Run + updates.Manager.Run)
// унаследована от app.Runner.Run старого userbot-приложения; здесь она
// упрощена под бот-аккаунт (аутентификация по токену, без терминального
// флоу телефон/код/2FA) и ведёт в очередь модерации вместо очереди
// уведомлений.
package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	updhook "github.com/gotd/td/telegram/updates/hook"
	"github.com/gotd/td/tg"

	"moderation-core/internal/adapters/telegram/core"
	"moderation-core/internal/domain/model"
	"moderation-core/internal/domain/queue"
	"moderation-core/internal/infra/clock"
	"moderation-core/internal/infra/concurrency"
	"moderation-core/internal/infra/logger"
	"moderation-core/internal/infra/telegram/connection"
	"moderation-core/internal/infra/telegram/peersmgr"
	"moderation-core/internal/infra/telegram/session"
	"moderation-core/internal/support/debug"
	"moderation-core/internal/tgutil"
)

// Config описывает учётные данные и пути состояния MTProto-сессии бота.
type Config struct {
	APIID       int
	APIHash     string
	BotToken    string
	SessionFile string
	StateFile   string
	PeersDBFile string
	TestDC      bool

	// DedupWindow ограничивает окно подавления повторной обработки одного и
	// того же апдейта (peerID:msgID:editDate).
	DedupWindow time.Duration
}

// Bridge принимает апдейты MTProto и публикует задания модерации в очередь.
type Bridge struct {
	cfg      Config
	queue    *queue.ShardManager
	client   *telegram.Client
	updMgr   *tgupdates.Manager
	peers    *peersmgr.Service
	dedup    *concurrency.Deduplicator
	dispatch tg.UpdateDispatcher

	newUsersMu sync.Mutex
	seenUsers  map[int64]struct{}
}

// New конструирует Bridge без сетевых побочных эффектов. Фактическое
// MTProto-соединение поднимается в Run.
func New(cfg Config, shardManager *queue.ShardManager) *Bridge {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	return &Bridge{
		cfg:       cfg,
		queue:     shardManager,
		dedup:     concurrency.NewDeduplicator(int(cfg.DedupWindow / time.Second)),
		seenUsers: make(map[int64]struct{}),
	}
}

// Run блокируется до отмены ctx или фатальной ошибки MTProto-слоя.
// Последовательность: поднимает диспетчер апдейтов и updates.Manager,
// открывает MTProto-клиента (с floodwait-мидлварью), логинится по боту,
// инициализирует кэш пиров, подписывается на нужные апдейты и ждёт ctx.Done().
func (b *Bridge) Run(ctx context.Context) error {
	b.dispatch = tg.NewUpdateDispatcher()
	b.dispatch.OnNewMessage(b.onNewMessage)
	b.dispatch.OnNewChannelMessage(b.onNewChannelMessage)
	b.dispatch.OnEditMessage(b.onEditMessage)
	b.dispatch.OnEditChannelMessage(b.onEditChannelMessage)

	b.updMgr = tgupdates.New(tgupdates.Config{
		Handler: b.dispatch,
		Storage: core.NewFileStorage(b.cfg.StateFile),
	})

	waiter := floodwait.NewWaiter()

	options := telegram.Options{
		SessionStorage: &session.FileStorage{Path: b.cfg.SessionFile},
		UpdateHandler:  b.updMgr,
		Middlewares: []telegram.Middleware{
			waiter,
			updhook.UpdateHook(b.updMgr.Handle),
		},
	}
	if b.cfg.TestDC {
		options.DCList = dcs.Test()
	}

	b.client = telegram.NewClient(b.cfg.APIID, b.cfg.APIHash, options)

	connection.Init(ctx, b.client)
	defer connection.Shutdown()

	peers, err := peersmgr.New(b.client.API(), b.cfg.PeersDBFile)
	if err != nil {
		return errors.Wrap(err, "init peers manager")
	}
	b.peers = peers
	defer func() {
		if err := b.peers.Close(); err != nil {
			logger.Errorf("ingress: close peers manager: %v", err)
		}
	}()

	b.dedup.Start(ctx)
	defer b.dedup.Stop()

	return waiter.Run(ctx, func(ctx context.Context) error {
		return b.client.Run(ctx, func(ctx context.Context) error {
			self, err := b.loginBot(ctx)
			if err != nil {
				return err
			}

			if err := b.peers.LoadFromStorage(ctx); err != nil {
				logger.Errorf("ingress: load peers from storage: %v", err)
			}
			if err := b.peers.WarmupIfEmpty(ctx, b.client.API()); err != nil {
				logger.Errorf("ingress: warmup peers cache: %v", err)
			}

			logger.Infof("ingress: bot running as %s (id=%d)", self.Username, self.ID)

			return b.updMgr.Run(ctx, b.client.API(), self.ID, tgupdates.AuthOptions{Forget: false})
		})
	})
}

// loginBot аутентифицируется как бот-аккаунт по токену — моста, в отличие от
// старого userbot-приложения, не ведёт интерактивный телефон/код/2FA-диалог.
func (b *Bridge) loginBot(ctx context.Context) (*tg.User, error) {
	status, err := b.client.Auth().Status(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "auth status")
	}
	if !status.Authorized {
		if _, err := b.client.Auth().Bot(ctx, b.cfg.BotToken); err != nil {
			return nil, errors.Wrap(err, "bot auth")
		}
	}
	self, err := b.client.Self(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "self")
	}
	return self, nil
}

const hasLinkPrefix = "http"

func (b *Bridge) publishMessage(ctx context.Context, peerID int64, msg *tg.Message) error {
	if msg.Out {
		return nil
	}
	if b.dedup.DedupSeen(peerID, msg.ID, msg.EditDate) {
		return nil
	}

	userID := senderID(msg)
	job := model.MessageJob{
		ChatID:    peerID,
		MessageID: formatMessageID(msg.ID),
		UserID:    userID,
		Content:   msg.Message,
		Timestamp: clock.Now(),
		Priority:  model.PriorityNormal,
		TenantID:  formatTenantID(peerID),
		HasLinks:  strings.Contains(strings.ToLower(msg.Message), hasLinkPrefix),
		IsNewUser: b.markAndCheckNewUser(userID),
	}

	if _, err := b.queue.Publish(job); err != nil {
		return errors.Wrap(err, "publish moderation job")
	}
	return nil
}

// markAndCheckNewUser returns true the first time userID is seen during this
// bridge's lifetime. Process-local only — not persisted, so a restart resets
// the "new user" heuristic. Good enough as a budget-degradation signal, not a
// source of truth about account age.
func (b *Bridge) markAndCheckNewUser(userID int64) bool {
	b.newUsersMu.Lock()
	defer b.newUsersMu.Unlock()
	if _, ok := b.seenUsers[userID]; ok {
		return false
	}
	b.seenUsers[userID] = struct{}{}
	return true
}

func senderID(msg *tg.Message) int64 {
	if msg.FromID != nil {
		return tgutil.GetPeerID(msg.FromID)
	}
	return tgutil.GetPeerID(msg.PeerID)
}

func formatMessageID(id int) string {
	return strconv.Itoa(id)
}

func formatTenantID(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

func (b *Bridge) onNewMessage(ctx context.Context, entities tg.Entities, u *tg.UpdateNewMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	debug.PrintUpdate("new", msg, entities, b.peers)
	if err := b.publishMessage(ctx, tgutil.GetPeerID(msg.PeerID), msg); err != nil {
		logger.Errorf("ingress: publish new message: %v", err)
	}
	return nil
}

func (b *Bridge) onNewChannelMessage(ctx context.Context, _ tg.Entities, u *tg.UpdateNewChannelMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	if err := b.publishMessage(ctx, tgutil.GetPeerID(msg.PeerID), msg); err != nil {
		logger.Errorf("ingress: publish new channel message: %v", err)
	}
	return nil
}

func (b *Bridge) onEditMessage(ctx context.Context, _ tg.Entities, u *tg.UpdateEditMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	if err := b.publishMessage(ctx, tgutil.GetPeerID(msg.PeerID), msg); err != nil {
		logger.Errorf("ingress: publish edited message: %v", err)
	}
	return nil
}

func (b *Bridge) onEditChannelMessage(ctx context.Context, _ tg.Entities, u *tg.UpdateEditChannelMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok {
		return nil
	}
	if err := b.publishMessage(ctx, tgutil.GetPeerID(msg.PeerID), msg); err != nil {
		logger.Errorf("ingress: publish edited channel message: %v", err)
	}
	return nil
}
