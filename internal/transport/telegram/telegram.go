// Package telegram adapts the bot to Telegram via telebot.
//
// It owns the long-poll loop, the middleware chain (panic recovery, flood
// guard) and the admin command surface. The scheduler and flood guard see
// it only through their small Sender/Notifier interfaces.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"assistbot/internal/floodguard"
	"assistbot/internal/model"
	"assistbot/internal/notify"
	"assistbot/internal/scheduler"
	"assistbot/internal/storage"
	logx "assistbot/pkg/logx"
	"assistbot/pkg/tgui"
)

type Config struct {
	Token        string
	AdminIDs     []int64
	NotifyChatID int64
	PollTimeout  time.Duration
}

type Bot struct {
	cfg   Config
	log   logx.Logger
	store storage.Store

	bot *tele.Bot

	// bound after construction (scheduler needs the bot as its Sender)
	sched    *scheduler.Service
	guard    *floodguard.Guard
	floodCfg func() floodguard.Config

	runMu    sync.Mutex
	running  bool
	stopOnce sync.Once
	stop     func()
}

func New(cfg Config, store storage.Store, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	bot := &Bot{cfg: cfg, log: log, store: store, bot: b}
	bot.stop = b.Stop
	return bot, nil
}

// Bind attaches the services the command handlers need. Must be called
// before Start.
func (b *Bot) Bind(sched *scheduler.Service, guard *floodguard.Guard, floodCfg func() floodguard.Config) {
	b.sched = sched
	b.guard = guard
	b.floodCfg = floodCfg
}

func (b *Bot) Start(ctx context.Context) {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return
	}
	b.running = true
	b.runMu.Unlock()

	b.bot.Use(b.recoverMiddleware())
	b.bot.Use(b.floodMiddleware())
	b.registerHandlers()

	go func() {
		<-ctx.Done()
		b.shutdown()
	}()
	go func() {
		b.log.Info("polling started")
		b.bot.Start() // blocks until Stop()
		b.log.Info("polling stopped")
	}()
}

func (b *Bot) Stop() {
	b.runMu.Lock()
	wasRunning := b.running
	b.running = false
	b.runMu.Unlock()
	if wasRunning {
		// telebot Stop is expected to be fast; run it async just in case.
		go b.shutdown()
	}
}

// shutdown stops the poller exactly once. telebot's Stop is a blocking
// channel send, so a second caller would park forever without the Once.
func (b *Bot) shutdown() {
	b.stopOnce.Do(b.stop)
}

// Deliver copies the source message to one destination chat. This is the
// scheduler's single best-effort delivery attempt.
func (b *Bot) Deliver(ctx context.Context, destination int64, p model.Payload) error {
	src := tele.StoredMessage{
		MessageID: strconv.Itoa(p.MessageID),
		ChatID:    p.ChatID,
	}
	_, err := b.bot.Copy(&tele.Chat{ID: destination}, src)
	if err != nil {
		return fmt.Errorf("copy to %d: %w", destination, err)
	}
	return nil
}

// SendNotification renders an admin event into the notify chat. Ban events
// carry an inline unban button.
func (b *Bot) SendNotification(ctx context.Context, n notify.Notification) error {
	if b.cfg.NotifyChatID == 0 {
		return nil
	}
	chat := &tele.Chat{ID: b.cfg.NotifyChatID}

	parts := []tgui.H{tgui.Esc(n.Text)}
	if n.UserID != 0 {
		parts = append(parts, tgui.Mention(fmt.Sprintf("user %d", n.UserID), n.UserID))
	}
	body := tgui.Lines(parts...).String()

	opts := []any{tele.ModeHTML}
	if n.Kind == notify.KindUserBanned && n.UserID != 0 {
		kb := tgui.NewInline().Row(tgui.Btn("Unban", "unban", strconv.FormatInt(n.UserID, 10)))
		opts = append(opts, kb.Markup())
	}
	_, err := b.bot.Send(chat, body, opts...)
	return err
}

func (b *Bot) isAdmin(userID int64) bool {
	for _, id := range b.cfg.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}
