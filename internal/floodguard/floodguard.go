// Package floodguard drops messages from users who breach a sliding-window
// rate threshold, escalating from a temporary mute to a durable ban.
//
// The guard sits in front of all other message handling. Its decision logic
// is a pure function of the user's state plus the current config snapshot;
// admin notifications are emitted as fire-and-forget events so the core
// stays testable without a live transport.
package floodguard

import (
	"context"
	"fmt"
	"time"

	"assistbot/internal/notify"
	"assistbot/internal/storage"
	logx "assistbot/pkg/logx"
)

// Verdict is the admit decision for one inbound message.
type Verdict int

const (
	Allow Verdict = iota
	DropMuted
	DropBanned
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case DropMuted:
		return "drop_muted"
	case DropBanned:
		return "drop_banned"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Config is the guard's runtime configuration. A fresh snapshot is read on
// every Admit call, so config-file edits apply immediately. Disabled means
// unconditional Allow, including for currently muted users: the mute check
// itself is bypassed, which effectively un-mutes on the next message. That
// matches the bot's long-standing behavior and is kept on purpose.
type Config struct {
	Enabled          bool
	RateLimit        int
	TimeWindow       time.Duration
	MuteDuration     time.Duration
	EscalationWindow time.Duration
}

// Notifier receives fire-and-forget admin events.
type Notifier interface {
	Publish(n notify.Notification)
}

type Guard struct {
	store  storage.Store
	states *StateStore
	cfgFn  func() Config
	notif  Notifier
	log    logx.Logger
}

func New(store storage.Store, states *StateStore, cfgFn func() Config, notif Notifier, log logx.Logger) *Guard {
	return &Guard{
		store:  store,
		states: states,
		cfgFn:  cfgFn,
		notif:  notif,
		log:    log,
	}
}

// Admit is the single entry point, invoked once per inbound message before
// any other processing. It serializes the read-modify-write of the user's
// transient state under the per-user lock.
//
// Storage failures fail open (Allow with a logged error): flood protection
// is defense in depth, not a correctness gate.
func (g *Guard) Admit(ctx context.Context, userID int64, now time.Time) Verdict {
	cfg := g.cfgFn()
	if !cfg.Enabled {
		return Allow
	}
	if cfg.RateLimit <= 0 || cfg.TimeWindow <= 0 {
		return Allow
	}

	banned, err := g.store.IsBanned(ctx, userID)
	if err != nil {
		g.log.Error("ban lookup failed; admitting", logx.Int64("user", userID), logx.Err(err))
		return Allow
	}
	if banned {
		return DropBanned
	}

	unlock := g.states.Lock(userID)
	defer unlock()

	st := g.states.Get(userID)

	// A muted user's messages must not touch the window: only the original
	// escalation sets MuteUntil, so repeated messages cannot extend it.
	if !st.MuteUntil.IsZero() && now.Before(st.MuteUntil) {
		return DropMuted
	}

	st.Timestamps = append(st.Timestamps, now)
	recent := st.Timestamps[:0]
	for _, t := range st.Timestamps {
		if now.Sub(t) < cfg.TimeWindow {
			recent = append(recent, t)
		}
	}

	if len(recent) < cfg.RateLimit {
		g.states.Set(userID, State{Timestamps: recent})
		return Allow
	}

	return g.escalate(ctx, userID, now, cfg)
}

// escalate handles a threshold breach: first trigger within the escalation
// window mutes, a repeat bans. Call with the user's state lock held.
func (g *Guard) escalate(ctx context.Context, userID int64, now time.Time, cfg Config) Verdict {
	window := cfg.EscalationWindow
	if window <= 0 {
		window = time.Hour
	}

	triggers := 1
	if err := g.store.AddViolation(ctx, userID, now); err != nil {
		g.log.Error("violation record failed", logx.Int64("user", userID), logx.Err(err))
	} else if n, err := g.store.CountViolations(ctx, userID, now.Add(-window)); err != nil {
		g.log.Error("violation count failed", logx.Int64("user", userID), logx.Err(err))
	} else {
		triggers = n
	}

	if triggers >= 2 {
		if err := g.store.SetBan(ctx, userID); err != nil {
			g.log.Error("ban persist failed", logx.Int64("user", userID), logx.Err(err))
		}
		g.states.Clear(userID)
		g.log.Warn("user banned for flooding",
			logx.Int64("user", userID), logx.Int("triggers", triggers))
		g.notif.Publish(notify.Notification{
			Kind:   notify.KindUserBanned,
			UserID: userID,
			Text:   fmt.Sprintf("User %d banned: repeated flooding (%d triggers within %s).", userID, triggers, window),
		})
		return DropBanned
	}

	mute := cfg.MuteDuration
	if mute <= 0 {
		mute = 10 * time.Minute
	}
	until := now.Add(mute)
	g.states.Set(userID, State{MuteUntil: until})
	g.log.Warn("user muted for flooding",
		logx.Int64("user", userID), logx.Time("until", until))
	g.notif.Publish(notify.Notification{
		Kind:   notify.KindUserMuted,
		UserID: userID,
		Text:   fmt.Sprintf("User %d muted for %s: message rate exceeded.", userID, mute),
	})
	return DropMuted
}
