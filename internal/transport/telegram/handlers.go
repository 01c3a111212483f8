package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	tele "gopkg.in/telebot.v4"

	"assistbot/internal/model"
	"assistbot/internal/scheduler"
	logx "assistbot/pkg/logx"
	"assistbot/pkg/tgui"
)

const opTimeout = 10 * time.Second

func (b *Bot) registerHandlers() {
	b.bot.Handle("/post", b.adminOnly(b.handlePost))
	b.bot.Handle("/remind", b.handleRemind)
	b.bot.Handle("/jobs", b.adminOnly(b.handleJobs))
	b.bot.Handle("/cancel", b.adminOnly(b.handleCancel))

	b.bot.Handle("/channels", b.adminOnly(b.handleChannels))
	b.bot.Handle("/addchannel", b.adminOnly(b.handleAddChannel))
	b.bot.Handle("/delchannel", b.adminOnly(b.handleDelChannel))

	b.bot.Handle("/unban", b.adminOnly(b.handleUnban))
	b.bot.Handle("/flood", b.adminOnly(b.handleFlood))

	b.bot.Handle("/replies", b.adminOnly(b.handleReplies))
	b.bot.Handle("/addreply", b.adminOnly(b.handleAddReply))
	b.bot.Handle("/delreply", b.adminOnly(b.handleDelReply))

	b.bot.Handle(&tele.Btn{Unique: "unban"}, b.handleUnbanCallback)

	b.bot.Handle(tele.OnText, b.handleText)
}

func (b *Bot) adminOnly(h tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if c.Sender() == nil || !b.isAdmin(c.Sender().ID) {
			return nil
		}
		return h(c)
	}
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// ---- scheduling ----

// /post <when>, as a reply to the message to publish. Targets every channel
// known at fire time.
func (b *Bot) handlePost(c tele.Context) error {
	return b.scheduleFromReply(c, true, nil)
}

// /remind <when>, as a reply. The single target is the origin chat.
func (b *Bot) handleRemind(c tele.Context) error {
	return b.scheduleFromReply(c, false, []int64{c.Chat().ID})
}

func (b *Bot) scheduleFromReply(c tele.Context, all bool, targets []int64) error {
	src := c.Message().ReplyTo
	if src == nil {
		return c.Reply("Reply to the message you want delivered, e.g. /post +2h")
	}
	when, err := parseWhen(strings.TrimSpace(c.Message().Payload), time.Now())
	if err != nil {
		return c.Reply(fmt.Sprintf("Can't read that time: %v", err))
	}

	job := model.Job{
		ID:      uuid.NewString()[:8],
		FireAt:  when,
		Payload: model.Payload{ChatID: src.Chat.ID, MessageID: src.ID},
		Targets: targets,
		All:     all,
	}

	ctx, cancel := opCtx()
	defer cancel()
	if err := b.sched.Schedule(ctx, job); err != nil {
		if errors.Is(err, scheduler.ErrInvalidTime) {
			return c.Reply("That time is already in the past.")
		}
		b.log.Error("schedule failed", logx.String("job", job.ID), logx.Err(err))
		return c.Reply("Scheduling failed, see logs.")
	}
	return c.Reply(fmt.Sprintf("Scheduled %s for %s UTC.", job.ID, when.UTC().Format("2006-01-02 15:04:05")))
}

func (b *Bot) handleJobs(c tele.Context) error {
	ctx, cancel := opCtx()
	defer cancel()
	jobs, err := b.store.ListPendingJobs(ctx)
	if err != nil {
		b.log.Error("list jobs failed", logx.Err(err))
		return c.Reply("Listing failed, see logs.")
	}
	if len(jobs) == 0 {
		return c.Reply("No pending jobs.")
	}
	lines := make([]tgui.H, 0, len(jobs))
	for _, j := range jobs {
		target := "all channels"
		if !j.All {
			target = fmt.Sprintf("%d target(s)", len(j.Targets))
		}
		lines = append(lines, tgui.Lines(
			tgui.Code(j.ID),
			tgui.Esc(fmt.Sprintf("  %s UTC, %s", j.FireAt.Format("2006-01-02 15:04:05"), target)),
		))
	}
	return c.Reply(tgui.Lines(lines...).String(), tele.ModeHTML)
}

func (b *Bot) handleCancel(c tele.Context) error {
	id := strings.TrimSpace(c.Message().Payload)
	if id == "" {
		return c.Reply("Usage: /cancel <job id>")
	}
	ctx, cancel := opCtx()
	defer cancel()
	err := b.sched.Cancel(ctx, id)
	if errors.Is(err, scheduler.ErrNotFound) {
		return c.Reply("No such pending job (already fired or cancelled?).")
	}
	if err != nil {
		b.log.Error("cancel failed", logx.String("job", id), logx.Err(err))
		return c.Reply("Cancel failed, see logs.")
	}
	return c.Reply("Cancelled " + id + ".")
}

// parseWhen accepts "+<duration>", RFC3339, or "YYYY-MM-DD HH:MM" (UTC).
func parseWhen(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("missing time")
	}
	if strings.HasPrefix(raw, "+") {
		d, err := time.ParseDuration(raw[1:])
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", raw, time.UTC); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("want +duration, RFC3339, or \"YYYY-MM-DD HH:MM\" (UTC), got %q", raw)
}

// ---- channel registry ----

func (b *Bot) handleChannels(c tele.Context) error {
	ctx, cancel := opCtx()
	defer cancel()
	chans, err := b.store.ListChannels(ctx)
	if err != nil {
		b.log.Error("list channels failed", logx.Err(err))
		return c.Reply("Listing failed, see logs.")
	}
	if len(chans) == 0 {
		return c.Reply("No channels registered.")
	}
	var sb strings.Builder
	for _, ch := range chans {
		fmt.Fprintf(&sb, "%d — %s\n", ch.ChatID, ch.Title)
	}
	return c.Reply(sb.String())
}

// /addchannel here registers the current chat; /addchannel <id> [title]
func (b *Bot) handleAddChannel(c tele.Context) error {
	args := strings.Fields(c.Message().Payload)
	if len(args) == 0 {
		return c.Reply("Usage: /addchannel here | /addchannel <chat id> [title]")
	}

	var ch model.Channel
	if args[0] == "here" {
		ch.ChatID = c.Chat().ID
		ch.Title = c.Chat().Title
	} else {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return c.Reply("Chat id must be a number.")
		}
		ch.ChatID = id
		ch.Title = strings.Join(args[1:], " ")
	}

	ctx, cancel := opCtx()
	defer cancel()
	if err := b.store.AddChannel(ctx, ch); err != nil {
		b.log.Error("add channel failed", logx.Int64("chat", ch.ChatID), logx.Err(err))
		return c.Reply("Adding failed, see logs.")
	}
	return c.Reply(fmt.Sprintf("Channel %d registered.", ch.ChatID))
}

func (b *Bot) handleDelChannel(c tele.Context) error {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Message().Payload), 10, 64)
	if err != nil {
		return c.Reply("Usage: /delchannel <chat id>")
	}
	ctx, cancel := opCtx()
	defer cancel()
	removed, err := b.store.RemoveChannel(ctx, id)
	if err != nil {
		b.log.Error("remove channel failed", logx.Int64("chat", id), logx.Err(err))
		return c.Reply("Removing failed, see logs.")
	}
	if !removed {
		return c.Reply("That channel is not registered.")
	}
	return c.Reply(fmt.Sprintf("Channel %d removed.", id))
}

// ---- flood admin ----

func (b *Bot) handleUnban(c tele.Context) error {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Message().Payload), 10, 64)
	if err != nil {
		return c.Reply("Usage: /unban <user id>")
	}
	return b.unban(c, id)
}

func (b *Bot) handleUnbanCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil || c.Sender() == nil || !b.isAdmin(c.Sender().ID) {
		return nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(cb.Data), 10, 64)
	if err != nil {
		return c.Respond(&tele.CallbackResponse{Text: "Bad user id."})
	}
	ctx, cancel := opCtx()
	defer cancel()
	removed, err := b.store.RemoveBan(ctx, id)
	if err != nil {
		b.log.Error("unban failed", logx.Int64("user", id), logx.Err(err))
		return c.Respond(&tele.CallbackResponse{Text: "Unban failed."})
	}
	if !removed {
		return c.Respond(&tele.CallbackResponse{Text: "Not banned."})
	}
	return c.Respond(&tele.CallbackResponse{Text: fmt.Sprintf("User %d unbanned.", id)})
}

func (b *Bot) unban(c tele.Context, id int64) error {
	ctx, cancel := opCtx()
	defer cancel()
	removed, err := b.store.RemoveBan(ctx, id)
	if err != nil {
		b.log.Error("unban failed", logx.Int64("user", id), logx.Err(err))
		return c.Reply("Unban failed, see logs.")
	}
	if !removed {
		return c.Reply("That user is not banned.")
	}
	return c.Reply(fmt.Sprintf("User %d unbanned.", id))
}

func (b *Bot) handleFlood(c tele.Context) error {
	cfg := b.floodCfg()
	status := "disabled"
	if cfg.Enabled {
		status = "enabled"
	}
	return c.Reply(fmt.Sprintf(
		"Flood protection: %s\nThreshold: %d messages per %s\nMute: %s, escalation window: %s\n(edit the config file to change; applies immediately)",
		status, cfg.RateLimit, cfg.TimeWindow, cfg.MuteDuration, cfg.EscalationWindow))
}

// ---- auto-replies ----

func (b *Bot) handleReplies(c tele.Context) error {
	ctx, cancel := opCtx()
	defer cancel()
	replies, err := b.store.ListAutoReplies(ctx)
	if err != nil {
		b.log.Error("list autoreplies failed", logx.Err(err))
		return c.Reply("Listing failed, see logs.")
	}
	if len(replies) == 0 {
		return c.Reply("No auto-replies configured.")
	}
	lines := make([]tgui.H, 0, len(replies))
	for _, r := range replies {
		lines = append(lines, tgui.Lines(
			tgui.Esc(fmt.Sprintf("%d.", r.ID)),
			tgui.Code(r.Pattern),
			tgui.I(tgui.TruncRunes(r.Reply, 80)),
		))
	}
	return c.Reply(tgui.Lines(lines...).String(), tele.ModeHTML)
}

// /addreply <pattern> | <reply>
func (b *Bot) handleAddReply(c tele.Context) error {
	parts := strings.SplitN(c.Message().Payload, "|", 2)
	if len(parts) != 2 {
		return c.Reply("Usage: /addreply <pattern> | <reply>")
	}
	r := model.AutoReply{
		Pattern: strings.TrimSpace(parts[0]),
		Reply:   strings.TrimSpace(parts[1]),
	}
	if r.Pattern == "" || r.Reply == "" {
		return c.Reply("Pattern and reply must not be empty.")
	}
	ctx, cancel := opCtx()
	defer cancel()
	if err := b.store.AddAutoReply(ctx, &r); err != nil {
		b.log.Error("add autoreply failed", logx.Err(err))
		return c.Reply("Adding failed, see logs.")
	}
	return c.Reply(fmt.Sprintf("Auto-reply %d added.", r.ID))
}

func (b *Bot) handleDelReply(c tele.Context) error {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Message().Payload), 10, 64)
	if err != nil {
		return c.Reply("Usage: /delreply <id>")
	}
	ctx, cancel := opCtx()
	defer cancel()
	removed, err := b.store.DeleteAutoReply(ctx, id)
	if err != nil {
		b.log.Error("delete autoreply failed", logx.Int64("id", id), logx.Err(err))
		return c.Reply("Deleting failed, see logs.")
	}
	if !removed {
		return c.Reply("No such auto-reply.")
	}
	return c.Reply("Deleted.")
}

// handleText answers plain messages from the auto-reply table. First
// case-insensitive substring match wins.
func (b *Bot) handleText(c tele.Context) error {
	text := c.Text()
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}
	ctx, cancel := opCtx()
	defer cancel()
	replies, err := b.store.ListAutoReplies(ctx)
	if err != nil {
		b.log.Warn("autoreply lookup failed", logx.Err(err))
		return nil
	}
	lower := strings.ToLower(text)
	for _, r := range replies {
		if strings.Contains(lower, strings.ToLower(r.Pattern)) {
			return c.Reply(r.Reply)
		}
	}
	return nil
}
