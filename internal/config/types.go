package config

import "time"

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Flood    FloodConfig    `json:"flood"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
	Storage  StorageConfig  `json:"storage"`
}

type TelegramConfig struct {
	Token    string  `json:"token"`
	AdminIDs []int64 `json:"admin_ids"`

	// NotifyChatID receives admin notifications (mutes, bans, failed jobs).
	NotifyChatID int64 `json:"notify_chat_id,omitempty"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// FloodConfig controls the flood guard.
//
// All durations are Go duration strings. The values are re-read on every
// incoming message, so editing the config file takes effect without a
// restart. Note that disabling the guard also bypasses the muted-user
// check: an active mute effectively ends on the next message.
type FloodConfig struct {
	Enabled   bool `json:"enabled"`
	RateLimit int  `json:"rate_limit,omitempty"`

	TimeWindow       string `json:"time_window,omitempty"`
	MuteDuration     string `json:"mute_duration,omitempty"`
	EscalationWindow string `json:"escalation_window,omitempty"`
}

// NotifierConfig controls the async admin notification pipeline.
type NotifierConfig struct {
	QueueSize  int `json:"queue_size,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// Flood guard defaults, applied when fields are omitted or zero.
const (
	DefaultRateLimit        = 7
	DefaultTimeWindow       = 2 * time.Second
	DefaultMuteDuration     = 10 * time.Minute
	DefaultEscalationWindow = time.Hour
)
