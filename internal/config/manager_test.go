package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
telegram:
  token: "123:abc"
  admin_ids: [1, 2]
  notify_chat_id: -100500
  poll_timeout: "10s"
logging:
  level: debug
  console: true
flood:
  enabled: true
  rate_limit: 5
  time_window: "3s"
  mute_duration: "15m"
  escalation_window: "2h"
storage:
  path: "/tmp/assistbot.db"
`

func writeConfig(t *testing.T, content string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewManager(path)
}

func TestParseValid(t *testing.T) {
	m := writeConfig(t, validYAML)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AdminIDs) != 2 || cfg.Telegram.AdminIDs[0] != 1 {
		t.Errorf("admin_ids = %v", cfg.Telegram.AdminIDs)
	}
	if cfg.Telegram.NotifyChatID != -100500 {
		t.Errorf("notify_chat_id = %d", cfg.Telegram.NotifyChatID)
	}
	if !cfg.Flood.Enabled || cfg.Flood.RateLimit != 5 {
		t.Errorf("flood = %+v", cfg.Flood)
	}
	if d, err := ParseDurationField("flood.time_window", cfg.Flood.TimeWindow); err != nil || d != 3*time.Second {
		t.Errorf("time_window = %v err=%v", d, err)
	}
	if cfg.Storage.Path != "/tmp/assistbot.db" {
		t.Errorf("storage.path = %q", cfg.Storage.Path)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "unknown field",
			yaml: strings.Replace(validYAML, "flood:", "floood:", 1),
			// strict decoding: typos must not be silently ignored
			wantErr: "unknown field",
		},
		{
			name:    "missing token",
			yaml:    strings.Replace(validYAML, `token: "123:abc"`, `token: ""`, 1),
			wantErr: "telegram.token is required",
		},
		{
			name:    "missing storage path",
			yaml:    strings.Replace(validYAML, `path: "/tmp/assistbot.db"`, `path: ""`, 1),
			wantErr: "storage.path is required",
		},
		{
			name:    "bad duration",
			yaml:    strings.Replace(validYAML, `time_window: "3s"`, `time_window: "three seconds"`, 1),
			wantErr: "flood.time_window",
		},
		{
			name:    "not yaml at all",
			yaml:    "{{{",
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := writeConfig(t, tt.yaml)
			_, err := m.Parse()
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	m := writeConfig(t, validYAML)
	if m.Get() != nil {
		t.Fatal("Get before Load should be nil")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestPublishDropsOldestForSlowSubscriber(t *testing.T) {
	m := writeConfig(t, validYAML)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{}
	m.publish(first)
	m.publish(second) // buffer full: first is dropped, second replaces it

	select {
	case got := <-ch:
		if got != second {
			t.Fatal("expected the newest config")
		}
	default:
		t.Fatal("expected a pending config update")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := writeConfig(t, validYAML)
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	// Unsubscribing twice is a no-op.
	m.Unsubscribe(ch)
	m.publish(&Config{})
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if d, err := ParseDurationField("x", "90s"); err != nil || d != 90*time.Second {
		t.Fatalf("90s: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "nope"); err == nil || !strings.Contains(err.Error(), "x") {
		t.Fatalf("expected field name in error, got %v", err)
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "5s", time.Minute); err != nil || d != 5*time.Second {
		t.Fatalf("explicit: %v %v", d, err)
	}
}
