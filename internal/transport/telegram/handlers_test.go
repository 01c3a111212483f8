package telegram

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseWhen(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"relative hours", "+2h", now.Add(2 * time.Hour)},
		{"relative mixed", "+1h30m", now.Add(90 * time.Minute)},
		{"rfc3339", "2026-05-02T08:00:00Z", time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)},
		{"rfc3339 offset", "2026-05-02T11:00:00+03:00", time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)},
		{"wall clock is utc", "2026-05-02 08:30", time.Date(2026, 5, 2, 8, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseWhen(tt.raw, now)
			if err != nil {
				t.Fatalf("parseWhen(%q): %v", tt.raw, err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("parseWhen(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}

	for _, raw := range []string{"", "tomorrow", "+later", "2026-05-02"} {
		if _, err := parseWhen(raw, now); err == nil {
			t.Fatalf("parseWhen(%q): expected error", raw)
		}
	}
}

func TestShutdownStopsPollerOnce(t *testing.T) {
	var calls int32
	b := &Bot{stop: func() { atomic.AddInt32(&calls, 1) }}

	// The ctx watcher and an explicit Stop can both reach shutdown.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.shutdown()
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("poller stopped %d times, want 1", n)
	}
}
