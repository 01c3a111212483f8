package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "assistbot/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []Notification
	fail bool
}

func (f *fakeSender) SendNotification(_ context.Context, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPublishDelivers(t *testing.T) {
	sender := &fakeSender{}
	svc := New(Config{QueueSize: 8, RatePerSec: 100}, sender, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop()

	svc.Publish(Notification{Kind: KindUserMuted, Text: "muted", UserID: 1})
	svc.Publish(Notification{Kind: KindJobIssue, Text: "failed"})

	waitFor(t, func() bool { return sender.count() == 2 })

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.sent[0].Kind != KindUserMuted || sender.sent[0].UserID != 1 {
		t.Errorf("first = %+v", sender.sent[0])
	}
	if sender.sent[1].Kind != KindJobIssue {
		t.Errorf("second = %+v", sender.sent[1])
	}
}

func TestPublishNeverBlocksWhenQueueFull(t *testing.T) {
	sender := &fakeSender{}
	// Not started: nothing drains the queue.
	svc := New(Config{QueueSize: 1, RatePerSec: 1}, sender, logx.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			svc.Publish(Notification{Kind: KindJobIssue})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}

func TestDeliveryFailureIsSwallowed(t *testing.T) {
	sender := &fakeSender{fail: true}
	svc := New(Config{QueueSize: 8, RatePerSec: 100}, sender, logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop()

	svc.Publish(Notification{Kind: KindUserBanned, UserID: 2})

	// The worker must keep running after a failure.
	sender.mu.Lock()
	sender.fail = false
	sender.mu.Unlock()
	svc.Publish(Notification{Kind: KindUserMuted, UserID: 3})
	waitFor(t, func() bool { return sender.count() >= 1 })
}

func TestStopIsIdempotent(t *testing.T) {
	svc := New(Config{}, &fakeSender{}, logx.Nop())
	svc.Start(context.Background())
	svc.Stop()
	svc.Stop()
	// Start after Stop spins up a fresh worker.
	svc.Start(context.Background())
	svc.Stop()
}
