// Package notify is the fire-and-forget admin notification pipeline.
//
// Events are queued and delivered by a background worker through a rate
// limiter. Delivery failures are logged, never surfaced to the caller: a
// lost notification must not change a verdict or a job outcome.
package notify

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	logx "assistbot/pkg/logx"
)

type Kind string

const (
	KindUserMuted  Kind = "user_muted"
	KindUserBanned Kind = "user_banned"
	KindJobIssue   Kind = "job_issue"
)

// Notification is one admin-facing event. UserID is set for mute/ban events
// so the presentation layer can attach an unban affordance.
type Notification struct {
	Kind   Kind
	Text   string
	UserID int64
}

// Sender delivers a rendered notification to the admin chat.
type Sender interface {
	SendNotification(ctx context.Context, n Notification) error
}

type Config struct {
	QueueSize  int
	RatePerSec int
}

type Service struct {
	log    logx.Logger
	sender Sender

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	queue chan Notification

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	return &Service{
		log:     log,
		sender:  sender,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan Notification, cfg.QueueSize),
	}
}

// Apply updates the rate limit at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	s.cfg.RatePerSec = cfg.RatePerSec
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.runCancel != nil {
		s.mu.Unlock()
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.worker(rctx)
	}()
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

// Publish enqueues a notification. It never blocks: when the queue is full
// the event is dropped with a log line.
func (s *Service) Publish(n Notification) {
	select {
	case s.queue <- n:
	default:
		s.log.Warn("notification dropped (queue full)", logx.String("kind", string(n.Kind)))
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.sender.SendNotification(ctx, n); err != nil {
				s.log.Warn("notification delivery failed",
					logx.String("kind", string(n.Kind)), logx.Err(err))
			}
		}
	}
}
