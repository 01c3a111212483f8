// Package scheduler owns deferred publications: a durable job set mirrored
// by in-memory one-shot timers.
//
// Every pending job lives in two places: the store (authoritative, survives
// restarts) and a timer keyed by job id. Timers carry a version counter so
// a replaced or cancelled registration can never fire a stale callback.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"assistbot/internal/model"
	"assistbot/internal/notify"
	"assistbot/internal/storage"
	logx "assistbot/pkg/logx"
)

var (
	// ErrInvalidTime rejects fire times at or before now.
	ErrInvalidTime = errors.New("fire time is not in the future")
	// ErrNotFound is the normal result of cancelling an unknown or already
	// fired job.
	ErrNotFound = errors.New("job not found")
)

// Sender delivers a job payload to one destination. A single best-effort
// attempt; the engine never retries.
type Sender interface {
	Deliver(ctx context.Context, destination int64, p model.Payload) error
}

// Registry resolves the current destination set for "all targets" jobs.
// It is queried at fire time, not at schedule time.
type Registry interface {
	ListChannels(ctx context.Context) ([]model.Channel, error)
}

// Notifier receives fire-and-forget admin events.
type Notifier interface {
	Publish(n notify.Notification)
}

type Service struct {
	store    storage.Store
	sender   Sender
	channels Registry
	notif    Notifier
	log      logx.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	jobs     map[string]model.Job
	vers     map[string]uint64
	inflight map[string]struct{}
	stopped  bool
}

func New(store storage.Store, sender Sender, channels Registry, notif Notifier, log logx.Logger) *Service {
	return &Service{
		store:    store,
		sender:   sender,
		channels: channels,
		notif:    notif,
		log:      log,
		timers:   map[string]*time.Timer{},
		jobs:     map[string]model.Job{},
		vers:     map[string]uint64{},
		inflight: map[string]struct{}{},
	}
}

// Schedule persists the job and arms its timer. Scheduling an id that
// already has an armed timer replaces both the record and the timer
// (last write wins; the old registration can no longer fire).
func (s *Service) Schedule(ctx context.Context, job model.Job) error {
	if job.ID == "" {
		return errors.New("job id required")
	}
	now := time.Now()
	if !job.FireAt.After(now) {
		return ErrInvalidTime
	}
	job.FireAt = job.FireAt.UTC()
	job.Status = model.JobPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	if err := s.store.PutJob(ctx, job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("scheduler stopped")
	}
	s.armLocked(job)
	s.log.Info("job scheduled",
		logx.String("job", job.ID),
		logx.Time("fire_at", job.FireAt),
		logx.Bool("all_targets", job.All),
		logx.Int("targets", len(job.Targets)))
	return nil
}

// Cancel disarms the timer and removes the pending record. A job that is
// already Done, mid-dispatch, or unknown yields ErrNotFound with no side
// effects; the Done transition wins any race.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, busy := s.inflight[id]; busy {
		// The timer already fired and dispatch is underway. The record must
		// end up Done, not deleted, so the cancel loses without touching
		// the store.
		s.mu.Unlock()
		return ErrNotFound
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
		delete(s.jobs, id)
		s.vers[id]++ // invalidate an in-flight callback that lost the race to Stop
	}
	s.mu.Unlock()

	removed, err := s.store.DeletePendingJob(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	if !removed {
		return ErrNotFound
	}
	s.log.Info("job cancelled", logx.String("job", id))
	return nil
}

// ReloadPending re-arms every stored pending job whose fire time is still
// in the future and retires the rest without dispatching. Returns the
// number of jobs re-armed. Called once at process start.
func (s *Service) ReloadPending(ctx context.Context) (int, error) {
	jobs, err := s.store.ListPendingJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("reload pending: %w", err)
	}

	now := time.Now().UTC()
	count := 0
	for _, job := range jobs {
		if !job.FireAt.After(now) {
			// Expired while offline: retire silently, never fire late.
			if _, err := s.store.MarkJobDone(ctx, job.ID); err != nil {
				s.log.Warn("failed to retire expired job", logx.String("job", job.ID), logx.Err(err))
			} else {
				s.log.Info("retired expired job", logx.String("job", job.ID), logx.Time("fire_at", job.FireAt))
			}
			continue
		}

		s.mu.Lock()
		s.armLocked(job)
		s.mu.Unlock()
		count++
	}

	s.log.Info("pending jobs reloaded", logx.Int("armed", count), logx.Int("seen", len(jobs)))
	return count, nil
}

// Stop disarms all timers but keeps durable records, so jobs resume on the
// next ReloadPending.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		s.vers[id]++
	}
	s.timers = map[string]*time.Timer{}
	s.jobs = map[string]model.Job{}
}

// armLocked replaces any existing timer for job.ID. Call with s.mu held.
func (s *Service) armLocked(job model.Job) {
	if t, ok := s.timers[job.ID]; ok {
		t.Stop()
	}
	s.vers[job.ID]++
	ver := s.vers[job.ID]
	s.jobs[job.ID] = job

	delay := time.Until(job.FireAt)
	if delay < 0 {
		delay = 0
	}
	id := job.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.fire(id, ver)
	})
}

// fire is the timer callback. The version check drops callbacks from timers
// that were replaced or cancelled after this one was armed.
func (s *Service) fire(id string, ver uint64) {
	s.mu.Lock()
	if s.stopped || s.vers[id] != ver {
		s.mu.Unlock()
		return
	}
	job, ok := s.jobs[id]
	delete(s.timers, id)
	delete(s.jobs, id)
	if ok {
		// Visible to Cancel for the whole dispatch, including the store
		// writes: the Done transition must win.
		s.inflight[id] = struct{}{}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.dispatch(context.Background(), job)

	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// dispatch resolves targets, attempts one delivery per destination, and
// marks the job Done exactly once. A destination failure never aborts the
// remaining attempts.
func (s *Service) dispatch(ctx context.Context, job model.Job) {
	dests := job.Targets
	if job.All {
		chans, err := s.channels.ListChannels(ctx)
		if err != nil {
			s.log.Error("destination resolution failed", logx.String("job", job.ID), logx.Err(err))
			s.notif.Publish(notify.Notification{
				Kind: notify.KindJobIssue,
				Text: fmt.Sprintf("Job %s: could not resolve destinations: %v", job.ID, err),
			})
			dests = nil
		} else {
			dests = make([]int64, 0, len(chans))
			for _, ch := range chans {
				dests = append(dests, ch.ChatID)
			}
		}
	}

	failed := 0
	for _, dest := range dests {
		if err := s.sender.Deliver(ctx, dest, job.Payload); err != nil {
			failed++
			s.log.Warn("delivery failed",
				logx.String("job", job.ID), logx.Int64("destination", dest), logx.Err(err))
			s.notif.Publish(notify.Notification{
				Kind: notify.KindJobIssue,
				Text: fmt.Sprintf("Job %s: delivery to %d failed: %v", job.ID, dest, err),
			})
		}
	}

	done, err := s.store.MarkJobDone(ctx, job.ID)
	if err != nil {
		s.log.Error("failed to mark job done", logx.String("job", job.ID), logx.Err(err))
	} else if !done {
		// The record was removed by a racing Cancel; the fire still happened
		// and there is nothing left to transition.
		s.log.Debug("job record gone before done transition", logx.String("job", job.ID))
	}

	s.log.Info("job dispatched",
		logx.String("job", job.ID),
		logx.Int("destinations", len(dests)),
		logx.Int("failed", failed))
}
