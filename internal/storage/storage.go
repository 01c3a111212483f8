// Package storage is the durable store behind the scheduler and flood guard.
//
// It persists scheduled jobs, ban flags, violation counters, the channel
// registry and auto-replies in SQLite.
package storage

import (
	"context"
	"time"

	"assistbot/internal/model"
)

// Store is the persistence API used by the services.
type Store interface {
	// Jobs. PutJob upserts by id so re-scheduling an armed job replaces the
	// record (last write wins). MarkJobDone and DeletePendingJob only touch
	// rows still in status pending and report whether a row was affected;
	// the Done transition is terminal and wins any race with Cancel.
	PutJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, bool, error)
	ListPendingJobs(ctx context.Context) ([]model.Job, error)
	MarkJobDone(ctx context.Context, id string) (bool, error)
	DeletePendingJob(ctx context.Context, id string) (bool, error)
	PurgeDoneJobs(ctx context.Context, before time.Time) (int64, error)

	// Flood guard durable state.
	SetBan(ctx context.Context, userID int64) error
	RemoveBan(ctx context.Context, userID int64) (bool, error)
	IsBanned(ctx context.Context, userID int64) (bool, error)
	AddViolation(ctx context.Context, userID int64, at time.Time) error
	CountViolations(ctx context.Context, userID int64, since time.Time) (int, error)
	PruneViolations(ctx context.Context, before time.Time) (int64, error)

	// Channel registry (publishing destinations).
	AddChannel(ctx context.Context, ch model.Channel) error
	RemoveChannel(ctx context.Context, chatID int64) (bool, error)
	ListChannels(ctx context.Context) ([]model.Channel, error)

	// Auto-replies.
	AddAutoReply(ctx context.Context, r *model.AutoReply) error
	DeleteAutoReply(ctx context.Context, id int64) (bool, error)
	ListAutoReplies(ctx context.Context) ([]model.AutoReply, error)

	Close() error
}
