// Package model defines the domain records shared by storage and services.
package model

import "time"

// JobStatus tracks the lifecycle of a scheduled publication.
// The transition Pending -> Done is terminal; a Done job never re-arms.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobDone    JobStatus = "done"
)

// TargetsAll is the sentinel meaning "every channel known at fire time".
// Resolution happens inside dispatch, not at schedule time, so channels
// added or removed in between change the delivery set.
const TargetsAll = "all"

// Payload locates the source message a job republishes.
type Payload struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

// Job is a persisted request to copy a message to one or more destinations
// at a future instant. FireAt is always UTC in memory; the storage layer is
// responsible for normalizing whatever it reads back.
type Job struct {
	ID        string
	FireAt    time.Time
	Payload   Payload
	Targets   []int64 // empty when TargetsAll
	All       bool
	Status    JobStatus
	CreatedAt time.Time
}

// Channel is a registered publishing destination.
type Channel struct {
	ChatID  int64
	Title   string
	AddedAt time.Time
}

// AutoReply maps a substring pattern to a canned response.
type AutoReply struct {
	ID        int64
	Pattern   string
	Reply     string
	CreatedAt time.Time
}
