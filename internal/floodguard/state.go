package floodguard

import (
	"sync"
	"time"
)

// State is the transient per-user flood state. It is deliberately not
// persisted: a restart loses active mutes and open windows, which is an
// accepted trade-off (bans are durable).
type State struct {
	Timestamps []time.Time
	MuteUntil  time.Time
}

// StateStore is a keyed in-memory store with a per-key mutual-exclusion
// contract: callers must hold Lock(userID) around Get/Set/Clear for that
// user, otherwise two interleaved read-modify-writes can both observe the
// same pre-breach window and lose an update.
//
// Entries are never removed from the map; Clear only zeroes the state.
// This keeps the per-user mutex identity stable for concurrent lockers.
type StateStore struct {
	mu      sync.Mutex
	entries map[int64]*stateEntry
}

type stateEntry struct {
	mu sync.Mutex
	st State
}

func NewStateStore() *StateStore {
	return &StateStore{entries: map[int64]*stateEntry{}}
}

func (s *StateStore) entry(userID int64) *stateEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok {
		e = &stateEntry{}
		s.entries[userID] = e
	}
	return e
}

// Lock acquires the per-user mutex and returns the unlock func.
func (s *StateStore) Lock(userID int64) func() {
	e := s.entry(userID)
	e.mu.Lock()
	return e.mu.Unlock
}

// Get returns a copy of the user's state.
func (s *StateStore) Get(userID int64) State {
	e := s.entry(userID)
	cp := e.st
	cp.Timestamps = append([]time.Time(nil), e.st.Timestamps...)
	return cp
}

func (s *StateStore) Set(userID int64, st State) {
	s.entry(userID).st = st
}

// Clear drops the user's transient state.
func (s *StateStore) Clear(userID int64) {
	s.entry(userID).st = State{}
}
