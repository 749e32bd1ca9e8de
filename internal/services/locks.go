package services

import (
	"sync"

	"github.com/google/uuid"
)

// sessionLocks serializes commits per session so concurrent turns on the
// same session interleave whole turns, never half-turns. Entries are kept
// for the process lifetime; the map is bounded by the number of live
// sessions this instance has served.
type sessionLocks struct {
	mu sync.Mutex
	m  map[uuid.UUID]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{m: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *sessionLocks) get(sessionID uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.m[sessionID]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.m[sessionID] = m
	return m
}
