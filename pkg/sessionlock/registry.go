// Package sessionlock implements the session-keyed exclusive-lock registry
// called for by spec.md §5 and DESIGN NOTES: the per-session mutex that
// serializes every read-modify-write cycle on one Session, with entries
// garbage-collected once no request holds them, rather than a process-wide
// global mutex table that never shrinks.
package sessionlock

import (
	"context"
	"sync"

	"github.com/pesio-ai/be-screening-workflow/pkg/apperrors"
)

// entry is one session's lock, modeled as a size-1 channel so Acquire can
// select on it alongside ctx.Done(), plus a waiter count so the registry
// knows when it is safe to delete the entry.
type entry struct {
	slot    chan struct{}
	waiters int
}

func newEntry() *entry {
	e := &entry{slot: make(chan struct{}, 1)}
	e.slot <- struct{}{}
	return e
}

// Registry hands out one exclusive lock per session id. Acquire blocks
// until the lock is free or ctx's deadline passes, at which point it
// returns apperrors.Busy — spec.md §5's "BUSY without side effects".
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Release hands the session's lock back to the registry.
type Release func()

// Acquire blocks (suspendable on ctx) until the exclusive lock for
// sessionID is held by the caller, or returns an error if ctx is done
// first. On success, the caller MUST call the returned Release exactly
// once when done.
func (r *Registry) Acquire(ctx context.Context, sessionID string) (Release, error) {
	e := r.join(sessionID)

	select {
	case <-e.slot:
		return func() { r.put(sessionID, e) }, nil
	case <-ctx.Done():
		r.leave(sessionID, e)
		return nil, apperrors.New(apperrors.Busy, "timed out waiting for session lock").
			WithDetailsf("session_id=%s", sessionID)
	}
}

// join registers the caller as a waiter on sessionID's entry, creating it if
// this is the first waiter.
func (r *Registry) join(sessionID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok {
		e = newEntry()
		r.entries[sessionID] = e
	}
	e.waiters++
	return e
}

// leave drops the caller's waiter reference without touching the slot
// (used when Acquire gives up before winning it).
func (r *Registry) leave(sessionID string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeIfIdle(sessionID, e)
}

// put returns the slot to the entry (making the lock available again) and
// drops the caller's waiter reference.
func (r *Registry) put(sessionID string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.slot <- struct{}{}
	r.removeIfIdle(sessionID, e)
}

// removeIfIdle must be called with r.mu held. It decrements the waiter
// count and, if this was the last waiter, removes the entry so the
// registry does not grow without bound.
func (r *Registry) removeIfIdle(sessionID string, e *entry) {
	e.waiters--
	if e.waiters <= 0 {
		if cur, ok := r.entries[sessionID]; ok && cur == e {
			delete(r.entries, sessionID)
		}
	}
}
