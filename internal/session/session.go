// Package session tracks the single in-flight streaming job and implements
// supersession: starting a new session cancels whichever one preceded it.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

var (
	// ErrSuperseded is the cancellation cause of a session replaced by a newer one.
	ErrSuperseded = eris.New("session: superseded by a newer session")
	// ErrCompleted is the cancellation cause of a session that ended normally.
	ErrCompleted = eris.New("session: completed")
)

// Session is one logical streaming job. Its context is the cancellation token
// observed by the orchestrator.
type Session struct {
	ID        string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Context returns the session's cancellation context.
func (s *Session) Context() context.Context { return s.ctx }

// Cancelled reports whether the session has been cancelled for any reason.
func (s *Session) Cancelled() bool { return s.ctx.Err() != nil }

// Cause returns why the session was cancelled, or nil while it is live.
func (s *Session) Cause() error { return context.Cause(s.ctx) }

// Registry holds the current session. The zero value is ready to use.
type Registry struct {
	mu      sync.Mutex
	current *Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Start cancels the current session, if any, and installs a fresh one derived
// from parent. The previous session is already cancelled when Start returns.
func (r *Registry) Start(parent context.Context) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	s := &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev := r.current; prev != nil {
		prev.cancel(ErrSuperseded)
		zap.L().Debug("session: superseded",
			zap.String("previous", prev.ID),
			zap.String("session", s.ID),
		)
	}
	r.current = s
	return s
}

// End cancels s and clears it if it is still current. Ending a session that
// was already superseded or ended is a no-op apart from the cancel.
func (r *Registry) End(s *Session) {
	if s == nil {
		return
	}
	s.cancel(ErrCompleted)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == s {
		r.current = nil
	}
}

// Current returns the current session, or nil.
func (r *Registry) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
