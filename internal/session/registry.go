// Package session tracks which browser tabs are attached to the bridge.
//
// A Registry maps issued tokens to live control connections. It permits several
// concurrent tokens; Any answers "is a browser attached" with the oldest one.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/ira/internal/obs"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrEmpty          = errors.New("no session attached")
	ErrDuplicateToken = errors.New("token already registered")
)

// Conn is the handle the registry keeps for an attached browser.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
	RemoteAddr() string
}

// Session pairs a token with its connection.
type Session struct {
	Token     string
	Conn      Conn
	Connected time.Time
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string // registration order, oldest first
	waiters  []chan struct{}
	mirror   Mirror
}

func NewRegistry(mirror Mirror) *Registry {
	if mirror == nil {
		mirror = nopMirror{}
	}
	return &Registry{
		sessions: make(map[string]*Session),
		mirror:   mirror,
	}
}

// Issue returns a random token distinct from every attached session's.
func (r *Registry) Issue() string {
	for {
		tok := strings.ReplaceAll(uuid.NewString(), "-", "")
		r.mu.Lock()
		_, taken := r.sessions[tok]
		r.mu.Unlock()
		if !taken {
			return tok
		}
	}
}

// Register records the session and wakes everyone blocked in WaitAttached.
func (r *Registry) Register(token string, conn Conn) error {
	r.mu.Lock()
	if _, exists := r.sessions[token]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateToken, token)
	}
	s := &Session{Token: token, Conn: conn, Connected: time.Now()}
	r.sessions[token] = s
	r.order = append(r.order, token)
	waiters := r.waiters
	r.waiters = nil
	r.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	obs.ActiveSessions.Inc()
	r.mirror.Announce(*s)
	return nil
}

// Unregister drops token. Unknown tokens are ignored.
func (r *Registry) Unregister(token string) {
	r.mu.Lock()
	if _, ok := r.sessions[token]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, token)
	for i, t := range r.order {
		if t == token {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	obs.ActiveSessions.Dec()
	r.mirror.Withdraw(token)
}

func (r *Registry) Lookup(token string) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Conn, nil
}

// Any returns the oldest attached session.
func (r *Registry) Any() (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return Session{}, ErrEmpty
	}
	return *r.sessions[r.order[0]], nil
}

// All returns a snapshot of attached sessions, oldest first.
func (r *Registry) All() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, *r.sessions[t])
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// WaitAttached blocks until at least one session is registered or ctx ends.
func (r *Registry) WaitAttached(ctx context.Context) error {
	r.mu.Lock()
	if len(r.sessions) > 0 {
		r.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	r.waiters = append(r.waiters, ch)
	r.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		for i, w := range r.waiters {
			if w == ch {
				r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		return ctx.Err()
	}
}
