// Package session manages short-lived payment sessions. A session is the
// handle an agent receives at initiate time and spends exactly once at
// confirm time; expired or already-claimed sessions are rejected.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/payclaw/payclaw/internal/idgen"
)

var (
	ErrNotFound       = errors.New("session: not found")
	ErrExpired        = errors.New("session: expired")
	ErrAlreadyClaimed = errors.New("session: already claimed")
)

// DefaultTTL is how long an agent has to deposit and confirm.
const DefaultTTL = 10 * time.Minute

// Session is a pending payment awaiting an on-chain deposit.
type Session struct {
	ID            string
	AmountCents   int64 // requested purchase amount
	BufferedCents int64 // amount the agent must deposit, including buffer
	PayerAddress  string
	MerchantName  string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	ClaimedAt     *time.Time
}

// Expired reports whether the session TTL has passed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Manager is an in-memory session store with TTL enforcement. Sessions are
// ephemeral by design: losing them on restart only forces the agent to
// initiate again, it never loses funds.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// Option configures the manager
type Option func(*Manager)

// WithTTL overrides the session lifetime
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithClock overrides the time source (useful for testing)
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an empty session manager
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new session and returns it
func (m *Manager) Create(amountCents, bufferedCents int64, payerAddress, merchantName string) *Session {
	now := m.now().UTC()
	s := &Session{
		ID:            idgen.WithPrefix("ps_"),
		AmountCents:   amountCents,
		BufferedCents: bufferedCents,
		PayerAddress:  payerAddress,
		MerchantName:  merchantName,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	return s
}

// Get returns a session without consuming it
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Expired(m.now()) {
		return nil, ErrExpired
	}
	cp := *s
	return &cp, nil
}

// Claim consumes a session. Exactly one caller wins; concurrent claims of
// the same session see ErrAlreadyClaimed.
func (m *Manager) Claim(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Expired(m.now()) {
		return nil, ErrExpired
	}
	if s.ClaimedAt != nil {
		return nil, ErrAlreadyClaimed
	}

	now := m.now().UTC()
	s.ClaimedAt = &now
	cp := *s
	return &cp, nil
}

// Release un-claims a session after a downstream failure so the agent can
// retry confirm with the same deposit.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		s.ClaimedAt = nil
	}
}

// Count returns the number of live sessions (expired included until swept)
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// sweep removes expired sessions and returns how many were dropped
func (m *Manager) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	dropped := 0
	for id, s := range m.sessions {
		// Claimed sessions are kept until expiry for duplicate-claim errors.
		if s.Expired(now) {
			delete(m.sessions, id)
			dropped++
		}
	}
	return dropped
}

// Sweeper periodically drops expired sessions from the manager.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper for the given manager.
func NewSweeper(manager *Manager, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		manager:  manager,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if dropped := s.manager.sweep(); dropped > 0 {
				s.logger.Debug("swept expired payment sessions", "dropped", dropped)
			}
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}
