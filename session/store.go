package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"rootbot/observability"
)

// ErrNoSession is returned when the user has no live session.
var ErrNoSession = errors.New("session: no active session")

// DefaultIdleTimeout is how long a session survives without input.
const DefaultIdleTimeout = 10 * time.Minute

// Mutator edits a private copy of a session. Returning an error discards the copy.
type Mutator func(*Session) error

type slot struct {
	mu   sync.Mutex
	refs int
	sess *Session
}

// Store keeps at most one session per user. Operations on one user are
// serialised; different users never wait on each other beyond the map lookup.
type Store struct {
	mu    sync.Mutex
	slots map[string]*slot

	idle    time.Duration
	clock   func() time.Time
	logger  *slog.Logger
	metrics *observability.FlowdMetrics

	token  atomic.Uint64
	active atomic.Int64
}

// Option customises the store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIdleTimeout sets how long a session may sit without input.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.idle = d
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.FlowdMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore constructs an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		slots:   make(map[string]*slot),
		idle:    DefaultIdleTimeout,
		clock:   time.Now,
		logger:  slog.Default(),
		metrics: observability.Flowd(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IdleTimeout returns the configured idle timeout.
func (s *Store) IdleTimeout() time.Duration { return s.idle }

func (s *Store) acquire(userID string) *slot {
	sl := s.ref(userID)
	sl.mu.Lock()
	return sl
}

// tryAcquire is acquire without waiting. It returns nil when the slot is held.
func (s *Store) tryAcquire(userID string) *slot {
	sl := s.ref(userID)
	if sl.mu.TryLock() {
		return sl
	}
	s.unref(userID, sl)
	return nil
}

func (s *Store) ref(userID string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[userID]
	if !ok {
		sl = &slot{}
		s.slots[userID] = sl
	}
	sl.refs++
	return sl
}

func (s *Store) release(userID string, sl *slot) {
	sl.mu.Unlock()
	s.unref(userID, sl)
}

func (s *Store) unref(userID string, sl *slot) {
	s.mu.Lock()
	sl.refs--
	if sl.refs == 0 && sl.sess == nil {
		delete(s.slots, userID)
	}
	s.mu.Unlock()
}

// live returns the slot's session unless it is missing or idle past the
// timeout, in which case it is dropped. Caller holds sl.mu.
func (s *Store) live(sl *slot, now time.Time) *Session {
	if sl.sess == nil {
		return nil
	}
	if now.Sub(sl.sess.LastActivityAt) > s.idle {
		s.logger.Debug("session expired",
			slog.String("flow", string(sl.sess.Kind)),
			slog.String("step", string(sl.sess.Step)))
		s.drop(sl)
		s.metrics.RecordExpired(1)
		return nil
	}
	return sl.sess
}

func (s *Store) drop(sl *slot) {
	if sl.sess == nil {
		return
	}
	sl.sess = nil
	s.metrics.SetActiveSessions(int(s.active.Add(-1)))
}

// Get returns a snapshot of the user's live session.
func (s *Store) Get(userID string) (Session, bool) {
	sl := s.acquire(userID)
	defer s.release(userID, sl)
	sess := s.live(sl, s.clock())
	if sess == nil {
		return Session{}, false
	}
	return sess.Clone(), true
}

// Start replaces any session the user has with a fresh one of the given kind.
func (s *Store) Start(userID string, kind Kind, owner common.Address) Session {
	sl := s.acquire(userID)
	defer s.release(userID, sl)
	now := s.clock()
	if sl.sess == nil {
		s.metrics.SetActiveSessions(int(s.active.Add(1)))
	}
	sl.sess = &Session{
		UserID:         userID,
		Kind:           kind,
		Step:           StepSelectAsset,
		Token:          s.token.Add(1),
		Owner:          owner,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	return sl.sess.Clone()
}

// Advance applies fn to a copy of the user's session and commits the copy when
// fn succeeds. Sessions reaching a terminal step are removed in the same
// critical section. On error the stored fields and step are untouched, only the
// activity time moves, and the snapshot is returned alongside the error.
func (s *Store) Advance(userID string, fn Mutator) (Session, error) {
	sl := s.acquire(userID)
	defer s.release(userID, sl)
	current := s.live(sl, s.clock())
	if current == nil {
		return Session{}, ErrNoSession
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		current.LastActivityAt = s.clock()
		return current.Clone(), err
	}
	next.UserID = current.UserID
	next.Kind = current.Kind
	next.Token = current.Token
	next.Owner = current.Owner
	next.CreatedAt = current.CreatedAt
	next.LastActivityAt = s.clock()
	if next.Step.Terminal() {
		s.drop(sl)
		return next, nil
	}
	*sl.sess = next
	return next.Clone(), nil
}

// End removes the user's session. It reports whether one existed.
func (s *Store) End(userID string) bool {
	sl := s.acquire(userID)
	defer s.release(userID, sl)
	existed := sl.sess != nil
	s.drop(sl)
	return existed
}

// Expire removes every session idle past the timeout as of now and returns how
// many were removed. Slots busy with a step are skipped. Nothing is submitted
// on expiry.
func (s *Store) Expire(now time.Time) int {
	s.mu.Lock()
	users := make([]string, 0, len(s.slots))
	for userID := range s.slots {
		users = append(users, userID)
	}
	s.mu.Unlock()

	removed := 0
	for _, userID := range users {
		sl := s.tryAcquire(userID)
		if sl == nil {
			continue
		}
		if sl.sess != nil && now.Sub(sl.sess.LastActivityAt) > s.idle {
			s.drop(sl)
			removed++
		}
		s.release(userID, sl)
	}
	if removed > 0 {
		s.metrics.RecordExpired(removed)
		s.logger.Info("expired idle sessions", slog.Int("count", removed))
	}
	return removed
}

// Len returns the number of live sessions, including ones not yet swept.
func (s *Store) Len() int { return int(s.active.Load()) }

// Run sweeps idle sessions every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Expire(s.clock())
		}
	}
}
