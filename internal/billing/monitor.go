package billing

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"temerio/api/internal/clock"
	"temerio/api/internal/remote"
)

const DefaultInterval = time.Minute

type statusChecker interface {
	Check(context.Context, Caller) (Status, error)
}

// Snapshot is the last known status for a tracked session. Loading is true
// while a check is in flight.
type Snapshot struct {
	Status
	Loading   bool      `json:"loading"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

type tracked struct {
	caller   Caller
	snapshot Snapshot
	checked  bool
}

// Monitor keeps a status snapshot for every live session and re-checks them
// on an interval. Sessions leave the monitor when they are untracked, when
// their token expires, or when the billing service rejects their token.
type Monitor struct {
	checker  statusChecker
	clock    clock.Clock
	interval time.Duration

	mu       sync.Mutex
	sessions map[string]*tracked
}

func NewMonitor(checker statusChecker, c clock.Clock, interval time.Duration) *Monitor {
	if c == nil {
		c = clock.Real{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{checker: checker, clock: c, interval: interval, sessions: make(map[string]*tracked)}
}

// Track starts or updates tracking for caller without checking. Expired
// callers are not tracked.
func (m *Monitor) Track(caller Caller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackLocked(caller)
}

func (m *Monitor) trackLocked(caller Caller) {
	key := caller.Key()
	if caller.expired(m.clock.Now()) {
		delete(m.sessions, key)
		return
	}
	if t, ok := m.sessions[key]; ok {
		t.caller = caller
		return
	}
	m.sessions[key] = &tracked{caller: caller}
}

// Untrack stops tracking the session identified by key (see Caller.Key).
func (m *Monitor) Untrack(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
}

func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Monitor) Snapshot(key string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[key]
	if !ok || !t.checked {
		return Snapshot{}, false
	}
	return t.snapshot, true
}

// Get returns the tracked snapshot, checking once when none exists yet.
func (m *Monitor) Get(ctx context.Context, caller Caller) (Snapshot, error) {
	m.Track(caller)
	if snap, ok := m.Snapshot(caller.Key()); ok {
		return snap, nil
	}
	return m.check(ctx, caller)
}

// Refresh checks caller now. On failure the previous snapshot is kept and
// only the loading flag is cleared.
func (m *Monitor) Refresh(ctx context.Context, caller Caller) (Snapshot, error) {
	m.Track(caller)
	return m.check(ctx, caller)
}

// check runs one status check for an already tracked caller. It never adds
// the caller back if it was untracked meanwhile.
func (m *Monitor) check(ctx context.Context, caller Caller) (Snapshot, error) {
	key := caller.Key()
	m.setLoading(key, true)

	status, err := m.checker.Check(ctx, caller)

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[key]
	if !ok {
		return Snapshot{Status: status, CheckedAt: m.clock.Now()}, err
	}
	t.snapshot.Loading = false
	if err != nil {
		if unauthorized(err) {
			delete(m.sessions, key)
		}
		return t.snapshot, err
	}
	t.snapshot = Snapshot{Status: status, CheckedAt: m.clock.Now()}
	t.checked = true
	return t.snapshot, nil
}

// Tick drops expired sessions and re-checks every remaining one once.
func (m *Monitor) Tick(ctx context.Context) {
	now := m.clock.Now()
	m.mu.Lock()
	callers := make([]Caller, 0, len(m.sessions))
	for key, t := range m.sessions {
		if t.caller.expired(now) {
			delete(m.sessions, key)
			continue
		}
		callers = append(callers, t.caller)
	}
	m.mu.Unlock()

	for _, caller := range callers {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.check(ctx, caller); err != nil {
			if unauthorized(err) {
				log.Printf("billing: token rejected for user %s, untracked session %s", caller.UserID, caller.Key())
				continue
			}
			log.Printf("billing: status check for user %s failed: %v", caller.UserID, err)
		}
	}
}

// Run ticks on the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

func (m *Monitor) setLoading(key string, loading bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.sessions[key]; ok {
		t.snapshot.Loading = loading
	}
}

func unauthorized(err error) bool {
	var remoteErr *remote.Error
	return errors.As(err, &remoteErr) && remoteErr.Status == http.StatusUnauthorized
}
