// Package facilitator tracks, per session, whether a facilitator is online
// and runs the grace timer that opens the role to volunteers once the last
// facilitator has been gone too long.
package facilitator

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/pokerdash/internal/poker"
)

const DefaultGrace = 2 * time.Minute

type Timer interface {
	Stop() bool
}

// Clock abstracts time so the grace window can be driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// DeadlineFunc is invoked from the timer goroutine when a grace window ends.
// gen identifies the window; pass it back to Expire.
type DeadlineFunc func(sessionID string, gen uint64)

type tracker struct {
	online   int
	phase    poker.FacilitatorPhase
	deadline time.Time
	timer    Timer
	gen      uint64
}

func (t *tracker) status() poker.FacilitatorStatus {
	st := poker.FacilitatorStatus{Phase: t.phase}
	if t.phase == poker.PhaseGrace {
		d := t.deadline
		st.Deadline = &d
	}
	return st
}

func (t *tracker) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*tracker
	clock      Clock
	grace      time.Duration
	onDeadline DeadlineFunc
}

type Option func(*Manager)

func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*tracker),
		clock:    realClock{},
		grace:    DefaultGrace,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnDeadline sets the callback run when a grace window elapses.
func (m *Manager) OnDeadline(f DeadlineFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDeadline = f
}

func (m *Manager) Grace() time.Duration { return m.grace }

func (m *Manager) get(sessionID string) (*tracker, bool) {
	t := m.sessions[sessionID]
	if t == nil {
		t = &tracker{phase: poker.PhaseStaffed}
		m.sessions[sessionID] = t
		return t, true
	}
	return t, false
}

// Observe records the number of online facilitators after a commit and
// reports the resulting status and whether the phase changed. Going from
// some to none starts a grace window, and so does a first observation with
// none online, so a session whose creator never connects still opens up to
// volunteers. Any facilitator online returns the session to Staffed and
// cancels a pending timer. Calling it repeatedly with the same count is a
// no-op.
func (m *Manager) Observe(sessionID string, online int) (poker.FacilitatorStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, fresh := m.get(sessionID)
	prev := t.online
	t.online = online

	if online > 0 {
		if t.phase == poker.PhaseStaffed {
			return t.status(), false
		}
		t.stop()
		t.gen++
		t.phase = poker.PhaseStaffed
		log.Info().Str("session", sessionID).Msg("facilitator back online")
		return t.status(), true
	}
	if t.phase != poker.PhaseStaffed || (prev == 0 && !fresh) {
		return t.status(), false
	}
	m.startGrace(sessionID, t)
	return t.status(), true
}

func (m *Manager) startGrace(sessionID string, t *tracker) {
	t.stop()
	t.gen++
	gen := t.gen
	t.phase = poker.PhaseGrace
	t.deadline = m.clock.Now().Add(m.grace)
	t.timer = m.clock.AfterFunc(m.grace, func() { m.fire(sessionID, gen) })
	log.Info().Str("session", sessionID).Time("deadline", t.deadline).Msg("last facilitator offline, grace period started")
}

// Seed puts a session with no facilitator online straight into Grace, as if
// its last facilitator had just disconnected. Used for sessions restored at
// boot.
func (m *Manager) Seed(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, _ := m.get(sessionID)
	if t.phase == poker.PhaseStaffed && t.online == 0 {
		m.startGrace(sessionID, t)
	}
}

func (m *Manager) fire(sessionID string, gen uint64) {
	m.mu.Lock()
	t := m.sessions[sessionID]
	valid := t != nil && t.gen == gen && t.phase == poker.PhaseGrace
	f := m.onDeadline
	m.mu.Unlock()
	if !valid {
		return
	}
	if f == nil {
		m.Expire(sessionID, gen)
		return
	}
	f(sessionID, gen)
}

// Expire moves the session from Grace to AwaitingVolunteer if gen still
// names the current grace window. Callers re-check under the session lock
// that no facilitator came back before calling it.
func (m *Manager) Expire(sessionID string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.sessions[sessionID]
	if t == nil || t.gen != gen || t.phase != poker.PhaseGrace || t.online > 0 {
		return false
	}
	t.timer = nil
	t.phase = poker.PhaseAwaitingVolunteer
	t.deadline = time.Time{}
	log.Info().Str("session", sessionID).Msg("grace period over, awaiting volunteer")
	return true
}

// Cancel stops any pending grace timer and marks the session Staffed. Used
// when an explicit transfer lands.
func (m *Manager) Cancel(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.sessions[sessionID]
	if t == nil {
		return
	}
	t.stop()
	t.gen++
	t.phase = poker.PhaseStaffed
	t.deadline = time.Time{}
}

func (m *Manager) Status(sessionID string) poker.FacilitatorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.sessions[sessionID]
	if t == nil {
		return poker.FacilitatorStatus{Phase: poker.PhaseStaffed}
	}
	return t.status()
}

// Forget drops all state for a deleted session.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.sessions[sessionID]; t != nil {
		t.stop()
		delete(m.sessions, sessionID)
	}
}

// Pending counts sessions with a running grace timer.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.sessions {
		if t.timer != nil {
			n++
		}
	}
	return n
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
