package poker

import (
	"crypto/rand"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCodeLength   = 5
	DefaultCodeAttempts = 16
	DefaultIdleTimeout  = 2 * time.Hour
)

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Observer is told about every commit and deletion. Committed runs with the
// session lock held, in commit order; s is shared with other observers and
// must be treated as read-only. Deleted runs after all locks are released.
type Observer interface {
	Committed(s *Session, events []Event)
	Deleted(id string)
}

type entry struct {
	mu      sync.Mutex
	s       *Session
	good    *Session // last state that passed Check
	deleted bool
}

// Store owns all live sessions. Each session is guarded by its own lock, so
// sessions never contend with each other.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*entry
	byCode    map[string]string
	observers []Observer

	now          func() time.Time
	newCode      func(n int) string
	codeLength   int
	codeAttempts int
	idle         time.Duration
	checks       []func(*Session) error
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

// WithCodeGenerator replaces the random join-code source, mostly for tests.
func WithCodeGenerator(f func(n int) string) Option {
	return func(st *Store) { st.newCode = f }
}

func WithCodeLength(n, attempts int) Option {
	return func(st *Store) {
		if n > 0 {
			st.codeLength = n
		}
		if attempts > 0 {
			st.codeAttempts = attempts
		}
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(st *Store) {
		if d > 0 {
			st.idle = d
		}
	}
}

// WithCheck adds a validation run on every state before it is committed, in
// addition to the built-in structural rules.
func WithCheck(f func(*Session) error) Option {
	return func(st *Store) { st.checks = append(st.checks, f) }
}

func NewStore(opts ...Option) *Store {
	st := &Store{
		byID:         make(map[string]*entry),
		byCode:       make(map[string]string),
		now:          func() time.Time { return time.Now().UTC() },
		newCode:      randomCode,
		codeLength:   DefaultCodeLength,
		codeAttempts: DefaultCodeAttempts,
		idle:         DefaultIdleTimeout,
	}
	for _, o := range opts {
		o(st)
	}
	return st
}

// Observe registers o. Observers are called in registration order.
func (st *Store) Observe(o Observer) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.observers = append(st.observers, o)
}

func (st *Store) Now() time.Time { return st.now() }

func (st *Store) IdleTimeout() time.Duration { return st.idle }

func randomCode(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = codeAlphabet[v.Int64()]
	}
	return string(b)
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (st *Store) observerList() []Observer {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]Observer(nil), st.observers...)
}

// CreateSession starts a session with the creator as its sole facilitator.
func (st *Store) CreateSession(title, facilitatorName, scale string) (*Session, error) {
	title, err := cleanText("title", title, MaxTitleLength, true)
	if err != nil {
		return nil, err
	}
	name, err := cleanText("name", facilitatorName, MaxNameLength, true)
	if err != nil {
		return nil, err
	}
	sc, err := LookupScale(scale)
	if err != nil {
		return nil, err
	}

	now := st.now()
	s := &Session{
		ID:     uuid.NewString(),
		Title:  title,
		Scale:  sc.Name,
		Status: StatusWaiting,
		Participants: []*Participant{{
			ID:       uuid.NewString(),
			Name:     name,
			Role:     RoleFacilitator,
			JoinedAt: now,
			Token:    uuid.NewString(),
		}},
		Stories:   []*Story{},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(st.idle),
	}
	e := &entry{s: s, good: s.Clone()}

	st.mu.Lock()
	for i := 0; i < st.codeAttempts; i++ {
		code := st.newCode(st.codeLength)
		if _, taken := st.byCode[code]; !taken {
			s.Code = code
			break
		}
	}
	if s.Code == "" {
		st.mu.Unlock()
		log.Warn().Int("attempts", st.codeAttempts).Msg("join code space exhausted")
		return nil, ErrCodeSpaceExhausted
	}
	e.good.Code = s.Code
	e.mu.Lock()
	st.byID[s.ID] = e
	st.byCode[s.Code] = s.ID
	observers := append([]Observer(nil), st.observers...)
	st.mu.Unlock()

	for _, o := range observers {
		o.Committed(e.good, nil)
	}
	out := e.good.Clone()
	e.mu.Unlock()

	log.Info().Str("session", s.ID).Str("code", s.Code).Str("scale", s.Scale).Msg("session created")
	return out, nil
}

func (st *Store) lookup(id string) *entry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.byID[id]
}

// Get returns a snapshot of the session.
func (st *Store) Get(id string) (*Session, error) {
	e := st.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	if !st.now().Before(e.s.ExpiresAt) {
		e.mu.Unlock()
		st.expire(id)
		return nil, ErrNotFound
	}
	out := e.s.Clone()
	e.mu.Unlock()
	return out, nil
}

// Lookup resolves a join code, case-insensitively, to a session snapshot.
func (st *Store) Lookup(code string) (*Session, error) {
	st.mu.RLock()
	id, ok := st.byCode[normalizeCode(code)]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return st.Get(id)
}

// Check reports whether s may be committed.
func (st *Store) Check(s *Session) error {
	if err := s.checkInvariants(); err != nil {
		return err
	}
	for _, f := range st.checks {
		if err := f(s); err != nil {
			return err
		}
	}
	return nil
}

// Apply runs fn against the session under its lock. When fn succeeds and the
// result passes Check the change is committed: timestamps are refreshed and
// observers see the new state before the lock is released. When fn fails the
// session is rolled back to the last good state and fn's error returned; a
// state that fails Check is rolled back too and the caller gets ErrInternal.
// fn should call Check itself before any side effect outside the session
// that a rollback could not undo.
func (st *Store) Apply(id string, fn func(s *Session, now time.Time) ([]Event, error)) (*Session, error) {
	e := st.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	now := st.now()
	if !now.Before(e.s.ExpiresAt) {
		e.mu.Unlock()
		st.expire(id)
		return nil, ErrNotFound
	}

	events, err := fn(e.s, now)
	if err != nil {
		e.s = e.good.Clone()
		e.mu.Unlock()
		return nil, err
	}
	if verr := st.Check(e.s); verr != nil {
		e.s = e.good.Clone()
		e.mu.Unlock()
		log.Error().Err(verr).Str("session", id).Msg("invariant violated, restored last good state")
		return nil, ErrInternal
	}

	e.s.UpdatedAt = now
	e.s.ExpiresAt = now.Add(st.idle)
	e.good = e.s.Clone()
	for _, o := range st.observerList() {
		o.Committed(e.good, events)
	}
	out := e.good.Clone()
	e.mu.Unlock()
	return out, nil
}

// JoinSession adds a member by join code. The returned participant belongs
// to the returned snapshot.
func (st *Store) JoinSession(code, name string) (*Session, *Participant, error) {
	st.mu.RLock()
	id, ok := st.byCode[normalizeCode(code)]
	st.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	var pid string
	s, err := st.Apply(id, func(s *Session, now time.Time) ([]Event, error) {
		p, _, err := s.join(name, now)
		if err != nil {
			return nil, err
		}
		pid = p.ID
		return []Event{participantEvent(EventParticipantJoined, p, false)}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return s, s.Participant(pid), nil
}

func (st *Store) dispatch(id string, action Action, actor string, p Payload) (*Session, error) {
	h := Dispatch[action]
	return st.Apply(id, func(s *Session, now time.Time) ([]Event, error) {
		return h(s, actor, p, Env{Now: now})
	})
}

func (st *Store) AddStory(id, actorID, title, description string) (*Session, error) {
	return st.dispatch(id, ActionAddStory, actorID, Payload{Title: title, Description: description})
}

func (st *Store) StartVoting(id, actorID, storyID string) (*Session, error) {
	return st.dispatch(id, ActionStartVoting, actorID, Payload{StoryID: storyID})
}

func (st *Store) SubmitVote(id, participantID, storyID, value string) (*Session, error) {
	return st.dispatch(id, ActionSubmitVote, participantID, Payload{StoryID: storyID, Value: value})
}

func (st *Store) RevealVotes(id, actorID, storyID string) (*Session, error) {
	return st.dispatch(id, ActionRevealVotes, actorID, Payload{StoryID: storyID})
}

func (st *Store) FinalizeEstimate(id, actorID, storyID, value string) (*Session, error) {
	return st.dispatch(id, ActionSetFinalEstimate, actorID, Payload{StoryID: storyID, Value: value})
}

func (st *Store) RevoteStory(id, actorID, storyID string) (*Session, error) {
	return st.dispatch(id, ActionRevoteStory, actorID, Payload{StoryID: storyID})
}

func (st *Store) LeaveSession(id, participantID string) (*Session, error) {
	return st.dispatch(id, ActionLeaveSession, participantID, Payload{})
}

// TransferFacilitatorRole hands the role from actorID to newID. With
// SystemActor as actor it promotes newID and demotes offline facilitators.
func (st *Store) TransferFacilitatorRole(id, actorID, newID string) (*Session, error) {
	return st.Apply(id, func(s *Session, _ time.Time) ([]Event, error) {
		to, err := s.transferFacilitator(actorID, newID)
		if err != nil {
			return nil, err
		}
		return []Event{transferEvent(actorID, to)}, nil
	})
}

// SetParticipantOnline records liveness. An unchanged flag still commits so
// observers see a consistent snapshot.
func (st *Store) SetParticipantOnline(id, participantID string, online bool) (*Session, error) {
	return st.Apply(id, func(s *Session, _ time.Time) ([]Event, error) {
		return SetOnline(s, participantID, online)
	})
}

// DeleteSession removes the session and its code. Deleting an unknown
// session is a no-op.
func (st *Store) DeleteSession(id string) {
	e := st.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	already := e.deleted
	e.deleted = true
	code := e.s.Code
	e.mu.Unlock()
	if already {
		return
	}

	st.mu.Lock()
	delete(st.byID, id)
	if st.byCode[code] == id {
		delete(st.byCode, code)
	}
	observers := append([]Observer(nil), st.observers...)
	st.mu.Unlock()

	for _, o := range observers {
		o.Deleted(id)
	}
	log.Info().Str("session", id).Str("code", code).Msg("session deleted")
}

func (st *Store) expire(id string) {
	log.Info().Str("session", id).Msg("session expired")
	st.DeleteSession(id)
}

// Sweep deletes every session idle past its expiry and returns their ids.
func (st *Store) Sweep(now time.Time) []string {
	st.mu.RLock()
	candidates := make([]*entry, 0)
	ids := make([]string, 0)
	for id, e := range st.byID {
		candidates = append(candidates, e)
		ids = append(ids, id)
	}
	st.mu.RUnlock()

	var expired []string
	for i, e := range candidates {
		e.mu.Lock()
		dead := !e.deleted && !now.Before(e.s.ExpiresAt)
		e.mu.Unlock()
		if dead {
			st.expire(ids[i])
			expired = append(expired, ids[i])
		}
	}
	sort.Strings(expired)
	return expired
}

// Restore loads previously persisted sessions. Everyone starts offline.
// Sessions that have expired, hold nil entries, fail validation or collide
// with a live code are skipped. Observers are not notified. Returns the
// restored ids.
func (st *Store) Restore(sessions []*Session) []string {
	now := st.now()
	var restored []string
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range sessions {
		if s == nil || s.ID == "" || s.Code == "" || !now.Before(s.ExpiresAt) {
			continue
		}
		if _, err := LookupScale(s.Scale); err != nil {
			continue
		}
		if _, ok := st.byID[s.ID]; ok {
			continue
		}
		if _, ok := st.byCode[s.Code]; ok {
			continue
		}
		if hasNil(s) {
			log.Warn().Str("session", s.ID).Msg("skipping persisted session with empty entries")
			continue
		}
		s = s.Clone()
		for _, p := range s.Participants {
			p.IsOnline = false
		}
		if err := st.Check(s); err != nil {
			log.Warn().Err(err).Str("session", s.ID).Msg("skipping invalid persisted session")
			continue
		}
		st.byID[s.ID] = &entry{s: s, good: s.Clone()}
		st.byCode[s.Code] = s.ID
		restored = append(restored, s.ID)
	}
	return restored
}

func hasNil(s *Session) bool {
	for _, p := range s.Participants {
		if p == nil {
			return true
		}
	}
	for _, x := range s.Stories {
		if x == nil {
			return true
		}
	}
	return false
}

// IDs lists live session ids in a stable order.
func (st *Store) IDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.byID))
	for id := range st.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byID)
}
