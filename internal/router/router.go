// Package router binds transport connections to session participants and
// fans committed session state out to them, one redacted view per viewer.
package router

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/pokerdash/internal/facilitator"
	"github.com/kiliankoe/pokerdash/internal/poker"
)

// Conn is one live client connection as seen by the router. Emit must not
// block.
type Conn interface {
	ID() string
	Emit(event string, payload any)
}

type ErrorPayload struct {
	Code    poker.Code   `json:"code"`
	Message string       `json:"message"`
	Action  poker.Action `json:"action,omitempty"`
}

// JoinReply goes to the joining connection only. Token is the secret needed
// to resume as the same participant later.
type JoinReply struct {
	SessionID     string     `json:"sessionId"`
	ParticipantID string     `json:"participantId"`
	Token         string     `json:"token"`
	Code          string     `json:"code"`
	Role          poker.Role `json:"role"`
}

type Stats struct {
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
	Routed      uint64 `json:"routed"`
	Errors      uint64 `json:"errors"`
	Broadcasts  uint64 `json:"broadcasts"`
}

var (
	errRebound = errors.New("participant rebound")
	errStale   = errors.New("stale grace deadline")

	ErrBadToken = &poker.Error{Code: poker.CodeForbidden, Message: "invalid resume token"}
)

type binding struct {
	conn          Conn
	sessionID     string
	participantID string
}

// Router owns the connection bindings. A participant has at most one live
// connection: binding a new one retires the old mapping, and a later unbind
// of the retired connection does nothing.
type Router struct {
	store *poker.Store
	fac   *facilitator.Manager

	mu      sync.RWMutex
	conns   map[string]*binding          // connection id -> binding
	members map[string]map[string]string // session id -> participant id -> connection id

	routed     atomic.Uint64
	errors     atomic.Uint64
	broadcasts atomic.Uint64
}

// New creates a router and registers it with store and fac.
func New(store *poker.Store, fac *facilitator.Manager) *Router {
	r := &Router{
		store:   store,
		fac:     fac,
		conns:   make(map[string]*binding),
		members: make(map[string]map[string]string),
	}
	store.Observe(r)
	fac.OnDeadline(r.ExpireGrace)
	return r
}

// Connect registers a fresh, unbound connection.
func (r *Router) Connect(c Conn) {
	r.mu.Lock()
	r.conns[c.ID()] = &binding{conn: c}
	r.mu.Unlock()
	log.Debug().Str("conn", c.ID()).Msg("connection opened")
}

// Disconnect unbinds and forgets the connection.
func (r *Router) Disconnect(connID string) {
	r.Unbind(connID)
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
	log.Debug().Str("conn", connID).Msg("connection closed")
}

func (r *Router) binding(connID string) (sessionID, participantID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b := r.conns[connID]
	if b == nil || b.sessionID == "" {
		return "", "", false
	}
	return b.sessionID, b.participantID, true
}

// owns reports whether connID is still the live connection of participantID.
func (r *Router) owns(connID, sessionID, participantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[sessionID][participantID] == connID
}

// canAttach reports why connID could not be bound to participantID.
func (r *Router) canAttach(connID, sessionID, participantID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkAttach(connID, sessionID, participantID)
}

func (r *Router) checkAttach(connID, sessionID, participantID string) error {
	b := r.conns[connID]
	if b == nil {
		return poker.ErrNotInSession
	}
	if b.sessionID != "" && (b.sessionID != sessionID || b.participantID != participantID) {
		return &poker.Error{Code: poker.CodeInvalidTransition, Message: "connection already joined a session"}
	}
	return nil
}

func (r *Router) attach(connID, sessionID, participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkAttach(connID, sessionID, participantID); err != nil {
		return err
	}
	b := r.conns[connID]
	m := r.members[sessionID]
	if m == nil {
		m = make(map[string]string)
		r.members[sessionID] = m
	}
	if old, ok := m[participantID]; ok && old != connID {
		if ob := r.conns[old]; ob != nil {
			ob.sessionID, ob.participantID = "", ""
		}
		log.Info().Str("session", sessionID).Str("participant", participantID).
			Str("old", old).Str("conn", connID).Msg("newer connection supersedes binding")
	}
	m[participantID] = connID
	b.sessionID, b.participantID = sessionID, participantID
	return nil
}

// detach removes connID's binding. It reports whether the connection was the
// participant's live one.
func (r *Router) detach(connID string) (sessionID, participantID string, current bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.conns[connID]
	if b == nil || b.sessionID == "" {
		return "", "", false
	}
	sessionID, participantID = b.sessionID, b.participantID
	b.sessionID, b.participantID = "", ""
	m := r.members[sessionID]
	if m[participantID] != connID {
		return sessionID, participantID, false
	}
	delete(m, participantID)
	if len(m) == 0 {
		delete(r.members, sessionID)
	}
	return sessionID, participantID, true
}

// Bind makes connID the live connection of participantID and marks the
// participant online. token must be the participant's resume token. The
// binding only changes once the new state has passed the store's checks, so
// a rejected commit leaves every connection where it was.
func (r *Router) Bind(connID, sessionID, participantID, token string) (*poker.Session, error) {
	return r.store.Apply(sessionID, func(s *poker.Session, _ time.Time) ([]poker.Event, error) {
		p := s.Participant(participantID)
		if p == nil {
			return nil, &poker.Error{Code: poker.CodeNotFound, Message: fmt.Sprintf("participant %s not found", participantID)}
		}
		if !p.Authenticate(token) {
			log.Warn().Str("session", sessionID).Str("participant", participantID).Str("conn", connID).Msg("resume with bad token")
			return nil, ErrBadToken
		}
		if err := r.canAttach(connID, sessionID, participantID); err != nil {
			return nil, err
		}
		events, err := poker.SetOnline(s, participantID, true)
		if err != nil {
			return nil, err
		}
		if err := r.check(s); err != nil {
			return nil, err
		}
		if err := r.attach(connID, sessionID, participantID); err != nil {
			return nil, err
		}
		return events, nil
	})
}

// check validates s before the router changes any binding for it.
func (r *Router) check(s *poker.Session) error {
	if err := r.store.Check(s); err != nil {
		log.Error().Err(err).Str("session", s.ID).Msg("invariant violated, binding unchanged")
		return poker.ErrInternal
	}
	return nil
}

// Unbind drops connID's binding and marks its participant offline unless a
// newer connection already took over.
func (r *Router) Unbind(connID string) {
	sessionID, participantID, current := r.detach(connID)
	if !current {
		return
	}
	_, err := r.store.Apply(sessionID, func(s *poker.Session, _ time.Time) ([]poker.Event, error) {
		if r.bound(sessionID, participantID) {
			return nil, errRebound
		}
		return poker.SetOnline(s, participantID, false)
	})
	switch {
	case err == nil, errors.Is(err, errRebound), errors.Is(err, poker.ErrNotFound):
	default:
		log.Error().Err(err).Str("session", sessionID).Str("participant", participantID).Msg("failed to mark participant offline")
	}
}

func (r *Router) bound(sessionID, participantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[sessionID][participantID]
	return ok
}

// Route runs action on behalf of the participant bound to connID. Failures
// are emitted as an error event to connID alone and returned.
func (r *Router) Route(connID string, action poker.Action, p poker.Payload) (any, error) {
	r.routed.Add(1)
	reply, err := r.route(connID, action, p)
	if err != nil {
		r.fail(connID, action, err)
		return nil, err
	}
	return reply, nil
}

func (r *Router) route(connID string, action poker.Action, p poker.Payload) (any, error) {
	switch action {
	case poker.ActionJoinSession:
		return r.join(connID, p)
	case poker.ActionLeaveSession:
		return r.leave(connID)
	}

	h, ok := poker.Dispatch[action]
	if !ok {
		return nil, &poker.Error{Code: poker.CodeInvalidInput, Message: fmt.Sprintf("unknown action %q", action)}
	}
	sessionID, participantID, ok := r.binding(connID)
	if !ok {
		return nil, poker.ErrNotInSession
	}
	_, err := r.store.Apply(sessionID, func(s *poker.Session, now time.Time) ([]poker.Event, error) {
		if !r.owns(connID, sessionID, participantID) {
			return nil, poker.ErrNotInSession
		}
		env := poker.Env{Now: now, Facilitator: r.fac.Status(sessionID)}
		return h(s, participantID, p, env)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// join resumes an existing participant when the payload names one, and
// otherwise joins a new member by code and name.
func (r *Router) join(connID string, p poker.Payload) (any, error) {
	if sid, pid, ok := r.binding(connID); ok && (p.ParticipantID == "" || sid != p.SessionID || pid != p.ParticipantID) {
		return nil, &poker.Error{Code: poker.CodeInvalidTransition, Message: "connection already joined a session"}
	}
	sessionID, participantID, token := p.SessionID, p.ParticipantID, p.Token
	switch {
	case participantID != "":
		if sessionID == "" || token == "" {
			return nil, &poker.Error{Code: poker.CodeInvalidInput, Message: "sessionId and token required to resume"}
		}
	case p.Code != "":
		s, part, err := r.store.JoinSession(p.Code, p.Name)
		if err != nil {
			return nil, err
		}
		sessionID, participantID, token = s.ID, part.ID, part.Token
	default:
		return nil, &poker.Error{Code: poker.CodeInvalidInput, Message: "code and name, or sessionId, participantId and token, required"}
	}

	s, err := r.Bind(connID, sessionID, participantID, token)
	if err != nil {
		return nil, err
	}
	role := poker.RoleMember
	if part := s.Participant(participantID); part != nil {
		role = part.Role
	}
	log.Info().Str("session", sessionID).Str("participant", participantID).Str("conn", connID).Msg("participant joined")
	return JoinReply{SessionID: s.ID, ParticipantID: participantID, Token: token, Code: s.Code, Role: role}, nil
}

func (r *Router) leave(connID string) (any, error) {
	sessionID, participantID, ok := r.binding(connID)
	if !ok {
		return nil, poker.ErrNotInSession
	}
	leave := poker.Dispatch[poker.ActionLeaveSession]
	s, err := r.store.Apply(sessionID, func(s *poker.Session, now time.Time) ([]poker.Event, error) {
		if !r.owns(connID, sessionID, participantID) {
			return nil, poker.ErrNotInSession
		}
		events, err := leave(s, participantID, poker.Payload{}, poker.Env{Now: now})
		if err != nil {
			return nil, err
		}
		if err := r.check(s); err != nil {
			return nil, err
		}
		r.detach(connID)
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	if !s.Active() {
		log.Info().Str("session", sessionID).Msg("last participant left")
		r.store.DeleteSession(sessionID)
	}
	return map[string]any{"ok": true}, nil
}

func (r *Router) fail(connID string, action poker.Action, err error) {
	r.errors.Add(1)
	payload := ErrorPayload{Code: poker.CodeOf(err), Action: action}
	var pe *poker.Error
	if errors.As(err, &pe) {
		payload.Message = pe.Message
	} else {
		payload.Message = poker.ErrInternal.Message
		log.Error().Err(err).Str("conn", connID).Str("action", string(action)).Msg("action failed")
	}
	log.Debug().Str("conn", connID).Str("action", string(action)).Str("code", string(payload.Code)).Msg(payload.Message)

	r.mu.RLock()
	b := r.conns[connID]
	r.mu.RUnlock()
	if b != nil {
		b.conn.Emit(string(poker.EventError), payload)
	}
}

// Committed updates the facilitator lifecycle for the new state and
// broadcasts it. It runs under the session lock.
func (r *Router) Committed(s *poker.Session, events []poker.Event) {
	if poker.HasEvent(events, poker.EventFacilitatorTransferred) {
		r.fac.Cancel(s.ID)
	}
	status, changed := r.fac.Observe(s.ID, s.OnlineFacilitators())
	if changed && status.Phase == poker.PhaseGrace {
		events = append(events[:len(events):len(events)], poker.Event{
			Name:    poker.EventFacilitatorDisconnected,
			Payload: map[string]any{"deadline": status.Deadline},
		})
	}
	r.Broadcast(s, status, events)
}

type target struct {
	participantID string
	conn          Conn
}

func (r *Router) targets(sessionID string) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.members[sessionID]
	out := make([]target, 0, len(m))
	for pid, cid := range m {
		if b := r.conns[cid]; b != nil {
			out = append(out, target{participantID: pid, conn: b.conn})
		}
	}
	return out
}

// Broadcast delivers events followed by a personalized session-updated view
// to every connection bound to the session. All views come from s.
func (r *Router) Broadcast(s *poker.Session, status poker.FacilitatorStatus, events []poker.Event) {
	r.broadcasts.Add(1)
	for _, t := range r.targets(s.ID) {
		for _, ev := range events {
			t.conn.Emit(string(ev.Name), ev.Payload)
		}
		t.conn.Emit(string(poker.EventSessionUpdated), poker.ViewFor(s, t.participantID, status))
	}
}

// Deleted tells bound connections the session is gone and drops every
// binding and facilitator record for it.
func (r *Router) Deleted(sessionID string) {
	r.mu.Lock()
	var conns []Conn
	for _, cid := range r.members[sessionID] {
		if b := r.conns[cid]; b != nil {
			b.sessionID, b.participantID = "", ""
			conns = append(conns, b.conn)
		}
	}
	delete(r.members, sessionID)
	r.mu.Unlock()

	r.fac.Forget(sessionID)
	for _, c := range conns {
		c.Emit(string(poker.EventSessionDeleted), map[string]any{"sessionId": sessionID})
	}
}

// ExpireGrace is the facilitator manager's deadline callback. It re-checks
// under the session lock that nobody came back before opening the role to
// volunteers.
func (r *Router) ExpireGrace(sessionID string, gen uint64) {
	_, err := r.store.Apply(sessionID, func(s *poker.Session, _ time.Time) ([]poker.Event, error) {
		if s.OnlineFacilitators() > 0 {
			return nil, poker.ErrFacilitatorAvailable
		}
		if !r.fac.Expire(sessionID, gen) {
			return nil, errStale
		}
		return nil, nil
	})
	if err != nil {
		log.Debug().Err(err).Str("session", sessionID).Msg("grace deadline ignored")
	}
}

func (r *Router) Stats() Stats {
	r.mu.RLock()
	st := Stats{Connections: len(r.conns), Sessions: len(r.members)}
	r.mu.RUnlock()
	st.Routed = r.routed.Load()
	st.Errors = r.errors.Load()
	st.Broadcasts = r.broadcasts.Load()
	return st
}
