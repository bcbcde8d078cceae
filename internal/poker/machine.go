package poker

import (
	"time"
)

// Action names one client intent. The values double as socket event names.
type Action string

const (
	ActionJoinSession         Action = "join-session"
	ActionLeaveSession        Action = "leave-session"
	ActionAddStory            Action = "add-story"
	ActionStartVoting         Action = "start-voting"
	ActionSubmitVote          Action = "submit-vote"
	ActionRevealVotes         Action = "reveal-votes"
	ActionSetFinalEstimate    Action = "set-final-estimate"
	ActionRevoteStory         Action = "revote-story"
	ActionTransferFacilitator Action = "transfer-facilitator"
	ActionRequestFacilitator  Action = "request-facilitator"
)

// Actions lists every inbound action in a stable order.
var Actions = []Action{
	ActionJoinSession,
	ActionLeaveSession,
	ActionAddStory,
	ActionStartVoting,
	ActionSubmitVote,
	ActionRevealVotes,
	ActionSetFinalEstimate,
	ActionRevoteStory,
	ActionTransferFacilitator,
	ActionRequestFacilitator,
}

type EventName string

const (
	EventSessionUpdated          EventName = "session-updated"
	EventParticipantJoined       EventName = "participant-joined"
	EventParticipantLeft         EventName = "participant-left"
	EventVotingStarted           EventName = "voting-started"
	EventVotesRevealed           EventName = "votes-revealed"
	EventFinalEstimateSet        EventName = "final-estimate-set"
	EventRevoteStarted           EventName = "revote-started"
	EventFacilitatorDisconnected EventName = "facilitator-disconnected"
	EventFacilitatorTransferred  EventName = "facilitator-transferred"
	EventSessionDeleted          EventName = "session-deleted"
	EventError                   EventName = "error"
)

// Event is a granular notification produced by a committed action. Payloads
// never carry unrevealed vote values.
type Event struct {
	Name    EventName `json:"name"`
	Payload any       `json:"payload,omitempty"`
}

func HasEvent(events []Event, name EventName) bool {
	for _, ev := range events {
		if ev.Name == name {
			return true
		}
	}
	return false
}

// FacilitatorPhase is where a session sits in the facilitator-recovery
// lifecycle.
type FacilitatorPhase string

const (
	PhaseStaffed           FacilitatorPhase = "staffed"
	PhaseGrace             FacilitatorPhase = "grace"
	PhaseAwaitingVolunteer FacilitatorPhase = "awaiting_volunteer"
)

type FacilitatorStatus struct {
	Phase    FacilitatorPhase `json:"phase"`
	Deadline *time.Time       `json:"deadline,omitempty"`
}

// Payload is the union of fields any inbound action may carry.
type Payload struct {
	Code             string `json:"code,omitempty"`
	Name             string `json:"name,omitempty"`
	SessionID        string `json:"sessionId,omitempty"`
	ParticipantID    string `json:"participantId,omitempty"`
	Token            string `json:"token,omitempty"`
	Title            string `json:"title,omitempty"`
	Description      string `json:"description,omitempty"`
	StoryID          string `json:"storyId,omitempty"`
	Value            string `json:"value,omitempty"`
	NewFacilitatorID string `json:"newFacilitatorId,omitempty"`
}

// Env carries what a handler may read beyond the session itself.
type Env struct {
	Now         time.Time
	Facilitator FacilitatorStatus
}

// Handler applies one action for actor against s. It runs with the session
// lock held and must leave s untouched when it returns an error.
type Handler func(s *Session, actor string, p Payload, env Env) ([]Event, error)

// Dispatch maps session-scoped actions to their handlers. Joining is absent
// because it resolves a session by code before any session lock is held.
var Dispatch = map[Action]Handler{
	ActionLeaveSession:        handleLeave,
	ActionAddStory:            handleAddStory,
	ActionStartVoting:         handleStartVoting,
	ActionSubmitVote:          handleSubmitVote,
	ActionRevealVotes:         handleReveal,
	ActionSetFinalEstimate:    handleFinalize,
	ActionRevoteStory:         handleRevote,
	ActionTransferFacilitator: handleTransfer,
	ActionRequestFacilitator:  handleVolunteer,
}

// StoryEvent is the payload of voting-started, final-estimate-set and
// revote-started.
type StoryEvent struct {
	StoryID string `json:"storyId"`
	Title   string `json:"title"`
	Value   string `json:"value,omitempty"`
}

func participantEvent(name EventName, p *Participant, left bool) Event {
	return Event{Name: name, Payload: map[string]any{
		"participantId": p.ID,
		"name":          p.Name,
		"role":          p.Role,
		"left":          left,
	}}
}

func handleLeave(s *Session, actor string, _ Payload, _ Env) ([]Event, error) {
	p, err := s.leave(actor)
	if err != nil {
		return nil, err
	}
	return []Event{participantEvent(EventParticipantLeft, p, true)}, nil
}

func handleAddStory(s *Session, actor string, p Payload, env Env) ([]Event, error) {
	if _, err := s.addStory(actor, p.Title, p.Description, env.Now); err != nil {
		return nil, err
	}
	return nil, nil
}

func handleStartVoting(s *Session, actor string, p Payload, _ Env) ([]Event, error) {
	st, err := s.startVoting(actor, p.StoryID)
	if err != nil {
		return nil, err
	}
	return []Event{{Name: EventVotingStarted, Payload: StoryEvent{StoryID: st.ID, Title: st.Title}}}, nil
}

func handleSubmitVote(s *Session, actor string, p Payload, _ Env) ([]Event, error) {
	return nil, s.submitVote(actor, p.StoryID, p.Value)
}

func handleReveal(s *Session, actor string, p Payload, env Env) ([]Event, error) {
	st, err := s.reveal(actor, p.StoryID, env.Now)
	if err != nil {
		return nil, err
	}
	votes := make(map[string]string, len(st.Votes))
	for k, v := range st.Votes {
		votes[k] = v
	}
	return []Event{{Name: EventVotesRevealed, Payload: map[string]any{
		"storyId":    st.ID,
		"votes":      votes,
		"suggestion": s.scale().Suggest(st.Votes),
	}}}, nil
}

func handleFinalize(s *Session, actor string, p Payload, _ Env) ([]Event, error) {
	st, err := s.finalize(actor, p.StoryID, p.Value)
	if err != nil {
		return nil, err
	}
	return []Event{{Name: EventFinalEstimateSet, Payload: StoryEvent{StoryID: st.ID, Title: st.Title, Value: *st.FinalEstimate}}}, nil
}

func handleRevote(s *Session, actor string, p Payload, _ Env) ([]Event, error) {
	st, err := s.revote(actor, p.StoryID)
	if err != nil {
		return nil, err
	}
	return []Event{{Name: EventRevoteStarted, Payload: StoryEvent{StoryID: st.ID, Title: st.Title}}}, nil
}

// SetOnline records a participant's liveness. An unchanged flag produces no
// events.
func SetOnline(s *Session, participantID string, online bool) ([]Event, error) {
	p, changed, err := s.setOnline(participantID, online)
	if err != nil || !changed {
		return nil, err
	}
	if online {
		return []Event{participantEvent(EventParticipantJoined, p, false)}, nil
	}
	return []Event{participantEvent(EventParticipantLeft, p, false)}, nil
}

func transferEvent(from string, to *Participant) Event {
	return Event{Name: EventFacilitatorTransferred, Payload: map[string]any{
		"from":          from,
		"participantId": to.ID,
		"name":          to.Name,
	}}
}

func handleTransfer(s *Session, actor string, p Payload, _ Env) ([]Event, error) {
	if actor == SystemActor {
		return nil, ErrForbidden
	}
	to, err := s.transferFacilitator(actor, p.NewFacilitatorID)
	if err != nil {
		return nil, err
	}
	return []Event{transferEvent(actor, to)}, nil
}

// handleVolunteer promotes the requesting member once the grace period for
// the departed facilitator has run out.
func handleVolunteer(s *Session, actor string, _ Payload, env Env) ([]Event, error) {
	if s.OnlineFacilitators() > 0 {
		return nil, ErrFacilitatorAvailable
	}
	if env.Facilitator.Phase != PhaseAwaitingVolunteer {
		return nil, errorf(CodeInvalidTransition, "facilitator may still return (phase %s)", env.Facilitator.Phase)
	}
	to, err := s.transferFacilitator(SystemActor, actor)
	if err != nil {
		return nil, err
	}
	return []Event{transferEvent(SystemActor, to)}, nil
}
