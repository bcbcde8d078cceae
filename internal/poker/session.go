package poker

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxNameLength  = 50
	MaxTitleLength = 200
)

// Every mutation below validates completely before touching the session, so
// a returned error always leaves the state unchanged.

func cleanText(field, v string, max int, required bool) (string, error) {
	v = strings.TrimSpace(v)
	if required && v == "" {
		return "", errorf(CodeInvalidInput, "%s must not be empty", field)
	}
	if utf8.RuneCountInString(v) > max {
		return "", errorf(CodeInvalidInput, "%s too long (max %d characters)", field, max)
	}
	for _, r := range v {
		if r < 32 || r == 127 {
			return "", errorf(CodeInvalidInput, "%s contains control characters", field)
		}
	}
	return v, nil
}

func (s *Session) scale() Scale {
	sc, err := LookupScale(s.Scale)
	if err != nil {
		// sessions are only created with known scales
		panic(fmt.Sprintf("session %s has unknown scale %q", s.ID, s.Scale))
	}
	return sc
}

func (s *Session) participantByName(name string) *Participant {
	for _, p := range s.Participants {
		if strings.EqualFold(p.Name, name) {
			return p
		}
	}
	return nil
}

// requireFacilitator resolves actorID to a present facilitator.
func (s *Session) requireFacilitator(actorID string) (*Participant, error) {
	p := s.Participant(actorID)
	if p == nil || p.Left || p.Role != RoleFacilitator {
		return nil, ErrForbidden
	}
	return p, nil
}

func (s *Session) storyOrNotFound(storyID string) (*Story, error) {
	st := s.Story(storyID)
	if st == nil {
		return nil, errorf(CodeNotFound, "story %s not found", storyID)
	}
	return st, nil
}

func (s *Session) votingStory() *Story {
	for _, st := range s.Stories {
		if st.Status == StoryVoting {
			return st
		}
	}
	return nil
}

// join adds a member, or reactivates a participant of the same name who left
// earlier. The second return value reports a reactivation.
func (s *Session) join(name string, now time.Time) (*Participant, bool, error) {
	name, err := cleanText("name", name, MaxNameLength, true)
	if err != nil {
		return nil, false, err
	}
	if p := s.participantByName(name); p != nil {
		if !p.Left {
			return nil, false, errorf(CodeNameTaken, "name %q is already taken", name)
		}
		p.Left = false
		p.Token = uuid.NewString()
		return p, true, nil
	}
	p := &Participant{ID: uuid.NewString(), Name: name, Role: RoleMember, JoinedAt: now, Token: uuid.NewString()}
	s.Participants = append(s.Participants, p)
	return p, false, nil
}

func (s *Session) addStory(actorID, title, description string, now time.Time) (*Story, error) {
	if _, err := s.requireFacilitator(actorID); err != nil {
		return nil, err
	}
	title, err := cleanText("title", title, MaxTitleLength, true)
	if err != nil {
		return nil, err
	}
	description = strings.TrimSpace(description)
	st := &Story{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Status:      StoryPending,
		Votes:       map[string]string{},
		VoteChanges: map[string]int{},
		CreatedAt:   now,
	}
	s.Stories = append(s.Stories, st)
	return st, nil
}

func (s *Session) startVoting(actorID, storyID string) (*Story, error) {
	if _, err := s.requireFacilitator(actorID); err != nil {
		return nil, err
	}
	st, err := s.storyOrNotFound(storyID)
	if err != nil {
		return nil, err
	}
	restart := st.Status == StoryVoting && s.CurrentStoryID == st.ID
	fresh := st.Status == StoryPending && s.Status != StatusVoting
	if !restart && !fresh {
		return nil, errorf(CodeInvalidTransition, "cannot start voting on %s story while session is %s", st.Status, s.Status)
	}
	st.Votes = map[string]string{}
	st.VoteChanges = map[string]int{}
	st.Status = StoryVoting
	s.Status = StatusVoting
	s.CurrentStoryID = st.ID
	s.RevealedStoryID = ""
	return st, nil
}

// submitVote upserts the participant's vote. Overwriting before reveal is
// allowed and counted in VoteChanges.
func (s *Session) submitVote(participantID, storyID, value string) error {
	p := s.Participant(participantID)
	if p == nil || p.Left {
		return errorf(CodeNotFound, "participant %s not found", participantID)
	}
	st, err := s.storyOrNotFound(storyID)
	if err != nil {
		return err
	}
	if st.Status != StoryVoting {
		return ErrNotActive
	}
	if !s.scale().Contains(value) {
		return errorf(CodeInvalidValue, "%q is not on the %s scale", value, s.Scale)
	}
	if prev, ok := st.Votes[p.Name]; ok && prev != value {
		st.VoteChanges[p.Name]++
	}
	st.Votes[p.Name] = value
	return nil
}

func (s *Session) reveal(actorID, storyID string, now time.Time) (*Story, error) {
	if _, err := s.requireFacilitator(actorID); err != nil {
		return nil, err
	}
	st, err := s.storyOrNotFound(storyID)
	if err != nil {
		return nil, err
	}
	if st.Status != StoryVoting || s.CurrentStoryID != st.ID {
		return nil, errorf(CodeInvalidTransition, "story is %s, not voting", st.Status)
	}
	st.Status = StoryCompleted
	st.CompletedAt = &now
	s.Status = StatusRevealing
	s.CurrentStoryID = ""
	s.RevealedStoryID = st.ID
	return st, nil
}

func (s *Session) finalize(actorID, storyID, value string) (*Story, error) {
	if _, err := s.requireFacilitator(actorID); err != nil {
		return nil, err
	}
	st, err := s.storyOrNotFound(storyID)
	if err != nil {
		return nil, err
	}
	if st.Status != StoryCompleted || s.Status == StatusVoting {
		return nil, errorf(CodeInvalidTransition, "cannot finalize %s story while session is %s", st.Status, s.Status)
	}
	if !s.scale().Contains(value) {
		return nil, errorf(CodeInvalidValue, "%q is not on the %s scale", value, s.Scale)
	}
	st.FinalEstimate = &value
	s.Status = StatusWaiting
	s.CurrentStoryID = ""
	s.RevealedStoryID = ""
	return st, nil
}

func (s *Session) revote(actorID, storyID string) (*Story, error) {
	if _, err := s.requireFacilitator(actorID); err != nil {
		return nil, err
	}
	st, err := s.storyOrNotFound(storyID)
	if err != nil {
		return nil, err
	}
	if st.Status != StoryCompleted || s.Status == StatusVoting {
		return nil, errorf(CodeInvalidTransition, "cannot revote %s story while session is %s", st.Status, s.Status)
	}
	st.Votes = map[string]string{}
	st.VoteChanges = map[string]int{}
	st.FinalEstimate = nil
	st.CompletedAt = nil
	st.Status = StoryVoting
	s.Status = StatusVoting
	s.CurrentStoryID = st.ID
	s.RevealedStoryID = ""
	return st, nil
}

// setOnline flips the liveness flag and reports whether it changed. Coming
// online also reactivates a participant that had left.
func (s *Session) setOnline(participantID string, online bool) (*Participant, bool, error) {
	p := s.Participant(participantID)
	if p == nil {
		return nil, false, errorf(CodeNotFound, "participant %s not found", participantID)
	}
	changed := p.IsOnline != online || (online && p.Left)
	p.IsOnline = online
	if online {
		p.Left = false
	}
	return p, changed, nil
}

func (s *Session) leave(participantID string) (*Participant, error) {
	p := s.Participant(participantID)
	if p == nil || p.Left {
		return nil, errorf(CodeNotFound, "participant %s not found", participantID)
	}
	p.Left = true
	p.IsOnline = false
	return p, nil
}

// transferFacilitator hands the role to newID. A facilitator actor gives up
// its own role; SystemActor instead demotes every offline facilitator, and
// fails while any facilitator is still online.
func (s *Session) transferFacilitator(actorID, newID string) (*Participant, error) {
	var from *Participant
	if actorID == SystemActor {
		if s.OnlineFacilitators() > 0 {
			return nil, ErrFacilitatorAvailable
		}
	} else {
		p, err := s.requireFacilitator(actorID)
		if err != nil {
			return nil, err
		}
		from = p
	}
	to := s.Participant(newID)
	if to == nil || to.Left {
		return nil, errorf(CodeNotFound, "participant %s not found", newID)
	}
	if to.Role == RoleFacilitator {
		return nil, errorf(CodeInvalidTransition, "%s is already a facilitator", to.Name)
	}

	if from != nil {
		from.Role = RoleMember
	} else {
		for _, p := range s.Participants {
			if p.Role == RoleFacilitator && !p.IsOnline {
				p.Role = RoleMember
			}
		}
	}
	to.Role = RoleFacilitator
	return to, nil
}

// checkInvariants verifies the structural rules every committed state must
// satisfy.
func (s *Session) checkInvariants() error {
	var voting *Story
	seen := make(map[string]bool, len(s.Participants))
	for _, p := range s.Participants {
		if seen[p.ID] {
			return fmt.Errorf("duplicate participant %s", p.ID)
		}
		seen[p.ID] = true
	}
	if s.Facilitators() == 0 {
		return fmt.Errorf("session has no facilitator")
	}
	for _, st := range s.Stories {
		switch st.Status {
		case StoryVoting:
			if voting != nil {
				return fmt.Errorf("stories %s and %s are both voting", voting.ID, st.ID)
			}
			voting = st
		case StoryPending:
			if len(st.Votes) > 0 {
				return fmt.Errorf("pending story %s has votes", st.ID)
			}
		}
	}
	switch {
	case voting == nil && s.CurrentStoryID != "":
		return fmt.Errorf("currentStoryId %s without a voting story", s.CurrentStoryID)
	case voting != nil && s.CurrentStoryID != voting.ID:
		return fmt.Errorf("currentStoryId %q does not match voting story %s", s.CurrentStoryID, voting.ID)
	case (voting != nil) != (s.Status == StatusVoting):
		return fmt.Errorf("status %s inconsistent with voting story", s.Status)
	}
	if s.Status == StatusRevealing {
		st := s.Story(s.RevealedStoryID)
		if st == nil || st.Status != StoryCompleted {
			return fmt.Errorf("revealing without a completed story")
		}
	}
	return nil
}
