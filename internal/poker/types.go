package poker

import (
	"crypto/subtle"
	"time"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusVoting    Status = "voting"
	StatusRevealing Status = "revealing"
)

type StoryStatus string

const (
	StoryPending   StoryStatus = "pending"
	StoryVoting    StoryStatus = "voting"
	StoryCompleted StoryStatus = "completed"
)

type Role string

const (
	RoleFacilitator Role = "facilitator"
	RoleMember      Role = "member"
)

// SystemActor is the actor id used when the server itself promotes a
// volunteer to facilitator.
const SystemActor = "system"

type Participant struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Role     Role      `json:"role"`
	IsOnline bool      `json:"isOnline"`
	Left     bool      `json:"left"`
	JoinedAt time.Time `json:"joinedAt"`

	// Token proves ownership when a connection resumes as this participant.
	// It is only handed to the participant itself.
	Token string `json:"-"`
}

// Authenticate reports whether token is this participant's resume token.
// Participants without a token cannot be resumed.
func (p *Participant) Authenticate(token string) bool {
	if p.Token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(p.Token), []byte(token)) == 1
}

type Story struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	Status        StoryStatus       `json:"status"`
	Votes         map[string]string `json:"votes"`       // participant name -> value
	VoteChanges   map[string]int    `json:"voteChanges"` // participant name -> overwrites before reveal
	FinalEstimate *string           `json:"finalEstimate,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// Session is the canonical state of one estimation meeting. It is only
// touched while the owning Store entry lock is held.
type Session struct {
	ID              string         `json:"id"`
	Code            string         `json:"code"`
	Title           string         `json:"title"`
	Scale           string         `json:"scale"`
	Status          Status         `json:"status"`
	Participants    []*Participant `json:"participants"`
	Stories         []*Story       `json:"stories"`
	CurrentStoryID  string         `json:"currentStoryId,omitempty"`
	RevealedStoryID string         `json:"revealedStoryId,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	ExpiresAt       time.Time      `json:"expiresAt"`
}

func (s *Session) Participant(id string) *Participant {
	for _, p := range s.Participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (s *Session) Story(id string) *Story {
	for _, st := range s.Stories {
		if st.ID == id {
			return st
		}
	}
	return nil
}

// OnlineFacilitators counts facilitators that currently hold a connection.
func (s *Session) OnlineFacilitators() int {
	n := 0
	for _, p := range s.Participants {
		if p.Role == RoleFacilitator && p.IsOnline {
			n++
		}
	}
	return n
}

func (s *Session) Facilitators() int {
	n := 0
	for _, p := range s.Participants {
		if p.Role == RoleFacilitator {
			n++
		}
	}
	return n
}

// Active reports whether any participant has not left the session.
func (s *Session) Active() bool {
	for _, p := range s.Participants {
		if !p.Left {
			return true
		}
	}
	return false
}

// Clone returns a deep copy that shares nothing with s. Nil participants and
// stories are dropped.
func (s *Session) Clone() *Session {
	out := *s
	out.Participants = make([]*Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p == nil {
			continue
		}
		cp := *p
		out.Participants = append(out.Participants, &cp)
	}
	out.Stories = make([]*Story, 0, len(s.Stories))
	for _, st := range s.Stories {
		if st == nil {
			continue
		}
		out.Stories = append(out.Stories, st.clone())
	}
	return &out
}

func (st *Story) clone() *Story {
	cp := *st
	cp.Votes = make(map[string]string, len(st.Votes))
	for k, v := range st.Votes {
		cp.Votes[k] = v
	}
	cp.VoteChanges = make(map[string]int, len(st.VoteChanges))
	for k, v := range st.VoteChanges {
		cp.VoteChanges[k] = v
	}
	if st.FinalEstimate != nil {
		v := *st.FinalEstimate
		cp.FinalEstimate = &v
	}
	if st.CompletedAt != nil {
		t := *st.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
