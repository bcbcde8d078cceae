package poker

import (
	"time"
)

// Hidden stands in for another participant's vote until the story is revealed.
const Hidden = "***"

type StoryView struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	Status        StoryStatus       `json:"status"`
	Votes         map[string]string `json:"votes"`
	VoteCount     int               `json:"voteCount"`
	VoteChanges   map[string]int    `json:"voteChanges,omitempty"`
	Suggestion    *Suggestion       `json:"suggestion,omitempty"`
	FinalEstimate *string           `json:"finalEstimate,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

type Viewer struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Role          Role   `json:"role"`
}

// View is the session as one participant is allowed to see it.
type View struct {
	ID              string            `json:"id"`
	Code            string            `json:"code"`
	Title           string            `json:"title"`
	Scale           Scale             `json:"scale"`
	Status          Status            `json:"status"`
	Participants    []Participant     `json:"participants"`
	Stories         []StoryView       `json:"stories"`
	CurrentStoryID  string            `json:"currentStoryId,omitempty"`
	RevealedStoryID string            `json:"revealedStoryId,omitempty"`
	Facilitator     FacilitatorStatus `json:"facilitator"`
	You             *Viewer           `json:"you,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	ExpiresAt       time.Time         `json:"expiresAt"`
}

// ViewFor renders s for viewerID. While a story is open only the viewer's
// own vote is shown verbatim; everyone else's is masked with Hidden. Vote
// change counters and the suggestion appear once the story is completed.
func ViewFor(s *Session, viewerID string, fs FacilitatorStatus) View {
	sc, _ := LookupScale(s.Scale)
	v := View{
		ID:              s.ID,
		Code:            s.Code,
		Title:           s.Title,
		Scale:           sc,
		Status:          s.Status,
		Participants:    make([]Participant, 0, len(s.Participants)),
		Stories:         make([]StoryView, 0, len(s.Stories)),
		CurrentStoryID:  s.CurrentStoryID,
		RevealedStoryID: s.RevealedStoryID,
		Facilitator:     fs,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		ExpiresAt:       s.ExpiresAt,
	}
	viewerName := ""
	if p := s.Participant(viewerID); p != nil {
		viewerName = p.Name
		v.You = &Viewer{ParticipantID: p.ID, Name: p.Name, Role: p.Role}
	}
	for _, p := range s.Participants {
		pv := *p
		pv.Token = ""
		v.Participants = append(v.Participants, pv)
	}
	for _, st := range s.Stories {
		v.Stories = append(v.Stories, storyView(sc, st, viewerName))
	}
	return v
}

func storyView(sc Scale, st *Story, viewerName string) StoryView {
	sv := StoryView{
		ID:            st.ID,
		Title:         st.Title,
		Description:   st.Description,
		Status:        st.Status,
		Votes:         make(map[string]string, len(st.Votes)),
		VoteCount:     len(st.Votes),
		FinalEstimate: st.FinalEstimate,
		CreatedAt:     st.CreatedAt,
		CompletedAt:   st.CompletedAt,
	}
	switch st.Status {
	case StoryVoting:
		for name, val := range st.Votes {
			if name == viewerName {
				sv.Votes[name] = val
			} else {
				sv.Votes[name] = Hidden
			}
		}
	case StoryCompleted:
		sv.VoteChanges = make(map[string]int, len(st.VoteChanges))
		for name, val := range st.Votes {
			sv.Votes[name] = val
		}
		for name, n := range st.VoteChanges {
			sv.VoteChanges[name] = n
		}
		sv.Suggestion = sc.Suggest(st.Votes)
	}
	return sv
}
