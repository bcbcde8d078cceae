package poker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type recorder struct {
	commits []*Session
	events  [][]Event
	deleted []string
}

func (r *recorder) Committed(s *Session, events []Event) {
	r.commits = append(r.commits, s)
	r.events = append(r.events, events)
}

func (r *recorder) Deleted(id string) { r.deleted = append(r.deleted, id) }

func sequentialCodes(codes ...string) func(int) string {
	i := 0
	return func(int) string {
		c := codes[i%len(codes)]
		i++
		return c
	}
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.now)}, opts...)
	return NewStore(opts...), clk
}

// annAndBob creates a Fibonacci session run by Ann with Bob joined.
func annAndBob(t *testing.T, st *Store) (s *Session, ann, bob string) {
	t.Helper()
	s, err := st.CreateSession("Sprint 12", "Ann", ScaleFibonacci)
	require.NoError(t, err)
	ann = s.Participants[0].ID
	_, p, err := st.JoinSession(s.Code, "Bob")
	require.NoError(t, err)
	return s, ann, p.ID
}

func addStory(t *testing.T, st *Store, sessionID, actor, title string) string {
	t.Helper()
	s, err := st.AddStory(sessionID, actor, title, "")
	require.NoError(t, err)
	return s.Stories[len(s.Stories)-1].ID
}

func TestCreateSession(t *testing.T) {
	st, clk := newTestStore(t)

	s, err := st.CreateSession("  Sprint 12 ", "Ann", "")
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.Len(t, s.Code, DefaultCodeLength)
	assert.Equal(t, "Sprint 12", s.Title)
	assert.Equal(t, ScaleFibonacci, s.Scale)
	assert.Equal(t, StatusWaiting, s.Status)
	require.Len(t, s.Participants, 1)
	assert.Equal(t, RoleFacilitator, s.Participants[0].Role)
	assert.Equal(t, clk.t.Add(DefaultIdleTimeout), s.ExpiresAt)

	got, err := st.Lookup(s.Code)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
}

func TestCreateSessionValidation(t *testing.T) {
	st, _ := newTestStore(t)

	tests := []struct {
		name, title, facilitator, scale string
	}{
		{"empty title", " ", "Ann", ""},
		{"empty name", "Sprint", "", ""},
		{"unknown scale", "Sprint", "Ann", "hours"},
		{"control characters", "Sprint", "A\x00nn", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := st.CreateSession(tt.title, tt.facilitator, tt.scale)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Zero(t, st.Len())
}

func TestCreateSessionRetriesCodeCollisions(t *testing.T) {
	st, _ := newTestStore(t, WithCodeGenerator(sequentialCodes("AAAAA", "AAAAA", "BBBBB")))

	first, err := st.CreateSession("One", "Ann", "")
	require.NoError(t, err)
	second, err := st.CreateSession("Two", "Ann", "")
	require.NoError(t, err)

	assert.Equal(t, "AAAAA", first.Code)
	assert.Equal(t, "BBBBB", second.Code)
}

func TestCreateSessionCodeSpaceExhausted(t *testing.T) {
	st, _ := newTestStore(t,
		WithCodeGenerator(sequentialCodes("AAAAA")),
		WithCodeLength(5, 3))

	_, err := st.CreateSession("One", "Ann", "")
	require.NoError(t, err)
	_, err = st.CreateSession("Two", "Ann", "")
	assert.ErrorIs(t, err, ErrCodeSpaceExhausted)
	assert.Equal(t, 1, st.Len())
}

func TestJoinSession(t *testing.T) {
	st, _ := newTestStore(t)
	s, err := st.CreateSession("Sprint", "Ann", "")
	require.NoError(t, err)

	t.Run("code is case-insensitive", func(t *testing.T) {
		got, p, err := st.JoinSession(" "+lower(s.Code)+" ", "Bob")
		require.NoError(t, err)
		assert.Equal(t, RoleMember, p.Role)
		assert.Len(t, got.Participants, 2)
	})

	t.Run("name collision ignores case", func(t *testing.T) {
		_, _, err := st.JoinSession(s.Code, "ann")
		assert.ErrorIs(t, err, ErrNameTaken)
	})

	t.Run("unknown code", func(t *testing.T) {
		_, _, err := st.JoinSession("ZZZZZ", "Cat")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

func TestJoinExpiredSessionEvicts(t *testing.T) {
	st, clk := newTestStore(t)
	rec := &recorder{}
	st.Observe(rec)
	s, err := st.CreateSession("Sprint", "Ann", "")
	require.NoError(t, err)

	clk.advance(DefaultIdleTimeout)
	_, _, err = st.JoinSession(s.Code, "Bob")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, st.Len())
	assert.Equal(t, []string{s.ID}, rec.deleted)

	_, err = st.Lookup(s.Code)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMutationExtendsExpiry(t *testing.T) {
	st, clk := newTestStore(t)
	s, ann, _ := annAndBob(t, st)

	clk.advance(90 * time.Minute)
	addStory(t, st, s.ID, ann, "Login")
	clk.advance(90 * time.Minute)

	got, err := st.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, clk.t.Add(30*time.Minute), got.ExpiresAt)
}

// A full round: votes, reveal and the suggested estimate.
func TestVotingRound(t *testing.T) {
	st, _ := newTestStore(t)
	s, ann, bob := annAndBob(t, st)
	story := addStory(t, st, s.ID, ann, "Login flow")

	_, err := st.StartVoting(s.ID, ann, story)
	require.NoError(t, err)
	_, err = st.SubmitVote(s.ID, bob, story, "5")
	require.NoError(t, err)
	got, err := st.SubmitVote(s.ID, ann, story, "3")
	require.NoError(t, err)

	assert.Equal(t, StatusVoting, got.Status)
	assert.Equal(t, story, got.CurrentStoryID)
	assert.Equal(t, map[string]string{"Ann": "3", "Bob": "5"}, got.Story(story).Votes)

	bobView := ViewFor(got, bob, FacilitatorStatus{Phase: PhaseStaffed})
	assert.Equal(t, map[string]string{"Ann": Hidden, "Bob": "5"}, bobView.Stories[0].Votes)
	assert.Nil(t, bobView.Stories[0].Suggestion)

	got, err = st.RevealVotes(s.ID, ann, story)
	require.NoError(t, err)
	assert.Equal(t, StatusRevealing, got.Status)
	assert.Empty(t, got.CurrentStoryID)
	assert.Equal(t, story, got.RevealedStoryID)
	assert.Equal(t, StoryCompleted, got.Story(story).Status)
	assert.NotNil(t, got.Story(story).CompletedAt)

	for _, viewer := range []string{ann, bob} {
		v := ViewFor(got, viewer, FacilitatorStatus{Phase: PhaseStaffed})
		assert.Equal(t, map[string]string{"Ann": "3", "Bob": "5"}, v.Stories[0].Votes)
		require.NotNil(t, v.Stories[0].Suggestion)
		assert.Equal(t, "5", v.Stories[0].Suggestion.Value)
		assert.Equal(t, 4.0, *v.Stories[0].Suggestion.Median)
	}

	got, err = st.FinalizeEstimate(s.ID, ann, story, "3")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, got.Status)
	assert.Empty(t, got.RevealedStoryID)
	require.NotNil(t, got.Story(story).FinalEstimate)
	assert.Equal(t, "3", *got.Story(story).FinalEstimate)
}

// Members are refused facilitator actions and nothing changes.
func TestMemberIsForbidden(t *testing.T) {
	st, _ := newTestStore(t)
	s, ann, bob := annAndBob(t, st)
	story := addStory(t, st, s.ID, ann, "Login flow")
	before, err := st.Get(s.ID)
	require.NoError(t, err)

	calls := map[string]func() error{
		"add story": func() error { _, err := st.AddStory(s.ID, bob, "x", ""); return err },
		"start":     func() error { _, err := st.StartVoting(s.ID, bob, story); return err },
		"start unknown story": func() error {
			_, err := st.StartVoting(s.ID, bob, "nope")
			return err
		},
		"reveal":   func() error { _, err := st.RevealVotes(s.ID, bob, story); return err },
		"finalize": func() error { _, err := st.FinalizeEstimate(s.ID, bob, story, "3"); return err },
		"revote":   func() error { _, err := st.RevoteStory(s.ID, bob, story); return err },
		"transfer": func() error { _, err := st.TransferFacilitatorRole(s.ID, bob, bob); return err },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, call(), ErrForbidden)
		})
	}

	after, err := st.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestVoteOutsideScale(t *testing.T) {
	st, _ := newTestStore(t)
	s, ann, bob := annAndBob(t, st)
	story := addStory(t, st, s.ID, ann, "Login flow")
	_, err := st.StartVoting(s.ID, ann, story)
	require.NoError(t, err)

	_, err = st.SubmitVote(s.ID, bob, story, "7")
	assert.ErrorIs(t, err, ErrInvalidValue)

	got, err := st.Get(s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Story(story).Votes)
}

func TestVoteRequiresOpenStory(t *testing.T) {
	st, _ := newTestStore(t)
	s, ann, bob := annAndBob(t, st)
	story := addStory(t, st, s.ID, ann, "Login flow")

	_, err := st.SubmitVote(s.ID, bob, story, "5")
	assert.ErrorIs(t, err, ErrNotActive)

	_, err = st.StartVoting(s.ID, ann, story)
	require.NoError(t, err)
	_, err = st.RevealVotes(s.ID, ann, story)
	require.NoError(t, err)

	_, err = st.SubmitVote(s.ID, bob, story, "5")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestVoteChangesAreCounted(t *testing.T) {
	st, _ := newTestStore(t)
	s, ann, bob := annAndBob(t, st)
	story := addStory(t, st, s.ID, ann, "Login flow")
	_, err := st.StartVoting(s.ID, ann, story)
	require.NoError(t, err)

	for _, v := range []string{"3", "5", "5", "8"} {
		_, err = st.SubmitVote(s.ID, bob, story, v)
		require.NoError(t, err)
	}
	got, err := st.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "8", got.Story(story).Votes["Bob"])
	assert.Equal(t, 2, got.Story(story).VoteChanges["Bob"])

	view := ViewFor(got, bob, FacilitatorStatus{})
	assert.Nil(t, view.Stories[0].VoteChanges)
}

func TestTransitions(t *testing.T) {
	st, _ := newTestStore(t)
	s, ann, bob := annAndBob(t, st)
	first := addStory(t, st, s.ID, ann, "First")
	second := addStory(t, st, s.ID, ann, "Second")

	_, err := st.RevealVotes(s.ID, ann, first)
	assert.ErrorIs(t, err, ErrInvalidTransition, "reveal before voting")
	_, err = st.RevoteStory(s.ID, ann, first)
	assert.ErrorIs(t, err, ErrInvalidTransition, "revote pending story")
	_, err = st.FinalizeEstimate(s.ID, ann, first, "3")
	assert.ErrorIs(t, err, ErrInvalidTransition, "finalize pending story")

	_, err = st.StartVoting(s.ID, ann, first)
	require.NoError(t, err)
	_, err = st.StartVoting(s.ID, ann, second)
	assert.ErrorIs(t, err, ErrInvalidTransition, "second story while voting")

	_, err = st.SubmitVote(s.ID, bob, first, "8")
	require.NoError(t, err)
	got, err := st.StartVoting(s.ID, ann, first)
	require.NoError(t, err, "restart current story")
	assert.Empty(t, got.Story(first).Votes)

	_, err = st.RevealVotes(s.ID, ann, first)
	require.NoError(t, err)
	_, err = st.FinalizeEstimate(s.ID, ann, first, "4")
	assert.ErrorIs(t, err, ErrInvalidValue)

	got, err = st.StartVoting(s.ID, ann, second)
	require.NoError(t, err, "start next story while revealing")
	assert.Equal(t, second, got.CurrentStoryID)
	assert.Empty(t, got.RevealedStoryID)

	_, err = st.RevoteStory(s.ID, ann, first)
	assert.ErrorIs(t, err, ErrInvalidTransition, "revote while another story is voting")

	_, err = st.StartVoting(s.ID, ann, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevoteResetsStory(t *testing.T) {
	st, _ := newTestStore(t)
	s, ann, bob := annAndBob(t, st)
	story := addStory(t, st, s.ID, ann, "Login flow")
	_, err := st.StartVoting(s.ID, ann, story)
	require.NoError(t, err)
	_, err = st.SubmitVote(s.ID, bob, story, "13")
	require.NoError(t, err)
	_, err = st.SubmitVote(s.ID, bob, story, "21")
	require.NoError(t, err)
	_, err = st.RevealVotes(s.ID, ann, story)
	require.NoError(t, err)
	_, err = st.FinalizeEstimate(s.ID, ann, story, "21")
	require.NoError(t, err)

	got, err := st.RevoteStory(s.ID, ann, story)
	require.NoError(t, err)

	rs := got.Story(story)
	assert.Equal(t, StoryVoting, rs.Status)
	assert.Empty(t, rs.Votes)
	assert.Empty(t, rs.VoteChanges)
	assert.Nil(t, rs.FinalEstimate)
	assert.Nil(t, rs.CompletedAt)
	assert.Equal(t, StatusVoting, got.Status)
	assert.Equal(t, story, got.CurrentStoryID)
}

func TestTransferFacilitatorRole(t *testing.T) {
	st, _ := newTestStore(t)
	s, ann, bob := annAndBob(t, st)

	_, err := st.TransferFacilitatorRole(s.ID, ann, ann)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = st.TransferFacilitatorRole(s.ID, ann, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := st.TransferFacilitatorRole(s.ID, ann, bob)
	require.NoError(t, err)
	assert.Equal(t, RoleMember, got.Participant(ann).Role)
	assert.Equal(t, RoleFacilitator, got.Participant(bob).Role)
	assert.Equal(t, 1, got.Facilitators())
}

func TestSystemPromotion(t *testing.T) {
	st, _ := newTestStore(t)
	s, ann, bob := annAndBob(t, st)
	_, err := st.SetParticipantOnline(s.ID, ann, true)
	require.NoError(t, err)
	_, err = st.SetParticipantOnline(s.ID, bob, true)
	require.NoError(t, err)

	_, err = st.TransferFacilitatorRole(s.ID, SystemActor, bob)
	assert.ErrorIs(t, err, ErrFacilitatorAvailable)

	_, err = st.SetParticipantOnline(s.ID, ann, false)
	require.NoError(t, err)
	got, err := st.TransferFacilitatorRole(s.ID, SystemActor, bob)
	require.NoError(t, err)
	assert.Equal(t, RoleMember, got.Participant(ann).Role)
	assert.Equal(t, RoleFacilitator, got.Participant(bob).Role)
}

func TestLeaveAndRejoin(t *testing.T) {
	st, _ := newTestStore(t)
	s, ann, bob := annAndBob(t, st)
	story := addStory(t, st, s.ID, ann, "Login flow")
	_, err := st.StartVoting(s.ID, ann, story)
	require.NoError(t, err)
	_, err = st.SubmitVote(s.ID, bob, story, "5")
	require.NoError(t, err)

	got, err := st.LeaveSession(s.ID, bob)
	require.NoError(t, err)
	assert.True(t, got.Participant(bob).Left)
	assert.Equal(t, "5", got.Story(story).Votes["Bob"])

	_, err = st.SubmitVote(s.ID, bob, story, "8")
	assert.ErrorIs(t, err, ErrNotFound)

	got, p, err := st.JoinSession(s.Code, "BOB")
	require.NoError(t, err)
	assert.Equal(t, bob, p.ID)
	assert.False(t, got.Participant(bob).Left)
	assert.Len(t, got.Participants, 2)
}

func TestDeleteSession(t *testing.T) {
	st, _ := newTestStore(t)
	rec := &recorder{}
	st.Observe(rec)
	s, _, _ := annAndBob(t, st)

	st.DeleteSession(s.ID)
	st.DeleteSession(s.ID)

	assert.Equal(t, []string{s.ID}, rec.deleted)
	_, err := st.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.AddStory(s.ID, "x", "y", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweep(t *testing.T) {
	st, clk := newTestStore(t)
	old, err := st.CreateSession("Old", "Ann", "")
	require.NoError(t, err)
	clk.advance(time.Hour)
	fresh, err := st.CreateSession("Fresh", "Ann", "")
	require.NoError(t, err)

	clk.advance(time.Hour)
	expired := st.Sweep(clk.t)

	assert.Equal(t, []string{old.ID}, expired)
	assert.Equal(t, []string{fresh.ID}, st.IDs())
}

func TestObserversSeeCommitsInOrder(t *testing.T) {
	st, _ := newTestStore(t)
	rec := &recorder{}
	st.Observe(rec)
	s, ann, bob := annAndBob(t, st)
	story := addStory(t, st, s.ID, ann, "Login flow")
	_, err := st.StartVoting(s.ID, ann, story)
	require.NoError(t, err)
	_, err = st.SubmitVote(s.ID, bob, story, "5")
	require.NoError(t, err)
	_, err = st.SubmitVote(s.ID, bob, story, "99")
	require.Error(t, err)

	require.Len(t, rec.commits, 5)
	assert.True(t, HasEvent(rec.events[1], EventParticipantJoined))
	assert.True(t, HasEvent(rec.events[3], EventVotingStarted))
	assert.Equal(t, "5", rec.commits[4].Story(story).Votes["Bob"])
	for i := 1; i < len(rec.commits); i++ {
		assert.False(t, rec.commits[i].UpdatedAt.Before(rec.commits[i-1].UpdatedAt))
	}
}

func TestInvariantViolationRestoresLastGoodState(t *testing.T) {
	st, _ := newTestStore(t)
	s, ann, _ := annAndBob(t, st)
	story := addStory(t, st, s.ID, ann, "Login flow")

	_, err := st.Apply(s.ID, func(s *Session, _ time.Time) ([]Event, error) {
		s.CurrentStoryID = "dangling"
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrInternal)

	got, err := st.Get(s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CurrentStoryID)
	require.Len(t, got.Stories, 1)

	_, err = st.StartVoting(s.ID, ann, story)
	assert.NoError(t, err)
}

func TestFailedApplyRollsBackPartialChanges(t *testing.T) {
	st, _ := newTestStore(t)
	s, ann, _ := annAndBob(t, st)

	_, err := st.Apply(s.ID, func(s *Session, _ time.Time) ([]Event, error) {
		s.Title = "half done"
		return nil, ErrForbidden
	})
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := st.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "Sprint 12", got.Title)
	_, err = st.AddStory(s.ID, ann, "Login flow", "")
	assert.NoError(t, err)
}

func TestWithCheckRejectsCommit(t *testing.T) {
	var reject bool
	st, _ := newTestStore(t, WithCheck(func(s *Session) error {
		if reject {
			return fmt.Errorf("rejected")
		}
		return nil
	}))
	s, ann, _ := annAndBob(t, st)

	reject = true
	_, err := st.AddStory(s.ID, ann, "Login flow", "")
	assert.ErrorIs(t, err, ErrInternal)
	got, err := st.Get(s.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Stories)
	assert.Error(t, st.Check(got))

	reject = false
	assert.NoError(t, st.Check(got))
}

func TestParticipantTokens(t *testing.T) {
	st, _ := newTestStore(t)
	s, ann, bob := annAndBob(t, st)
	got, err := st.Get(s.ID)
	require.NoError(t, err)

	annTok, bobTok := got.Participant(ann).Token, got.Participant(bob).Token
	require.NotEmpty(t, annTok)
	require.NotEmpty(t, bobTok)
	assert.NotEqual(t, annTok, bobTok)
	assert.True(t, got.Participant(ann).Authenticate(annTok))
	assert.False(t, got.Participant(ann).Authenticate(bobTok))
	assert.False(t, got.Participant(ann).Authenticate(""))
	assert.False(t, (&Participant{}).Authenticate(""), "no token, no resume")

	_, err = st.LeaveSession(s.ID, bob)
	require.NoError(t, err)
	_, p, err := st.JoinSession(s.Code, "Bob")
	require.NoError(t, err)
	assert.Equal(t, bob, p.ID)
	assert.NotEqual(t, bobTok, p.Token, "rejoining rotates the token")
}

func TestRestoreSkipsNilEntries(t *testing.T) {
	st, _ := newTestStore(t)
	s, ann, _ := annAndBob(t, st)
	addStory(t, st, s.ID, ann, "Login flow")
	snap, err := st.Get(s.ID)
	require.NoError(t, err)

	holeyParticipant := snap.Clone()
	holeyParticipant.ID, holeyParticipant.Code = "p", "PPPPP"
	holeyParticipant.Participants = append(holeyParticipant.Participants, nil)
	holeyStory := snap.Clone()
	holeyStory.ID, holeyStory.Code = "s", "SSSSS"
	holeyStory.Stories = []*Story{nil}

	other, _ := newTestStore(t)
	var restored []string
	require.NotPanics(t, func() {
		restored = other.Restore([]*Session{holeyParticipant, holeyStory, snap})
	})
	assert.Equal(t, []string{s.ID}, restored)
	got, err := other.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.Participant(ann).Token, got.Participant(ann).Token)
}

func TestRestore(t *testing.T) {
	st, clk := newTestStore(t)
	s, ann, bob := annAndBob(t, st)
	_, err := st.SetParticipantOnline(s.ID, ann, true)
	require.NoError(t, err)
	snap, err := st.Get(s.ID)
	require.NoError(t, err)
	expired := snap.Clone()
	expired.ID, expired.Code = "expired", "EXPRD"
	expired.ExpiresAt = clk.t

	other, _ := newTestStore(t)
	restored := other.Restore([]*Session{snap, expired, nil})

	assert.Equal(t, []string{s.ID}, restored)
	got, err := other.Lookup(s.Code)
	require.NoError(t, err)
	assert.False(t, got.Participant(ann).IsOnline)
	assert.Equal(t, bob, got.Participants[1].ID)

	assert.Empty(t, st.Restore([]*Session{snap}), "already live")
}
