package janitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiliankoe/pokerdash/internal/poker"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newStore() (*poker.Store, *clock) {
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	return poker.NewStore(poker.WithClock(clk.now), poker.WithIdleTimeout(2*time.Hour)), clk
}

func TestTickEvictsIdleSessions(t *testing.T) {
	store, clk := newStore()
	stale, err := store.CreateSession("Old", "Ann", "")
	require.NoError(t, err)

	clk.advance(90 * time.Minute)
	fresh, err := store.CreateSession("New", "Bob", "")
	require.NoError(t, err)

	j := New(store, time.Minute)
	assert.Empty(t, j.Tick())

	clk.advance(31 * time.Minute)
	assert.Equal(t, []string{stale.ID}, j.Tick())

	_, err = store.Get(stale.ID)
	assert.ErrorIs(t, err, poker.ErrNotFound)
	_, err = store.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestActivityPostponesEviction(t *testing.T) {
	store, clk := newStore()
	s, err := store.CreateSession("Sprint", "Ann", "")
	require.NoError(t, err)
	ann := s.Participants[0].ID
	j := New(store, time.Minute)

	clk.advance(110 * time.Minute)
	_, err = store.AddStory(s.ID, ann, "Login", "")
	require.NoError(t, err)

	clk.advance(110 * time.Minute)
	assert.Empty(t, j.Tick())
	assert.Equal(t, 1, store.Len())

	clk.advance(10 * time.Minute)
	assert.Equal(t, []string{s.ID}, j.Tick())
	assert.Zero(t, store.Len())
}

func TestRunStopsWithContext(t *testing.T) {
	store, clk := newStore()
	_, err := store.CreateSession("Sprint", "Ann", "")
	require.NoError(t, err)
	clk.advance(3 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(store, 5*time.Millisecond).Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewDefaultsInterval(t *testing.T) {
	store, _ := newStore()
	assert.Equal(t, DefaultInterval, New(store, 0).interval)
}
