package backup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/pokerdash/internal/poker"
)

const (
	DefaultQueueLimit = 1024
	opTimeout         = 5 * time.Second
)

type op struct {
	snapshot *poker.Session // nil means delete
}

// Writer is a store observer that forwards commits to a Backend from its
// own goroutine. Pending work is coalesced per session so only the newest
// snapshot is written; once limit sessions are waiting, further saves are
// dropped. Deletes are never dropped.
type Writer struct {
	backend Backend
	limit   int

	mu      sync.Mutex
	pending map[string]op
	order   []string
	wake    chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
}

func NewWriter(b Backend, limit int) *Writer {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Writer{
		backend: b,
		limit:   limit,
		pending: make(map[string]op),
		wake:    make(chan struct{}, 1),
	}
}

func (w *Writer) Committed(s *poker.Session, _ []poker.Event) {
	w.enqueue(s.ID, op{snapshot: s})
}

func (w *Writer) Deleted(id string) {
	w.enqueue(id, op{})
}

func (w *Writer) enqueue(id string, o op) {
	w.mu.Lock()
	if _, queued := w.pending[id]; !queued {
		if o.snapshot != nil && len(w.pending) >= w.limit {
			w.mu.Unlock()
			w.dropped.Add(1)
			log.Warn().Str("session", id).Msg("backup queue full, dropping snapshot")
			return
		}
		w.order = append(w.order, id)
	}
	w.pending[id] = o
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
			if err := w.Flush(flushCtx); err != nil {
				log.Warn().Err(err).Msg("final backup flush incomplete")
			}
			cancel()
			return
		case <-w.wake:
			_ = w.Flush(ctx)
		}
	}
}

// Flush writes every pending operation and returns the failures joined.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	pending, order := w.pending, w.order
	w.pending, w.order = make(map[string]op), nil
	w.mu.Unlock()

	var errs []error
	for _, id := range order {
		o := pending[id]
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		var err error
		if o.snapshot == nil {
			err = w.backend.Delete(opCtx, id)
		} else {
			err = w.backend.Save(opCtx, o.snapshot)
		}
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("session", id).Msg("backup write failed")
			errs = append(errs, err)
			continue
		}
		w.written.Add(1)
	}
	return errors.Join(errs...)
}

// Pending reports how many sessions are waiting to be written.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Writer) Written() uint64 { return w.written.Load() }
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Restore loads the backend into st and returns the ids that were accepted.
func Restore(ctx context.Context, b Backend, st *poker.Store) ([]string, error) {
	sessions, err := b.Load(ctx)
	if err != nil {
		return nil, err
	}
	ids := st.Restore(sessions)
	log.Info().Int("loaded", len(sessions)).Int("restored", len(ids)).Msg("sessions restored from backup")
	return ids, nil
}
