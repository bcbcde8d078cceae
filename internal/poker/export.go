package poker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Summary renders a plain-text report of the session's stories and results.
func Summary(s *Session) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Planning Poker Results - %s (%s)\n", s.Title, s.Code))
	sb.WriteString(fmt.Sprintf("Created: %s\n", s.CreatedAt.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("Scale: %s\n", s.Scale))
	sb.WriteString(strings.Repeat("=", 50) + "\n\n")

	sb.WriteString("Participants:\n")
	for _, p := range s.Participants {
		suffix := ""
		if p.Role == RoleFacilitator {
			suffix = " (facilitator)"
		}
		if p.Left {
			suffix += " (left)"
		}
		sb.WriteString(fmt.Sprintf("- %s%s\n", p.Name, suffix))
	}
	sb.WriteString("\n")

	for i, st := range s.Stories {
		writeStory(&sb, s, i+1, st)
	}
	return sb.String()
}

func writeStory(sb *strings.Builder, s *Session, n int, st *Story) {
	sb.WriteString(fmt.Sprintf("Story %d: \"%s\"\n", n, st.Title))
	sb.WriteString(strings.Repeat("-", 40) + "\n")
	if st.Status != StoryCompleted {
		sb.WriteString(fmt.Sprintf("Status: %s\n\n", st.Status))
		return
	}

	names := make([]string, 0, len(st.Votes))
	for name := range st.Votes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		line := fmt.Sprintf("- %s: %s", name, st.Votes[name])
		if c := st.VoteChanges[name]; c > 0 {
			line += fmt.Sprintf(" (changed %d time(s))", c)
		}
		sb.WriteString(line + "\n")
	}
	if len(names) == 0 {
		sb.WriteString("No votes\n")
	}

	sc, _ := LookupScale(s.Scale)
	if sg := sc.Suggest(st.Votes); sg != nil {
		sb.WriteString(fmt.Sprintf("Suggested: %s\n", sg.Value))
	}
	if st.FinalEstimate != nil {
		sb.WriteString(fmt.Sprintf("Final estimate: %s\n", *st.FinalEstimate))
	} else {
		sb.WriteString("Final estimate: (not set)\n")
	}
	sb.WriteString("\n")
}

// AppendStory appends the result of one finalized story to filename,
// writing a session header the first time the session appears in the file.
func AppendStory(s *Session, storyID, filename string) error {
	st := s.Story(storyID)
	if st == nil {
		return errorf(CodeNotFound, "story %s not found", storyID)
	}

	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	header := fmt.Sprintf("Planning Poker Results - %s (%s)\n", s.Title, s.Code)
	existing, err := os.ReadFile(filename)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read file: %w", err)
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var sb strings.Builder
	if !strings.Contains(string(existing), header) {
		if len(existing) > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(header)
		sb.WriteString(strings.Repeat("=", 50) + "\n\n")
	}
	n := 1
	for i, x := range s.Stories {
		if x.ID == storyID {
			n = i + 1
		}
	}
	writeStory(&sb, s, n, st)

	if _, err := file.WriteString(sb.String()); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}
	return nil
}

const DefaultExportQueueLimit = 256

type exportJob struct {
	snapshot *Session
	storyID  string
}

// Exporter is an Observer that appends every finalized story to its file.
// Writes happen on the goroutine running Run, one at a time and in commit
// order. Once limit stories are waiting, further ones are dropped.
type Exporter struct {
	path  string
	limit int

	mu    sync.Mutex
	queue []exportJob
	wake  chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
}

func NewExporter(path string, limit int) *Exporter {
	if limit <= 0 {
		limit = DefaultExportQueueLimit
	}
	return &Exporter{path: path, limit: limit, wake: make(chan struct{}, 1)}
}

func (x *Exporter) Path() string { return x.path }

// Committed queues finalized stories. s is never mutated after commit, so
// it can be rendered off the session lock.
func (x *Exporter) Committed(s *Session, events []Event) {
	queued := false
	x.mu.Lock()
	for _, ev := range events {
		se, ok := ev.Payload.(StoryEvent)
		if ev.Name != EventFinalEstimateSet || !ok {
			continue
		}
		if len(x.queue) >= x.limit {
			x.dropped.Add(1)
			log.Warn().Str("session", s.ID).Str("story", se.StoryID).Msg("export queue full, dropping story")
			continue
		}
		x.queue = append(x.queue, exportJob{snapshot: s, storyID: se.StoryID})
		queued = true
	}
	x.mu.Unlock()

	if queued {
		select {
		case x.wake <- struct{}{}:
		default:
		}
	}
}

func (x *Exporter) Deleted(string) {}

// Run writes queued stories until ctx is done, then flushes what is left.
func (x *Exporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if err := x.Flush(); err != nil {
				log.Warn().Err(err).Msg("final export flush incomplete")
			}
			return
		case <-x.wake:
			_ = x.Flush()
		}
	}
}

// Flush writes every queued story in order and returns the failures joined.
func (x *Exporter) Flush() error {
	x.mu.Lock()
	queue := x.queue
	x.queue = nil
	x.mu.Unlock()

	var errs []error
	for _, j := range queue {
		if err := AppendStory(j.snapshot, j.storyID, x.path); err != nil {
			log.Error().Err(err).Str("session", j.snapshot.ID).Str("file", x.path).Msg("failed to export story")
			errs = append(errs, err)
			continue
		}
		x.written.Add(1)
		log.Info().Str("session", j.snapshot.ID).Str("story", j.storyID).Str("file", x.path).Msg("story exported")
	}
	return errors.Join(errs...)
}

// Pending reports how many stories are waiting to be written.
func (x *Exporter) Pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.queue)
}

func (x *Exporter) Written() uint64 { return x.written.Load() }
func (x *Exporter) Dropped() uint64 { return x.dropped.Load() }
