// Package backup persists session snapshots behind the in-memory store.
// The store stays authoritative; a backend is only read once, at boot.
package backup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiliankoe/pokerdash/internal/config"
	"github.com/kiliankoe/pokerdash/internal/poker"
)

// Backend stores the latest snapshot of each session.
type Backend interface {
	Save(ctx context.Context, s *poker.Session) error
	Delete(ctx context.Context, sessionID string) error
	// Load returns every stored session that has not expired yet.
	Load(ctx context.Context) ([]*poker.Session, error)
	Close() error
}

// Open returns the backend selected by cfg.BackupDriver, or nil for "none".
func Open(cfg config.Config) (Backend, error) {
	switch cfg.BackupDriver {
	case "", "none":
		return nil, nil
	case "redis":
		return NewRedisBackend(cfg.RedisURL)
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown backup driver %q", cfg.BackupDriver)
	}
}

// record is the stored form of a session. Resume tokens never appear in the
// session's own JSON, so they travel alongside it.
type record struct {
	Session *poker.Session    `json:"session"`
	Tokens  map[string]string `json:"tokens,omitempty"` // participant id -> token
}

func encode(s *poker.Session) ([]byte, error) {
	rec := record{Session: s, Tokens: make(map[string]string, len(s.Participants))}
	for _, p := range s.Participants {
		if p != nil && p.Token != "" {
			rec.Tokens[p.ID] = p.Token
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*poker.Session, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Session == nil {
		return nil, fmt.Errorf("record has no session")
	}
	for _, p := range rec.Session.Participants {
		if p != nil {
			p.Token = rec.Tokens[p.ID]
		}
	}
	return rec.Session, nil
}
