package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, nothing survives a restart
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (pure Go driver)
//   - "redis": Redis server at RedisURL, shared between instances
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	RedisURL    string
	KeyPrefix   string        // redis only; default "mirrorbot"
	LinkTTL     time.Duration // links older than this may be pruned; 0 keeps them forever
}

// LinkKey addresses one mirrored copy.
type LinkKey struct {
	Source   int64
	SourceID int
	Dest     int64
}

// Link is where a source message landed in a destination.
type Link struct {
	Source   int64     `json:"source"`
	SourceID int       `json:"source_id"`
	Dest     int64     `json:"dest"`
	DestID   int       `json:"dest_id"`
	Kind     string    `json:"kind,omitempty"`
	MediaRef string    `json:"media_ref,omitempty"`
	At       time.Time `json:"at"`
}

func (l Link) Key() LinkKey { return LinkKey{Source: l.Source, SourceID: l.SourceID, Dest: l.Dest} }

// Route is a source/destination pair.
type Route struct {
	Source int64 `json:"source"`
	Dest   int64 `json:"dest"`
}
