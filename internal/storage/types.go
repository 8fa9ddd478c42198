package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by LoadGuild when no record exists.
	ErrNotFound = errors.New("guild record not found")
	ErrClosed   = errors.New("storage closed")
)

// Store is the persistence API used by the guild store.
//
// Records are opaque to the driver; the caller owns the encoding.
type Store interface {
	LoadGuild(ctx context.Context, guildID string) ([]byte, error)
	SaveGuild(ctx context.Context, guildID string, data []byte) error
	ListGuildIDs(ctx context.Context) ([]string, error)
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file" (default): Path is a directory
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a libpq-style URL
//   - "memory": nothing is written to disk
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
