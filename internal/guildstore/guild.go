package guildstore

import (
	"errors"
	"sync"
	"sync/atomic"

	"remindbot/internal/reminder"
)

var (
	// ErrEvicted is returned by a handle whose guild was dropped from the
	// store. Fetch a fresh handle with GetOrCreate.
	ErrEvicted = errors.New("guild evicted")

	// ErrNoChange may be returned by an update callback that left the data
	// untouched. The guild is not marked dirty and the caller sees nil.
	ErrNoChange = errors.New("no change")
)

// Guild is the resident handle of one guild. It never exposes the data
// outside of a lock-scoped callback.
type Guild struct {
	id string

	mu      sync.Mutex
	data    *reminder.GuildData
	evicted bool

	// dirty is read without mu so the scanner never waits on a busy guild.
	dirty atomic.Bool

	// saveMu orders writes of this guild so an older snapshot never lands
	// after a newer one.
	saveMu sync.Mutex
}

func newGuild(id string, data *reminder.GuildData) *Guild {
	if data == nil {
		data = reminder.NewGuildData()
	}
	return &Guild{id: id, data: data}
}

func (g *Guild) ID() string { return g.id }

// apply runs fn with mu held.
func (g *Guild) apply(fn func(*reminder.GuildData) error) error {
	if g.evicted {
		return ErrEvicted
	}
	err := fn(g.data)
	switch {
	case errors.Is(err, ErrNoChange):
		return nil
	case err != nil:
		return err
	}
	g.dirty.Store(true)
	return nil
}

// Update runs fn with exclusive access and marks the guild dirty when fn
// succeeds. fn must leave the data untouched when it returns an error.
func (g *Guild) Update(fn func(*reminder.GuildData) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.apply(fn)
}

// View runs fn with exclusive access without marking the guild dirty.
// fn must not mutate the data.
func (g *Guild) View(fn func(*reminder.GuildData) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.evicted {
		return ErrEvicted
	}
	return fn(g.data)
}

// TryUpdate is Update without waiting: ok is false when the guild is busy.
// An evicted guild reports ok without running fn.
func (g *Guild) TryUpdate(fn func(*reminder.GuildData) error) (ok bool, err error) {
	if !g.mu.TryLock() {
		return false, nil
	}
	defer g.mu.Unlock()
	if g.evicted {
		return true, nil
	}
	return true, g.apply(fn)
}

func (g *Guild) Dirty() bool { return g.dirty.Load() }

// snapshot encodes the current state and clears the dirty flag. The caller
// restores it with markDirty if the write fails.
func (g *Guild) snapshot() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.encodeLocked()
}

// trySnapshot is snapshot without waiting; ok is false when the guild is busy.
func (g *Guild) trySnapshot() (b []byte, ok bool, err error) {
	if !g.mu.TryLock() {
		return nil, false, nil
	}
	defer g.mu.Unlock()
	b, err = g.encodeLocked()
	return b, true, err
}

func (g *Guild) encodeLocked() ([]byte, error) {
	b, err := g.data.Encode()
	if err != nil {
		return nil, err
	}
	g.dirty.Store(false)
	return b, nil
}

func (g *Guild) markDirty() { g.dirty.Store(true) }

// markEvicted retires the handle unless it changed since the last save.
func (g *Guild) markEvicted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dirty.Load() {
		return false
	}
	g.evicted = true
	return true
}
