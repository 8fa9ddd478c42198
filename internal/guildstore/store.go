// Package guildstore keeps guild records resident in memory and persists
// them through internal/storage.
//
// Locking: the map of guilds is guarded by an RWMutex that is held only for
// lookup, insert and snapshot. Each guild has its own mutex. No lock spans
// more than one guild.
package guildstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// ErrStorage wraps every persistence failure. In-memory state stays
// authoritative and the guild is retried on the next save.
var ErrStorage = errors.New("guild storage failure")

type Store struct {
	backend storage.Store
	log     logx.Logger

	mu     sync.RWMutex
	guilds map[string]*Guild

	loads singleflight.Group
}

func New(backend storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		backend: backend,
		log:     log.With(logx.String("comp", "guildstore")),
		guilds:  map[string]*Guild{},
	}
}

func (s *Store) lookup(id string) (*Guild, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guilds[id]
	return g, ok
}

// GetOrCreate returns the resident handle for guildID, loading it from
// storage on first use. Concurrent callers for the same id share one load
// and receive the same *Guild.
func (s *Store) GetOrCreate(ctx context.Context, guildID string) (*Guild, error) {
	if guildID == "" {
		return nil, fmt.Errorf("guildstore: empty guild id")
	}
	if g, ok := s.lookup(guildID); ok {
		return g, nil
	}

	v, err, _ := s.loads.Do(guildID, func() (any, error) {
		if g, ok := s.lookup(guildID); ok {
			return g, nil
		}
		data, err := s.load(context.WithoutCancel(ctx), guildID)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if g, ok := s.guilds[guildID]; ok {
			return g, nil
		}
		g := newGuild(guildID, data)
		s.guilds[guildID] = g
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Guild), nil
}

func (s *Store) load(ctx context.Context, guildID string) (*reminder.GuildData, error) {
	b, err := s.backend.LoadGuild(ctx, guildID)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Debug("new guild record", logx.String("guild", guildID))
		return reminder.NewGuildData(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", ErrStorage, guildID, err)
	}
	data, err := reminder.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrStorage, guildID, err)
	}
	s.log.Debug("guild loaded", logx.String("guild", guildID), logx.Int("pending", data.Pending()))
	return data, nil
}

// Preload makes a guild resident without a command touching it.
func (s *Store) Preload(ctx context.Context, guildID string) error {
	_, err := s.GetOrCreate(ctx, guildID)
	return err
}

// Update applies fn to the resident guild. A handle evicted between lookup
// and lock is replaced by a fresh one, so the change never lands on a
// guild that is no longer saved.
func (s *Store) Update(ctx context.Context, guildID string, fn func(*reminder.GuildData) error) error {
	for {
		g, err := s.GetOrCreate(ctx, guildID)
		if err != nil {
			return err
		}
		err = g.Update(fn)
		if !errors.Is(err, ErrEvicted) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// View is the read-only counterpart of Update.
func (s *Store) View(ctx context.Context, guildID string, fn func(*reminder.GuildData) error) error {
	for {
		g, err := s.GetOrCreate(ctx, guildID)
		if err != nil {
			return err
		}
		err = g.View(fn)
		if !errors.Is(err, ErrEvicted) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Save persists the guild if it is resident. It is safe to call repeatedly.
// A guild evicted after its last change was flushed by Evict.
func (s *Store) Save(ctx context.Context, guildID string) error {
	g, ok := s.lookup(guildID)
	if !ok {
		return nil
	}
	return s.save(ctx, g)
}

func (s *Store) save(ctx context.Context, g *Guild) error {
	g.saveMu.Lock()
	defer g.saveMu.Unlock()

	b, err := g.snapshot()
	if err != nil {
		g.markDirty()
		return fmt.Errorf("%w: encode %s: %w", ErrStorage, g.id, err)
	}
	return s.write(ctx, g, b)
}

// trySave is save without waiting on a busy guild; ok is false when skipped.
func (s *Store) trySave(ctx context.Context, g *Guild) (ok bool, err error) {
	if !g.saveMu.TryLock() {
		return false, nil
	}
	defer g.saveMu.Unlock()

	b, ok, err := g.trySnapshot()
	if !ok {
		return false, nil
	}
	if err != nil {
		g.markDirty()
		return true, fmt.Errorf("%w: encode %s: %w", ErrStorage, g.id, err)
	}
	return true, s.write(ctx, g, b)
}

func (s *Store) write(ctx context.Context, g *Guild, b []byte) error {
	if err := s.backend.SaveGuild(ctx, g.id, b); err != nil {
		g.markDirty()
		s.log.Warn("guild save failed; will retry", logx.String("guild", g.id), logx.Err(err))
		return fmt.Errorf("%w: save %s: %w", ErrStorage, g.id, err)
	}
	return nil
}

// SaveDirty retries every resident guild whose last save failed or that
// changed since. Guilds busy with a mutation or another save are left dirty
// for the next call and counted in busy.
func (s *Store) SaveDirty(ctx context.Context) (busy int, errs []error) {
	for _, g := range s.AllLoaded() {
		if !g.Dirty() {
			continue
		}
		ok, err := s.trySave(ctx, g)
		if !ok {
			busy++
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return busy, errs
}

// Flush saves every dirty guild, waiting for busy ones.
func (s *Store) Flush(ctx context.Context) []error {
	var errs []error
	for _, g := range s.AllLoaded() {
		if !g.Dirty() {
			continue
		}
		if err := s.save(ctx, g); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// AllLoaded snapshots the resident guilds, ordered by id.
func (s *Store) AllLoaded() []*Guild {
	s.mu.RLock()
	out := make([]*Guild, 0, len(s.guilds))
	for _, g := range s.guilds {
		out = append(out, g)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Evict flushes and drops a guild. A failed flush keeps it resident.
func (s *Store) Evict(ctx context.Context, guildID string) error {
	g, ok := s.lookup(guildID)
	if !ok {
		return nil
	}
	if err := s.save(ctx, g); err != nil {
		return err
	}
	// A change that raced the flush keeps the guild resident.
	s.mu.Lock()
	evicted := false
	if cur, ok := s.guilds[guildID]; ok && cur == g && g.markEvicted() {
		delete(s.guilds, guildID)
		evicted = true
	}
	s.mu.Unlock()
	if evicted {
		s.log.Debug("guild evicted", logx.String("guild", guildID))
	}
	return nil
}

// Close flushes dirty guilds. The backend is owned by the caller.
func (s *Store) Close(ctx context.Context) error {
	errs := s.Flush(ctx)
	if len(errs) > 0 {
		s.log.Error("unsaved guilds at shutdown", logx.Int("count", len(errs)))
	}
	return errors.Join(errs...)
}
