package guildstore_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"remindbot/internal/guildstore"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

var errDisk = errors.New("disk full")

// flakyStore wraps storage.Memory with a failure switch and a load counter.
type flakyStore struct {
	*storage.Memory
	fail      atomic.Bool
	loads     atomic.Int32
	loadDelay time.Duration
}

func newFlaky() *flakyStore { return &flakyStore{Memory: storage.NewMemory()} }

func (f *flakyStore) LoadGuild(ctx context.Context, id string) ([]byte, error) {
	f.loads.Add(1)
	if f.loadDelay > 0 {
		time.Sleep(f.loadDelay)
	}
	return f.Memory.LoadGuild(ctx, id)
}

func (f *flakyStore) SaveGuild(ctx context.Context, id string, b []byte) error {
	if f.fail.Load() {
		return errDisk
	}
	return f.Memory.SaveGuild(ctx, id, b)
}

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestGetOrCreateSingleInstance(t *testing.T) {
	backend := newFlaky()
	backend.loadDelay = 20 * time.Millisecond
	st := guildstore.New(backend, logx.Nop())

	const n = 32
	got := make([]*guildstore.Guild, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := st.GetOrCreate(context.Background(), "g1")
			gt.NoError(t, err)
			got[i] = g
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		gt.True(t, got[i] == got[0])
	}
	gt.Equal(t, backend.loads.Load(), int32(1))
	gt.A(t, st.AllLoaded()).Length(1)
}

func TestGetOrCreateLoadsPersisted(t *testing.T) {
	backend := newFlaky()
	g := reminder.NewGuildData()
	g.Member("m").Add(reminder.New(now, time.Hour, "c", "persisted"))
	b, err := g.Encode()
	gt.NoError(t, err).Required()
	gt.NoError(t, backend.Memory.SaveGuild(context.Background(), "g1", b)).Required()

	st := guildstore.New(backend, logx.Nop())
	guild, err := st.GetOrCreate(context.Background(), "g1")
	gt.NoError(t, err).Required()

	var text string
	gt.NoError(t, guild.View(func(d *reminder.GuildData) error {
		text = d.Member("m").Reminders[0].Text
		return nil
	}))
	gt.Equal(t, text, "persisted")
}

func TestConcurrentAddsNoLostUpdates(t *testing.T) {
	st := guildstore.New(storage.NewMemory(), logx.Nop())
	guild, err := st.GetOrCreate(context.Background(), "g1")
	gt.NoError(t, err).Required()

	const n = 100
	indices := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = guild.Update(func(d *reminder.GuildData) error {
				indices <- d.Member("m").Add(reminder.New(now, time.Hour, "c", "x"))
				return nil
			})
		}()
	}
	wg.Wait()
	close(indices)

	seen := map[int]bool{}
	for i := range indices {
		gt.False(t, seen[i])
		seen[i] = true
	}
	gt.Equal(t, len(seen), n)

	var count int
	_ = guild.View(func(d *reminder.GuildData) error {
		count = d.Member("m").Len()
		return nil
	})
	gt.Equal(t, count, n)
}

func TestFailedSaveThenSuccessfulSave(t *testing.T) {
	backend := newFlaky()
	st := guildstore.New(backend, logx.Nop())
	ctx := context.Background()

	guild, err := st.GetOrCreate(ctx, "g1")
	gt.NoError(t, err).Required()
	gt.NoError(t, guild.Update(func(d *reminder.GuildData) error {
		d.Member("m").Add(reminder.New(now, time.Hour, "c", "keep me"))
		return nil
	}))

	backend.fail.Store(true)
	err = st.Save(ctx, "g1")
	gt.True(t, errors.Is(err, guildstore.ErrStorage))
	gt.True(t, errors.Is(err, errDisk))
	gt.True(t, guild.Dirty())

	// in-memory state is still authoritative
	var n int
	_ = guild.View(func(d *reminder.GuildData) error { n = d.Member("m").Len(); return nil })
	gt.Equal(t, n, 1)

	backend.fail.Store(false)
	busy, errs := st.SaveDirty(ctx)
	gt.Equal(t, busy, 0)
	gt.A(t, errs).Length(0)
	gt.False(t, guild.Dirty())

	b, err := backend.Memory.LoadGuild(ctx, "g1")
	gt.NoError(t, err).Required()
	back, err := reminder.Decode(b)
	gt.NoError(t, err).Required()
	gt.Equal(t, back.Member("m").Reminders[0].Text, "keep me")
}

func TestTryUpdateSkipsBusyGuild(t *testing.T) {
	st := guildstore.New(storage.NewMemory(), logx.Nop())
	guild, err := st.GetOrCreate(context.Background(), "g1")
	gt.NoError(t, err).Required()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = guild.Update(func(*reminder.GuildData) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ok, err := guild.TryUpdate(func(*reminder.GuildData) error { return nil })
	gt.NoError(t, err)
	gt.False(t, ok)

	close(release)
	gt.NoError(t, guild.View(func(*reminder.GuildData) error { return nil }))
	ok, err = guild.TryUpdate(func(*reminder.GuildData) error { return nil })
	gt.NoError(t, err)
	gt.True(t, ok)
}

func TestSaveIsIdempotent(t *testing.T) {
	backend := newFlaky()
	st := guildstore.New(backend, logx.Nop())
	ctx := context.Background()

	_, err := st.GetOrCreate(ctx, "g1")
	gt.NoError(t, err).Required()
	gt.NoError(t, st.Save(ctx, "g1"))
	gt.NoError(t, st.Save(ctx, "g1"))
	gt.NoError(t, st.Save(ctx, "unknown"))

	ids, err := backend.ListGuildIDs(ctx)
	gt.NoError(t, err).Required()
	gt.V(t, ids).Equal([]string{"g1"})
}

func TestEvict(t *testing.T) {
	backend := newFlaky()
	st := guildstore.New(backend, logx.Nop())
	ctx := context.Background()

	guild, err := st.GetOrCreate(ctx, "g1")
	gt.NoError(t, err).Required()
	_ = guild.Update(func(d *reminder.GuildData) error {
		d.Member("m").Add(reminder.New(now, time.Hour, "c", "x"))
		return nil
	})

	backend.fail.Store(true)
	gt.Error(t, st.Evict(ctx, "g1"))
	gt.A(t, st.AllLoaded()).Length(1)

	backend.fail.Store(false)
	gt.NoError(t, st.Evict(ctx, "g1"))
	gt.A(t, st.AllLoaded()).Length(0)

	// reload from storage
	again, err := st.GetOrCreate(ctx, "g1")
	gt.NoError(t, err).Required()
	gt.False(t, again == guild)
	var n int
	_ = again.View(func(d *reminder.GuildData) error { n = d.Pending(); return nil })
	gt.Equal(t, n, 1)
}

func TestLoadFailureIsStorageError(t *testing.T) {
	backend := storage.NewMemory()
	gt.NoError(t, backend.SaveGuild(context.Background(), "g1", []byte("{not json"))).Required()
	st := guildstore.New(backend, logx.Nop())

	_, err := st.GetOrCreate(context.Background(), "g1")
	gt.True(t, errors.Is(err, guildstore.ErrStorage))
	gt.A(t, st.AllLoaded()).Length(0)
}

func TestSaveDirtySkipsBusyGuild(t *testing.T) {
	backend := newFlaky()
	st := guildstore.New(backend, logx.Nop())
	ctx := context.Background()

	guild, err := st.GetOrCreate(ctx, "g1")
	gt.NoError(t, err).Required()
	gt.NoError(t, guild.Update(func(d *reminder.GuildData) error {
		d.Member("m").Add(reminder.New(now, time.Hour, "c", "x"))
		return nil
	}))
	gt.True(t, guild.Dirty())

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = guild.Update(func(*reminder.GuildData) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	busy, errs := st.SaveDirty(ctx)
	gt.Equal(t, busy, 1)
	gt.A(t, errs).Length(0)
	gt.True(t, guild.Dirty())

	close(release)
	<-done
	busy, errs = st.SaveDirty(ctx)
	gt.Equal(t, busy, 0)
	gt.A(t, errs).Length(0)
	gt.False(t, guild.Dirty())
}

func TestUpdateAfterEvict(t *testing.T) {
	backend := newFlaky()
	st := guildstore.New(backend, logx.Nop())
	ctx := context.Background()

	stale, err := st.GetOrCreate(ctx, "g1")
	gt.NoError(t, err).Required()
	gt.NoError(t, st.Evict(ctx, "g1")).Required()

	err = stale.Update(func(d *reminder.GuildData) error {
		d.Member("m").Add(reminder.New(now, time.Hour, "c", "lost"))
		return nil
	})
	gt.True(t, errors.Is(err, guildstore.ErrEvicted))
	gt.True(t, errors.Is(stale.View(func(*reminder.GuildData) error { return nil }), guildstore.ErrEvicted))

	gt.NoError(t, st.Update(ctx, "g1", func(d *reminder.GuildData) error {
		d.Member("m").Add(reminder.New(now, time.Hour, "c", "kept"))
		return nil
	})).Required()
	gt.NoError(t, st.Save(ctx, "g1")).Required()

	fresh, err := st.GetOrCreate(ctx, "g1")
	gt.NoError(t, err).Required()
	gt.False(t, fresh == stale)

	b, err := backend.Memory.LoadGuild(ctx, "g1")
	gt.NoError(t, err).Required()
	back, err := reminder.Decode(b)
	gt.NoError(t, err).Required()
	gt.Equal(t, back.Member("m").Len(), 1)
	gt.Equal(t, back.Member("m").Reminders[0].Text, "kept")
}

func TestNoChangeUpdateLeavesGuildClean(t *testing.T) {
	st := guildstore.New(storage.NewMemory(), logx.Nop())
	ctx := context.Background()

	guild, err := st.GetOrCreate(ctx, "g1")
	gt.NoError(t, err).Required()
	gt.NoError(t, guild.Update(func(*reminder.GuildData) error { return guildstore.ErrNoChange }))
	gt.False(t, guild.Dirty())

	gt.NoError(t, st.Evict(ctx, "g1"))
	gt.A(t, st.AllLoaded()).Length(0)
}
