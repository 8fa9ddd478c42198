package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/m-mizutani/gt"

	logx "remindbot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	out := map[string]Store{}

	fs, err := Open(ctx, Config{Driver: "file", Path: filepath.Join(dir, "guilds")}, logx.Nop())
	gt.NoError(t, err).Required()
	out["file"] = fs

	sq, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(dir, "remindbot.db")}, logx.Nop())
	gt.NoError(t, err).Required()
	out["sqlite"] = sq

	mem, err := Open(ctx, Config{Driver: "memory"}, logx.Nop())
	gt.NoError(t, err).Required()
	out["memory"] = mem

	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		pg, err := Open(ctx, Config{Driver: "postgres", DSN: dsn}, logx.Nop())
		gt.NoError(t, err).Required()
		out["postgres"] = pg
	}

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var v map[string]any
	gt.NoError(t, json.Unmarshal(b, &v)).Required()
	return v
}

func TestStoreRoundTrip(t *testing.T) {
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := "guild-" + name

			_, err := st.LoadGuild(ctx, id)
			gt.True(t, errors.Is(err, ErrNotFound))

			gt.NoError(t, st.SaveGuild(ctx, id, []byte(`{"members":{"m1":{"reminders":[]}},"future":true}`))).Required()
			got, err := st.LoadGuild(ctx, id)
			gt.NoError(t, err).Required()
			v := decode(t, got)
			gt.V(t, v["future"]).Equal(true)

			// overwrite
			gt.NoError(t, st.SaveGuild(ctx, id, []byte(`{"members":{}}`))).Required()
			got, err = st.LoadGuild(ctx, id)
			gt.NoError(t, err).Required()
			_, hasFuture := decode(t, got)["future"]
			gt.False(t, hasFuture)

			ids, err := st.ListGuildIDs(ctx)
			gt.NoError(t, err).Required()
			found := false
			for _, g := range ids {
				if g == id {
					found = true
				}
			}
			gt.True(t, found)
		})
	}
}

func TestStoreRejectsEmptyID(t *testing.T) {
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			gt.Error(t, st.SaveGuild(context.Background(), " ", []byte(`{}`)))
		})
	}
}

func TestFileStoreEscapesIDs(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(context.Background(), Config{Driver: "file", Path: dir}, logx.Nop())
	gt.NoError(t, err).Required()
	defer st.Close()

	ctx := context.Background()
	ids := []string{"-1001234567890", "a/b", "123"}
	for _, id := range ids {
		gt.NoError(t, st.SaveGuild(ctx, id, []byte(`{}`))).Required()
	}

	got, err := st.ListGuildIDs(ctx)
	gt.NoError(t, err).Required()
	gt.A(t, got).Length(3)
	gt.V(t, got).Equal([]string{"-1001234567890", "123", "a/b"})

	entries, err := os.ReadDir(dir)
	gt.NoError(t, err).Required()
	for _, e := range entries {
		gt.False(t, e.IsDir())
	}
}

func TestFileStoreConcurrentSaves(t *testing.T) {
	st, err := Open(context.Background(), Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	gt.NoError(t, err).Required()
	defer st.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.SaveGuild(context.Background(), "g", []byte(`{"members":{}}`))
		}()
	}
	wg.Wait()

	b, err := st.LoadGuild(context.Background(), "g")
	gt.NoError(t, err).Required()
	gt.Equal(t, string(b), `{"members":{}}`)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	gt.Error(t, err)
}

func TestClosedMemoryStore(t *testing.T) {
	m := NewMemory()
	gt.NoError(t, m.Close())
	err := m.SaveGuild(context.Background(), "g", []byte(`{}`))
	gt.True(t, errors.Is(err, ErrClosed))
}
