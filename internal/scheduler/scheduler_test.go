package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"remindbot/internal/dispatch"
	"remindbot/internal/guildstore"
	"remindbot/internal/reminder"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

type recorder struct {
	mu        sync.Mutex
	got       []dispatch.Delivery
	fail      map[string]bool // by text
	panicOn   string
	delay     time.Duration
	delivered chan struct{}
}

func (r *recorder) Deliver(_ context.Context, d dispatch.Delivery) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.panicOn != "" && d.Reminder.Text == r.panicOn {
		panic("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[d.Reminder.Text] {
		return dispatch.ErrDelivery
	}
	r.got = append(r.got, d)
	if r.delivered != nil {
		select {
		case r.delivered <- struct{}{}:
		default:
		}
	}
	return nil
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	for i, d := range r.got {
		out[i] = d.Reminder.Text
	}
	return out
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*guildstore.Store, *storage.Memory) {
	t.Helper()
	backend := storage.NewMemory()
	return guildstore.New(backend, logx.Nop()), backend
}

func add(t *testing.T, st *guildstore.Store, guildID, memberID string, delay time.Duration, text string) {
	t.Helper()
	g, err := st.GetOrCreate(context.Background(), guildID)
	gt.NoError(t, err).Required()
	gt.NoError(t, g.Update(func(d *reminder.GuildData) error {
		d.Member(memberID).Add(reminder.New(t0, delay, "chan", text))
		return nil
	})).Required()
}

func pending(t *testing.T, st *guildstore.Store, guildID, memberID string) int {
	t.Helper()
	g, err := st.GetOrCreate(context.Background(), guildID)
	gt.NoError(t, err).Required()
	n := 0
	_ = g.View(func(d *reminder.GuildData) error {
		if m, ok := d.LookupMember(memberID); ok {
			n = m.Len()
		}
		return nil
	})
	return n
}

func TestScanDeliversPingOnce(t *testing.T) {
	st, backend := setup(t)
	add(t, st, "g1", "m1", 0, "ping")
	add(t, st, "g1", "m1", time.Hour, "later")

	rec := &recorder{}
	s := scheduler.New(st, rec, scheduler.Config{}, logx.Nop(), nil)

	rep := s.Scan(context.Background(), t0)
	gt.Equal(t, rep.Due, 1)
	gt.Equal(t, rep.Delivered, 1)
	gt.V(t, rec.texts()).Equal([]string{"ping"})
	gt.Equal(t, pending(t, st, "g1", "m1"), 1)

	// the removal was persisted
	b, err := backend.LoadGuild(context.Background(), "g1")
	gt.NoError(t, err).Required()
	saved, err := reminder.Decode(b)
	gt.NoError(t, err).Required()
	gt.Equal(t, saved.Member("m1").Len(), 1)

	rep = s.Scan(context.Background(), t0.Add(time.Second))
	gt.Equal(t, rep.Due, 0)
	gt.V(t, rec.texts()).Equal([]string{"ping"})
}

func TestScanSkipsBusyGuild(t *testing.T) {
	st, _ := setup(t)
	add(t, st, "busy", "m1", 0, "busy-ping")
	add(t, st, "free", "m1", 0, "free-ping")

	busy, err := st.GetOrCreate(context.Background(), "busy")
	gt.NoError(t, err).Required()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = busy.Update(func(*reminder.GuildData) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	rec := &recorder{}
	s := scheduler.New(st, rec, scheduler.Config{}, logx.Nop(), nil)
	rep := s.Scan(context.Background(), t0)
	gt.Equal(t, rep.Skipped, 1)
	gt.V(t, rec.texts()).Equal([]string{"free-ping"})

	close(release)
	<-done

	rep = s.Scan(context.Background(), t0.Add(5*time.Second))
	gt.Equal(t, rep.Skipped, 0)
	gt.V(t, rec.texts()).Equal([]string{"free-ping", "busy-ping"})
}

func TestScanIsolatesPanickingGuild(t *testing.T) {
	st, _ := setup(t)
	add(t, st, "a", "m1", 0, "explode")
	add(t, st, "b", "m1", 0, "fine")

	rec := &recorder{panicOn: "explode"}
	s := scheduler.New(st, rec, scheduler.Config{}, logx.Nop(), nil)
	rep := s.Scan(context.Background(), t0)

	gt.Equal(t, rep.Failed, 1)
	gt.V(t, rec.texts()).Equal([]string{"fine"})
	gt.Equal(t, pending(t, st, "a", "m1"), 0)
}

func TestScanPanicDoesNotSkipRemainingDeliveries(t *testing.T) {
	st, _ := setup(t)
	add(t, st, "a", "m1", 0, "explode")
	add(t, st, "a", "m1", 0, "second")
	add(t, st, "a", "m2", 0, "third")

	rec := &recorder{panicOn: "explode"}
	s := scheduler.New(st, rec, scheduler.Config{}, logx.Nop(), nil)
	rep := s.Scan(context.Background(), t0)

	gt.Equal(t, rep.Due, 3)
	gt.Equal(t, rep.Delivered, 2)
	gt.Equal(t, rep.Lost, 1)
	gt.V(t, rec.texts()).Equal([]string{"second", "third"})
	gt.Equal(t, pending(t, st, "a", "m1"), 0)
}

func TestScanBusyDirtyGuildDoesNotBlock(t *testing.T) {
	st, _ := setup(t)
	add(t, st, "busy", "m1", time.Hour, "later")
	gt.True(t, st.AllLoaded()[0].Dirty())

	busy, err := st.GetOrCreate(context.Background(), "busy")
	gt.NoError(t, err).Required()
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = busy.Update(func(*reminder.GuildData) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer func() {
		close(release)
		<-done
	}()

	s := scheduler.New(st, &recorder{}, scheduler.Config{}, logx.Nop(), nil)
	finished := make(chan scheduler.Report, 1)
	go func() { finished <- s.Scan(context.Background(), t0) }()

	select {
	case rep := <-finished:
		gt.Equal(t, rep.Skipped, 1)
		gt.Equal(t, rep.SaveBusy, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("scan blocked on a busy guild")
	}
}

func TestScanDeliveryFailureLosesReminder(t *testing.T) {
	st, _ := setup(t)
	add(t, st, "g1", "m1", 0, "doomed")
	add(t, st, "g1", "m2", 0, "ok")

	rec := &recorder{fail: map[string]bool{"doomed": true}}
	s := scheduler.New(st, rec, scheduler.Config{}, logx.Nop(), nil)
	rep := s.Scan(context.Background(), t0)

	gt.Equal(t, rep.Lost, 1)
	gt.Equal(t, rep.Delivered, 1)
	gt.Equal(t, pending(t, st, "g1", "m1"), 0)

	rep = s.Scan(context.Background(), t0.Add(time.Minute))
	gt.Equal(t, rep.Due, 0)
}

func TestScanRetriesFailedSave(t *testing.T) {
	backend := &failingSave{Memory: storage.NewMemory()}
	backend.fail.Store(true)
	st := guildstore.New(backend, logx.Nop())
	add(t, st, "g1", "m1", 0, "ping")

	s := scheduler.New(st, &recorder{}, scheduler.Config{}, logx.Nop(), nil)
	rep := s.Scan(context.Background(), t0)
	gt.True(t, rep.SaveErrors > 0)

	backend.fail.Store(false)
	rep = s.Scan(context.Background(), t0.Add(time.Second))
	gt.Equal(t, rep.SaveErrors, 0)

	b, err := backend.LoadGuild(context.Background(), "g1")
	gt.NoError(t, err).Required()
	saved, err := reminder.Decode(b)
	gt.NoError(t, err).Required()
	gt.Equal(t, saved.Pending(), 0)
}

type failingSave struct {
	*storage.Memory
	fail atomic.Bool
}

func (f *failingSave) SaveGuild(ctx context.Context, id string, b []byte) error {
	if f.fail.Load() {
		return errors.New("read-only filesystem")
	}
	return f.Memory.SaveGuild(ctx, id, b)
}

func TestTriggerRunsScan(t *testing.T) {
	st, _ := setup(t)
	rec := &recorder{delivered: make(chan struct{}, 1)}
	s := scheduler.New(st, rec, scheduler.Config{Interval: 10 * time.Second}, logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gt.NoError(t, s.Start(ctx)).Required()
	defer func() { _ = s.Stop(context.Background()) }()

	g, err := st.GetOrCreate(ctx, "g1")
	gt.NoError(t, err).Required()
	_ = g.Update(func(d *reminder.GuildData) error {
		d.Member("m1").Add(reminder.New(time.Now(), 0, "chan", "now"))
		return nil
	})
	s.Trigger()

	select {
	case <-rec.delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("triggered scan did not deliver")
	}
	gt.V(t, rec.texts()).Equal([]string{"now"})
}

func TestStopWaitsForInflightScan(t *testing.T) {
	st, _ := setup(t)
	g, err := st.GetOrCreate(context.Background(), "g1")
	gt.NoError(t, err).Required()
	_ = g.Update(func(d *reminder.GuildData) error {
		d.Member("m1").Add(reminder.New(time.Now(), 0, "chan", "slow"))
		return nil
	})

	rec := &recorder{delay: 200 * time.Millisecond}
	s := scheduler.New(st, rec, scheduler.Config{}, logx.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	gt.NoError(t, s.Start(ctx)).Required()
	s.Trigger()
	time.Sleep(50 * time.Millisecond)

	// cancellation must not cut the delivery short
	cancel()
	gt.NoError(t, s.Stop(context.Background()))
	gt.V(t, rec.texts()).Equal([]string{"slow"})
}

func TestStopIdempotent(t *testing.T) {
	st, _ := setup(t)
	s := scheduler.New(st, &recorder{}, scheduler.Config{}, logx.Nop(), nil)
	gt.NoError(t, s.Stop(context.Background()))
	gt.NoError(t, s.Start(context.Background()))
	gt.NoError(t, s.Start(context.Background()))
	gt.NoError(t, s.Stop(context.Background()))
	gt.NoError(t, s.Stop(context.Background()))
}

func TestApplyWhileRunning(t *testing.T) {
	st, _ := setup(t)
	s := scheduler.New(st, &recorder{}, scheduler.Config{}, logx.Nop(), nil)
	gt.NoError(t, s.Start(context.Background())).Required()
	s.Apply(scheduler.Config{Interval: 2 * time.Second})
	s.Apply(scheduler.Config{Interval: time.Hour})
	gt.NoError(t, s.Stop(context.Background()))
}
