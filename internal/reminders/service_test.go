package reminders_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"remindbot/internal/eventbus"
	"remindbot/internal/guildstore"
	"remindbot/internal/reminder"
	"remindbot/internal/reminders"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

type countTrigger struct{ n atomic.Int32 }

func (c *countTrigger) Trigger() { c.n.Add(1) }

type toggleStore struct {
	*storage.Memory
	fail atomic.Bool
}

func (s *toggleStore) SaveGuild(ctx context.Context, id string, b []byte) error {
	if s.fail.Load() {
		return errors.New("io error")
	}
	return s.Memory.SaveGuild(ctx, id, b)
}

func newService(t *testing.T, cfg reminders.Config) (*reminders.Service, *toggleStore, *countTrigger) {
	t.Helper()
	backend := &toggleStore{Memory: storage.NewMemory()}
	svc := reminders.New(guildstore.New(backend, logx.Nop()), cfg, logx.Nop(), eventbus.New())
	trig := &countTrigger{}
	svc.SetTrigger(trig)
	return svc, backend, trig
}

func TestListEmpty(t *testing.T) {
	svc, _, _ := newService(t, reminders.Config{})
	list, err := svc.ListReminders(context.Background(), "g", "nobody")
	gt.NoError(t, err).Required()
	gt.NotNil(t, list)
	gt.A(t, list).Length(0)
}

func TestCreateListDelete(t *testing.T) {
	svc, _, _ := newService(t, reminders.Config{})
	ctx := context.Background()

	_, err := svc.CreateReminder(ctx, "g", "m", "c", time.Hour, "a")
	gt.NoError(t, err).Required()
	_, err = svc.CreateReminder(ctx, "g", "m", "c", 2*time.Hour, "b")
	gt.NoError(t, err).Required()

	removed, err := svc.DeleteReminder(ctx, "g", "m", 0)
	gt.NoError(t, err).Required()
	gt.Equal(t, removed.Text, "a")

	list, err := svc.ListReminders(ctx, "g", "m")
	gt.NoError(t, err).Required()
	gt.A(t, list).Length(1)
	gt.Equal(t, list[0].Index, 0)
	gt.Equal(t, list[0].Reminder.Text, "b")
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newService(t, reminders.Config{})
	ctx := context.Background()

	_, err := svc.CreateReminder(ctx, "g", "m", "c", time.Hour, "   ")
	gt.True(t, errors.Is(err, reminders.ErrEmptyText))

	_, err = svc.CreateReminder(ctx, "g", "m", "c", -time.Second, "x")
	gt.True(t, errors.Is(err, reminders.ErrNegativeDelay))

	list, err := svc.ListReminders(ctx, "g", "m")
	gt.NoError(t, err).Required()
	gt.A(t, list).Length(0)
}

func TestCreateZeroDelayTriggersScan(t *testing.T) {
	svc, _, trig := newService(t, reminders.Config{})
	ctx := context.Background()

	_, err := svc.CreateReminder(ctx, "g", "m", "c", time.Minute, "later")
	gt.NoError(t, err).Required()
	gt.Equal(t, trig.n.Load(), int32(0))

	r, err := svc.CreateReminder(ctx, "g", "m", "c", 0, "ping")
	gt.NoError(t, err).Required()
	gt.Equal(t, trig.n.Load(), int32(1))
	gt.True(t, r.DueAt.Equal(r.CreatedAt))
}

func TestMaxPerMember(t *testing.T) {
	svc, _, _ := newService(t, reminders.Config{MaxPerMember: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.CreateReminder(ctx, "g", "m", "c", time.Hour, "x")
		gt.NoError(t, err).Required()
	}
	_, err := svc.CreateReminder(ctx, "g", "m", "c", time.Hour, "x")
	gt.True(t, errors.Is(err, reminders.ErrTooManyReminders))

	// other members are unaffected
	_, err = svc.CreateReminder(ctx, "g", "other", "c", time.Hour, "x")
	gt.NoError(t, err)

	svc.Apply(reminders.Config{})
	_, err = svc.CreateReminder(ctx, "g", "m", "c", time.Hour, "x")
	gt.NoError(t, err)
}

func TestDeleteOutOfRange(t *testing.T) {
	svc, _, _ := newService(t, reminders.Config{})
	ctx := context.Background()

	_, err := svc.DeleteReminder(ctx, "g", "m", 0)
	gt.True(t, errors.Is(err, reminders.ErrIndexOutOfRange))

	_, err = svc.CreateReminder(ctx, "g", "m", "c", time.Hour, "a")
	gt.NoError(t, err).Required()
	_, err = svc.DeleteReminder(ctx, "g", "m", 1)
	gt.True(t, errors.Is(err, reminder.ErrIndexOutOfRange))
	_, err = svc.DeleteReminder(ctx, "g", "m", -1)
	gt.True(t, errors.Is(err, reminder.ErrIndexOutOfRange))

	list, err := svc.ListReminders(ctx, "g", "m")
	gt.NoError(t, err).Required()
	gt.A(t, list).Length(1)
}

func TestCreateSurvivesFailedSave(t *testing.T) {
	svc, backend, _ := newService(t, reminders.Config{})
	ctx := context.Background()

	backend.fail.Store(true)
	r, err := svc.CreateReminder(ctx, "g", "m", "c", time.Hour, "keep")
	gt.True(t, errors.Is(err, reminders.ErrStorage))
	gt.Equal(t, r.Text, "keep")

	list, err := svc.ListReminders(ctx, "g", "m")
	gt.NoError(t, err).Required()
	gt.A(t, list).Length(1)

	// next successful save persists it
	backend.fail.Store(false)
	_, err = svc.CreateReminder(ctx, "g", "m", "c", time.Hour, "second")
	gt.NoError(t, err).Required()

	b, err := backend.LoadGuild(ctx, "g")
	gt.NoError(t, err).Required()
	saved, err := reminder.Decode(b)
	gt.NoError(t, err).Required()
	gt.Equal(t, saved.Member("m").Len(), 2)
	gt.Equal(t, saved.Member("m").Reminders[0].Text, "keep")
}

func TestCreateStripsNUL(t *testing.T) {
	svc, _, _ := newService(t, reminders.Config{})
	r, err := svc.CreateReminder(context.Background(), "g", "m", "c", time.Hour, "\x00m:7\x00 hi")
	gt.NoError(t, err).Required()
	gt.Equal(t, r.Text, "m:7 hi")

	_, err = svc.CreateReminder(context.Background(), "g", "m", "c", time.Hour, "\x00\x00")
	gt.True(t, errors.Is(err, reminders.ErrEmptyText))
}

func TestCreateAfterEvictIsPersisted(t *testing.T) {
	backend := storage.NewMemory()
	guilds := guildstore.New(backend, logx.Nop())
	svc := reminders.New(guilds, reminders.Config{}, logx.Nop(), nil)
	ctx := context.Background()

	_, err := svc.CreateReminder(ctx, "g", "m", "c", time.Hour, "first")
	gt.NoError(t, err).Required()
	gt.NoError(t, guilds.Evict(ctx, "g")).Required()

	_, err = svc.CreateReminder(ctx, "g", "m", "c", time.Hour, "second")
	gt.NoError(t, err).Required()

	b, err := backend.LoadGuild(ctx, "g")
	gt.NoError(t, err).Required()
	back, err := reminder.Decode(b)
	gt.NoError(t, err).Required()
	gt.Equal(t, back.Member("m").Len(), 2)
}
