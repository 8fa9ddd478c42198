// Package reminders is the reminder API exposed to the command surface.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/guildstore"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

var (
	ErrEmptyText        = errors.New("reminder text is empty")
	ErrNegativeDelay    = errors.New("reminder delay is negative")
	ErrTooManyReminders = errors.New("too many pending reminders")
	ErrIndexOutOfRange  = reminder.ErrIndexOutOfRange
	ErrStorage          = guildstore.ErrStorage
)

// Guilds is the part of the guild store the service needs.
type Guilds interface {
	Update(ctx context.Context, guildID string, fn func(*reminder.GuildData) error) error
	View(ctx context.Context, guildID string, fn func(*reminder.GuildData) error) error
	Save(ctx context.Context, guildID string) error
}

// Triggerer requests an early scan.
type Triggerer interface {
	Trigger()
}

type Config struct {
	// MaxPerMember caps pending reminders per member; 0 means unlimited.
	MaxPerMember int
}

type Service struct {
	guilds Guilds
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	trigger Triggerer
}

func New(guilds Guilds, cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		guilds: guilds,
		log:    log.With(logx.String("comp", "reminders")),
		bus:    bus,
		now:    time.Now,
		cfg:    cfg,
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// SetTrigger installs the scanner used for zero-delay reminders.
func (s *Service) SetTrigger(t Triggerer) {
	s.mu.Lock()
	s.trigger = t
	s.mu.Unlock()
}

// CreateReminder stores a reminder due after delay and persists the guild.
//
// If the save fails the reminder is still pending in memory and the returned
// error wraps ErrStorage.
func (s *Service) CreateReminder(ctx context.Context, guildID, memberID, channelID string, delay time.Duration, text string) (reminder.Reminder, error) {
	// NUL delimits mention placeholders in some transports.
	text = strings.TrimSpace(strings.ReplaceAll(text, "\x00", ""))
	if text == "" {
		return reminder.Reminder{}, ErrEmptyText
	}
	if delay < 0 {
		return reminder.Reminder{}, ErrNegativeDelay
	}

	s.mu.Lock()
	maxPer := s.cfg.MaxPerMember
	trig := s.trigger
	s.mu.Unlock()

	r := reminder.New(s.now(), delay, channelID, text)
	err := s.guilds.Update(ctx, guildID, func(d *reminder.GuildData) error {
		m := d.Member(memberID)
		if maxPer > 0 && m.Len() >= maxPer {
			return fmt.Errorf("%w: limit is %d", ErrTooManyReminders, maxPer)
		}
		m.Add(r)
		return nil
	})
	if err != nil {
		return reminder.Reminder{}, err
	}

	s.publish(eventbus.ReminderCreated, guildID, memberID, r)
	s.log.Debug("reminder created",
		logx.String("guild", guildID),
		logx.String("member", memberID),
		logx.String("reminder", r.ID),
		logx.Time("due_at", r.DueAt),
	)

	saveErr := s.guilds.Save(ctx, guildID)
	if delay == 0 && trig != nil {
		trig.Trigger()
	}
	if saveErr != nil {
		return r, saveErr
	}
	return r, nil
}

// ListReminders returns the member's pending reminders with their current
// indices. A member with none gets an empty slice.
func (s *Service) ListReminders(ctx context.Context, guildID, memberID string) ([]reminder.Indexed, error) {
	var out []reminder.Indexed
	err := s.guilds.View(ctx, guildID, func(d *reminder.GuildData) error {
		m, _ := d.LookupMember(memberID)
		out = m.ListAll()
		return nil
	})
	return out, err
}

// DeleteReminder removes the reminder at index and persists the guild.
func (s *Service) DeleteReminder(ctx context.Context, guildID, memberID string, index int) (reminder.Reminder, error) {
	var removed reminder.Reminder
	err := s.guilds.Update(ctx, guildID, func(d *reminder.GuildData) error {
		m, ok := d.LookupMember(memberID)
		if !ok {
			return fmt.Errorf("%w: %d (have 0)", reminder.ErrIndexOutOfRange, index)
		}
		var derr error
		removed, derr = m.DeleteAt(index)
		return derr
	})
	if err != nil {
		return reminder.Reminder{}, err
	}

	s.publish(eventbus.ReminderDeleted, guildID, memberID, removed)
	if err := s.guilds.Save(ctx, guildID); err != nil {
		return removed, err
	}
	return removed, nil
}

type eventData struct {
	GuildID    string    `json:"guild_id"`
	MemberID   string    `json:"member_id"`
	ReminderID string    `json:"reminder_id"`
	DueAt      time.Time `json:"due_at"`
}

func (s *Service) publish(typ, guildID, memberID string, r reminder.Reminder) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: eventData{
		GuildID:    guildID,
		MemberID:   memberID,
		ReminderID: r.ID,
		DueAt:      r.DueAt,
	}})
}
