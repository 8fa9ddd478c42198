// Package dispatch delivers due reminders to chat channels.
//
// Delivery is at-most-once: the reminder has already been removed from its
// table when Deliver is called, and a failed send is never retried.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

var ErrDelivery = errors.New("reminder delivery failed")

const historyLimit = 200

// Delivery is one reminder on its way out.
type Delivery struct {
	GuildID  string
	MemberID string
	Reminder reminder.Reminder
}

type Config struct {
	RatePerSec int
	Timeout    time.Duration
}

// Outcome is one history entry.
type Outcome struct {
	At         time.Time
	GuildID    string
	MemberID   string
	ReminderID string
	Err        string
}

// EventData is published on the bus for delivered and lost reminders.
type EventData struct {
	GuildID    string    `json:"guild_id"`
	MemberID   string    `json:"member_id"`
	ChannelID  string    `json:"channel_id"`
	ReminderID string    `json:"reminder_id"`
	DueAt      time.Time `json:"due_at"`
	Error      string    `json:"error,omitempty"`
}

type Dispatcher struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	sender  transport.Sender
	mention func(memberID string) string
	limiter *rate.Limiter
	timeout time.Duration

	hmu     sync.Mutex
	history []Outcome
}

func New(sender transport.Sender, cfg Config, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		log:    log.With(logx.String("comp", "dispatch")),
		bus:    bus,
		sender: sender,
	}
	d.applyLocked(cfg)
	return d
}

// SetMention installs the platform's member mention renderer.
func (d *Dispatcher) SetMention(fn func(memberID string) string) {
	d.mu.Lock()
	d.mention = fn
	d.mu.Unlock()
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	d.timeout = cfg.Timeout
	// burst = rate: a scan that frees a handful of reminders goes out at once
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Message renders the text sent for a reminder.
func (d *Dispatcher) Message(del Delivery) string {
	d.mu.Lock()
	mention := d.mention
	d.mu.Unlock()

	who := del.MemberID
	if mention != nil {
		who = mention(del.MemberID)
	}
	return fmt.Sprintf("%s reminder: %s", who, strings.TrimSpace(del.Reminder.Text))
}

// Deliver sends one reminder. A failure means the reminder is lost; it is
// logged as such and reported wrapped in ErrDelivery.
func (d *Dispatcher) Deliver(ctx context.Context, del Delivery) error {
	d.mu.Lock()
	sender, lim, timeout := d.sender, d.limiter, d.timeout
	d.mu.Unlock()

	err := d.send(ctx, sender, lim, timeout, del)
	d.record(del, err)
	if err != nil {
		d.log.Warn("reminder lost",
			logx.String("guild", del.GuildID),
			logx.String("member", del.MemberID),
			logx.String("channel", del.Reminder.ChannelID),
			logx.String("reminder", del.Reminder.ID),
			logx.Time("due_at", del.Reminder.DueAt),
			logx.Err(err),
		)
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	d.log.Debug("reminder delivered",
		logx.String("guild", del.GuildID),
		logx.String("member", del.MemberID),
		logx.String("reminder", del.Reminder.ID),
		logx.Duration("late", time.Since(del.Reminder.DueAt)),
	)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sender transport.Sender, lim *rate.Limiter, timeout time.Duration, del Delivery) error {
	if sender == nil {
		return errors.New("no transport")
	}
	if strings.TrimSpace(del.Reminder.ChannelID) == "" {
		return errors.New("reminder has no channel")
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := lim.Wait(sctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return sender.Send(sctx, del.Reminder.ChannelID, d.Message(del))
}

func (d *Dispatcher) record(del Delivery, err error) {
	o := Outcome{
		At:         time.Now(),
		GuildID:    del.GuildID,
		MemberID:   del.MemberID,
		ReminderID: del.Reminder.ID,
	}
	ev := EventData{
		GuildID:    del.GuildID,
		MemberID:   del.MemberID,
		ChannelID:  del.Reminder.ChannelID,
		ReminderID: del.Reminder.ID,
		DueAt:      del.Reminder.DueAt,
	}
	typ := eventbus.ReminderDelivered
	if err != nil {
		o.Err = err.Error()
		ev.Error = err.Error()
		typ = eventbus.ReminderLost
	}

	d.hmu.Lock()
	d.history = append(d.history, o)
	if len(d.history) > historyLimit {
		d.history = d.history[len(d.history)-historyLimit:]
	}
	d.hmu.Unlock()

	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Time: o.At, Data: ev})
	}
}

// History returns the most recent outcomes, oldest first.
func (d *Dispatcher) History() []Outcome {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]Outcome(nil), d.history...)
}
