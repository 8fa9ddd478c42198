// Package scheduler periodically scans resident guilds for due reminders
// and hands them to the dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/dispatch"
	"remindbot/internal/eventbus"
	"remindbot/internal/guildstore"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

const (
	DefaultInterval = 5 * time.Second
	MinInterval     = time.Second
	MaxInterval     = 10 * time.Second
)

// Deliverer is the part of the dispatcher the scanner needs.
type Deliverer interface {
	Deliver(ctx context.Context, d dispatch.Delivery) error
}

// GuildSource is the part of the guild store the scanner needs.
type GuildSource interface {
	AllLoaded() []*guildstore.Guild
	Save(ctx context.Context, guildID string) error
	SaveDirty(ctx context.Context) (busy int, errs []error)
}

type Config struct {
	Interval time.Duration
}

func (c Config) interval() time.Duration {
	if c.Interval <= 0 {
		return DefaultInterval
	}
	return min(max(c.Interval, MinInterval), MaxInterval)
}

// Report summarizes one scan pass.
type Report struct {
	At         time.Time     `json:"at"`
	Took       time.Duration `json:"took"`
	Guilds     int           `json:"guilds"`
	Skipped    int           `json:"skipped"`
	Due        int           `json:"due"`
	Delivered  int           `json:"delivered"`
	Lost       int           `json:"lost"`
	Failed     int           `json:"failed"`
	SaveErrors int           `json:"save_errors"`
	// SaveBusy counts dirty guilds left for the next pass because a
	// command held them.
	SaveBusy int `json:"save_busy"`
}

// errDeliveryPanic marks a delivery that panicked; the reminder is lost.
var errDeliveryPanic = errors.New("delivery panicked")

type Scheduler struct {
	store GuildSource
	disp  Deliverer
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	// scanMu serializes passes from the ticker and from Trigger.
	scanMu sync.Mutex

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	entry   cron.EntryID
	baseCtx context.Context
	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	last    Report
}

func New(store GuildSource, disp Deliverer, cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		store:   store,
		disp:    disp,
		log:     log.With(logx.String("comp", "scheduler")),
		bus:     bus,
		now:     time.Now,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
	}
}

// Start begins ticking. It is idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	clog := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	s.c = c
	s.baseCtx = ctx
	if err := s.scheduleLocked(); err != nil {
		s.c = nil
		return err
	}

	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.triggerLoop(ctx, s.stopCh)

	c.Start()
	s.log.Info("scheduler started", logx.Duration("interval", s.cfg.interval()))
	return nil
}

func (s *Scheduler) scheduleLocked() error {
	if s.entry != 0 {
		s.c.Remove(s.entry)
		s.entry = 0
	}
	id := s.c.Schedule(cron.Every(s.cfg.interval()), cron.FuncJob(s.tick))
	if id == 0 {
		return fmt.Errorf("scheduler: failed to schedule scan")
	}
	s.entry = id
	return nil
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.Scan(ctx, s.now())
}

func (s *Scheduler) triggerLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-s.trigger:
			s.Scan(ctx, s.now())
		}
	}
}

// Trigger requests an immediate scan without waiting for it. Requests made
// while one is pending collapse into one.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Apply changes the interval of a running scheduler.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg.interval()
	s.cfg = cfg
	if s.c == nil || old == cfg.interval() {
		return
	}
	if err := s.scheduleLocked(); err != nil {
		s.log.Error("scheduler reschedule failed", logx.Err(err))
		return
	}
	s.log.Info("scan interval changed", logx.Duration("from", old), logx.Duration("to", cfg.interval()))
}

// Stop halts further scans and waits for an in-flight one, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	stop := s.stopCh
	s.c = nil
	s.entry = 0
	s.stopCh = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	close(stop)
	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// LastReport returns the most recent scan summary.
func (s *Scheduler) LastReport() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Scan runs one pass over all resident guilds using now as the single
// reference time. Removal and delivery run to completion even if ctx is
// canceled mid-pass.
func (s *Scheduler) Scan(ctx context.Context, now time.Time) Report {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	rep := Report{At: now}

	for _, g := range s.store.AllLoaded() {
		rep.Guilds++
		if err := s.scanGuild(ctx, g, now, &rep); err != nil {
			rep.Failed++
			s.log.Error("guild scan failed", logx.String("guild", g.ID()), logx.Err(err))
		}
	}

	busy, errs := s.store.SaveDirty(ctx)
	rep.SaveBusy = busy
	for _, err := range errs {
		rep.SaveErrors++
		s.log.Warn("dirty guild save failed", logx.Err(err))
	}
	rep.Took = time.Since(start)

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()

	if rep.Due > 0 || rep.Failed > 0 || rep.SaveErrors > 0 {
		s.log.Info("scan done",
			logx.Int("guilds", rep.Guilds),
			logx.Int("due", rep.Due),
			logx.Int("delivered", rep.Delivered),
			logx.Int("lost", rep.Lost),
			logx.Int("skipped", rep.Skipped),
			logx.Duration("took", rep.Took),
		)
	} else {
		s.log.Trace("scan done", logx.Int("guilds", rep.Guilds), logx.Int("skipped", rep.Skipped))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.ScanCompleted, Data: rep})
	}
	return rep
}

func (s *Scheduler) scanGuild(ctx context.Context, g *guildstore.Guild, now time.Time, rep *Report) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var due []reminder.Due
	ok, err := g.TryUpdate(func(d *reminder.GuildData) error {
		due = d.RemoveDue(now)
		if len(due) == 0 {
			return guildstore.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !ok {
		rep.Skipped++
		s.log.Debug("guild busy; scanning next tick", logx.String("guild", g.ID()))
		return nil
	}
	if len(due) == 0 {
		return nil
	}
	rep.Due += len(due)

	// One save per guild for the whole batch.
	defer func() {
		if serr := s.store.Save(ctx, g.ID()); serr != nil {
			rep.SaveErrors++
		}
	}()

	for _, d := range due {
		derr := s.deliverOne(ctx, dispatch.Delivery{GuildID: g.ID(), MemberID: d.MemberID, Reminder: d.Reminder})
		switch {
		case derr == nil:
			rep.Delivered++
		case errors.Is(derr, errDeliveryPanic):
			rep.Lost++
			rep.Failed++
			s.log.Error("reminder lost", logx.String("guild", g.ID()), logx.String("reminder", d.Reminder.ID), logx.Err(derr))
		case errors.Is(derr, dispatch.ErrDelivery):
			rep.Lost++
		default:
			rep.Lost++
			s.log.Warn("unexpected delivery error", logx.String("guild", g.ID()), logx.Err(derr))
		}
	}
	return nil
}

// deliverOne attempts one delivery. A panic is returned as errDeliveryPanic
// so the rest of the removed reminders still get their attempt.
func (s *Scheduler) deliverOne(ctx context.Context, d dispatch.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errDeliveryPanic, r)
		}
	}()
	return s.disp.Deliver(ctx, d)
}
