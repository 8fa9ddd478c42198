// Package telegram is the Telegram transport built on telebot.
//
// Telegram has no guilds; a chat plays that role. Channel ids are
// "<chat_id>" or "<chat_id>:<thread_id>" for forum topics.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "remindbot/internal/runtime/supervisor"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const textLimit = 4000

// mention placeholders survive splitting and are rendered as HTML links.
const (
	mentionOpen  = "\x00m:"
	mentionClose = "\x00"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	out     atomic.Pointer[chan<- transport.Update]
	dropped atomic.Uint64

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log.With(logx.String("comp", "telegram")), bot: b}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		up := transport.Update{
			Kind:      transport.UpdateMessage,
			ChannelID: FormatChannel(m.Chat.ID, m.ThreadID),
			MemberID:  strconv.FormatInt(m.Sender.ID, 10),
			Text:      stripNUL(m.Text),
		}
		if m.Chat.Type != tele.ChatPrivate {
			up.GuildID = strconv.FormatInt(m.Chat.ID, 10)
		}
		a.emit(up)
		return nil
	})

	a.bot.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		if chat := c.Chat(); chat != nil {
			a.emit(transport.Update{Kind: transport.UpdateGuildJoin, GuildID: strconv.FormatInt(chat.ID, 10)})
		}
		return nil
	})

	a.bot.Handle(tele.OnUserLeft, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.UserLeft == nil || m.Chat == nil || a.bot.Me == nil {
			return nil
		}
		if m.UserLeft.ID == a.bot.Me.ID {
			a.emit(transport.Update{Kind: transport.UpdateGuildLeave, GuildID: strconv.FormatInt(m.Chat.ID, 10)})
		}
		return nil
	})
}

func (a *Adapter) emit(up transport.Update) {
	p := a.out.Load()
	if p == nil || *p == nil {
		return
	}
	select {
	case *p <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(&out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	sup := a.sup
	a.runMu.Unlock()

	// Dropped updates are summarized instead of logged one by one.
	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		report := func() {
			if n := a.dropped.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-t.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns on its own.
	sup.GoRestart0("telebot.poll", func(context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartOnCleanExit(true),
	)
	return nil
}

// Stop never blocks shutdown for longer than a short grace window; the
// long poll may still be waiting on Telegram.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.out.Store(nil)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, time.Until(dl))
	}
	wctx, cancel := context.WithTimeout(ctx, max(grace, 0))
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

// Mention returns a placeholder that Send renders as a user link.
func (a *Adapter) Mention(memberID string) string {
	return mentionOpen + memberID + mentionClose
}

func (a *Adapter) Send(ctx context.Context, channelID, text string) error {
	chatID, threadID, err := ParseChannel(channelID)
	if err != nil {
		return err
	}
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range transport.SplitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := a.bot.Send(chat, renderHTML(chunk), &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
			ThreadID:              threadID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// stripNUL removes the placeholder delimiter from user text so it cannot
// forge a mention.
func stripNUL(s string) string { return strings.ReplaceAll(s, "\x00", "") }

// renderHTML escapes text for HTML parse mode and turns mention
// placeholders into tg://user links.
func renderHTML(s string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, mentionOpen)
		if i < 0 {
			b.WriteString(html.EscapeString(stripNUL(s)))
			return b.String()
		}
		b.WriteString(html.EscapeString(stripNUL(s[:i])))
		rest := s[i+len(mentionOpen):]
		j := strings.Index(rest, mentionClose)
		if j < 0 {
			b.WriteString(html.EscapeString(stripNUL(rest)))
			return b.String()
		}
		id := rest[:j]
		if _, err := strconv.ParseInt(id, 10, 64); err == nil {
			fmt.Fprintf(&b, `<a href="tg://user?id=%s">@%s</a>`, id, id)
		} else {
			b.WriteString(html.EscapeString(id))
		}
		s = rest[j+len(mentionClose):]
	}
}

func FormatChannel(chatID int64, threadID int) string {
	if threadID > 0 {
		return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(threadID)
	}
	return strconv.FormatInt(chatID, 10)
}

// ParseChannel parses "<chat_id>" or "<chat_id>:<thread_id>".
func ParseChannel(s string) (chatID int64, threadID int, err error) {
	s = strings.TrimSpace(s)
	chatPart, threadPart, hasThread := strings.Cut(s, ":")
	chatID, err = strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("invalid telegram channel %q", s)
	}
	if hasThread {
		threadID, err = strconv.Atoi(threadPart)
		if err != nil || threadID < 0 {
			return 0, 0, fmt.Errorf("invalid telegram thread in %q", s)
		}
	}
	return chatID, threadID, nil
}
