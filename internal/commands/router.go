// Package commands turns chat messages into reminder operations.
package commands

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const defaultCommandTimeout = 15 * time.Second

type Command struct {
	Name        string
	Usage       string
	Description string
	Handle      HandlerFunc
}

type Request struct {
	GuildID   string
	ChannelID string
	MemberID  string
	Command   string
	// Args is the raw text after the command name.
	Args   string
	Prefix string
}

// Residency receives guild join/leave updates.
type Residency interface {
	Preload(ctx context.Context, guildID string) error
	Evict(ctx context.Context, guildID string) error
}

type Router struct {
	log       logx.Logger
	sender    transport.Sender
	residency Residency

	mu     sync.RWMutex
	prefix string
	cmds   map[string]Command
	h      map[string]HandlerFunc
}

func NewRouter(svc Reminders, sender transport.Sender, residency Residency, prefix string, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:       log.With(logx.String("comp", "commands")),
		sender:    sender,
		residency: residency,
	}
	r.SetPrefix(prefix)
	r.register(remindCommand(svc), listCommand(svc), deleteCommand(svc), r.helpCommand())
	return r
}

func (r *Router) register(cmds ...Command) {
	m := make(map[string]Command, len(cmds))
	h := make(map[string]HandlerFunc, len(cmds))
	for _, c := range cmds {
		m[c.Name] = c
		h[c.Name] = Chain(c.Handle,
			MWPanicRecover(r.log),
			MWRequestLog(r.log),
			MWTimeout(defaultCommandTimeout),
		)
	}
	r.mu.Lock()
	r.cmds, r.h = m, h
	r.mu.Unlock()
}

// SetPrefix changes the command prefix; empty means "!".
func (r *Router) SetPrefix(p string) {
	p = strings.TrimSpace(p)
	if p == "" {
		p = "!"
	}
	r.mu.Lock()
	r.prefix = p
	r.mu.Unlock()
}

func (r *Router) helpCommand() Command {
	return Command{
		Name:        "help",
		Usage:       "help",
		Description: "Show commands",
		Handle: func(_ context.Context, req *Request) (string, error) {
			r.mu.RLock()
			defer r.mu.RUnlock()
			names := make([]string, 0, len(r.cmds))
			for n := range r.cmds {
				names = append(names, n)
			}
			sort.Strings(names)
			var b strings.Builder
			for i, n := range names {
				if i > 0 {
					b.WriteByte('\n')
				}
				c := r.cmds[n]
				fmt.Fprintf(&b, "%s%s - %s", req.Prefix, c.Usage, c.Description)
			}
			return b.String(), nil
		},
	}
}

// parse extracts the command name and raw args from a message. ok is false
// when the message is not a command.
func (r *Router) parse(text string) (prefix, name, args string, ok bool) {
	r.mu.RLock()
	prefix = r.prefix
	r.mu.RUnlock()

	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, prefix) {
		return prefix, "", "", false
	}
	name, args = cutWord(strings.TrimPrefix(text, prefix))
	// Telegram group syntax: /cmd@botname
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	name = strings.ToLower(name)
	return prefix, name, args, name != ""
}

// Handle runs one message update and returns the reply (empty for none).
func (r *Router) Handle(ctx context.Context, u transport.Update) (string, error) {
	if u.Kind != transport.UpdateMessage {
		return "", nil
	}
	prefix, name, args, ok := r.parse(u.Text)
	if !ok {
		return "", nil
	}
	r.mu.RLock()
	h, found := r.h[name]
	r.mu.RUnlock()
	if !found {
		return "", nil
	}
	if u.GuildID == "" || u.MemberID == "" {
		return "Reminders only work inside a server", nil
	}

	return h(ctx, &Request{
		GuildID:   u.GuildID,
		ChannelID: u.ChannelID,
		MemberID:  u.MemberID,
		Command:   name,
		Args:      args,
		Prefix:    prefix,
	})
}

// Serve consumes updates until ctx is done or the channel closes. Messages
// are handled by a bounded worker pool; residency updates run inline.
func (r *Router) Serve(ctx context.Context, updates <-chan transport.Update) error {
	workers := max(2, runtime.NumCPU())
	jobs := make(chan transport.Update, 256)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for u := range jobs {
				r.serveMessage(ctx, u)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	r.log.Info("command router started", logx.Int("workers", workers))
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			switch u.Kind {
			case transport.UpdateGuildJoin:
				r.onJoin(ctx, u.GuildID)
			case transport.UpdateGuildLeave:
				r.onLeave(ctx, u.GuildID)
			case transport.UpdateMessage:
				select {
				case jobs <- u:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func (r *Router) serveMessage(ctx context.Context, u transport.Update) {
	reply, _ := r.Handle(ctx, u)
	if reply == "" || r.sender == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.sender.Send(sctx, u.ChannelID, reply); err != nil {
		r.log.Warn("reply failed", logx.String("channel", u.ChannelID), logx.Err(err))
	}
}

func (r *Router) onJoin(ctx context.Context, guildID string) {
	if r.residency == nil || guildID == "" {
		return
	}
	if err := r.residency.Preload(ctx, guildID); err != nil {
		r.log.Warn("guild preload failed", logx.String("guild", guildID), logx.Err(err))
	}
}

func (r *Router) onLeave(ctx context.Context, guildID string) {
	if r.residency == nil || guildID == "" {
		return
	}
	if err := r.residency.Evict(ctx, guildID); err != nil {
		r.log.Warn("guild evict failed", logx.String("guild", guildID), logx.Err(err))
	}
}
