// Package discord is the Discord gateway transport built on discordgo.
package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const textLimit = 2000

type Config struct {
	Token string
}

type Adapter struct {
	log logx.Logger
	s   *discordgo.Session

	out     atomic.Pointer[chan<- transport.Update]
	dropped atomic.Uint64

	runMu   sync.Mutex
	running bool
	stopRep chan struct{}
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log.With(logx.String("comp", "discord")), s: s}
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) Name() string { return "discord" }

func (a *Adapter) registerHandlers() {
	a.s.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		selfID := ""
		if s.State != nil && s.State.User != nil {
			selfID = s.State.User.ID
		}
		if up, ok := messageUpdate(selfID, m); ok {
			a.emit(up)
		}
	})
	// GuildCreate also fires for every guild right after connecting.
	a.s.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		if g.Guild != nil && g.ID != "" {
			a.emit(transport.Update{Kind: transport.UpdateGuildJoin, GuildID: g.ID})
		}
	})
	a.s.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		// Unavailable means an outage, not a removal.
		if g.Guild != nil && g.ID != "" && !g.Unavailable {
			a.emit(transport.Update{Kind: transport.UpdateGuildLeave, GuildID: g.ID})
		}
	})
	a.s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) {
		a.log.Info("gateway ready")
	})
}

func messageUpdate(selfID string, m *discordgo.MessageCreate) (transport.Update, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return transport.Update{}, false
	}
	if m.Author.Bot || m.Author.ID == selfID {
		return transport.Update{}, false
	}
	return transport.Update{
		Kind:      transport.UpdateMessage,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		MemberID:  m.Author.ID,
		Text:      m.Content,
	}, true
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
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.out.Store(&out)
	if err := a.s.Open(); err != nil {
		a.out.Store(nil)
		return err
	}
	a.running = true
	a.stopRep = make(chan struct{})
	go a.dropReport(ctx, a.stopRep, cap(out))
	return nil
}

func (a *Adapter) dropReport(ctx context.Context, stop <-chan struct{}, capOut int) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-t.C:
			if n := a.dropped.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capOut))
			}
		}
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	a.out.Store(nil)
	close(a.stopRep)

	done := make(chan error, 1)
	go func() { done <- a.s.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		a.log.Warn("discord close timed out", logx.Err(ctx.Err()))
		return nil
	}
}

func (a *Adapter) Mention(memberID string) string {
	return "<@" + memberID + ">"
}

// Send posts text, split at Discord's message limit. Only user mentions
// are allowed to ping, so reminder text cannot trigger @everyone.
func (a *Adapter) Send(ctx context.Context, channelID, text string) error {
	for _, chunk := range transport.SplitText(text, textLimit) {
		_, err := a.s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content: chunk,
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
			},
		}, discordgo.WithContext(ctx))
		if err != nil {
			return err
		}
	}
	return nil
}
