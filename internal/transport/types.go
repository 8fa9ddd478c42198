package transport

import "context"

type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdateGuildJoin  UpdateKind = "guild_join"
	UpdateGuildLeave UpdateKind = "guild_leave"
)

// Update is a platform-neutral inbound event.
//
// GuildJoin/GuildLeave only carry GuildID; they drive guild residency.
type Update struct {
	Kind      UpdateKind
	GuildID   string
	ChannelID string
	MemberID  string
	Text      string
}

// Sender delivers plain text to a channel.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
}

type Adapter interface {
	Sender

	Name() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// Mention renders a member reference the platform will notify.
	Mention(memberID string) string
}

// SplitText splits long messages into chunks no longer than limit runes,
// preferring newline boundaries.
func SplitText(s string, limit int) []string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		chunk := trimRightNewlines(string(rs[start:end]))
		if chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func trimRightNewlines(s string) string {
	for len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	return s
}
