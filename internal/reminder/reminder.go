// Package reminder holds the per-guild data model and the member reminder
// table operations.
//
// Nothing here is safe for concurrent use on its own. Callers serialize
// access per guild (see internal/guildstore).
package reminder

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ErrIndexOutOfRange is returned when a positional index does not address a
// pending reminder.
var ErrIndexOutOfRange = errors.New("reminder index out of range")

// Reminder is a single pending reminder. Values are copied, never shared.
type Reminder struct {
	ID        string    `json:"id,omitempty"`
	DueAt     time.Time `json:"due_at"`
	ChannelID string    `json:"channel_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// New builds a reminder due at now+delay.
func New(now time.Time, delay time.Duration, channelID, text string) Reminder {
	return Reminder{
		ID:        uuid.NewString(),
		DueAt:     now.Add(delay),
		ChannelID: channelID,
		Text:      text,
		CreatedAt: now,
	}
}

// IsDue reports whether the reminder should fire at now (inclusive).
func (r Reminder) IsDue(now time.Time) bool {
	return !r.DueAt.After(now)
}

// Indexed pairs a reminder with its current position in the member table.
// The index is only valid until the next mutation.
type Indexed struct {
	Index    int
	Reminder Reminder
}

// MemberData is the per-member record inside a guild.
type MemberData struct {
	Reminders []Reminder `json:"reminders"`
}

// Add appends r and returns its index.
func (m *MemberData) Add(r Reminder) int {
	m.Reminders = append(m.Reminders, r)
	return len(m.Reminders) - 1
}

func (m *MemberData) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Reminders)
}

// ListAll returns a copy of all pending reminders in creation order.
func (m *MemberData) ListAll() []Indexed {
	if m == nil {
		return []Indexed{}
	}
	out := make([]Indexed, len(m.Reminders))
	for i, r := range m.Reminders {
		out[i] = Indexed{Index: i, Reminder: r}
	}
	return out
}

// DeleteAt removes the reminder at i, shifting later ones down by one.
// The table is left untouched on error.
func (m *MemberData) DeleteAt(i int) (Reminder, error) {
	if m == nil || i < 0 || i >= len(m.Reminders) {
		return Reminder{}, fmt.Errorf("%w: %d (have %d)", ErrIndexOutOfRange, i, m.Len())
	}
	r := m.Reminders[i]
	m.Reminders = slices.Delete(m.Reminders, i, i+1)
	return r, nil
}

// RemoveDue removes every reminder due at now and returns them.
// Relative order is kept on both sides.
func (m *MemberData) RemoveDue(now time.Time) []Reminder {
	if m == nil || len(m.Reminders) == 0 {
		return nil
	}
	var due []Reminder
	kept := m.Reminders[:0]
	for _, r := range m.Reminders {
		if r.IsDue(now) {
			due = append(due, r)
			continue
		}
		kept = append(kept, r)
	}
	if len(due) == 0 {
		return nil
	}
	clear(m.Reminders[len(kept):])
	m.Reminders = kept
	return due
}
