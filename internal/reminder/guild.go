package reminder

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// Settings is guild configuration the reminder core never interprets.
// Unknown fields survive a load/save cycle.
type Settings struct {
	Language string
	Extra    map[string]json.RawMessage
}

func (s Settings) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(s.Extra)+1)
	for k, v := range s.Extra {
		m[k] = v
	}
	if s.Language != "" {
		b, err := json.Marshal(s.Language)
		if err != nil {
			return nil, err
		}
		m["language"] = b
	} else {
		delete(m, "language")
	}
	return json.Marshal(m)
}

func (s *Settings) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*s = Settings{}
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	var out Settings
	if raw, ok := m["language"]; ok {
		if err := json.Unmarshal(raw, &out.Language); err != nil {
			return err
		}
		delete(m, "language")
	}
	if len(m) > 0 {
		out.Extra = m
	}
	*s = out
	return nil
}

// GuildData is the persisted record of one guild.
type GuildData struct {
	Settings Settings               `json:"settings"`
	Members  map[string]*MemberData `json:"members"`
}

func NewGuildData() *GuildData {
	return &GuildData{Members: map[string]*MemberData{}}
}

// Member returns the member record, creating it when absent.
func (g *GuildData) Member(id string) *MemberData {
	if g.Members == nil {
		g.Members = map[string]*MemberData{}
	}
	m, ok := g.Members[id]
	if !ok || m == nil {
		m = &MemberData{}
		g.Members[id] = m
	}
	return m
}

// LookupMember returns the member record without creating it.
func (g *GuildData) LookupMember(id string) (*MemberData, bool) {
	m, ok := g.Members[id]
	if !ok || m == nil {
		return nil, false
	}
	return m, true
}

// Due is a reminder removed from a member table by a scan.
type Due struct {
	MemberID string
	Reminder Reminder
}

// RemoveDue removes every due reminder of every member. Members are walked in
// id order so dispatch order is stable.
func (g *GuildData) RemoveDue(now time.Time) []Due {
	ids := make([]string, 0, len(g.Members))
	for id, m := range g.Members {
		if m.Len() > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var out []Due
	for _, id := range ids {
		for _, r := range g.Members[id].RemoveDue(now) {
			out = append(out, Due{MemberID: id, Reminder: r})
		}
	}
	return out
}

// Pending counts reminders across all members.
func (g *GuildData) Pending() int {
	n := 0
	for _, m := range g.Members {
		n += m.Len()
	}
	return n
}

// Encode serializes the guild record.
func (g *GuildData) Encode() ([]byte, error) {
	return json.Marshal(g)
}

// Decode parses a guild record. Unknown fields are ignored.
func Decode(b []byte) (*GuildData, error) {
	g := NewGuildData()
	if err := json.Unmarshal(b, g); err != nil {
		return nil, err
	}
	if g.Members == nil {
		g.Members = map[string]*MemberData{}
	}
	for id, m := range g.Members {
		if m == nil {
			g.Members[id] = &MemberData{}
		}
	}
	return g, nil
}
