package commands

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// tokenize splits command text into tokens while supporting quotes.
//
//	delremind "2"
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ && ch == qChar:
			inQ = false
		case inQ:
			buf.WriteByte(ch)
		case ch == '"' || ch == '\'':
			inQ = true
			qChar = ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// cutWord splits off the first whitespace-delimited word and returns the
// rest verbatim (leading whitespace trimmed).
func cutWord(s string) (word, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeftFunc(s[i:], unicode.IsSpace)
}

// ParseDelay parses a relative delay. It accepts Go duration syntax plus
// the units "d" (24h) and "w" (7d), e.g. "90m", "1d12h", "2w3d".
func ParseDelay(s string) (time.Duration, error) {
	raw := strings.TrimSpace(strings.ToLower(s))
	if raw == "" {
		return 0, fmt.Errorf("empty delay")
	}
	if raw == "0" {
		return 0, nil
	}

	var (
		total time.Duration
		rest  strings.Builder
		ok    bool
	)
	for i := 0; i < len(raw); {
		j := i
		for j < len(raw) && (raw[j] == '.' || (raw[j] >= '0' && raw[j] <= '9')) {
			j++
		}
		if j == i {
			return 0, fmt.Errorf("invalid delay %q", s)
		}
		k := j
		for k < len(raw) && raw[k] >= 'a' && raw[k] <= 'z' {
			k++
		}
		num, unit := raw[i:j], raw[j:k]

		var per time.Duration
		switch unit {
		case "d":
			per = 24 * time.Hour
		case "w":
			per = 7 * 24 * time.Hour
		case "":
			return 0, fmt.Errorf("invalid delay %q: missing unit", s)
		default:
			rest.WriteString(raw[i:k])
			i = k
			continue
		}
		n, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid delay %q: %w", s, err)
		}
		f := n * float64(per)
		if f >= float64(math.MaxInt64) {
			return 0, fmt.Errorf("invalid delay %q: overflow", s)
		}
		if total, ok = addDelay(total, time.Duration(f)); !ok {
			return 0, fmt.Errorf("invalid delay %q: overflow", s)
		}
		i = k
	}

	if rest.Len() > 0 {
		d, err := time.ParseDuration(rest.String())
		if err != nil {
			return 0, fmt.Errorf("invalid delay %q: %w", s, err)
		}
		if total, ok = addDelay(total, d); !ok {
			return 0, fmt.Errorf("invalid delay %q: overflow", s)
		}
	}
	if total < 0 {
		return 0, fmt.Errorf("invalid delay %q: negative", s)
	}
	return total, nil
}

// addDelay sums two non-negative durations; ok is false on overflow.
func addDelay(a, b time.Duration) (time.Duration, bool) {
	if b < 0 || a > time.Duration(math.MaxInt64)-b {
		return 0, false
	}
	return a + b, true
}
