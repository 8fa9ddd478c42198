package config

import (
	"fmt"
	"strings"
	"time"
)

// durationField describes one duration setting. Zero bounds mean unbounded.
type durationField struct {
	path string
	raw  string
	def  time.Duration
	min  time.Duration
	max  time.Duration
}

// durationFields lists every duration in cfg with its default and bounds.
func durationFields(cfg *Config) []durationField {
	out := []durationField{
		{path: "reminders.scan_interval", raw: cfg.Reminders.ScanInterval, def: DefaultScanInterval, min: MinScanInterval, max: MaxScanInterval},
		{path: "reminders.delivery_timeout", raw: cfg.Reminders.DeliveryTimeout, def: DefaultDeliveryTimeout},
		{path: "telegram.poll_timeout", raw: cfg.Telegram.PollTimeout, def: 10 * time.Second},
	}
	if cfg.Storage != nil {
		out = append(out, durationField{path: "storage.busy_timeout", raw: cfg.Storage.BusyTimeout, def: time.Second})
	}
	return out
}

// effective parses f and applies its default and bounds. Invalid values
// fall back to the default; Validate reports them.
func (f durationField) effective() time.Duration {
	d, err := ParseDurationOrDefault(f.path, f.raw, f.def)
	if err != nil {
		return f.def
	}
	if f.min > 0 && d < f.min {
		return f.min
	}
	if f.max > 0 && d > f.max {
		return f.max
	}
	return d
}

func validateDurations(cfg *Config) []error {
	var errs []error
	for _, f := range durationFields(cfg) {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// ParseDurationField parses a Go duration string. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration like \"5s\" or \"1m\": %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// ScanIntervalOrDefault returns the effective interval, clamped to 1s..10s.
func (r RemindersConfig) ScanIntervalOrDefault() time.Duration {
	return durationField{path: "reminders.scan_interval", raw: r.ScanInterval, def: DefaultScanInterval, min: MinScanInterval, max: MaxScanInterval}.effective()
}

func (r RemindersConfig) DeliveryTimeoutOrDefault() time.Duration {
	return durationField{path: "reminders.delivery_timeout", raw: r.DeliveryTimeout, def: DefaultDeliveryTimeout}.effective()
}
