package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultScanInterval    = 5 * time.Second
	MinScanInterval        = time.Second
	MaxScanInterval        = 10 * time.Second
	DefaultDeliveryTimeout = 10 * time.Second
	DefaultDeliveryRate    = 5
	DefaultCommandPrefix   = "!"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks fields that cannot be defaulted.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalid)
	}
	var errs []error

	switch p := strings.ToLower(strings.TrimSpace(cfg.Bot.Platform)); p {
	case "", "discord", "telegram":
	default:
		errs = append(errs, fmt.Errorf("bot.platform: unknown platform %q", cfg.Bot.Platform))
	}

	if cfg.Reminders.DeliveryRatePerSec < 0 {
		errs = append(errs, errors.New("reminders.delivery_rate_per_sec: must be >= 0"))
	}
	if cfg.Reminders.MaxPerMember < 0 {
		errs = append(errs, errors.New("reminders.max_per_member: must be >= 0"))
	}

	if cfg.Storage != nil {
		switch d := StorageDriver(cfg.Storage); d {
		case "file", "sqlite", "memory":
		case "postgres":
			if strings.TrimSpace(cfg.Storage.DSN) == "" {
				errs = append(errs, errors.New("storage.dsn: required for postgres"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
	}

	errs = append(errs, validateDurations(cfg)...)

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Platform returns the normalized transport name.
func (c *Config) Platform() string {
	p := strings.ToLower(strings.TrimSpace(c.Bot.Platform))
	if p == "" {
		return "discord"
	}
	return p
}

func (c *Config) CommandPrefix() string {
	if p := strings.TrimSpace(c.Bot.CommandPrefix); p != "" {
		return p
	}
	return DefaultCommandPrefix
}

// StorageDriver returns the normalized driver name; "file" when unset.
func StorageDriver(sc *StorageConfig) string {
	if sc == nil {
		return "file"
	}
	switch d := strings.ToLower(strings.TrimSpace(sc.Driver)); d {
	case "":
		return "file"
	case "sqlite3":
		return "sqlite"
	case "pg", "postgresql":
		return "postgres"
	default:
		return d
	}
}

func (r RemindersConfig) DeliveryRateOrDefault() int {
	if r.DeliveryRatePerSec <= 0 {
		return DefaultDeliveryRate
	}
	return r.DeliveryRatePerSec
}
