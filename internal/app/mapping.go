package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/dispatch"
	"remindbot/internal/reminders"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	"remindbot/internal/transport/discord"
	"remindbot/internal/transport/telegram"
	logx "remindbot/pkg/logx"
)

// OpenStorage opens the backend selected by cfg.Storage.
func OpenStorage(ctx context.Context, cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))
	return st, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		sc = &config.StorageConfig{}
	}
	driver := config.StorageDriver(sc)
	out := storage.Config{
		Driver: driver,
		Path:   strings.TrimSpace(sc.Path),
		DSN:    strings.TrimSpace(sc.DSN),
	}
	switch driver {
	case "file", "memory":
	case "sqlite":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
	switch cfg.Platform() {
	case "telegram":
		lc.Chat.ChannelID = strings.TrimSpace(cfg.Telegram.LogChat)
	default:
		lc.Chat.ChannelID = strings.TrimSpace(cfg.Discord.LogChannelID)
	}
	return lc
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Interval: cfg.Reminders.ScanIntervalOrDefault()}
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		RatePerSec: cfg.Reminders.DeliveryRateOrDefault(),
		Timeout:    cfg.Reminders.DeliveryTimeoutOrDefault(),
	}
}

func mapRemindersConfig(cfg *config.Config) reminders.Config {
	return reminders.Config{MaxPerMember: cfg.Reminders.MaxPerMember}
}

func newAdapter(cfg *config.Config, log logx.Logger) (transport.Adapter, error) {
	switch cfg.Platform() {
	case "telegram":
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		return ad, nil
	default:
		ad, err := discord.New(discord.Config{Token: cfg.Discord.Token}, log)
		if err != nil {
			return nil, err
		}
		return ad, nil
	}
}

// restartSections lists changed settings that only take effect after a restart.
func restartSections(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var out []string
	if prev.Platform() != next.Platform() {
		out = append(out, "bot.platform")
	}
	if prev.Discord.Token != next.Discord.Token {
		out = append(out, "discord.token")
	}
	if prev.Telegram.Token != next.Telegram.Token || prev.Telegram.PollTimeout != next.Telegram.PollTimeout {
		out = append(out, "telegram")
	}
	ps, _ := mapStorageConfig(prev)
	ns, _ := mapStorageConfig(next)
	if ps != ns {
		out = append(out, "storage")
	}
	if prev.Systemd != next.Systemd {
		out = append(out, "systemd")
	}
	return out
}
