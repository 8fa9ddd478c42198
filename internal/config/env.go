package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that fill empty secret fields.
const (
	EnvDiscordToken  = "DISCORD_TOKEN"
	EnvTelegramToken = "TELEGRAM_TOKEN"
	EnvDatabaseURL   = "REMINDBOT_DATABASE_URL"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; existing variables win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// applyEnv keeps tokens out of the config file: explicit config values win,
// environment fills the gaps.
func applyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Discord.Token) == "" {
		cfg.Discord.Token = os.Getenv(EnvDiscordToken)
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		cfg.Telegram.Token = os.Getenv(EnvTelegramToken)
	}
	if cfg.Storage != nil && strings.TrimSpace(cfg.Storage.DSN) == "" {
		cfg.Storage.DSN = os.Getenv(EnvDatabaseURL)
	}
}
