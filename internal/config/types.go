package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Bot       BotConfig       `json:"bot"`
	Discord   DiscordConfig   `json:"discord,omitempty"`
	Telegram  TelegramConfig  `json:"telegram,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Reminders RemindersConfig `json:"reminders"`
	Systemd   SystemdConfig   `json:"systemd,omitempty"`
}

type BotConfig struct {
	// Platform selects the chat transport: "discord" (default) or "telegram".
	Platform string `json:"platform"`
	// CommandPrefix defaults to "!".
	CommandPrefix string `json:"command_prefix,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token"`
	// LogChannelID receives mirrored warnings when logging.chat.enabled is set.
	LogChannelID string `json:"log_channel_id,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// LogChat is "<chat_id>" or "<chat_id>:<thread_id>".
	LogChat string `json:"log_chat,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls where guild data is persisted.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/guilds" }
//	"storage": { "driver": "sqlite", "path": "./data/remindbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// RemindersConfig controls scanning and delivery.
//
// Defaults (when fields are omitted/zero):
//   - scan_interval: "5s" (clamped to 1s..10s)
//   - delivery_timeout: "10s"
//   - delivery_rate_per_sec: 5
//   - max_per_member: 0 (unlimited)
type RemindersConfig struct {
	ScanInterval       string `json:"scan_interval,omitempty"`
	DeliveryTimeout    string `json:"delivery_timeout,omitempty"`
	DeliveryRatePerSec int    `json:"delivery_rate_per_sec,omitempty"`
	MaxPerMember       int    `json:"max_per_member,omitempty"`
}

type SystemdConfig struct {
	// Notify enables sd_notify READY/WATCHDOG/STOPPING messages.
	Notify bool `json:"notify"`
}
