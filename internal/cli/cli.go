// Package cli is the remindbot command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/urfave/cli/v3"

	"remindbot/internal/app"
	"remindbot/internal/config"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	g := &globals{}

	cmd := &cli.Command{
		Name:  "remindbot",
		Usage: "Per-member chat reminders for Discord and Telegram",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file (JSON or YAML)",
				Value:       "./config.json",
				Sources:     cli.EnvVars("REMINDBOT_CONFIG"),
				Destination: &g.cfgPath,
			},
			&cli.StringFlag{
				Name:        "env-file",
				Usage:       "Dotenv file with secrets; missing file is ignored",
				Value:       ".env",
				Destination: &g.envFile,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return runBot(ctx, g)
		},
		Commands: []*cli.Command{
			runCommand(g),
			listCommand(g),
			checkConfigCommand(g),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}
	return nil
}

type globals struct {
	cfgPath string
	envFile string
}

// loadConfig reads the dotenv file first so secrets can fill empty fields.
func (g *globals) loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(g.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.NewConfigManager(g.cfgPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", g.cfgPath, err)
	}
	return cfg, nil
}

func runCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Connect to the chat platform and serve reminders (default)",
		Action: func(ctx context.Context, _ *cli.Command) error {
			return runBot(ctx, g)
		},
	}
}

func runBot(ctx context.Context, g *globals) error {
	if err := config.LoadDotEnv(g.envFile); err != nil {
		return err
	}
	a, err := app.NewApp(g.cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

func listCommand(g *globals) *cli.Command {
	var guildID, memberID string

	return &cli.Command{
		Name:  "list",
		Usage: "Print stored reminders without connecting to the chat platform",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "guild",
				Aliases:     []string{"g"},
				Usage:       "Guild ID; all stored guilds when empty",
				Destination: &guildID,
			},
			&cli.StringFlag{
				Name:        "member",
				Aliases:     []string{"m"},
				Usage:       "Only show this member",
				Destination: &memberID,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			st, err := app.OpenStorage(ctx, cfg, logx.Nop())
			if err != nil {
				return err
			}
			defer st.Close()

			ids := []string{guildID}
			if guildID == "" {
				if ids, err = st.ListGuildIDs(ctx); err != nil {
					return err
				}
			}
			w := c.Root().Writer
			for _, id := range ids {
				b, err := st.LoadGuild(ctx, id)
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if err != nil {
					return fmt.Errorf("load guild %s: %w", id, err)
				}
				gd, err := reminder.Decode(b)
				if err != nil {
					return fmt.Errorf("decode guild %s: %w", id, err)
				}
				members := make([]string, 0, len(gd.Members))
				for m := range gd.Members {
					if memberID == "" || m == memberID {
						members = append(members, m)
					}
				}
				sort.Strings(members)
				for _, m := range members {
					for _, it := range gd.Members[m].ListAll() {
						fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
							id, m, it.Index, it.Reminder.DueAt.Format(time.RFC3339), it.Reminder.Text)
					}
				}
			}
			return nil
		},
	}
}

func checkConfigCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:  "check-config",
		Usage: "Validate the config file and exit",
		Action: func(_ context.Context, c *cli.Command) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.Root().Writer, "ok: platform=%s storage=%s scan_interval=%s\n",
				cfg.Platform(), config.StorageDriver(cfg.Storage), cfg.Reminders.ScanIntervalOrDefault())
			return nil
		},
	}
}

// ExitCode maps Run's result to a process exit status.
func ExitCode(e *Error) int {
	if e == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "fatal:", e.Message)
	return e.Code
}
