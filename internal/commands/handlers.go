package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"remindbot/internal/guildstore"
	"remindbot/internal/reminder"
	"remindbot/internal/reminders"
)

// Reminders is the reminder API the handlers call.
type Reminders interface {
	CreateReminder(ctx context.Context, guildID, memberID, channelID string, delay time.Duration, text string) (reminder.Reminder, error)
	ListReminders(ctx context.Context, guildID, memberID string) ([]reminder.Indexed, error)
	DeleteReminder(ctx context.Context, guildID, memberID string, index int) (reminder.Reminder, error)
}

const (
	msgNoReminders   = "You have no reminders"
	msgInvalidIndex  = "Invalid reminder index"
	msgSaveDeferred  = "(not saved yet; will retry)"
	msgInternalError = "Something went wrong, try again later"
)

func remindCommand(svc Reminders) Command {
	return Command{
		Name:        "remind",
		Usage:       "remind <delay> <text>",
		Description: "Create a reminder (delay like 10m, 1h30m, 2d, 1w)",
		Handle: func(ctx context.Context, req *Request) (string, error) {
			rawDelay, text := cutWord(req.Args)
			if rawDelay == "" || strings.TrimSpace(text) == "" {
				return "Usage: " + req.Prefix + "remind <delay> <text>", nil
			}
			delay, err := ParseDelay(rawDelay)
			if err != nil {
				return fmt.Sprintf("Invalid delay %q", rawDelay), nil
			}

			r, err := svc.CreateReminder(ctx, req.GuildID, req.MemberID, req.ChannelID, delay, text)
			switch {
			case errors.Is(err, guildstore.ErrStorage) && r.ID != "":
				return fmt.Sprintf("Reminder set for %s %s", formatDue(r.DueAt), msgSaveDeferred), err
			case errors.Is(err, reminders.ErrTooManyReminders):
				return "You have too many reminders; delete one first", nil
			case errors.Is(err, reminders.ErrEmptyText), errors.Is(err, reminders.ErrNegativeDelay):
				return "Usage: " + req.Prefix + "remind <delay> <text>", nil
			case err != nil:
				return msgInternalError, err
			}
			return fmt.Sprintf("Reminder set for %s", formatDue(r.DueAt)), nil
		},
	}
}

func listCommand(svc Reminders) Command {
	return Command{
		Name:        "listremind",
		Usage:       "listremind",
		Description: "List your reminders",
		Handle: func(ctx context.Context, req *Request) (string, error) {
			list, err := svc.ListReminders(ctx, req.GuildID, req.MemberID)
			if err != nil {
				return msgInternalError, err
			}
			return formatList(list), nil
		},
	}
}

func deleteCommand(svc Reminders) Command {
	return Command{
		Name:        "delremind",
		Usage:       "delremind <index>",
		Description: "Delete one of your reminders",
		Handle: func(ctx context.Context, req *Request) (string, error) {
			toks := tokenize(req.Args)
			if len(toks) != 1 {
				return "Usage: " + req.Prefix + "delremind <index>", nil
			}
			idx, err := strconv.Atoi(toks[0])
			if err != nil {
				return msgInvalidIndex, nil
			}

			r, err := svc.DeleteReminder(ctx, req.GuildID, req.MemberID, idx)
			switch {
			case errors.Is(err, reminder.ErrIndexOutOfRange):
				return msgInvalidIndex, nil
			case errors.Is(err, guildstore.ErrStorage) && r.ID != "":
				return fmt.Sprintf("Deleted reminder [%d] %s %s", idx, r.Text, msgSaveDeferred), err
			case err != nil:
				return msgInternalError, err
			}
			return fmt.Sprintf("Deleted reminder [%d] %s", idx, r.Text), nil
		},
	}
}

func formatDue(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatList(list []reminder.Indexed) string {
	if len(list) == 0 {
		return msgNoReminders
	}
	var b strings.Builder
	for i, it := range list {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%d] %s (due %s)", it.Index, it.Reminder.Text, formatDue(it.Reminder.DueAt))
	}
	return b.String()
}
