package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"remindbot/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.ExitCode(cli.Run(ctx, os.Args))
	cancel()
	os.Exit(code)
}
