package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/vitaminmoo/turnstile-tool/internal/cli"
	"github.com/vitaminmoo/turnstile-tool/internal/commands"
)

func main() {
	var c cli.CLI
	kctx := kong.Parse(&c,
		kong.Name("turnstile"),
		kong.Description("Back up, provision and report on a turnstile controller over its web interface."),
		kong.UsageOnError(),
	)

	// First Ctrl+C stops after the current card; a second one kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()
	c.WithContext(ctx)

	err := kctx.Run(&c)
	if err == nil {
		return
	}
	code := 1
	var exitErr *commands.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	stop()
	os.Exit(code)
}
