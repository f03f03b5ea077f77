package commands

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/vitaminmoo/turnstile-tool/internal/config"
	"github.com/vitaminmoo/turnstile-tool/internal/simulator"
	"github.com/vitaminmoo/turnstile-tool/internal/tui"
)

// SimOptions configures the simulated turnstile.
type SimOptions struct {
	Addr     string
	Username string
	Password string
	Cards    int
	Events   int
}

// Sim serves a simulated turnstile until ctx is cancelled.
func (e *Env) Sim(ctx context.Context, opts SimOptions) error {
	if !config.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	d := simulator.New(opts.Username, opts.Password)
	d.Seed(opts.Cards, opts.Events, e.now())

	s := tui.DefaultStyles()
	fmt.Fprintln(e.Out, s.Title.Render("turnstile simulator"))
	fmt.Fprintln(e.Out, s.Field("Listening", "http://"+opts.Addr))
	fmt.Fprintln(e.Out, s.Field("Cards", fmt.Sprintf("%d", opts.Cards)))
	fmt.Fprintln(e.Out, s.Field("Events", fmt.Sprintf("%d", opts.Events)))
	if opts.Username != "" {
		fmt.Fprintln(e.Out, s.Field("Login", opts.Username))
	}

	log.Info().Str("addr", opts.Addr).Msg("simulator started")
	if err := d.Serve(ctx, opts.Addr); err != nil {
		return fmt.Errorf("simulator: %w", err)
	}
	log.Info().Msg("simulator stopped")
	return nil
}
