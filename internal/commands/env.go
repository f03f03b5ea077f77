package commands

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/vitaminmoo/turnstile-tool/internal/config"
	"github.com/vitaminmoo/turnstile-tool/internal/journal"
	"github.com/vitaminmoo/turnstile-tool/internal/store"
	"github.com/vitaminmoo/turnstile-tool/internal/transport"
)

// Env is what every command gets: configuration and an output stream.
type Env struct {
	Config *config.Config
	Out    io.Writer
	Now    func() time.Time
}

// NewEnv returns an Env writing to stdout.
func NewEnv(cfg *config.Config) *Env {
	return &Env{Config: cfg, Out: os.Stdout, Now: time.Now}
}

// Client returns a transport for the configured turnstile.
func (e *Env) Client() (*transport.Client, error) {
	base, err := e.Config.Device.BaseURL()
	if err != nil {
		return nil, err
	}
	return transport.New(transport.Options{
		BaseURL:  base,
		Username: e.Config.Device.Username,
		Password: e.Config.Device.Password,
		Timeout:  e.Config.Device.Timeout,
		Retries:  e.Config.Device.Retries,
	})
}

// Store opens the backup store.
func (e *Env) Store() (*store.Store, error) {
	s, err := store.Open(e.Config.Paths.BackupDir)
	if err != nil {
		return nil, err
	}
	s.SetDevice(e.Config.Device.Host)
	return s, nil
}

// Journal opens the run journal.
func (e *Env) Journal(ctx context.Context) (*journal.Journal, error) {
	return journal.Open(ctx, e.Config.Paths.Journal)
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}
