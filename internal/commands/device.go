package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vitaminmoo/turnstile-tool/internal/device"
	"github.com/vitaminmoo/turnstile-tool/internal/model"
	"github.com/vitaminmoo/turnstile-tool/internal/source"
	"github.com/vitaminmoo/turnstile-tool/internal/store"
	"github.com/vitaminmoo/turnstile-tool/internal/tui"
)

// RunPipeline runs a full update against the configured turnstile, prints
// the summary and returns an *ExitError for any non-zero outcome.
func (e *Env) RunPipeline(ctx context.Context, opts RunOptions, live bool) error {
	client, err := e.Client()
	if err != nil {
		return &ExitError{Code: ExitAborted, Err: err}
	}
	st, err := e.Store()
	if err != nil {
		return &ExitError{Code: ExitAborted, Err: err}
	}

	j, err := e.Journal(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("journal unavailable, run will not be recorded")
		j = nil
	} else {
		defer j.Close()
	}

	deps := Deps{
		Transport: client,
		Store:     st,
		Journal:   j,
		Reader:    source.NewReader(source.DefaultColumns),
		Device:    e.Config.Device.Host,
		Now:       e.Now,
	}
	if opts.ReportDir == "" {
		opts.ReportDir = e.Config.Paths.ReportDir
	}
	if opts.EventsLang == "" {
		opts.EventsLang = e.Config.Device.EventsLang
	}

	var out *Outcome
	if live {
		// Log lines would tear the view; the summary follows it.
		prev := log.Logger
		log.Logger = zerolog.Nop()
		err = tui.Run(ctx, os.Stderr, "turnstile update", func(ctx context.Context, onStage func(string), onRecord device.RecordFunc) error {
			opts.OnStage, opts.OnRecord = onStage, onRecord
			out = Run(ctx, deps, opts)
			return nil
		})
		log.Logger = prev
		if err != nil {
			return &ExitError{Code: ExitAborted, Err: err}
		}
	} else {
		out = Run(ctx, deps, opts)
	}

	PrintSummary(e.Out, out)
	if code := out.ExitCode(); code != ExitOK {
		return &ExitError{Code: code, Err: runError(out)}
	}
	return nil
}

// connect returns an adapter that passed its health check.
func (e *Env) connect(ctx context.Context, backups device.BackupStore) (*device.Adapter, error) {
	client, err := e.Client()
	if err != nil {
		return nil, err
	}
	a := device.New(client, backups, device.Options{EventsLang: e.Config.Device.EventsLang, Now: e.Now})
	if err := a.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Health checks that the turnstile answers and accepts the credentials.
func (e *Env) Health(ctx context.Context) error {
	s := tui.DefaultStyles()
	if _, err := e.connect(ctx, nil); err != nil {
		fmt.Fprintln(e.Out, s.Error.Render("✗ "+err.Error()))
		return &ExitError{Code: ExitAborted, Err: err}
	}
	fmt.Fprintln(e.Out, s.Success.Render("✓ turnstile at "+e.Config.Device.Host+" is reachable"))
	return nil
}

// Backup saves the current card memory without changing anything.
func (e *Env) Backup(ctx context.Context) error {
	st, err := e.Store()
	if err != nil {
		return err
	}
	a, err := e.connect(ctx, st)
	if err != nil {
		return &ExitError{Code: ExitAborted, Err: err}
	}
	backup, err := a.BackupConfig(ctx)
	if err != nil {
		return &ExitError{Code: ExitAborted, Err: err}
	}
	_, path := a.Backup()

	s := tui.DefaultStyles()
	fmt.Fprintln(e.Out, s.Field("Saved", path))
	fmt.Fprintln(e.Out, s.Field("Size", formatBytes(len(backup.Raw))))
	fmt.Fprintln(e.Out, s.Field("Slots", fmt.Sprintf("%d", len(backup.Slots))))
	fmt.Fprintln(e.Out, s.Field("Hash", store.ShortHash(store.ContentHash(backup.Raw))))
	return nil
}

// Logs downloads the newest count events and prints them.
func (e *Env) Logs(ctx context.Context, count int, asJSON bool) error {
	a, err := e.connect(ctx, nil)
	if err != nil {
		return &ExitError{Code: ExitAborted, Err: err}
	}
	entries, err := a.FetchLogs(ctx, count)
	if err != nil {
		return err
	}
	if asJSON {
		return PrintJSON(e.Out, entries)
	}
	printEntries(e, entries)
	return nil
}

func printEntries(e *Env, entries []model.LogEntry) {
	s := tui.DefaultStyles()
	fmt.Fprintln(e.Out, s.Muted.Render(fmt.Sprintf("%-8s  %-19s  %-12s  %-12s  %s", "SEQ", "TIME", "EVENT", "CARD", "DESCRIPTION")))
	for _, en := range entries {
		ts := "-"
		if !en.Timestamp.IsZero() {
			ts = en.Timestamp.Format("2006-01-02 15:04:05")
		}
		row := fmt.Sprintf("%-8s  %-19s  %-12s  %-12s  %s", en.Seq, ts, en.Kind, en.Credential, truncate(en.Description, 60))
		switch en.Kind {
		case model.EventDenied:
			row = s.Warning.Render(row)
		case model.EventUnrecognized:
			row = s.Muted.Render(row)
		}
		fmt.Fprintln(e.Out, row)
	}
	fmt.Fprintln(e.Out, s.Muted.Render(fmt.Sprintf("%d events", len(entries))))
}
