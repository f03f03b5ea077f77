package commands

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/vitaminmoo/turnstile-tool/internal/journal"
	"github.com/vitaminmoo/turnstile-tool/internal/model"
	"github.com/vitaminmoo/turnstile-tool/internal/store"
	"github.com/vitaminmoo/turnstile-tool/internal/tui"
)

// BackupsList prints the stored backups, newest first.
func (e *Env) BackupsList() error {
	st, err := e.Store()
	if err != nil {
		return err
	}
	entries, err := st.List()
	if err != nil {
		return err
	}

	s := tui.DefaultStyles()
	if len(entries) == 0 {
		fmt.Fprintln(e.Out, s.Muted.Render("no backups in "+st.Dir()))
		return nil
	}
	fmt.Fprintln(e.Out, s.Muted.Render(fmt.Sprintf("%-34s  %-6s  %-8s  %-12s  %s", "NAME", "SLOTS", "SIZE", "HASH", "CAPTURED")))
	for _, en := range entries {
		fmt.Fprintf(e.Out, "%-34s  %-6d  %-8s  %-12s  %s\n",
			en.Name, en.SlotCount, formatBytes(en.Size), store.ShortHash(en.ContentHash), formatWhen(en.CapturedAt))
	}
	return nil
}

// BackupsShow prints one backup's metadata and checks its content hash.
func (e *Env) BackupsShow(name string) error {
	st, err := e.Store()
	if err != nil {
		return err
	}
	meta, err := st.GetMetadata(name)
	if err != nil {
		return err
	}

	s := tui.DefaultStyles()
	fmt.Fprintln(e.Out, s.Field("Name", meta.Name))
	fmt.Fprintln(e.Out, s.Field("Device", meta.Device))
	fmt.Fprintln(e.Out, s.Field("Captured", formatWhen(meta.CapturedAt)))
	fmt.Fprintln(e.Out, s.Field("Size", formatBytes(meta.Size)))
	fmt.Fprintln(e.Out, s.Field("Slots", fmt.Sprintf("%d (%d enabled)", meta.SlotCount, meta.EnabledCount)))
	fmt.Fprintln(e.Out, s.Field("Hash", meta.ContentHash))

	if err := st.Verify(name); err != nil {
		fmt.Fprintln(e.Out, s.Field("Integrity", s.Error.Render(err.Error())))
		return &ExitError{Code: ExitAborted, Err: err}
	}
	fmt.Fprintln(e.Out, s.Field("Integrity", s.Success.Render("ok")))
	return nil
}

// History prints the newest runs from the journal.
func (e *Env) History(ctx context.Context, limit int) error {
	j, err := e.Journal(ctx)
	if err != nil {
		return err
	}
	defer j.Close()

	runs, err := j.Runs(ctx, limit)
	if err != nil {
		return err
	}
	s := tui.DefaultStyles()
	if len(runs) == 0 {
		fmt.Fprintln(e.Out, s.Muted.Render("no runs recorded"))
		return nil
	}
	fmt.Fprintln(e.Out, s.Muted.Render(fmt.Sprintf("%-36s  %-11s  %-4s  %-6s  %-7s  %s", "RUN", "STATUS", "OK", "FAILED", "SKIPPED", "STARTED")))
	for _, r := range runs {
		fmt.Fprintf(e.Out, "%-36s  %-11s  %-4d  %-6d  %-7d  %s\n",
			r.ID, statusStyle(s, r.Status).Render(fmt.Sprintf("%-11s", r.Status)), r.OK, r.Failed, r.Skipped, formatWhen(r.StartedAt))
	}
	return nil
}

// HistoryShow prints one run with its per-card outcomes.
func (e *Env) HistoryShow(ctx context.Context, runID string) error {
	j, err := e.Journal(ctx)
	if err != nil {
		return err
	}
	defer j.Close()

	run, err := j.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	outcomes, err := j.Outcomes(ctx, runID)
	if err != nil {
		return err
	}

	s := tui.DefaultStyles()
	fmt.Fprintln(e.Out, s.Field("Run", run.ID))
	fmt.Fprintln(e.Out, s.Field("Device", run.Device))
	fmt.Fprintln(e.Out, s.Field("Source", run.Source))
	fmt.Fprintln(e.Out, s.Field("Started", formatWhen(run.StartedAt)))
	if run.FinishedAt != nil {
		fmt.Fprintln(e.Out, s.Field("Took", run.FinishedAt.Sub(run.StartedAt).String()))
	}
	fmt.Fprintln(e.Out, s.Label.Render("Status")+statusStyle(s, run.Status).Render(run.Status))
	if run.BackupPath != "" {
		fmt.Fprintln(e.Out, s.Field("Backup", run.BackupPath))
	}
	if run.Reauths > 0 {
		fmt.Fprintln(e.Out, s.Field("Re-logins", fmt.Sprintf("%d", run.Reauths)))
	}
	if run.Error != "" {
		fmt.Fprintln(e.Out, s.Label.Render("Error")+s.Error.Render(run.Error))
	}

	if len(outcomes) == 0 {
		return nil
	}
	fmt.Fprintln(e.Out)
	fmt.Fprintln(e.Out, s.Muted.Render(fmt.Sprintf("%-4s  %-8s  %-12s  %-20s  %-8s  %s", "#", "CARD", "CODE", "HOLDER", "STATUS", "REASON")))
	for _, o := range outcomes {
		row := fmt.Sprintf("%-4d  %-8s  %-12s  %-20s  %-8s  %s",
			o.Position, o.CardID, o.Code, truncate(o.Holder, 20), o.Status, o.Reason)
		if o.Status == model.RecordFailed {
			row = s.Error.Render(row)
		}
		fmt.Fprintln(e.Out, row)
	}
	return nil
}

func statusStyle(s tui.Styles, status string) lipgloss.Style {
	switch status {
	case string(model.BatchOK):
		return s.Success
	case string(model.BatchPartial), journal.StatusRunning:
		return s.Warning
	default:
		return s.Error
	}
}
