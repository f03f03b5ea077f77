package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vitaminmoo/turnstile-tool/internal/model"
	"github.com/vitaminmoo/turnstile-tool/internal/tui"
)

// PrintSummary writes the outcome of a run.
func PrintSummary(w io.Writer, o *Outcome) {
	s := tui.DefaultStyles()
	var b strings.Builder
	line := func(label, value string) {
		b.WriteString(s.Field(label, value) + "\n")
	}

	b.WriteString(s.Title.Render("turnstile run") + "\n\n")
	if o.RunID != "" {
		line("Run", o.RunID)
	}
	line("Duration", o.Finished.Sub(o.Started).Round(time.Millisecond).String())
	if o.Cards > 0 {
		line("Cards", humanize.Comma(int64(o.Cards))+" in source")
	}
	if o.Backup != nil {
		line("Backup", fmt.Sprintf("%s (%s, %d slots)",
			o.BackupPath, formatBytes(len(o.Backup.Raw)), len(o.Backup.Slots)))
	}

	b.WriteString(s.Label.Render("Update") + updateLine(s, o) + "\n")
	for _, f := range failures(o) {
		b.WriteString(s.Error.Render(fmt.Sprintf("  ✗ %-8s %-12s %s", f.Card.ID, f.Card.Code, f.Reason)) + "\n")
	}
	if o.Reauths > 0 {
		line("Re-logins", humanize.Comma(int64(o.Reauths)))
	}

	switch {
	case o.ReportPath != "":
		line("Report", fmt.Sprintf("%s (%s events)", o.ReportPath, humanize.Comma(int64(o.Events))))
	case o.ReportErr != nil:
		b.WriteString(s.Label.Render("Report") + s.Error.Render("failed: "+o.ReportErr.Error()) + "\n")
	default:
		b.WriteString(s.Label.Render("Report") + s.Muted.Render("not written") + "\n")
	}

	fmt.Fprint(w, s.App.Render(strings.TrimRight(b.String(), "\n"))+"\n")
}

func updateLine(s tui.Styles, o *Outcome) string {
	if o.Result == nil {
		if o.AbortErr != nil {
			return s.Error.Render("aborted before sync: " + o.AbortErr.Error())
		}
		return s.Muted.Render("skipped")
	}

	r := o.Result
	ok, failed, skipped := r.Count(model.RecordOK), r.Count(model.RecordFailed), r.Count(model.RecordSkipped)
	counts := fmt.Sprintf(" (%d written, %d skipped)", ok, skipped)

	var text string
	switch {
	case o.AbortErr != nil:
		text = s.Error.Render("aborted: " + o.AbortErr.Error())
	case r.Status == model.BatchOK:
		text = s.Success.Render("fully synced" + counts)
	case r.Status == model.BatchPartial:
		text = s.Warning.Render(fmt.Sprintf("synced with %d record failures", failed) + counts)
	default:
		text = s.Error.Render(fmt.Sprintf("all %d attempted records failed", failed))
	}
	if o.Interrupted {
		text += s.Warning.Render(" - interrupted")
	}
	return text
}

func failures(o *Outcome) []model.RecordOutcome {
	if o.Result == nil {
		return nil
	}
	return o.Result.Failed()
}

// runError picks the error reported with a non-zero exit.
func runError(o *Outcome) error {
	switch {
	case o.AbortErr != nil:
		return o.AbortErr
	case o.Interrupted:
		return fmt.Errorf("interrupted")
	case o.Result != nil && o.Result.Status == model.BatchFailed:
		return fmt.Errorf("all %d attempted cards failed", o.Result.Count(model.RecordFailed))
	}
	return o.ReportErr
}
