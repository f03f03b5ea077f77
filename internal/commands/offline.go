package commands

import (
	"fmt"
	"os"

	"github.com/vitaminmoo/turnstile-tool/internal/codec"
	"github.com/vitaminmoo/turnstile-tool/internal/model"
	"github.com/vitaminmoo/turnstile-tool/internal/report"
	"github.com/vitaminmoo/turnstile-tool/internal/source"
	"github.com/vitaminmoo/turnstile-tool/internal/tui"
	"github.com/vitaminmoo/turnstile-tool/internal/util"
)

// ParseBackup decodes a saved card memory dump.
func (e *Env) ParseBackup(path string, hexDump, asJSON bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	info, _ := os.Stat(path)
	backup, err := codec.DecodeBackupPayload(data, info.ModTime())
	if err != nil {
		return err
	}
	if asJSON {
		return PrintJSON(e.Out, backup)
	}

	s := tui.DefaultStyles()
	fmt.Fprintln(e.Out, s.Field("File", path))
	fmt.Fprintln(e.Out, s.Field("Size", formatBytes(len(data))))
	fmt.Fprintln(e.Out, s.Field("Slots", fmt.Sprintf("%d", len(backup.Slots))))
	fmt.Fprintln(e.Out)
	fmt.Fprintln(e.Out, s.Muted.Render(fmt.Sprintf("%-6s  %-10s  %s", "SLOT", "CODE", "ENABLED")))
	for _, slot := range backup.Slots {
		fmt.Fprintf(e.Out, "%-6d  %-10d  %v\n", slot.Index, slot.Code, slot.Enabled)
	}
	if hexDump {
		fmt.Fprintln(e.Out)
		fmt.Fprint(e.Out, util.HexDump(data))
	}
	return nil
}

// ParseLog decodes a saved event payload, prints it and, when outDir is
// set, writes a report from it.
func (e *Env) ParseLog(path, cardsPath, outDir, format string, order report.Order) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	entries, err := codec.DecodeLogPayload(data)
	if err != nil {
		return err
	}

	var cards []model.CardRecord
	if cardsPath != "" {
		if cards, err = source.NewReader(source.DefaultColumns).Load(cardsPath); err != nil {
			return err
		}
	}

	if outDir == "" {
		printEntries(e, entries)
		return nil
	}
	rep := report.Build(entries, report.Options{Order: order, Cards: cards})
	out, err := report.Save(outDir, format, rep, e.now())
	if err != nil {
		return err
	}
	fmt.Fprintln(e.Out, tui.DefaultStyles().Field("Report", out))
	return nil
}
