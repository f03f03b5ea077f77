package commands

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaminmoo/turnstile-tool/internal/device"
	"github.com/vitaminmoo/turnstile-tool/internal/journal"
	"github.com/vitaminmoo/turnstile-tool/internal/model"
	"github.com/vitaminmoo/turnstile-tool/internal/report"
	"github.com/vitaminmoo/turnstile-tool/internal/simulator"
	"github.com/vitaminmoo/turnstile-tool/internal/source"
	"github.com/vitaminmoo/turnstile-tool/internal/store"
	"github.com/vitaminmoo/turnstile-tool/internal/transport"
)

var today = time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

const cardsCSV = "Card Number,Username,Card RFID,Active,Expiration date\n" +
	"1,Ann,123456,true,2026-12-31\n" +
	"2,Bob,654321,true,\n" +
	"3,Cid,111111,false,2026-12-31\n" +
	"4,Dee,222222,true,2026-01-01\n"

type harness struct {
	sim     *simulator.Device
	deps    Deps
	opts    RunOptions
	journal *journal.Journal
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sim := simulator.New("admin", "secret")
	sim.SetSlots([]model.CardSlot{{Index: 0, Code: 123456, Enabled: true}, {Index: 1, Code: 777, Enabled: false}})
	sim.AddEvent(1, today.Add(-26*time.Hour), "Entry by card 123456")
	sim.AddEvent(2, today.Add(-2*time.Hour), "Entry by card 123456")
	sim.AddEvent(3, today.Add(-time.Hour), "Card is not registered 999")
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)

	return newHarnessAt(t, sim, srv.URL)
}

func newHarnessAt(t *testing.T, sim *simulator.Device, url string) *harness {
	t.Helper()
	dir := t.TempDir()

	client, err := transport.New(transport.Options{
		BaseURL:    url,
		Username:   "admin",
		Password:   "secret",
		Timeout:    time.Second,
		Retries:    1,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(dir, "backups"))
	require.NoError(t, err)

	j, err := journal.Open(context.Background(), filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	cards := filepath.Join(dir, "cards.csv")
	require.NoError(t, os.WriteFile(cards, []byte(cardsCSV), 0o644))

	return &harness{
		sim:     sim,
		journal: j,
		dir:     dir,
		deps: Deps{
			Transport: client,
			Store:     st,
			Journal:   j,
			Reader:    source.NewReader(source.DefaultColumns),
			Device:    "turnstile-test",
			Now:       func() time.Time { return today },
		},
		opts: RunOptions{
			CardsPath: cards,
			ReportDir: filepath.Join(dir, "reports"),
			Format:    report.FormatXLSX,
		},
	}
}

func (h *harness) run(t *testing.T) *Outcome {
	t.Helper()
	return Run(context.Background(), h.deps, h.opts)
}

func TestRun_FullPipeline(t *testing.T) {
	h := newHarness(t)
	out := h.run(t)

	require.NoError(t, out.AbortErr)
	require.NoError(t, out.ReportErr)
	assert.Equal(t, ExitOK, out.ExitCode())
	assert.Equal(t, device.Synced, out.State)
	assert.Equal(t, 4, out.Cards)

	require.NotNil(t, out.Backup)
	assert.Len(t, out.Backup.Slots, 2)
	assert.FileExists(t, out.BackupPath)

	require.NotNil(t, out.Result)
	assert.Equal(t, model.BatchOK, out.Result.Status)
	assert.Equal(t, 2, out.Result.Count(model.RecordOK))
	assert.Equal(t, 2, out.Result.Count(model.RecordSkipped))
	assert.Equal(t, []string{"123456", "654321"}, h.sim.Written())

	assert.Equal(t, 3, out.Events)
	assert.Equal(t, "access_report_20260303_090000.xlsx", filepath.Base(out.ReportPath))
	assert.FileExists(t, out.ReportPath)

	run, err := h.journal.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, "ok", run.Status)
	assert.Equal(t, 2, run.OK)
	assert.Equal(t, 2, run.Skipped)
	assert.Equal(t, out.BackupPath, run.BackupPath)

	outcomes, err := h.journal.Outcomes(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Len(t, outcomes, 4)

	var buf bytes.Buffer
	PrintSummary(&buf, out)
	assert.Contains(t, buf.String(), "fully synced")
	assert.Contains(t, buf.String(), out.ReportPath)
}

func TestRun_UnreachableDevice(t *testing.T) {
	srv := httptest.NewServer(simulator.New("", "").Handler())
	url := srv.URL
	srv.Close()

	h := newHarnessAt(t, nil, url)
	out := h.run(t)

	require.ErrorIs(t, out.AbortErr, device.ErrDeviceUnavailable)
	assert.Equal(t, ExitAborted, out.ExitCode())
	assert.Nil(t, out.Result)
	assert.Empty(t, out.ReportPath)

	run, err := h.journal.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusUnavailable, run.Status)

	var buf bytes.Buffer
	PrintSummary(&buf, out)
	assert.Contains(t, buf.String(), "aborted before sync")
}

func TestRun_BadCardFileAbortsBeforeBackup(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.opts.CardsPath, []byte("Username,Active\nAnn,true\n"), 0o644))

	out := h.run(t)

	var formatErr *source.FormatError
	require.True(t, errors.As(out.AbortErr, &formatErr))
	assert.Equal(t, ExitAborted, out.ExitCode())
	assert.Nil(t, out.Backup)
	assert.Zero(t, h.sim.Calls("/cgi/card_get_list"))
	assert.Zero(t, h.sim.Calls("/cgi/card_edit"))
}

func TestRun_NoCardFile(t *testing.T) {
	h := newHarness(t)
	h.opts.CardsPath = ""

	out := h.run(t)
	require.ErrorIs(t, out.AbortErr, ErrNoCards)
	assert.Equal(t, ExitAborted, out.ExitCode())
}

func TestRun_CorruptBackupAborts(t *testing.T) {
	h := newHarness(t)
	h.sim.CorruptBackup(true)

	out := h.run(t)
	require.Error(t, out.AbortErr)
	assert.Equal(t, device.Aborted, out.State)
	assert.Equal(t, ExitAborted, out.ExitCode())
	assert.Zero(t, h.sim.Calls("/cgi/card_edit"))

	run, err := h.journal.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusAborted, run.Status)
}

func TestRun_ExitCodes(t *testing.T) {
	t.Run("partial failure still exits zero", func(t *testing.T) {
		h := newHarness(t)
		h.sim.RejectCode("654321")
		out := h.run(t)
		assert.Equal(t, model.BatchPartial, out.Result.Status)
		assert.Equal(t, ExitOK, out.ExitCode())

		var buf bytes.Buffer
		PrintSummary(&buf, out)
		assert.Contains(t, buf.String(), "synced with 1 record failures")
	})

	t.Run("all attempted records failed", func(t *testing.T) {
		h := newHarness(t)
		h.sim.RejectCode("123456")
		h.sim.RejectCode("654321")
		out := h.run(t)
		assert.Equal(t, model.BatchFailed, out.Result.Status)
		assert.Equal(t, ExitSyncFailed, out.ExitCode())
		assert.NotEmpty(t, out.ReportPath)
	})

	t.Run("report failure after good sync", func(t *testing.T) {
		h := newHarness(t)
		blocker := filepath.Join(h.dir, "blocked")
		require.NoError(t, os.WriteFile(blocker, nil, 0o644))
		h.opts.ReportDir = filepath.Join(blocker, "reports")

		out := h.run(t)
		assert.Equal(t, model.BatchOK, out.Result.Status)
		require.Error(t, out.ReportErr)
		assert.Equal(t, ExitReportOnly, out.ExitCode())
	})
}

func TestRun_SkipFlags(t *testing.T) {
	t.Run("skip update", func(t *testing.T) {
		h := newHarness(t)
		h.opts.SkipUpdate = true
		out := h.run(t)

		assert.Nil(t, out.Backup)
		assert.Nil(t, out.Result)
		assert.Zero(t, h.sim.Calls("/cgi/card_get_list"))
		assert.Zero(t, h.sim.Calls("/cgi/card_edit"))
		assert.FileExists(t, out.ReportPath)
		assert.Equal(t, ExitOK, out.ExitCode())
	})

	t.Run("skip report", func(t *testing.T) {
		h := newHarness(t)
		h.opts.SkipReport = true
		out := h.run(t)

		assert.NotNil(t, out.Result)
		assert.Empty(t, out.ReportPath)
		assert.Zero(t, h.sim.Calls("/cgi/event_get"))
	})

	t.Run("clear before sync", func(t *testing.T) {
		h := newHarness(t)
		h.opts.Clear = true
		out := h.run(t)

		require.NoError(t, out.AbortErr)
		assert.Equal(t, 1, h.sim.Calls("/cgi/card_clear"))
		codes := make([]uint32, 0)
		for _, s := range h.sim.Slots() {
			codes = append(codes, s.Code)
		}
		assert.Equal(t, []uint32{123456, 654321}, codes)
	})
}

func TestRun_InterruptStopsBeforeReport(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stages []string
	h.opts.OnStage = func(s string) { stages = append(stages, s) }
	h.opts.OnRecord = func(index, total int, o model.RecordOutcome) {
		if index == 0 {
			cancel()
		}
	}

	out := Run(ctx, h.deps, h.opts)
	require.NoError(t, out.AbortErr)
	assert.True(t, out.Interrupted)
	assert.Equal(t, ExitInterrupted, out.ExitCode())
	assert.Equal(t, []string{"123456"}, h.sim.Written())
	assert.Equal(t, model.ReasonInterrupted, out.Result.Records[1].Reason)
	assert.Empty(t, out.ReportPath)
	assert.Equal(t, []string{StageHealth, StageSource, StageBackup, StageSync}, stages)

	// the journal is written with a context that outlives the cancel
	run, err := h.journal.GetRun(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.NotNil(t, run.FinishedAt)
}
