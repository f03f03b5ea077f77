package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vitaminmoo/turnstile-tool/internal/device"
	"github.com/vitaminmoo/turnstile-tool/internal/journal"
	"github.com/vitaminmoo/turnstile-tool/internal/model"
	"github.com/vitaminmoo/turnstile-tool/internal/report"
	"github.com/vitaminmoo/turnstile-tool/internal/source"
	"github.com/vitaminmoo/turnstile-tool/internal/store"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitAborted     = 1
	ExitSyncFailed  = 2
	ExitReportOnly  = 3
	ExitInterrupted = 130
)

// Pipeline stages, reported through RunOptions.OnStage.
const (
	StageHealth = "checking turnstile"
	StageSource = "reading card list"
	StageBackup = "backing up card memory"
	StageClear  = "clearing card memory"
	StageSync   = "updating cards"
	StageLogs   = "downloading events"
	StageReport = "writing report"
)

// ErrNoCards is returned when an update is requested without a card file.
var ErrNoCards = errors.New("no card file given")

// Deps are the collaborators of a run.
type Deps struct {
	Transport device.Transport
	Store     *store.Store
	Journal   *journal.Journal // optional
	Reader    *source.Reader
	Device    string
	Now       func() time.Time
}

// RunOptions selects what a run does.
type RunOptions struct {
	CardsPath      string
	RecordsToFetch int
	SkipUpdate     bool
	SkipReport     bool
	Clear          bool
	EventsLang     string
	ReportDir      string
	Format         string
	Order          report.Order

	OnRecord device.RecordFunc
	OnStage  func(stage string)
}

// Outcome is everything a run produced, for the summary and the exit code.
type Outcome struct {
	RunID      string
	Cards      int
	Backup     *model.ConfigBackup
	BackupPath string
	Result     *model.OperationResult
	Events     int
	ReportPath string
	Reauths    int
	State      device.State

	// AbortErr stops the run before or during the device update.
	AbortErr error
	// ReportErr is a log or report failure after the device work is done.
	ReportErr   error
	Interrupted bool

	Started  time.Time
	Finished time.Time
}

// ExitCode maps the outcome to the process exit status.
func (o *Outcome) ExitCode() int {
	switch {
	case o.AbortErr != nil:
		return ExitAborted
	case o.Interrupted:
		return ExitInterrupted
	case o.Result != nil && o.Result.Status == model.BatchFailed:
		return ExitSyncFailed
	case o.ReportErr != nil:
		return ExitReportOnly
	}
	return ExitOK
}

// Status is the journal status of the run.
func (o *Outcome) Status() string {
	switch {
	case errors.Is(o.AbortErr, device.ErrDeviceUnavailable):
		return journal.StatusUnavailable
	case o.AbortErr != nil:
		return journal.StatusAborted
	case o.Result != nil:
		return string(o.Result.Status)
	}
	return string(model.BatchOK)
}

// Run executes health check, card update and report in that order.
// Device work stops at the first fatal error; the report is attempted
// whenever the device answered the health check and the run was not
// interrupted.
func Run(ctx context.Context, deps Deps, opts RunOptions) *Outcome {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	stage := func(s string) {
		log.Debug().Str("stage", s).Msg("stage")
		if opts.OnStage != nil {
			opts.OnStage(s)
		}
	}

	out := &Outcome{Started: now()}
	rec := startRecording(ctx, deps.Journal, deps.Device, opts.CardsPath)
	out.RunID = rec.runID

	adapter := device.New(deps.Transport, deps.Store, device.Options{
		EventsLang: opts.EventsLang,
		Now:        now,
		OnRecord: func(index, total int, o model.RecordOutcome) {
			rec.outcome(index, o)
			if opts.OnRecord != nil {
				opts.OnRecord(index, total, o)
			}
		},
	})

	defer func() {
		out.State = adapter.State()
		out.Reauths = adapter.Reauths()
		out.Finished = now()
		var res model.OperationResult
		if out.Result != nil {
			res = *out.Result
		}
		runErr := out.AbortErr
		if runErr == nil {
			runErr = out.ReportErr
		}
		rec.finish(out.Status(), res, out.Reauths, runErr)
	}()

	stage(StageHealth)
	if err := adapter.HealthCheck(ctx); err != nil {
		out.AbortErr = err
		return out
	}

	var records []model.CardRecord
	if opts.CardsPath != "" {
		stage(StageSource)
		var err error
		if records, err = deps.Reader.Load(opts.CardsPath); err != nil {
			out.AbortErr = err
			return out
		}
		out.Cards = len(records)
		log.Info().Int("cards", len(records)).Str("file", opts.CardsPath).Msg("card list loaded")
	} else if !opts.SkipUpdate {
		out.AbortErr = ErrNoCards
		return out
	}

	if !opts.SkipUpdate {
		stage(StageBackup)
		backup, err := adapter.BackupConfig(ctx)
		if err != nil {
			out.AbortErr = err
			return out
		}
		_, out.BackupPath = adapter.Backup()
		out.Backup = &backup
		rec.backup(out.BackupPath, backup)

		if opts.Clear {
			stage(StageClear)
			if err := adapter.ClearCards(ctx); err != nil {
				out.AbortErr = err
				return out
			}
		}

		stage(StageSync)
		res, err := adapter.SyncCards(ctx, records)
		out.Result = &res
		if err != nil {
			out.AbortErr = err
			return out
		}
	}

	if ctx.Err() != nil {
		out.Interrupted = true
		return out
	}
	if opts.SkipReport {
		return out
	}

	stage(StageLogs)
	entries, err := adapter.FetchLogs(ctx, opts.RecordsToFetch)
	if err != nil {
		out.ReportErr = err
		out.Interrupted = ctx.Err() != nil
		return out
	}
	out.Events = len(entries)

	stage(StageReport)
	rep := report.Build(entries, report.Options{Order: opts.Order, Cards: records})
	path, err := report.Save(opts.ReportDir, opts.Format, rep, now())
	if err != nil {
		out.ReportErr = fmt.Errorf("write report: %w", err)
		return out
	}
	out.ReportPath = path
	log.Info().Str("path", path).Int("rows", len(rep.Rows)).Msg("report saved")
	return out
}

// recording mirrors a run into the journal. Journal failures are logged and
// never change the outcome of the run.
type recording struct {
	ctx   context.Context
	j     *journal.Journal
	runID string
}

func startRecording(ctx context.Context, j *journal.Journal, deviceName, sourcePath string) *recording {
	r := &recording{ctx: context.WithoutCancel(ctx), j: j}
	if j == nil {
		return r
	}
	id, err := j.StartRun(r.ctx, deviceName, sourcePath)
	if err != nil {
		log.Warn().Err(err).Msg("journal unavailable, run will not be recorded")
		r.j = nil
		return r
	}
	r.runID = id
	return r
}

func (r *recording) backup(path string, b model.ConfigBackup) {
	if r.j == nil {
		return
	}
	if err := r.j.RecordBackup(r.ctx, r.runID, path, store.ContentHash(b.Raw), b); err != nil {
		log.Warn().Err(err).Msg("failed to record backup")
	}
}

func (r *recording) outcome(index int, o model.RecordOutcome) {
	if r.j == nil {
		return
	}
	if err := r.j.RecordOutcome(r.ctx, r.runID, index+1, o); err != nil {
		log.Warn().Err(err).Str("card", o.Card.ID).Msg("failed to record outcome")
	}
}

func (r *recording) finish(status string, res model.OperationResult, reauths int, runErr error) {
	if r.j == nil {
		return
	}
	if err := r.j.FinishRun(r.ctx, r.runID, status, res, reauths, runErr); err != nil {
		log.Warn().Err(err).Msg("failed to close run in journal")
	}
}
