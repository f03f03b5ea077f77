package device

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vitaminmoo/turnstile-tool/internal/codec"
	"github.com/vitaminmoo/turnstile-tool/internal/model"
	"github.com/vitaminmoo/turnstile-tool/internal/transport"
)

// State is the adapter's position in a run.
type State int

const (
	Idle State = iota
	Ready
	BackedUp
	Synced
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case BackedUp:
		return "backed-up"
	case Synced:
		return "synced"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CGI endpoints of the turnstile controller.
const (
	EndpointBackup = "/cgi/card_get_list"
	EndpointWrite  = "/cgi/card_edit"
	EndpointClear  = "/cgi/card_clear"
	EndpointEvents = "/cgi/event_get"
)

// DefaultEventCount matches the controller's event buffer.
const DefaultEventCount = 10000

// Transport is the request surface the adapter drives.
type Transport interface {
	Request(ctx context.Context, endpoint string, params url.Values, expectBinary bool) (*transport.RawResponse, error)
	Login(ctx context.Context) error
}

// BackupStore persists a backup durably and returns where it went.
type BackupStore interface {
	Save(ctx context.Context, backup model.ConfigBackup) (string, error)
}

// RecordFunc is called after each record of a sync with its outcome.
type RecordFunc func(index, total int, outcome model.RecordOutcome)

// Options tunes an Adapter. The zero value is usable.
type Options struct {
	EventsLang string
	OnRecord   RecordFunc
	Now        func() time.Time
}

// Adapter drives one turnstile through a run: health check, backup, card
// sync and log retrieval. Calls are strictly sequential; an Adapter must not
// be used from more than one goroutine.
type Adapter struct {
	tr       Transport
	store    BackupStore
	state    State
	abortErr error
	backup   *model.ConfigBackup
	location string
	reauths  int

	lang     string
	onRecord RecordFunc
	now      func() time.Time
}

// New creates an Adapter in the Idle state.
func New(tr Transport, store BackupStore, opts Options) *Adapter {
	a := &Adapter{
		tr:       tr,
		store:    store,
		lang:     opts.EventsLang,
		onRecord: opts.OnRecord,
		now:      opts.Now,
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// State returns the current state.
func (a *Adapter) State() State { return a.state }

// AbortReason returns why the adapter entered Aborted, or nil.
func (a *Adapter) AbortReason() error { return a.abortErr }

// Reauths counts session re-establishments after an expiry.
func (a *Adapter) Reauths() int { return a.reauths }

// Session returns the transport's session when it exposes one.
func (a *Adapter) Session() *transport.Session {
	if s, ok := a.tr.(interface{ Session() *transport.Session }); ok {
		return s.Session()
	}
	return nil
}

// Backup returns the backup taken in this run and where it was persisted.
func (a *Adapter) Backup() (*model.ConfigBackup, string) { return a.backup, a.location }

// HealthCheck opens a session with a lightweight request.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if a.state != Idle && a.state != Ready {
		return stateError("health check", a.state)
	}
	if err := a.tr.Login(ctx); err != nil {
		return &Error{Kind: DeviceUnavailable, Op: "health check", Err: err}
	}
	a.state = Ready
	log.Info().Msg("turnstile is reachable")
	return nil
}

// BackupConfig captures card memory and persists it. Any failure moves the
// adapter to Aborted so no mutation can follow.
func (a *Adapter) BackupConfig(ctx context.Context) (model.ConfigBackup, error) {
	if a.state != Ready {
		return model.ConfigBackup{}, stateError("backup", a.state)
	}

	log.Info().Msg("downloading card list backup")
	resp, _, err := a.call(ctx, EndpointBackup, nil, true)
	if err != nil {
		return model.ConfigBackup{}, a.abort(fmt.Errorf("fetch backup: %w", err))
	}

	backup, err := codec.DecodeBackupPayload(resp.Body, resp.ReceivedAt)
	if err != nil {
		return model.ConfigBackup{}, a.abort(fmt.Errorf("decode backup: %w", err))
	}

	location, err := a.store.Save(ctx, backup)
	if err != nil {
		return model.ConfigBackup{}, a.abort(&PersistenceError{Err: err})
	}

	a.backup = &backup
	a.location = location
	a.state = BackedUp
	log.Info().Str("path", location).Int("cards", len(backup.Slots)).Int("bytes", len(backup.Raw)).Msg("backup saved")
	return backup, nil
}

// ClearCards wipes the device's card memory. Only allowed right after a
// persisted backup.
func (a *Adapter) ClearCards(ctx context.Context) error {
	if a.state != BackedUp {
		return stateError("clear cards", a.state)
	}
	resp, _, err := a.call(ctx, EndpointClear, codec.EncodeClearAll(), false)
	if err != nil {
		return fmt.Errorf("clear cards: %w", err)
	}
	if err := rejection(resp); err != nil {
		return fmt.Errorf("clear cards: %w", err)
	}
	log.Info().Msg("all cards cleared")
	return nil
}

// SyncCards writes each active record to the device, one at a time, in the
// order given. A failing record is reported in its outcome and the batch
// continues. On session expiry the current record is retried once after a
// new login. Cancelling ctx stops before the next record; the remaining
// records are reported as skipped.
func (a *Adapter) SyncCards(ctx context.Context, records []model.CardRecord) (model.OperationResult, error) {
	if a.state != BackedUp {
		err := stateError("sync cards", a.state)
		return model.OperationResult{Status: model.BatchFailed, Err: err}, err
	}

	total := len(records)
	today := a.now()
	seen := make(map[string]bool, total)
	outcomes := make([]model.RecordOutcome, 0, total)

	log.Info().Int("records", total).Msg("starting card update")
	for i, card := range records {
		var out model.RecordOutcome
		switch {
		case ctx.Err() != nil:
			out = model.RecordOutcome{Card: card, Status: model.RecordSkipped, Reason: model.ReasonInterrupted}
		case card.ID != "" && seen[card.ID]:
			out = model.RecordOutcome{Card: card, Status: model.RecordFailed, Reason: "duplicate id " + card.ID}
		case !card.Active:
			out = model.RecordOutcome{Card: card, Status: model.RecordSkipped, Reason: model.ReasonInactive}
		case !card.ValidOn(today):
			out = model.RecordOutcome{Card: card, Status: model.RecordSkipped, Reason: model.ReasonExpired}
		default:
			out = a.writeCard(ctx, card)
		}
		if card.ID != "" {
			seen[card.ID] = true
		}

		ev := log.Info()
		if out.Status == model.RecordFailed {
			ev = log.Warn().Err(out.Err)
		}
		ev.Str("card", card.Code).Str("holder", card.HolderName).Str("status", string(out.Status)).Str("reason", out.Reason).
			Msgf("(%d/%d) card %s", i+1, total, card.ID)

		outcomes = append(outcomes, out)
		if a.onRecord != nil {
			a.onRecord(i, total, out)
		}
	}

	a.state = Synced
	result := model.OperationResult{Status: model.Summarize(outcomes), Records: outcomes}
	log.Info().Str("status", string(result.Status)).Int("failed", result.Count(model.RecordFailed)).Msg("card update finished")
	return result, nil
}

func (a *Adapter) writeCard(ctx context.Context, card model.CardRecord) model.RecordOutcome {
	out := model.RecordOutcome{Card: card}

	params, err := codec.EncodeCardWrite(card)
	if err != nil {
		out.Status, out.Reason, out.Err = model.RecordFailed, err.Error(), err
		return out
	}

	resp, attempts, err := a.call(ctx, EndpointWrite, params, false)
	out.Attempts = attempts
	if err == nil {
		err = rejection(resp)
	}
	if err != nil {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = model.ReasonInterrupted
		}
		out.Status, out.Reason, out.Err = model.RecordFailed, reason, err
		return out
	}

	log.Debug().Str("response", resp.Text()).Msg("turnstile response")
	out.Status = model.RecordOK
	return out
}

// FetchLogs downloads and decodes the newest count events. It is read-only
// and allowed in every state after a successful health check, including
// Aborted.
func (a *Adapter) FetchLogs(ctx context.Context, count int) ([]model.LogEntry, error) {
	if a.state == Idle {
		return nil, stateError("fetch logs", a.state)
	}
	if count <= 0 {
		count = DefaultEventCount
	}
	params, err := codec.EncodeEventQuery(count, a.lang)
	if err != nil {
		return nil, err
	}

	log.Info().Int("records", count).Msg("downloading access events")
	resp, _, err := a.call(ctx, EndpointEvents, params, false)
	if err != nil {
		return nil, fmt.Errorf("fetch logs: %w", err)
	}
	entries, err := codec.DecodeLogPayload(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode logs: %w", err)
	}
	log.Info().Int("entries", len(entries)).Msg("events decoded")
	return entries, nil
}

// call issues one request and, if the session expired, logs in again and
// retries the same request once. It returns the number of attempts made.
func (a *Adapter) call(ctx context.Context, endpoint string, params url.Values, binary bool) (*transport.RawResponse, int, error) {
	resp, err := a.tr.Request(ctx, endpoint, params, binary)
	if !errors.Is(err, transport.ErrSessionExpired) {
		return resp, 1, err
	}

	log.Warn().Str("endpoint", endpoint).Msg("session expired, logging in again")
	a.reauths++
	if lerr := a.tr.Login(ctx); lerr != nil {
		return nil, 1, fmt.Errorf("re-authenticate: %w", lerr)
	}
	resp, err = a.tr.Request(ctx, endpoint, params, binary)
	return resp, 2, err
}

func (a *Adapter) abort(err error) error {
	a.state = Aborted
	a.abortErr = err
	log.Error().Err(err).Msg("run aborted, no card will be changed")
	return err
}

// rejection inspects a 200 text answer for the firmware's error wording.
func rejection(resp *transport.RawResponse) error {
	text := resp.Text()
	lower := strings.ToLower(text)
	if strings.HasPrefix(lower, "error") || strings.Contains(lower, "failed") || strings.Contains(lower, "invalid") {
		return fmt.Errorf("%w: %s", ErrDeviceRejected, text)
	}
	return nil
}
