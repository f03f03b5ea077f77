package model

// RecordStatus is the outcome of syncing one card.
type RecordStatus string

const (
	RecordOK      RecordStatus = "ok"
	RecordFailed  RecordStatus = "failed"
	RecordSkipped RecordStatus = "skipped"
)

// Skip reasons.
const (
	ReasonInactive    = "inactive"
	ReasonExpired     = "expired"
	ReasonInterrupted = "interrupted"
)

// BatchStatus is the aggregate outcome of a sync.
type BatchStatus string

const (
	BatchOK      BatchStatus = "ok"
	BatchPartial BatchStatus = "partial"
	BatchFailed  BatchStatus = "failed"
)

// RecordOutcome reports what happened to a single CardRecord.
type RecordOutcome struct {
	Card     CardRecord   `json:"card"`
	Status   RecordStatus `json:"status"`
	Reason   string       `json:"reason,omitempty"`
	Err      error        `json:"-"`
	Attempts int          `json:"attempts"`
}

// OperationResult aggregates per-record outcomes of a card sync.
type OperationResult struct {
	Status  BatchStatus     `json:"status"`
	Records []RecordOutcome `json:"records"`
	Err     error           `json:"-"`
}

// Count returns how many records ended with the given status.
func (r OperationResult) Count(status RecordStatus) int {
	n := 0
	for _, rec := range r.Records {
		if rec.Status == status {
			n++
		}
	}
	return n
}

// Failed returns the outcomes of records that failed.
func (r OperationResult) Failed() []RecordOutcome {
	var out []RecordOutcome
	for _, rec := range r.Records {
		if rec.Status == RecordFailed {
			out = append(out, rec)
		}
	}
	return out
}

// Summarize derives the aggregate status from the record outcomes.
// A batch where nothing was attempted counts as ok.
func Summarize(records []RecordOutcome) BatchStatus {
	var ok, failed int
	for _, rec := range records {
		switch rec.Status {
		case RecordOK:
			ok++
		case RecordFailed:
			failed++
		}
	}
	switch {
	case failed == 0:
		return BatchOK
	case ok == 0:
		return BatchFailed
	default:
		return BatchPartial
	}
}
