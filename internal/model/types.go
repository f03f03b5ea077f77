package model

import (
	"time"
)

// CardRecord is one access credential to be provisioned onto the turnstile.
type CardRecord struct {
	ID         string     `json:"id"`
	HolderName string     `json:"holder_name"`
	Code       string     `json:"code" validate:"required,number,max=10"`
	Active     bool       `json:"active"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	Row        int        `json:"row,omitempty"` // source row, 1-based including header
}

// ValidOn reports whether the validity window includes the calendar day of t.
// Missing bounds are open.
func (c CardRecord) ValidOn(t time.Time) bool {
	day := truncateDay(t)
	if c.ValidFrom != nil && truncateDay(*c.ValidFrom).After(day) {
		return false
	}
	if c.ValidUntil != nil && truncateDay(*c.ValidUntil).Before(day) {
		return false
	}
	return true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// CardSlot is one decoded entry of the device's card memory.
type CardSlot struct {
	Index   int    `json:"index"`
	Code    uint32 `json:"code"`
	Enabled bool   `json:"enabled"`
}

// ConfigBackup is a snapshot of card memory taken before any mutation.
// Raw is kept byte-for-byte as the device sent it.
type ConfigBackup struct {
	Raw        []byte     `json:"-"`
	CapturedAt time.Time  `json:"captured_at"`
	Slots      []CardSlot `json:"slots"`
}

// EventKind classifies a decoded log entry.
type EventKind string

const (
	EventEntry        EventKind = "entry"
	EventExit         EventKind = "exit"
	EventPass         EventKind = "pass"   // direction not reported by the device
	EventDenied       EventKind = "denied" // card is not registered
	EventUnrecognized EventKind = "unrecognized"
)

// IsAccess reports whether the event represents a person passing the turnstile.
func (k EventKind) IsAccess() bool {
	return k == EventEntry || k == EventExit || k == EventPass
}

// LogEntry is one event from the device's history, in device emission order.
type LogEntry struct {
	Seq         string    `json:"seq"`
	Code        string    `json:"code"` // device-native event code, kept verbatim
	Timestamp   time.Time `json:"timestamp"`
	Credential  string    `json:"credential,omitempty"`
	Kind        EventKind `json:"kind"`
	Description string    `json:"description"`
}
