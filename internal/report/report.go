// Package report turns decoded turnstile events into tables: one row per
// event, plus a per-card attendance summary.
package report

import (
	"sort"
	"strings"
	"time"

	"github.com/vitaminmoo/turnstile-tool/internal/model"
)

// Order selects the row order of a report.
type Order int

const (
	// OrderEmission keeps the order the device returned events in.
	OrderEmission Order = iota
	// OrderByTimestamp sorts by event time; equal times keep emission order
	// and undated rows go last.
	OrderByTimestamp
)

// Options controls Build.
type Options struct {
	Order Order
	// Cards, when set, fills in holder names by credential.
	Cards []model.CardRecord
}

// Row is one event rendered for output.
type Row struct {
	Seq         string          `json:"seq"`
	Timestamp   time.Time       `json:"timestamp"`
	Credential  string          `json:"credential"`
	CardID      string          `json:"card_id,omitempty"`
	Holder      string          `json:"holder,omitempty"`
	Kind        model.EventKind `json:"kind"`
	RawCode     string          `json:"raw_code"`
	Description string          `json:"description"`
}

// AttendanceRow counts the distinct days a credential passed the turnstile.
type AttendanceRow struct {
	Credential string    `json:"credential"`
	CardID     string    `json:"card_id,omitempty"`
	Holder     string    `json:"holder,omitempty"`
	Days       int       `json:"days"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// Report is the tabular form of an event log.
type Report struct {
	Rows       []Row
	Attendance []AttendanceRow
}

// Build creates one row per entry. Nothing is dropped: unrecognized and
// denied events appear with their kind and raw text.
func Build(entries []model.LogEntry, opts Options) Report {
	holders := indexCards(opts.Cards)

	rows := make([]Row, 0, len(entries))
	for _, e := range entries {
		row := Row{
			Seq:         e.Seq,
			Timestamp:   e.Timestamp,
			Credential:  e.Credential,
			Kind:        e.Kind,
			RawCode:     e.Code,
			Description: e.Description,
		}
		if card, ok := holders[codeKey(e.Credential)]; ok && e.Credential != "" {
			row.Holder = card.HolderName
			row.CardID = card.ID
		}
		rows = append(rows, row)
	}

	if opts.Order == OrderByTimestamp {
		sort.SliceStable(rows, func(i, j int) bool {
			a, b := rows[i].Timestamp, rows[j].Timestamp
			if a.IsZero() || b.IsZero() {
				return !a.IsZero() && b.IsZero()
			}
			return a.Before(b)
		})
	}

	return Report{Rows: rows, Attendance: Attendance(entries, opts.Cards)}
}

// Attendance counts distinct calendar days with an access event per
// credential, most days first. When cards is not empty only credentials
// found in it are counted.
func Attendance(entries []model.LogEntry, cards []model.CardRecord) []AttendanceRow {
	holders := indexCards(cards)

	type acc struct {
		row  AttendanceRow
		days map[string]bool
	}
	byCode := make(map[string]*acc)
	var order []string

	for _, e := range entries {
		if !e.Kind.IsAccess() || e.Credential == "" || e.Timestamp.IsZero() {
			continue
		}
		key := codeKey(e.Credential)
		card, known := holders[key]
		if len(holders) > 0 && !known {
			continue
		}

		a, ok := byCode[key]
		if !ok {
			a = &acc{
				row:  AttendanceRow{Credential: e.Credential, CardID: card.ID, Holder: card.HolderName, FirstSeen: e.Timestamp, LastSeen: e.Timestamp},
				days: make(map[string]bool),
			}
			byCode[key] = a
			order = append(order, key)
		}
		a.days[e.Timestamp.Format("2006-01-02")] = true
		if e.Timestamp.Before(a.row.FirstSeen) {
			a.row.FirstSeen = e.Timestamp
		}
		if e.Timestamp.After(a.row.LastSeen) {
			a.row.LastSeen = e.Timestamp
		}
	}

	out := make([]AttendanceRow, 0, len(order))
	for _, key := range order {
		a := byCode[key]
		a.row.Days = len(a.days)
		out = append(out, a.row)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Days != out[j].Days {
			return out[i].Days > out[j].Days
		}
		return out[i].Credential < out[j].Credential
	})
	return out
}

func indexCards(cards []model.CardRecord) map[string]model.CardRecord {
	m := make(map[string]model.CardRecord, len(cards))
	for _, c := range cards {
		if c.Code == "" {
			continue
		}
		if _, dup := m[codeKey(c.Code)]; !dup {
			m[codeKey(c.Code)] = c
		}
	}
	return m
}

// codeKey compares credentials numerically: the device drops leading zeros.
func codeKey(code string) string {
	k := strings.TrimLeft(strings.TrimSpace(code), "0")
	if k == "" && code != "" {
		return "0"
	}
	return k
}
