package codec

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/vitaminmoo/turnstile-tool/internal/model"
)

// EventTimeLayout is the device's wall-clock format (dd/mm/yy HH:MM:SS).
// Timestamps carry no zone and are decoded as UTC.
const EventTimeLayout = "02/01/06 15:04:05"

const eventFields = 4

var (
	cardEventRe       = regexp.MustCompile(`(?i)\b(entry|exit|access|pass)\b.*\bby card\b\D*(\d+)`)
	unregisteredRe    = regexp.MustCompile(`(?i)card is not registered\D*(\d+)?`)
	langRe            = regexp.MustCompile(`^[a-z]{2}$`)
	defaultEventsLang = "en"
)

// EncodeEventQuery builds the event_get parameters requesting the last count
// events.
//
// Positional fields of req (comma separated):
//
//	-1, 0          start from the newest record
//	-count         number of records, negative = backwards
//	0,0,1,1,0      from: hh=0 mm=0 dd=1 MM=1 yy=0
//	23,59,31,12,99 to:   hh=23 mm=59 dd=31 MM=12 yy=99
//	1              text format
//	/<lang>        language of descriptions
func EncodeEventQuery(count int, lang string) (url.Values, error) {
	if count <= 0 {
		return nil, &EncodingError{Field: "count", Value: fmt.Sprint(count), Reason: "must be positive"}
	}
	if lang == "" {
		lang = defaultEventsLang
	}
	if !langRe.MatchString(lang) {
		return nil, &EncodingError{Field: "lang", Value: lang, Reason: "must be a two-letter code"}
	}
	v := url.Values{}
	v.Set(ReqParam, fmt.Sprintf("-1,0,-%d,0,0,1,1,0,23,59,31,12,99,1,/%s", count, lang))
	return v, nil
}

// DecodeLogPayload decodes an event_get response into log entries in the
// order the device emitted them.
//
// The payload is one event per line with four tab-separated fields: sequence
// number, event code, timestamp and description. Everything from the first
// NUL or 0xFF byte on is padding. Lines that do not parse are kept as
// unrecognized entries so no event is lost.
func DecodeLogPayload(raw []byte) ([]model.LogEntry, error) {
	raw = trimPadding(raw)

	entries := []model.LogEntry{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		entries = append(entries, decodeEventLine(line))
	}
	return entries, nil
}

// trimPadding cuts raw at the first NUL or 0xFF sentinel byte.
func trimPadding(raw []byte) []byte {
	for i, b := range raw {
		if b == 0x00 || b == 0xFF {
			return raw[:i]
		}
	}
	return raw
}

// TrimPadding returns the text of a payload without trailing sentinel bytes.
func TrimPadding(raw []byte) string {
	return string(trimPadding(raw))
}

func decodeEventLine(line string) model.LogEntry {
	fields := strings.Split(line, "\t")
	if len(fields) != eventFields {
		return model.LogEntry{Kind: model.EventUnrecognized, Description: line}
	}

	entry := model.LogEntry{
		Seq:         strings.TrimSpace(fields[0]),
		Code:        strings.TrimSpace(fields[1]),
		Description: strings.TrimSpace(fields[3]),
		Kind:        model.EventUnrecognized,
	}
	if ts, err := time.ParseInLocation(EventTimeLayout, strings.TrimSpace(fields[2]), time.UTC); err == nil {
		entry.Timestamp = ts
	}

	entry.Kind, entry.Credential = classifyEvent(entry.Description)
	return entry
}

func classifyEvent(desc string) (model.EventKind, string) {
	if m := unregisteredRe.FindStringSubmatch(desc); m != nil {
		return model.EventDenied, m[1]
	}
	if m := cardEventRe.FindStringSubmatch(desc); m != nil {
		switch strings.ToLower(m[1]) {
		case "entry":
			return model.EventEntry, m[2]
		case "exit":
			return model.EventExit, m[2]
		default:
			return model.EventPass, m[2]
		}
	}
	return model.EventUnrecognized, ""
}
