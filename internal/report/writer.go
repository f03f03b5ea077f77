package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
)

// Output formats.
const (
	FormatXLSX = "xlsx"
	FormatCSV  = "csv"
)

const (
	eventsSheet     = "Events"
	attendanceSheet = "Attendance"
	timeLayout      = "2006-01-02 15:04:05"
	filePrefix      = "access_report_"
)

var (
	eventHeader      = []string{"Seq", "Timestamp", "Card RFID", "Card Number", "Username", "Event", "Code", "Description"}
	attendanceHeader = []string{"Card RFID", "Card Number", "Username", "UniqueEntryDays", "First seen", "Last seen"}
)

// FileName returns the report path for a run at t.
func FileName(dir, format string, t time.Time) string {
	return filepath.Join(dir, filePrefix+t.Format("20060102_150405")+"."+format)
}

// Save writes rep into dir in the given format and returns the file path.
func Save(dir, format string, rep Report, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report dir: %w", err)
	}
	path := FileName(dir, format, now)

	switch format {
	case FormatXLSX:
		return path, WriteXLSX(path, rep)
	case FormatCSV:
		f, err := os.Create(path)
		if err != nil {
			return "", err
		}
		if err := WriteCSV(f, rep); err != nil {
			f.Close()
			return "", err
		}
		return path, f.Close()
	default:
		return "", fmt.Errorf("unknown report format %q", format)
	}
}

func eventRecord(r Row) []string {
	return []string{
		r.Seq,
		formatTime(r.Timestamp),
		r.Credential,
		r.CardID,
		r.Holder,
		string(r.Kind),
		r.RawCode,
		r.Description,
	}
}

func attendanceRecord(a AttendanceRow) []string {
	return []string{
		a.Credential,
		a.CardID,
		a.Holder,
		strconv.Itoa(a.Days),
		formatTime(a.FirstSeen),
		formatTime(a.LastSeen),
	}
}

// WriteCSV writes the event rows only.
func WriteCSV(w io.Writer, rep Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(eventHeader); err != nil {
		return err
	}
	for _, r := range rep.Rows {
		if err := cw.Write(eventRecord(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes an Events and an Attendance sheet to path.
func WriteXLSX(path string, rep Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), eventsSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(attendanceSheet); err != nil {
		return err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	events := make([][]string, 0, len(rep.Rows))
	for _, r := range rep.Rows {
		events = append(events, eventRecord(r))
	}
	if err := writeSheet(f, eventsSheet, eventHeader, events, bold); err != nil {
		return err
	}

	attendance := make([][]string, 0, len(rep.Attendance))
	for _, a := range rep.Attendance {
		attendance = append(attendance, attendanceRecord(a))
	}
	if err := writeSheet(f, attendanceSheet, attendanceHeader, attendance, bold); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	return f.SaveAs(path)
}

func writeSheet(f *excelize.File, sheet string, header []string, rows [][]string, headerStyle int) error {
	if err := setRow(f, sheet, 1, header); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return err
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for i, row := range rows {
		if err := setRow(f, sheet, i+2, row); err != nil {
			return err
		}
		for c, v := range row {
			if n := len([]rune(v)); n > widths[c] {
				widths[c] = n
			}
		}
	}

	for i, w := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, col, col, float64(min(w, 60)+2)); err != nil {
			return err
		}
	}
	return nil
}

func setRow(f *excelize.File, sheet string, n int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return err
	}
	row := make([]any, len(values))
	for i, v := range values {
		row[i] = v
	}
	return f.SetSheetRow(sheet, cell, &row)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}
