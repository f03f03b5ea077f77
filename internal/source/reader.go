// Package source loads the card list that is provisioned onto the turnstile
// from a spreadsheet (xlsx) or a csv export of one.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"

	"github.com/vitaminmoo/turnstile-tool/internal/codec"
	"github.com/vitaminmoo/turnstile-tool/internal/model"
)

// Columns maps record fields to header names. Empty names mark optional
// columns as absent.
type Columns struct {
	ID         string
	Holder     string
	Code       string
	Active     string
	ValidFrom  string
	ValidUntil string
}

// DefaultColumns match the card list kept by the office.
var DefaultColumns = Columns{
	ID:         "Card Number",
	Holder:     "Username",
	Code:       "Card RFID",
	Active:     "Active",
	ValidFrom:  "Valid from",
	ValidUntil: "Expiration date",
}

// FormatError reports a card list the reader cannot trust.
type FormatError struct {
	Path   string
	Row    int // 1-based, header is row 1; 0 for file-level problems
	Column string
	Reason string
}

func (e *FormatError) Error() string {
	var b strings.Builder
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	if e.Row > 0 {
		fmt.Fprintf(&b, "row %d: ", e.Row)
	}
	if e.Column != "" {
		fmt.Fprintf(&b, "column %q: ", e.Column)
	}
	b.WriteString(e.Reason)
	return b.String()
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"02.01.2006",
	"02/01/2006",
	"01-02-06",
	"1/2/06",
	"2006/01/02",
}

// Reader converts card list files into records.
type Reader struct {
	Columns Columns
	Sheet   string // xlsx sheet; first sheet when empty
	Loc     *time.Location

	validate *validator.Validate
}

// NewReader returns a Reader using cols.
func NewReader(cols Columns) *Reader {
	return &Reader{Columns: cols, Loc: time.Local, validate: validator.New()}
}

// Load reads path, choosing the format from its extension.
func (r *Reader) Load(path string) ([]model.CardRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []model.CardRecord
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".xlsx", ".xlsm":
		records, err = r.ReadXLSX(f)
	case ".csv", ".txt":
		records, err = r.ReadCSV(f)
	default:
		return nil, &FormatError{Path: path, Reason: fmt.Sprintf("unsupported file type %q", ext)}
	}

	var fe *FormatError
	if errors.As(err, &fe) && fe.Path == "" {
		fe.Path = path
	}
	if err != nil {
		return nil, err
	}

	active := 0
	for _, rec := range records {
		if rec.Active {
			active++
		}
	}
	log.Info().Str("file", path).Int("total", len(records)).Int("active", active).Msg("card list loaded")
	return records, nil
}

// ReadXLSX reads the configured sheet of a workbook.
func (r *Reader) ReadXLSX(in io.Reader) ([]model.CardRecord, error) {
	f, err := excelize.OpenReader(in)
	if err != nil {
		return nil, &FormatError{Reason: "not a readable xlsx workbook: " + err.Error()}
	}
	defer f.Close()

	sheet := r.Sheet
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, &FormatError{Reason: fmt.Sprintf("sheet %q: %v", sheet, err)}
	}
	return r.parse(rows)
}

// ReadCSV reads comma separated rows with a header line.
func (r *Reader) ReadCSV(in io.Reader) ([]model.CardRecord, error) {
	cr := csv.NewReader(in)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, &FormatError{Reason: "malformed csv: " + err.Error()}
	}
	return r.parse(rows)
}

type columnIndex map[string]int

func (c columnIndex) get(row []string, name string) string {
	i, ok := c[name]
	if !ok || name == "" || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (r *Reader) parse(rows [][]string) ([]model.CardRecord, error) {
	if len(rows) == 0 {
		return nil, &FormatError{Reason: "no header row"}
	}

	idx := columnIndex{}
	for i, h := range rows[0] {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, name := range []string{r.Columns.Code, r.Columns.Active} {
		if _, ok := idx[name]; !ok {
			return nil, &FormatError{Row: 1, Column: name, Reason: "required column missing"}
		}
	}

	records := make([]model.CardRecord, 0, len(rows)-1)
	seen := make(map[string]int)
	for i, row := range rows[1:] {
		rowNum := i + 2
		if blank(row) {
			continue
		}

		rec, err := r.parseRow(idx, row, rowNum)
		if err != nil {
			return nil, err
		}
		if first, dup := seen[rec.ID]; dup {
			return nil, &FormatError{Row: rowNum, Column: r.Columns.ID, Reason: fmt.Sprintf("duplicate id %q, first seen on row %d", rec.ID, first)}
		}
		seen[rec.ID] = rowNum
		records = append(records, rec)
	}
	return records, nil
}

func (r *Reader) parseRow(idx columnIndex, row []string, rowNum int) (model.CardRecord, error) {
	rec := model.CardRecord{
		ID:         idx.get(row, r.Columns.ID),
		HolderName: idx.get(row, r.Columns.Holder),
		Code:       normalizeCode(idx.get(row, r.Columns.Code)),
		Row:        rowNum,
	}
	if rec.ID == "" {
		rec.ID = strconv.Itoa(rowNum)
	}

	active, err := parseBool(idx.get(row, r.Columns.Active))
	if err != nil {
		return rec, &FormatError{Row: rowNum, Column: r.Columns.Active, Reason: err.Error()}
	}
	rec.Active = active

	if rec.ValidFrom, err = r.parseDate(idx.get(row, r.Columns.ValidFrom)); err != nil {
		return rec, &FormatError{Row: rowNum, Column: r.Columns.ValidFrom, Reason: err.Error()}
	}
	if rec.ValidUntil, err = r.parseDate(idx.get(row, r.Columns.ValidUntil)); err != nil {
		return rec, &FormatError{Row: rowNum, Column: r.Columns.ValidUntil, Reason: err.Error()}
	}

	// Inactive rows are kept for the holder join even without a code
	if rec.Active {
		if err := r.validate.Struct(rec); err != nil {
			return rec, &FormatError{Row: rowNum, Column: r.Columns.Code, Reason: describe(err, rec.Code)}
		}
		if _, err := codec.ValidateCode(rec.Code); err != nil {
			return rec, &FormatError{Row: rowNum, Column: r.Columns.Code, Reason: describe(err, rec.Code)}
		}
	}
	return rec, nil
}

func (r *Reader) parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	loc := r.Loc
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t, nil
		}
	}
	// Unformatted date cells come through as serial day numbers
	if serial, err := strconv.ParseFloat(s, 64); err == nil && serial > 0 {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err == nil {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized date %q", s)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "y", "1", "x", "active":
		return true, nil
	case "false", "no", "n", "0", "", "inactive":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

// normalizeCode undoes float formatting of numeric cells ("123456.0").
func normalizeCode(s string) string {
	if whole, frac, ok := strings.Cut(s, "."); ok && strings.Trim(frac, "0") == "" && whole != "" {
		return whole
	}
	return s
}

func describe(err error, value string) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Tag() {
		case "required":
			return "active card has no code"
		case "number":
			return fmt.Sprintf("code %q is not a number", value)
		case "max":
			return fmt.Sprintf("code %q has more than %s digits", value, verrs[0].Param())
		}
		return fmt.Sprintf("code %q fails %s", value, verrs[0].Tag())
	}
	return err.Error()
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
