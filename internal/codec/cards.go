package codec

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/vitaminmoo/turnstile-tool/internal/model"
)

// ReqParam is the single query parameter every CGI endpoint reads. Its value
// is a positional list, not a real query string.
const ReqParam = "req"

const (
	cardOpWrite   = "1"
	cardFlagOn    = "1"
	cardFieldSep  = "+"
	maxCodeDigits = 10
)

// EncodingError reports a field that violates the device's limits.
// It is always produced before anything is sent to the device.
type EncodingError struct {
	Field  string
	Value  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("cannot encode %s %q: %s", e.Field, e.Value, e.Reason)
}

// ValidateCode checks a credential code against the controller's constraint:
// 1-10 decimal digits whose value fits in 32 bits.
func ValidateCode(code string) (uint32, error) {
	if code == "" {
		return 0, &EncodingError{Field: "code", Value: code, Reason: "empty"}
	}
	if len(code) > maxCodeDigits {
		return 0, &EncodingError{Field: "code", Value: code, Reason: fmt.Sprintf("longer than %d digits", maxCodeDigits)}
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return 0, &EncodingError{Field: "code", Value: code, Reason: "must be decimal digits"}
		}
	}
	n, err := strconv.ParseUint(code, 10, 64)
	if err != nil || n > math.MaxUint32 {
		return 0, &EncodingError{Field: "code", Value: code, Reason: "exceeds 32-bit card number"}
	}
	return uint32(n), nil
}

// EncodeCardWrite builds the card_edit parameters for one record.
//
// Wire layout of req (fields joined by '+'):
//
//	field 0: operation (1 = write)
//	field 1: enabled flag (1)
//	field 2: card code, decimal
//
// Only active cards are ever written; an inactive record is an encoding error.
func EncodeCardWrite(card model.CardRecord) (url.Values, error) {
	code := strings.TrimSpace(card.Code)
	if _, err := ValidateCode(code); err != nil {
		return nil, err
	}
	if !card.Active {
		return nil, &EncodingError{Field: "active", Value: "false", Reason: "inactive cards are not written"}
	}

	v := url.Values{}
	v.Set(ReqParam, strings.Join([]string{cardOpWrite, cardFlagOn, code}, cardFieldSep))
	return v, nil
}

// DecodeCardWrite parses card_edit parameters back into a record carrying
// the fields the wire format holds (code and active flag).
func DecodeCardWrite(v url.Values) (model.CardRecord, error) {
	req := v.Get(ReqParam)
	parts := strings.Split(req, cardFieldSep)
	if len(parts) != 3 {
		return model.CardRecord{}, fmt.Errorf("card write: expected 3 fields, got %d in %q", len(parts), req)
	}
	if parts[0] != cardOpWrite {
		return model.CardRecord{}, fmt.Errorf("card write: unknown operation %q", parts[0])
	}
	if _, err := ValidateCode(parts[2]); err != nil {
		return model.CardRecord{}, err
	}
	return model.CardRecord{
		Code:   parts[2],
		Active: parts[1] == cardFlagOn,
	}, nil
}

// EncodeClearAll builds the parameters for wiping card memory.
func EncodeClearAll() url.Values {
	v := url.Values{}
	v.Set(ReqParam, "0")
	return v
}
