package stream

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Strob0t/LiveAuction/internal/domain"
	"github.com/Strob0t/LiveAuction/internal/domain/auction"
)

// Row is a decoded raw record. Keys are lower-cased so that AUCTION_ID,
// Auction_Id and auction_id address the same column.
type Row map[string]json.RawMessage

// timeLayouts are tried in order for string timestamps. Zone-less layouts are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// DecodeRow parses a raw JSON object into a Row.
func DecodeRow(data []byte) (Row, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedRecord, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not a JSON object", domain.ErrMalformedRecord)
	}
	row := make(Row, len(fields))
	for k, v := range fields {
		row[strings.ToLower(k)] = v
	}
	return row, nil
}

func (r Row) raw(key string) (json.RawMessage, bool) {
	v, ok := r[key]
	if !ok || isNull(v) {
		return nil, false
	}
	return v, true
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func missing(key string) error {
	return fmt.Errorf("%w: missing %s", domain.ErrMalformedRecord, key)
}

func invalid(key string, err error) error {
	return fmt.Errorf("%w: invalid %s: %v", domain.ErrMalformedRecord, key, err)
}

// String returns a required string column.
func (r Row) String(key string) (string, error) {
	v, ok := r.raw(key)
	if !ok {
		return "", missing(key)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", invalid(key, err)
	}
	return s, nil
}

// OptionalString returns a string column or "" when absent or null.
func (r Row) OptionalString(key string) (string, error) {
	if _, ok := r.raw(key); !ok {
		return "", nil
	}
	return r.String(key)
}

// Bool returns a required boolean column.
func (r Row) Bool(key string) (bool, error) {
	v, ok := r.raw(key)
	if !ok {
		return false, missing(key)
	}
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		return false, invalid(key, err)
	}
	return b, nil
}

// Int returns a required integer column.
func (r Row) Int(key string) (int64, error) {
	v, ok := r.raw(key)
	if !ok {
		return 0, missing(key)
	}
	n, err := strconv.ParseInt(string(bytes.Trim(v, `" `)), 10, 64)
	if err != nil {
		return 0, invalid(key, err)
	}
	return n, nil
}

// Amount returns a required decimal column. Both JSON numbers and numeric strings are accepted.
func (r Row) Amount(key string) (auction.Amount, error) {
	v, ok := r.raw(key)
	if !ok {
		return auction.Amount{}, missing(key)
	}
	a, err := auction.ParseAmount(string(bytes.Trim(v, `" `)))
	if err != nil {
		return auction.Amount{}, invalid(key, err)
	}
	return a, nil
}

// Time returns a required timestamp column. Strings are parsed as ISO-8601;
// numbers are read as Unix milliseconds, the log's native row time.
func (r Row) Time(key string) (time.Time, error) {
	v, ok := r.raw(key)
	if !ok {
		return time.Time{}, missing(key)
	}
	if v[0] != '"' {
		ms, err := strconv.ParseInt(string(bytes.TrimSpace(v)), 10, 64)
		if err != nil {
			return time.Time{}, invalid(key, err)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return time.Time{}, invalid(key, err)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, invalid(key, fmt.Errorf("unrecognised timestamp %q", s))
}

// OptionalTime returns a timestamp column or the zero time when absent or null.
func (r Row) OptionalTime(key string) (time.Time, error) {
	if _, ok := r.raw(key); !ok {
		return time.Time{}, nil
	}
	return r.Time(key)
}
