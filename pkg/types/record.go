package types

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Credential identifies the caller to the Enlighten API. It is sent on every
// request as the key and user_id query parameters.
type Credential struct {
	UserID string `json:"userID"`
	APIKey string `json:"apiKey"`
}

// Record is a single flattened row of an API response. Keys are column names
// and nested objects are flattened with a "." separator.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Key returns a canonical encoding of the full row which is used to
// deduplicate rows. Times are normalized to UTC so the same instant in
// different locations produces the same key.
func (r Record) Key() string {
	norm := make(map[string]any, len(r))
	for k, v := range r {
		if t, ok := v.(time.Time); ok {
			v = t.UTC().Format(time.RFC3339Nano)
		}
		norm[k] = v
	}
	// encoding/json sorts map keys so the output is stable
	b, err := json.Marshal(norm)
	if err != nil {
		return ""
	}
	return string(b)
}

// Time returns the value of the column as a time if it is one.
func (r Record) Time(col string) (time.Time, bool) {
	t, ok := r[col].(time.Time)
	return t, ok
}

// Table is the tabular projection of a response. Index names the columns that
// identify a row; every row still carries those columns.
type Table struct {
	Index []string `json:"index"`
	Rows  []Record `json:"rows"`
}

// Columns returns the sorted union of all column names in the table.
func (t *Table) Columns() []string {
	seen := make(map[string]bool)
	var cols []string
	for _, row := range t.Rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// IsTimeColumn reports whether a column carries a time value on the wire.
// The Enlighten API marks these with an "_at" or "_date" in the name.
func IsTimeColumn(name string) bool {
	return strings.Contains(name, "_at") || strings.Contains(name, "_date")
}

// IsDateColumn reports whether a time column is a calendar date rather than
// an instant.
func IsDateColumn(name string) bool {
	return strings.Contains(name, "_date")
}

// Completeness records whether the cached stats for a day cover the entire
// day.
type Completeness string

const (
	// CompletenessPartial means the day was fetched before it ended and may
	// still be accumulating intervals.
	CompletenessPartial Completeness = "partial"
	// CompletenessFull means the day was fetched after it ended.
	CompletenessFull Completeness = "full"
)

// CompletenessMark is the per-day bookkeeping for the stats cache.
type CompletenessMark struct {
	SystemID string       `json:"systemID"`
	Date     string       `json:"date"` // YYYY-MM-DD in the client location
	Status   Completeness `json:"status"`
}

// DateLayout is the layout used for calendar dates on the wire and in the
// cache.
const DateLayout = "2006-01-02"
