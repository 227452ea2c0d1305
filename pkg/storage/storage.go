package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raterudder/enlighten/pkg/types"
)

// ErrMissingPartition is returned when a row is missing the column used to
// partition it.
var ErrMissingPartition = errors.New("row is missing its partition column")

// Database persists API results. Rows are append only: inserting a row that
// is identical to one already stored for the same partition is a no-op.
type Database interface {
	// Summary rows are partitioned by the date they were requested for.
	GetSummary(ctx context.Context, systemID, date string) ([]types.Record, error)
	InsertSummary(ctx context.Context, systemID, date string, rows []types.Record) error

	// Stats rows are partitioned by their end_at. GetStats returns rows with
	// start < end_at <= end ordered by end_at, matching intervals that fall
	// inside the window.
	GetStats(ctx context.Context, systemID string, start, end time.Time) ([]types.Record, error)
	InsertStats(ctx context.Context, systemID string, rows []types.Record) error

	// Completeness is tracked per calendar day. from and to are inclusive
	// YYYY-MM-DD dates. A full mark is never downgraded.
	GetCompleteness(ctx context.Context, systemID, from, to string) (map[string]types.Completeness, error)
	MarkCompleteness(ctx context.Context, mark types.CompletenessMark) error

	// Envoy rows are partitioned by serial number.
	GetEnvoys(ctx context.Context, systemID string) ([]types.Record, error)
	InsertEnvoys(ctx context.Context, systemID string, rows []types.Record) error

	// Lifecycle
	Close() error
}

// encodeRow returns the json stored for a row and the hash identifying it.
// Times are stored as RFC 3339 strings.
func encodeRow(row types.Record) (string, string, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal row: %w", err)
	}
	sum := sha256.Sum256([]byte(row.Key()))
	return string(b), hex.EncodeToString(sum[:]), nil
}

func decodeRow(data string) (types.Record, error) {
	var row types.Record
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal row: %w", err)
	}
	return row, nil
}

// statsEndAt returns the end_at of a stats row.
func statsEndAt(row types.Record) (time.Time, error) {
	switch v := row["end_at"].(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid end_at %q: %w", v, err)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("stats end_at: %w", ErrMissingPartition)
}

// envoySerial returns the serial number of an envoy row.
func envoySerial(row types.Record) string {
	switch v := row["serial_number"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
