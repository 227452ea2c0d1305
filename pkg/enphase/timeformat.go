package enphase

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/raterudder/enlighten/pkg/types"
)

// TimeFormat is the wire representation of times sent to and received from
// the API.
type TimeFormat int

const (
	// VendorNative is the API default. Fields with "_date" in their name are
	// calendar dates and everything else is epoch seconds.
	VendorNative TimeFormat = iota
	// ISO8601 sends and receives RFC 3339 timestamps.
	ISO8601
	// EpochSeconds sends and receives unix timestamps for every field.
	EpochSeconds
)

// String returns the value sent as the datetime_format parameter.
func (f TimeFormat) String() string {
	switch f {
	case VendorNative:
		return "enphase"
	case ISO8601:
		return "iso8601"
	case EpochSeconds:
		return "epoch"
	}
	return fmt.Sprintf("TimeFormat(%d)", int(f))
}

// ParseTimeFormat returns the TimeFormat for a datetime_format name.
func ParseTimeFormat(s string) (TimeFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "enphase":
		return VendorNative, nil
	case "iso8601":
		return ISO8601, nil
	case "epoch":
		return EpochSeconds, nil
	}
	return VendorNative, fmt.Errorf("unknown time format: %q", s)
}

// TimeAdapter converts times to and from their wire representation. Calendar
// dates are interpreted in Location.
type TimeAdapter struct {
	Format   TimeFormat
	Location *time.Location
}

func (a TimeAdapter) loc() *time.Location {
	if a.Location == nil {
		return time.Local
	}
	return a.Location
}

// Stringify returns the wire representation of t for the named field.
// Sub-second precision is dropped.
func (a TimeAdapter) Stringify(field string, t time.Time) string {
	t = t.Truncate(time.Second).In(a.loc())
	switch a.Format {
	case VendorNative:
		if types.IsDateColumn(field) {
			return t.Format(types.DateLayout)
		}
		return strconv.FormatInt(t.Unix(), 10)
	case ISO8601:
		return t.Format(time.RFC3339)
	case EpochSeconds:
		return strconv.FormatInt(t.Unix(), 10)
	}
	panic(fmt.Sprintf("unhandled time format %d", a.Format))
}

// Parse converts a wire value for the named field into a time. Values are
// decoded JSON so numbers arrive as float64 or json.Number.
func (a TimeAdapter) Parse(field string, v any) (time.Time, error) {
	switch a.Format {
	case VendorNative:
		if types.IsDateColumn(field) {
			if s, ok := v.(string); ok {
				return a.parseString(s)
			}
		}
		return a.parseEpoch(v)
	case ISO8601:
		if s, ok := v.(string); ok {
			return a.parseString(s)
		}
		// the api falls back to epoch for some fields even when asked for
		// iso8601
		return a.parseEpoch(v)
	case EpochSeconds:
		return a.parseEpoch(v)
	}
	panic(fmt.Sprintf("unhandled time format %d", a.Format))
}

func (a TimeAdapter) parseEpoch(v any) (time.Time, error) {
	var secs float64
	switch n := v.(type) {
	case float64:
		secs = n
	case int:
		secs = float64(n)
	case int64:
		secs = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid epoch %q: %w", n, err)
		}
		secs = f
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			// a date or timestamp where a number was expected
			return a.parseString(n)
		}
		secs = f
	case time.Time:
		return n.In(a.loc()), nil
	default:
		return time.Time{}, fmt.Errorf("invalid epoch value of type %T", v)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).In(a.loc()), nil
}

func (a TimeAdapter) parseString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(types.DateLayout, s, a.loc()); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(a.loc()), nil
	}
	// timestamps without an offset are in the client location
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", s, a.loc()); err == nil {
		return t, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return a.parseEpoch(f)
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}

var timePairs = [][2]string{
	{"start_at", "end_at"},
	{"start_date", "end_date"},
}

// Sanitize validates the time parameters against now and returns the
// parameters encoded for the wire. Slices are sent as repeated values.
// no_cache only steers the local cache and is never sent.
func (a TimeAdapter) Sanitize(params Params, now time.Time) (url.Values, error) {
	for _, pair := range timePairs {
		start, sok := params[pair[0]].(time.Time)
		end, eok := params[pair[1]].(time.Time)
		if sok && eok && start.After(end) {
			return nil, &TemporalOrderError{
				StartField: pair[0],
				EndField:   pair[1],
				Start:      start,
				End:        end,
			}
		}
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "no_cache" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make(url.Values, len(params))
	for _, k := range keys {
		switch v := params[k].(type) {
		case time.Time:
			if types.IsTimeColumn(k) && v.After(now) {
				return nil, &FutureTimestampError{Field: k, Value: v, Now: now}
			}
			values.Set(k, a.Stringify(k, v))
		case string:
			values.Set(k, v)
		case []string:
			for _, s := range v {
				values.Add(k, s)
			}
		case nil:
		default:
			values.Set(k, fmt.Sprint(v))
		}
	}
	return values, nil
}
