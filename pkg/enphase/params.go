package enphase

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/raterudder/enlighten/pkg/types"
)

// ParseParams converts string values, such as a query string, into Params.
// Time columns become times, "no_cache" becomes a bool and repeated values
// stay a slice.
func ParseParams(values url.Values, loc *time.Location) (Params, error) {
	params := Params{}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		switch {
		case key == "no_cache":
			b, err := strconv.ParseBool(vals[0])
			if err != nil {
				return nil, fmt.Errorf("invalid no_cache: %w", err)
			}
			params[key] = b
		case types.IsTimeColumn(key):
			t, err := ParseTime(vals[0], loc)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			params[key] = t
		case len(vals) == 1:
			params[key] = vals[0]
		default:
			params[key] = vals
		}
	}
	return params, nil
}

// ParseTime accepts an RFC 3339 timestamp, a date in loc or epoch seconds.
func ParseTime(v string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(loc), nil
	}
	if t, err := time.ParseInLocation(types.DateLayout, v, loc); err == nil {
		return t, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(n, 0).In(loc), nil
	}
	return time.Time{}, fmt.Errorf("%q is not a date, timestamp or epoch", v)
}
