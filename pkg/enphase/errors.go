package enphase

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Error classes. Every error returned by this package matches exactly one of
// these with errors.Is.
var (
	// ErrValidation is a caller-input fault detected before any network call.
	// These are never retried.
	ErrValidation = errors.New("invalid query")
	// ErrTransient is a service-side condition the caller may retry later.
	// It is never retried automatically.
	ErrTransient = errors.New("transient service error")
	// ErrRemoteValidation means the API rejected the query.
	ErrRemoteValidation = errors.New("query rejected by api")
	// ErrProtocol means the API responded in a way we did not expect.
	ErrProtocol = errors.New("unexpected api response")
)

// TemporalOrderError is returned when a start parameter is after its end.
type TemporalOrderError struct {
	StartField string
	EndField   string
	Start      time.Time
	End        time.Time
}

func (e *TemporalOrderError) Error() string {
	return fmt.Sprintf("%s (%s) is after %s (%s)", e.StartField, e.Start.Format(time.RFC3339), e.EndField, e.End.Format(time.RFC3339))
}

func (e *TemporalOrderError) Is(target error) bool { return target == ErrValidation }

// FutureTimestampError is returned when a time parameter is in the future.
type FutureTimestampError struct {
	Field string
	Value time.Time
	Now   time.Time
}

func (e *FutureTimestampError) Error() string {
	return fmt.Sprintf("%s (%s) is in the future", e.Field, e.Value.Format(time.RFC3339))
}

func (e *FutureTimestampError) Is(target error) bool { return target == ErrValidation }

// MissingParameterError is returned when a command is missing a required
// parameter.
type MissingParameterError struct {
	Command   string
	Parameter string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("%s requires the %s parameter", e.Command, e.Parameter)
}

func (e *MissingParameterError) Is(target error) bool { return target == ErrValidation }

// UnknownCommandError is returned for a command the API does not have.
type UnknownCommandError struct {
	Command string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command: %q", e.Command)
}

func (e *UnknownCommandError) Is(target error) bool { return target == ErrValidation }

// RateLimitExceededError is returned when the API asks us to wait longer than
// the configured maximum.
type RateLimitExceededError struct {
	PeriodEnd time.Time
	Wait      time.Duration
	MaxWait   time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limited until %s (wait %s exceeds max %s)", e.PeriodEnd.Format(time.RFC3339), e.Wait.Round(time.Second), e.MaxWait)
}

func (e *RateLimitExceededError) Is(target error) bool { return target == ErrTransient }

// ServerOverloadedError is returned when the API reports too many concurrent
// requests. The API gives no hint on when to retry.
type ServerOverloadedError struct {
	URL  string
	Body []byte
}

func (e *ServerOverloadedError) Error() string {
	return fmt.Sprintf("server overloaded (%s)", e.URL)
}

func (e *ServerOverloadedError) Is(target error) bool { return target == ErrTransient }

// DateParseError is returned when the API failed to parse a date parameter.
type DateParseError struct {
	URL    string
	Reason string
}

func (e *DateParseError) Error() string {
	return fmt.Sprintf("api failed to parse date: %s (%s)", e.Reason, e.URL)
}

func (e *DateParseError) Is(target error) bool { return target == ErrRemoteValidation }

// InvalidDateRangeError is returned when the requested range is invalid for
// the system.
type InvalidDateRangeError struct {
	URL    string
	Reason string
}

func (e *InvalidDateRangeError) Error() string {
	return fmt.Sprintf("invalid date range for system: %s (%s)", e.Reason, e.URL)
}

func (e *InvalidDateRangeError) Is(target error) bool { return target == ErrRemoteValidation }

// UnprocessableQueryError is any other 422 response.
type UnprocessableQueryError struct {
	URL    string
	Reason string
	Body   []byte
}

func (e *UnprocessableQueryError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unprocessable query (%s): %s", e.URL, e.Body)
	}
	return fmt.Sprintf("unprocessable query: %s (%s)", e.Reason, e.URL)
}

func (e *UnprocessableQueryError) Is(target error) bool { return target == ErrRemoteValidation }

// UnexpectedStatusError is returned for any non-2xx status that has no
// dedicated handling.
type UnexpectedStatusError struct {
	URL    string
	Status int
	Body   []byte
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.Status, e.URL, e.Body)
}

func (e *UnexpectedStatusError) Is(target error) bool { return target == ErrProtocol }

// TransportError is returned when a request could not be sent or its
// response could not be read.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransient }

// DecodeError is returned when a response body cannot be decoded.
type DecodeError struct {
	Command string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s response: %v", e.Command, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrProtocol }

// redactURL removes the credentials from a url so it can be logged and
// returned in errors.
func redactURL(u *url.URL) string {
	c := *u
	q := c.Query()
	changed := false
	for _, k := range []string{"key", "user_id"} {
		if q.Has(k) {
			q.Set(k, "REDACTED")
			changed = true
		}
	}
	if changed {
		c.RawQuery = q.Encode()
	}
	return c.String()
}
