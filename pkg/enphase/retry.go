package enphase

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/raterudder/enlighten/pkg/log"
)

const (
	// DefaultMaxWait is the longest we will sleep for a rate limit window.
	DefaultMaxWait = 60 * time.Second
	// rateLimitGuard is added to every rate limit sleep so clock skew does not
	// land us back inside the same window.
	rateLimitGuard = time.Second
	// maxRateLimitSleeps bounds the number of rate limit sleeps within one
	// logical call.
	maxRateLimitSleeps = 5
)

const (
	reasonDateParse    = "Failed to parse date"
	reasonInvalidRange = "Requested date range is invalid for this system"
)

// Doer sends a single HTTP request. *http.Client implements it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Policy sends requests to the API and recovers from the error responses
// that have a documented recovery.
type Policy struct {
	client  Doer
	limiter *rate.Limiter

	mu      sync.Mutex
	maxWait time.Duration

	// replaced in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy returns a Policy sending requests with client. A zero maxWait
// uses DefaultMaxWait.
func NewPolicy(client Doer, maxWait time.Duration) *Policy {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Policy{
		client:  client,
		maxWait: maxWait,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// SetMaxWait changes the longest rate limit sleep. It is safe to call while
// requests are in flight.
func (p *Policy) SetMaxWait(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxWait = d
}

// MaxWait returns the longest rate limit sleep.
func (p *Policy) MaxWait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxWait
}

// SetMinInterval paces requests so that at most one is sent per interval.
// Zero disables pacing.
func (p *Policy) SetMinInterval(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d <= 0 {
		p.limiter = nil
		return
	}
	p.limiter = rate.NewLimiter(rate.Every(d), 1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type rateLimitBody struct {
	Reason    string `json:"reason"`
	PeriodEnd any    `json:"period_end"`
}

type unprocessableBody struct {
	Reason       json.RawMessage `json:"reason"`
	Message      json.RawMessage `json:"message"`
	StartAt      any             `json:"start_at"`
	EndAt        any             `json:"end_at"`
	LastInterval any             `json:"last_interval"`
}

// reason returns the human readable reason which the api sends as either a
// string or a list of strings.
func (b unprocessableBody) reason() string {
	var parts []string
	for _, raw := range []json.RawMessage{b.Reason, b.Message} {
		if len(raw) == 0 {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			parts = append(parts, s)
			continue
		}
		var l []string
		if err := json.Unmarshal(raw, &l); err == nil {
			parts = append(parts, l...)
		}
	}
	return strings.Join(parts, "; ")
}

// Do sends a GET for u and returns the response body. Rate limit responses
// are slept through when the window ends within MaxWait and a stale start_at
// is clamped once. Time values in error bodies are parsed with tf.
func (p *Policy) Do(ctx context.Context, command string, u *url.URL, tf TimeAdapter) ([]byte, error) {
	start := time.Now()
	defer func() {
		recordLatency(command, time.Since(start))
	}()

	// copy so the clamp never modifies the caller's url
	cur := *u
	clamped := false
	sleeps := 0
	for {
		p.mu.Lock()
		limiter := p.limiter
		p.mu.Unlock()
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		status, body, err := p.attempt(ctx, &cur)
		if err != nil {
			return nil, err
		}
		recordAttempt(command, status)
		redacted := redactURL(&cur)

		switch {
		case status >= 200 && status < 300:
			log.Ctx(ctx).DebugContext(ctx, "enlighten request success", slog.String("url", redacted), slog.Int("bytes", len(body)))
			return body, nil

		case status == http.StatusConflict:
			var rl rateLimitBody
			if err := json.Unmarshal(body, &rl); err != nil || rl.PeriodEnd == nil {
				return nil, &UnexpectedStatusError{URL: redacted, Status: status, Body: body}
			}
			end, err := tf.Parse("period_end", rl.PeriodEnd)
			if err != nil {
				return nil, &UnexpectedStatusError{URL: redacted, Status: status, Body: body}
			}
			wait := end.Sub(p.now())
			maxWait := p.MaxWait()
			log.Ctx(ctx).InfoContext(ctx, "enlighten rate limited", slog.Time("periodEnd", end), slog.Duration("wait", wait))
			if wait >= maxWait || sleeps >= maxRateLimitSleeps {
				return nil, &RateLimitExceededError{PeriodEnd: end, Wait: wait, MaxWait: maxWait}
			}
			if wait < 0 {
				wait = 0
			}
			sleeps++
			recordRetry(command, "rate_limit")
			if err := p.sleep(ctx, wait+rateLimitGuard); err != nil {
				return nil, err
			}
			recordWait(wait + rateLimitGuard)
			continue

		case status == http.StatusUnprocessableEntity:
			var ub unprocessableBody
			if err := json.Unmarshal(body, &ub); err != nil {
				return nil, &UnprocessableQueryError{URL: redacted, Body: body}
			}
			reason := ub.reason()
			if strings.Contains(reason, reasonDateParse) {
				log.Ctx(ctx).ErrorContext(ctx, "enlighten failed to parse date", slog.String("url", redacted), slog.String("body", string(body)))
				return nil, &DateParseError{URL: redacted, Reason: reason}
			}
			if strings.Contains(reason, reasonInvalidRange) {
				log.Ctx(ctx).ErrorContext(ctx, "enlighten invalid date range", slog.String("url", redacted), slog.String("body", string(body)))
				return nil, &InvalidDateRangeError{URL: redacted, Reason: reason}
			}
			if !clamped && ub.StartAt != nil && ub.LastInterval != nil {
				startAt, serr := tf.Parse("start_at", ub.StartAt)
				lastInterval, lerr := tf.Parse("last_interval", ub.LastInterval)
				if serr == nil && lerr == nil && startAt.After(lastInterval) {
					newStart := midnight(lastInterval, tf.loc())
					q := cur.Query()
					q.Set("start_at", tf.Stringify("start_at", newStart))
					cur.RawQuery = q.Encode()
					clamped = true
					log.Ctx(ctx).InfoContext(
						ctx,
						"clamping start_at to last interval",
						slog.Time("startAt", startAt),
						slog.Time("lastInterval", lastInterval),
						slog.Time("newStartAt", newStart),
					)
					recordRetry(command, "clamp_start_at")
					continue
				}
			}
			return nil, &UnprocessableQueryError{URL: redacted, Reason: reason, Body: body}

		case status == http.StatusServiceUnavailable:
			log.Ctx(ctx).WarnContext(ctx, "enlighten server overloaded", slog.String("url", redacted))
			return nil, &ServerOverloadedError{URL: redacted, Body: body}

		default:
			log.Ctx(ctx).ErrorContext(ctx, "enlighten unexpected status", slog.Int("status", status), slog.String("url", redacted), slog.String("body", string(body)))
			return nil, &UnexpectedStatusError{URL: redacted, Status: status, Body: body}
		}
	}
}

// attempt sends a single fresh request.
func (p *Policy) attempt(ctx context.Context, u *url.URL) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, &TransportError{URL: redactURL(u), Err: stripURLError(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &TransportError{URL: redactURL(u), Err: err}
	}
	return resp.StatusCode, body, nil
}

// stripURLError drops the *url.Error wrapper, which contains the api key in
// its URL, but keeps the underlying cause.
func stripURLError(err error) error {
	if ue, ok := err.(*url.Error); ok {
		return ue.Err
	}
	return err
}

// midnight returns the start of the day containing t in loc.
func midnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
