package enphase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)

type recordedSleeps struct {
	sleeps []time.Duration
}

func newTestPolicy(t *testing.T, srv *httptest.Server) (*Policy, *recordedSleeps) {
	t.Helper()
	p := NewPolicy(srv.Client(), 60*time.Second)
	rec := &recordedSleeps{}
	p.now = func() time.Time { return testNow }
	p.sleep = func(ctx context.Context, d time.Duration) error {
		rec.sleeps = append(rec.sleeps, d)
		return ctx.Err()
	}
	return p, rec
}

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func TestPolicyRateLimit(t *testing.T) {
	t.Run("SleepsWithinMaxWait", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusConflict)
				fmt.Fprintf(w, `{"reason":"Usage limit exceeded for plan Watt","period_end":%d}`, testNow.Add(5*time.Second).Unix())
				return
			}
			fmt.Fprint(w, `{"ok":true}`)
		}))
		defer srv.Close()

		p, rec := newTestPolicy(t, srv)
		body, err := p.Do(context.Background(), CommandStats, mustURL(t, srv.URL+"/systems/1/stats"), utcAdapter)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(body))
		assert.Equal(t, int32(2), calls.Load())
		assert.Equal(t, []time.Duration{6 * time.Second}, rec.sleeps)
	})

	t.Run("FailsBeyondMaxWait", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusConflict)
			fmt.Fprintf(w, `{"reason":"Usage limit exceeded","period_end":%d}`, testNow.Add(120*time.Second).Unix())
		}))
		defer srv.Close()

		p, rec := newTestPolicy(t, srv)
		_, err := p.Do(context.Background(), CommandStats, mustURL(t, srv.URL), utcAdapter)
		var rle *RateLimitExceededError
		require.True(t, errors.As(err, &rle), "got %v", err)
		assert.Equal(t, 120*time.Second, rle.Wait)
		assert.ErrorIs(t, err, ErrTransient)
		assert.Empty(t, rec.sleeps)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("SetMaxWait", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusConflict)
				fmt.Fprintf(w, `{"period_end":%d}`, testNow.Add(90*time.Second).Unix())
				return
			}
			fmt.Fprint(w, `{}`)
		}))
		defer srv.Close()

		p, rec := newTestPolicy(t, srv)
		p.SetMaxWait(2 * time.Minute)
		assert.Equal(t, 2*time.Minute, p.MaxWait())
		_, err := p.Do(context.Background(), CommandStats, mustURL(t, srv.URL), utcAdapter)
		require.NoError(t, err)
		assert.Equal(t, []time.Duration{91 * time.Second}, rec.sleeps)
	})

	t.Run("CanceledSleep", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprintf(w, `{"period_end":%d}`, testNow.Add(5*time.Second).Unix())
		}))
		defer srv.Close()

		p, _ := newTestPolicy(t, srv)
		p.sleep = sleepContext
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()
		_, err := p.Do(ctx, CommandStats, mustURL(t, srv.URL), utcAdapter)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestPolicyUnprocessable(t *testing.T) {
	lastInterval := time.Date(2024, 5, 15, 18, 35, 0, 0, time.UTC)
	staleStart := time.Date(2024, 5, 16, 0, 0, 0, 0, time.UTC)

	t.Run("ClampsStartAt", func(t *testing.T) {
		var starts []string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			starts = append(starts, r.URL.Query().Get("start_at"))
			if len(starts) == 1 {
				w.WriteHeader(http.StatusUnprocessableEntity)
				fmt.Fprintf(w, `{"reason":"Requested start_at is after the last interval","start_at":%d,"end_at":%d,"last_interval":%d}`,
					staleStart.Unix(), testNow.Unix(), lastInterval.Unix())
				return
			}
			fmt.Fprint(w, `{"intervals":[]}`)
		}))
		defer srv.Close()

		p, _ := newTestPolicy(t, srv)
		u := mustURL(t, fmt.Sprintf("%s/systems/1/stats?start_at=%d&key=secret", srv.URL, staleStart.Unix()))
		_, err := p.Do(context.Background(), CommandStats, u, utcAdapter)
		require.NoError(t, err)
		require.Len(t, starts, 2)
		assert.Equal(t, fmt.Sprint(time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC).Unix()), starts[1])
		assert.Equal(t, fmt.Sprint(staleStart.Unix()), u.Query().Get("start_at"), "caller url should not change")
	})

	t.Run("ClampsOnce", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprintf(w, `{"reason":"stale","start_at":%d,"last_interval":%d}`, staleStart.Unix(), lastInterval.Unix())
		}))
		defer srv.Close()

		p, _ := newTestPolicy(t, srv)
		_, err := p.Do(context.Background(), CommandStats, mustURL(t, srv.URL+"?key=secret"), utcAdapter)
		var uqe *UnprocessableQueryError
		require.True(t, errors.As(err, &uqe), "got %v", err)
		assert.Equal(t, int32(2), calls.Load())
		assert.NotContains(t, uqe.URL, "secret")
		assert.ErrorIs(t, err, ErrRemoteValidation)
	})

	t.Run("Terminal", func(t *testing.T) {
		for name, tc := range map[string]struct {
			body   string
			target any
		}{
			"DateParse":    {`{"reason":"Failed to parse date \"x\""}`, new(*DateParseError)},
			"InvalidRange": {`{"reason":["Requested date range is invalid for this system"]}`, new(*InvalidDateRangeError)},
			"Other":        {`{"reason":"something else"}`, new(*UnprocessableQueryError)},
			"NotJSON":      {`<html>`, new(*UnprocessableQueryError)},
		} {
			t.Run(name, func(t *testing.T) {
				var calls atomic.Int32
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					calls.Add(1)
					w.WriteHeader(http.StatusUnprocessableEntity)
					fmt.Fprint(w, tc.body)
				}))
				defer srv.Close()

				p, _ := newTestPolicy(t, srv)
				_, err := p.Do(context.Background(), CommandStats, mustURL(t, srv.URL), utcAdapter)
				require.Error(t, err)
				assert.True(t, errors.As(err, tc.target), "got %T", err)
				assert.ErrorIs(t, err, ErrRemoteValidation)
				assert.Equal(t, int32(1), calls.Load())
			})
		}
	})
}

func TestPolicyStatuses(t *testing.T) {
	t.Run("Overloaded", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		p, rec := newTestPolicy(t, srv)
		_, err := p.Do(context.Background(), CommandSummary, mustURL(t, srv.URL), utcAdapter)
		var soe *ServerOverloadedError
		require.True(t, errors.As(err, &soe), "got %v", err)
		assert.ErrorIs(t, err, ErrTransient)
		assert.Empty(t, rec.sleeps)
	})

	t.Run("Unexpected", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"reason":"Not authorized"}`)
		}))
		defer srv.Close()

		p, _ := newTestPolicy(t, srv)
		_, err := p.Do(context.Background(), CommandSummary, mustURL(t, srv.URL+"/systems?key=secret&user_id=owner1"), utcAdapter)
		var use *UnexpectedStatusError
		require.True(t, errors.As(err, &use), "got %v", err)
		assert.Equal(t, http.StatusUnauthorized, use.Status)
		assert.JSONEq(t, `{"reason":"Not authorized"}`, string(use.Body))
		assert.Contains(t, use.URL, "/systems")
		assert.NotContains(t, use.URL, "secret")
		assert.NotContains(t, use.URL, "owner1")
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("Transport", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		p, _ := newTestPolicy(t, srv)
		srv.Close()

		_, err := p.Do(context.Background(), CommandSummary, mustURL(t, srv.URL+"?key=secret"), utcAdapter)
		var te *TransportError
		require.True(t, errors.As(err, &te), "got %v", err)
		assert.NotContains(t, err.Error(), "secret")
		assert.ErrorIs(t, err, ErrTransient)
	})
}

func TestPolicyMinInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	p, _ := newTestPolicy(t, srv)
	p.SetMinInterval(100 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := p.Do(context.Background(), CommandSummary, mustURL(t, srv.URL), utcAdapter)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
