package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/enlighten/pkg/cache"
	"github.com/raterudder/enlighten/pkg/enphase"
	"github.com/raterudder/enlighten/pkg/types"
)

var testNow = time.Date(2024, 5, 16, 12, 0, 0, 0, time.UTC)

func newTestServer(src *mockSource) *Server {
	return &Server{
		source:     src,
		loc:        time.UTC,
		serverName: "enlighten/test",
		now:        func() time.Time { return testNow },
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&mockSource{})
	handler := srv.setupHandler()

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "enlighten/test", w.Header().Get("Server"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestSecurityHeadersBehindTLS(t *testing.T) {
	srv := newTestServer(&mockSource{})
	handler := srv.setupHandler()

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, "max-age=63072000; includeSubDomains", w.Header().Get("Strict-Transport-Security"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(&mockSource{})
	handler := srv.setupHandler()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestIndex(t *testing.T) {
	src := &mockSource{}
	src.On("Table", mock.Anything, mock.MatchedBy(func(q enphase.Query) bool {
		return q.Command == enphase.CommandIndex &&
			q.SystemID == "" &&
			q.Params["status[]"] == "normal" &&
			q.Params["system_name[]"] == "Home"
	})).Return(&types.Table{
		Index: []string{"system_id"},
		Rows:  []types.Record{{"system_id": 67.0, "system_name": "Home"}},
	}, nil)

	handler := newTestServer(src).setupHandler()
	req := httptest.NewRequest("GET", "/api/systems?status=normal&system_name=Home", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tbl types.Table
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tbl))
	assert.Equal(t, []string{"system_id"}, tbl.Index)
	require.Len(t, tbl.Rows, 1)
	assert.Equal(t, "Home", tbl.Rows[0]["system_name"])
	src.AssertExpectations(t)
}

func TestStats(t *testing.T) {
	start := time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 5, 14, 18, 0, 0, 0, time.UTC)

	src := &mockSource{}
	src.On("Table", mock.Anything, mock.MatchedBy(func(q enphase.Query) bool {
		return q.Command == enphase.CommandStats &&
			q.SystemID == "67" &&
			start.Equal(q.Params["start_at"].(time.Time)) &&
			end.Equal(q.Params["end_at"].(time.Time)) &&
			q.Params["no_cache"] == true
	})).Return(&types.Table{
		Index: []string{"system_id", "end_at"},
		Rows: []types.Record{
			{"system_id": 67.0, "end_at": start.Add(6 * time.Hour), "enwh": 12.0},
		},
	}, nil)

	handler := newTestServer(src).setupHandler()
	req := httptest.NewRequest("GET", "/api/systems/67/stats?start_at=2024-05-14&end_at=2024-05-14T18:00:00Z&no_cache=1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "private, max-age=86400", w.Header().Get("Cache-Control"))

	var tbl types.Table
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tbl))
	require.Len(t, tbl.Rows, 1)
	assert.Equal(t, "2024-05-14T06:00:00Z", tbl.Rows[0]["end_at"])
	src.AssertExpectations(t)
}

func TestSummaryNotHistorical(t *testing.T) {
	src := &mockSource{}
	src.On("Table", mock.Anything, mock.Anything).Return(&types.Table{}, nil)

	handler := newTestServer(src).setupHandler()
	req := httptest.NewRequest("GET", "/api/systems/67/summary", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "private, max-age=60", w.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"index":null,"rows":[]}`, w.Body.String())
}

func TestPersistErrorStillServes(t *testing.T) {
	src := &mockSource{}
	src.On("Table", mock.Anything, mock.Anything).Return(
		&types.Table{Rows: []types.Record{{"system_id": 67.0}}},
		&cache.PersistError{Command: enphase.CommandSummary, SystemID: "67", Err: errors.New("disk full")},
	)

	handler := newTestServer(src).setupHandler()
	req := httptest.NewRequest("GET", "/api/systems/67/summary", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Warning"), "not cached")
}

func TestBadRequests(t *testing.T) {
	src := &mockSource{}
	handler := newTestServer(src).setupHandler()

	for _, path := range []string{
		"/api/systems/67/bogus",
		"/api/systems/67/monthly_production",
		"/api/systems/67/stats?start_at=yesterday",
		"/api/systems/67/stats?no_cache=maybe",
	} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest("GET", path, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var body struct {
				Error string `json:"error"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
	src.AssertNotCalled(t, "Table", mock.Anything, mock.Anything)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"Validation", &enphase.FutureTimestampError{Field: "end_at", Value: testNow.Add(time.Hour), Now: testNow}, http.StatusBadRequest},
		{"RemoteValidation", &enphase.DateParseError{URL: "u", Reason: "Failed to parse date"}, http.StatusUnprocessableEntity},
		{"RateLimited", &enphase.RateLimitExceededError{Wait: 4200 * time.Millisecond, MaxWait: time.Second}, http.StatusTooManyRequests},
		{"Overloaded", &enphase.ServerOverloadedError{URL: "u"}, http.StatusServiceUnavailable},
		{"Protocol", &enphase.UnexpectedStatusError{URL: "u", Status: http.StatusUnauthorized}, http.StatusBadGateway},
		{"Other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &mockSource{}
			src.On("Table", mock.Anything, mock.Anything).Return(nil, tt.err)

			handler := newTestServer(src).setupHandler()
			req := httptest.NewRequest("GET", "/api/systems/67/summary", nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusTooManyRequests {
				assert.Equal(t, "5", w.Header().Get("Retry-After"))
			}
		})
	}
}
