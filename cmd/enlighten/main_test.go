package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/enlighten/pkg/cache"
	"github.com/raterudder/enlighten/pkg/enphase"
	"github.com/raterudder/enlighten/pkg/storage"
	"github.com/raterudder/enlighten/pkg/types"
)

const summaryBody = `{"system_id":67,"modules":24,"energy_today":1200,"status":"normal","last_report_at":1715860800}`

func newTestOptions(t *testing.T) (getOptions, *int) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/api/v2/systems/67/summary", r.URL.Path)
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		assert.Empty(t, r.URL.Query().Get("no_cache"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(summaryBody))
	}))
	t.Cleanup(srv.Close)

	client, err := enphase.NewClient(enphase.Config{
		BaseURL:    srv.URL + "/api/v2",
		Credential: types.Credential{UserID: "u", APIKey: "k"},
		Location:   time.UTC,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)

	db, err := storage.NewSQLStore(context.Background(), storage.EngineSQLite, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec, err := cache.New(client, db, time.UTC)
	require.NoError(t, err)

	return getOptions{
		client:   client,
		exec:     client,
		source:   rec,
		command:  enphase.CommandSummary,
		systemID: "67",
		output:   "table",
	}, &calls
}

func TestRunGetTable(t *testing.T) {
	opts, calls := newTestOptions(t)

	for i := 0; i < 2; i++ {
		var out bytes.Buffer
		require.NoError(t, runGet(context.Background(), &out, opts))

		var tbl types.Table
		require.NoError(t, json.Unmarshal(out.Bytes(), &tbl))
		require.Len(t, tbl.Rows, 1)
		assert.Equal(t, 1200.0, tbl.Rows[0]["energy_today"])
		assert.Equal(t, "2024-05-16T12:00:00Z", tbl.Rows[0]["last_report_at"])
	}
	// the second run is served from the cache
	assert.Equal(t, 1, *calls)

	opts.noCache = true
	require.NoError(t, runGet(context.Background(), &bytes.Buffer{}, opts))
	assert.Equal(t, 2, *calls)
}

func TestRunGetRaw(t *testing.T) {
	opts, _ := newTestOptions(t)
	opts.output = "raw"
	opts.noCache = true

	var out bytes.Buffer
	require.NoError(t, runGet(context.Background(), &out, opts))
	assert.Equal(t, summaryBody+"\n", out.String())

	opts.output = "json"
	out.Reset()
	require.NoError(t, runGet(context.Background(), &out, opts))
	assert.JSONEq(t, summaryBody, out.String())
}

func TestRunGetInvalid(t *testing.T) {
	opts, calls := newTestOptions(t)

	bad := opts
	bad.output = "xml"
	assert.Error(t, runGet(context.Background(), &bytes.Buffer{}, bad))

	bad = opts
	bad.params = "summary_date=yesterday"
	assert.Error(t, runGet(context.Background(), &bytes.Buffer{}, bad))

	bad = opts
	bad.command = "bogus"
	err := runGet(context.Background(), &bytes.Buffer{}, bad)
	assert.ErrorIs(t, err, enphase.ErrValidation)

	assert.Zero(t, *calls)
}
