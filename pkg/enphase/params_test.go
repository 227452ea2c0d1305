package enphase

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	values, err := url.ParseQuery("start_at=2024-05-14&end_at=2024-05-14T18:00:00Z&no_cache=true&status=normal&reference=a&reference=b")
	require.NoError(t, err)

	params, err := ParseParams(values, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC), params["start_at"])
	assert.True(t, time.Date(2024, 5, 14, 18, 0, 0, 0, time.UTC).Equal(params["end_at"].(time.Time)))
	assert.Equal(t, true, params["no_cache"])
	assert.Equal(t, "normal", params["status"])
	assert.Equal(t, []string{"a", "b"}, params["reference"])

	_, err = ParseParams(url.Values{"no_cache": {"maybe"}}, time.UTC)
	assert.ErrorContains(t, err, "no_cache")
	_, err = ParseParams(url.Values{"summary_date": {"yesterday"}}, time.UTC)
	assert.ErrorContains(t, err, "summary_date")
}

func TestParseTime(t *testing.T) {
	got, err := ParseTime("2024-05-14", time.UTC)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC).Equal(got))

	got, err = ParseTime("1715644800", time.UTC)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC).Equal(got))

	got, err = ParseTime("2024-05-14T02:00:00-05:00", time.UTC)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 5, 14, 7, 0, 0, 0, time.UTC).Equal(got))

	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	got, err = ParseTime("2024-05-14", chicago)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 5, 14, 5, 0, 0, 0, time.UTC).Equal(got))

	_, err = ParseTime("May 14", time.UTC)
	assert.Error(t, err)
}
