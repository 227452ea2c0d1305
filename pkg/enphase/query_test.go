package enphase

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/enlighten/pkg/types"
)

func TestBuildIndexFilters(t *testing.T) {
	t.Run("Single", func(t *testing.T) {
		q, err := Build("", CommandIndex, Params{"status": "normal", "next": "x"})
		require.NoError(t, err)
		assert.Equal(t, Params{"status": "normal", "next": "x"}, q.Params)
	})

	t.Run("Multiple", func(t *testing.T) {
		q, err := Build("", CommandIndex, Params{"system_id": "x", "status": "y", "next": "z"})
		require.NoError(t, err)
		assert.Equal(t, Params{"system_id[]": "x", "status[]": "y", "next": "z"}, q.Params)
	})

	t.Run("DoesNotMutate", func(t *testing.T) {
		in := Params{"system_id": "x", "reference": "y"}
		_, err := Build("", "", in)
		require.NoError(t, err)
		assert.Equal(t, Params{"system_id": "x", "reference": "y"}, in)
	})
}

func TestBuildValidation(t *testing.T) {
	_, err := Build("1", CommandMonthlyProduction, nil)
	var mpe *MissingParameterError
	require.True(t, errors.As(err, &mpe), "got %v", err)
	assert.Equal(t, "start_date", mpe.Parameter)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = Build("1", "production_meter_readings", nil)
	var uce *UnknownCommandError
	assert.True(t, errors.As(err, &uce))

	for _, cmd := range Commands {
		params := Params{}
		if cmd == CommandMonthlyProduction {
			params["start_date"] = time.Now().AddDate(0, -1, 0)
		}
		_, err := Build("1", cmd, params)
		assert.NoError(t, err, cmd)
	}
}

func TestQueryURL(t *testing.T) {
	now := time.Date(2024, 5, 17, 12, 0, 0, 0, time.UTC)
	cred := types.Credential{UserID: "u1", APIKey: "k1"}
	tf := TimeAdapter{Format: VendorNative, Location: time.UTC}

	q, err := Build("42", CommandStats, Params{"start_at": now.Add(-time.Hour)})
	require.NoError(t, err)
	u, err := q.URL("https://api.example.com/api/v2", cred, tf, now)
	require.NoError(t, err)
	assert.Equal(t, "/api/v2/systems/42/stats", u.Path)
	assert.Equal(t, "k1", u.Query().Get("key"))
	assert.Equal(t, "u1", u.Query().Get("user_id"))
	assert.Equal(t, "1715943600", u.Query().Get("start_at"))
	assert.False(t, u.Query().Has("datetime_format"))

	q, err = Build("", "", nil)
	require.NoError(t, err)
	tf.Format = ISO8601
	u, err = q.URL("https://api.example.com/api/v2", cred, tf, now)
	require.NoError(t, err)
	assert.Equal(t, "/api/v2/systems", u.Path)
	assert.Equal(t, "iso8601", u.Query().Get("datetime_format"))

	q, err = Build("42", CommandSummary, Params{"summary_date": now.Add(48 * time.Hour)})
	require.NoError(t, err)
	_, err = q.URL("https://api.example.com/api/v2", cred, tf, now)
	assert.ErrorIs(t, err, ErrValidation)
}
