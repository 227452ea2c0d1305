package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordKey(t *testing.T) {
	chicago, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	a := Record{"system_id": 1.0, "end_at": ts, "enwh": 12.0}
	b := Record{"enwh": 12.0, "end_at": ts.In(chicago), "system_id": 1.0}
	assert.Equal(t, a.Key(), b.Key(), "same instant in another zone should dedupe")

	c := Record{"system_id": 1.0, "end_at": ts, "enwh": 13.0}
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestTableColumns(t *testing.T) {
	tbl := &Table{
		Index: []string{"system_id"},
		Rows: []Record{
			{"system_id": 1.0, "b": 1},
			{"system_id": 2.0, "a": 1},
		},
	}
	assert.Equal(t, []string{"a", "b", "system_id"}, tbl.Columns())
	assert.Equal(t, 2, tbl.Len())

	var empty *Table
	assert.Equal(t, 0, empty.Len())
}

func TestTimeColumns(t *testing.T) {
	assert.True(t, IsTimeColumn("end_at"))
	assert.True(t, IsTimeColumn("summary_date"))
	assert.True(t, IsTimeColumn("last_report_at"))
	assert.False(t, IsTimeColumn("energy_today"))
	assert.True(t, IsDateColumn("start_date"))
	assert.False(t, IsDateColumn("start_at"))
}
