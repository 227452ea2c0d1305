package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/enlighten/pkg/storage"
	"github.com/raterudder/enlighten/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSummary(ctx context.Context, systemID, date string) ([]types.Record, error) {
	args := m.Called(ctx, systemID, date)
	if len(args) > 0 {
		rows, _ := args.Get(0).([]types.Record)
		return rows, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) InsertSummary(ctx context.Context, systemID, date string, rows []types.Record) error {
	args := m.Called(ctx, systemID, date, rows)
	return args.Error(0)
}

func (m *MockDatabase) GetStats(ctx context.Context, systemID string, start, end time.Time) ([]types.Record, error) {
	args := m.Called(ctx, systemID, start, end)
	if len(args) > 0 {
		rows, _ := args.Get(0).([]types.Record)
		return rows, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) InsertStats(ctx context.Context, systemID string, rows []types.Record) error {
	args := m.Called(ctx, systemID, rows)
	return args.Error(0)
}

func (m *MockDatabase) GetCompleteness(ctx context.Context, systemID, from, to string) (map[string]types.Completeness, error) {
	args := m.Called(ctx, systemID, from, to)
	if len(args) > 0 {
		marks, _ := args.Get(0).(map[string]types.Completeness)
		return marks, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) MarkCompleteness(ctx context.Context, mark types.CompletenessMark) error {
	args := m.Called(ctx, mark)
	return args.Error(0)
}

func (m *MockDatabase) GetEnvoys(ctx context.Context, systemID string) ([]types.Record, error) {
	args := m.Called(ctx, systemID)
	if len(args) > 0 {
		rows, _ := args.Get(0).([]types.Record)
		return rows, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) InsertEnvoys(ctx context.Context, systemID string, rows []types.Record) error {
	args := m.Called(ctx, systemID, rows)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
