package server

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/enlighten/pkg/enphase"
	"github.com/raterudder/enlighten/pkg/types"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Table(ctx context.Context, q enphase.Query) (*types.Table, error) {
	args := m.Called(ctx, q)
	if len(args) > 0 {
		tbl, _ := args.Get(0).(*types.Table)
		return tbl, args.Error(1)
	}
	return nil, nil
}
