package store

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dhtscout/metadl/internal/backlog"
)

// MockStore is a testify mock implementation of the Store interface.
type MockStore struct {
	mock.Mock
}

// InitSchema is the mock implementation of the InitSchema method.
func (m *MockStore) InitSchema(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// RecordSightings is the mock implementation of the RecordSightings method.
func (m *MockStore) RecordSightings(ctx context.Context, sightings []backlog.Sighting) (int, int, error) {
	args := m.Called(ctx, sightings)
	return args.Int(0), args.Int(1), args.Error(2)
}

// ClaimNext is the mock implementation of the ClaimNext method.
func (m *MockStore) ClaimNext(ctx context.Context) (*backlog.Entry, error) {
	args := m.Called(ctx)
	if entry, ok := args.Get(0).(*backlog.Entry); ok {
		return entry, args.Error(1)
	}
	return nil, args.Error(1)
}

// RecordOutcome is the mock implementation of the RecordOutcome method.
func (m *MockStore) RecordOutcome(ctx context.Context, rec backlog.OutcomeRecord) (bool, error) {
	args := m.Called(ctx, rec)
	return args.Bool(0), args.Error(1)
}

// Close is the mock implementation of the Close method.
func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0) //nolint:wrapcheck
}
