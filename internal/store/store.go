// Package store defines the persistence contract for backlog entries.
// By depending on an interface, the aggregator and scheduler are agnostic to
// whether the backlog lives in an embedded SQLite file or a MongoDB collection,
// and tests can substitute a mock.
package store

import (
	"context"
	"errors"

	"github.com/dhtscout/metadl/internal/backlog"
)

// ErrNoWork is returned by ClaimNext when no unclaimed entry exists.
var ErrNoWork = errors.New("no unclaimed backlog entry")

// ErrUnavailable wraps connectivity and I/O failures of a backend. Callers
// treat it as transient: the scheduler retries on its next tick instead of
// crashing.
var ErrUnavailable = errors.New("store unavailable")

// Store is the contract every backend must satisfy.
type Store interface {
	// InitSchema creates the storage schema (tables, indexes, collections)
	// if it does not already exist.
	InitSchema(ctx context.Context) error

	// RecordSightings folds a batch of deduplicated sightings into the
	// backlog. New fingerprints become unclaimed entries; existing entries
	// get their occurrence count and last-seen timestamp raised, never
	// lowered. It returns how many entries were created and updated.
	RecordSightings(ctx context.Context, sightings []backlog.Sighting) (created, updated int, err error)

	// ClaimNext atomically selects the unclaimed entry with the highest
	// occurrence count (ties broken by fingerprint order), marks it claimed
	// and returns it. Two concurrent callers never receive the same entry.
	// Returns ErrNoWork when the backlog has no unclaimed entries.
	ClaimNext(ctx context.Context) (*backlog.Entry, error)

	// RecordOutcome writes the terminal state of a fetch attempt. It reports
	// whether a matching entry was found. A repeated write for the same
	// fingerprint overwrites; it must never corrupt other entries.
	RecordOutcome(ctx context.Context, rec backlog.OutcomeRecord) (bool, error)

	// Close releases the backend connection.
	Close() error
}

// NoOpStore discards everything. It is useful for dry runs where the
// scheduler wiring should be exercised without a database.
type NoOpStore struct{}

// InitSchema does nothing.
func (NoOpStore) InitSchema(_ context.Context) error { return nil }

// RecordSightings discards the batch and reports zero changes.
func (NoOpStore) RecordSightings(_ context.Context, _ []backlog.Sighting) (int, int, error) {
	return 0, 0, nil
}

// ClaimNext always reports an empty backlog.
func (NoOpStore) ClaimNext(_ context.Context) (*backlog.Entry, error) { return nil, ErrNoWork }

// RecordOutcome discards the record.
func (NoOpStore) RecordOutcome(_ context.Context, _ backlog.OutcomeRecord) (bool, error) {
	return true, nil
}

// Close does nothing.
func (NoOpStore) Close() error { return nil }
