// Package gateway abstracts the metadata exchange behind a narrow fetch
// interface. The scheduler only ever starts a fetch, awaits its metadata,
// grabs the artifact bytes and stops it; everything about peer discovery and
// the wire protocol lives behind this boundary.
package gateway

import (
	"context"
	"time"
)

// Metadata is the descriptive result of a completed exchange.
type Metadata struct {
	Name    string
	Length  int64
	Comment string
}

// Fetch is one in-flight metadata exchange.
type Fetch interface {
	// Await blocks until metadata is available or ctx is done. There is no
	// internal deadline: the exchange is bounded only by cancellation.
	Await(ctx context.Context) (*Metadata, error)

	// Artifact returns the raw bytes of the fetched descriptor, suitable
	// for writing as an artifact copy. Only valid after Await succeeded.
	Artifact() ([]byte, error)

	// Stop halts the exchange and releases every resource held for it,
	// waiting at most timeout. Safe to call after cancellation.
	Stop(timeout time.Duration) error
}

// Gateway starts fetches for fingerprints.
type Gateway interface {
	// Begin resolves the fingerprint to a fetchable resource and starts
	// the exchange. The returned Fetch is live until stopped.
	Begin(ctx context.Context, fingerprint string) (Fetch, error)

	// Close releases gateway-wide resources. In-flight fetches should be
	// stopped first.
	Close() error
}
