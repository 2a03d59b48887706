// Package backlog defines the persistent work items tracked by the downloader.
// A backlog entry records how often a fingerprint has been sighted and where it
// is in the fetch lifecycle. These types are shared by the ingestion pipeline,
// the store adapters and the scheduler; only the store adapters persist them.
package backlog

import "time"

// ClaimState tracks whether an entry has been handed to the scheduler.
// The transition Unclaimed -> Claimed happens at most once and never reverses.
type ClaimState string

const (
	ClaimUnclaimed ClaimState = "unclaimed"
	ClaimClaimed   ClaimState = "claimed"
)

// Outcome is the terminal state of a fetch attempt. An entry stays Pending
// until exactly one terminal value is written for it.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeDownloaded Outcome = "downloaded"
	OutcomeTimedOut   Outcome = "timed_out"
)

// Sighting is one observation of a fingerprint in an external log.
// The pair (Fingerprint, ObservedAt) is the deduplication key: ingesting the
// same pair twice must not raise the occurrence count.
type Sighting struct {
	Fingerprint string
	ObservedAt  time.Time
}

// Entry is the central persistent record, keyed by fingerprint.
type Entry struct {
	Fingerprint     string
	OccurrenceCount int
	LastSeenAt      time.Time
	ClaimState      ClaimState
	ClaimedAt       time.Time
	Outcome         Outcome
	ResourceName    string
	ResourceLength  int64
	ResourceComment string
	CompletedAt     time.Time
}

// Claimed reports whether the entry has been claimed by the scheduler.
func (e *Entry) Claimed() bool { return e.ClaimState == ClaimClaimed }

// Terminal reports whether a terminal outcome has been recorded.
func (e *Entry) Terminal() bool { return e.Outcome != OutcomePending }

// OutcomeRecord carries the terminal state of one fetch attempt to the store.
// Resource fields are only meaningful when Outcome is OutcomeDownloaded.
type OutcomeRecord struct {
	Fingerprint     string
	Outcome         Outcome
	ResourceName    string
	ResourceLength  int64
	ResourceComment string
}

// IngestStats summarizes one ingestion batch.
type IngestStats struct {
	Parsed         int
	Skipped        int
	NewEntries     int
	UpdatedEntries int
}
