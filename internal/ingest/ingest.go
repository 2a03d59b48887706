// Package ingest turns raw sighting logs into deduplicated backlog entries.
//
// A sighting log is line-oriented: field 1 (whitespace-split, zero-indexed)
// carries the observation timestamp and field 4 a quoted fingerprint. Lines
// shorter than the minimum length are header/noise and skipped silently;
// malformed lines are logged and skipped without aborting the batch.
package ingest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dhtscout/metadl/internal/backlog"
	"github.com/dhtscout/metadl/internal/fingerprint"
	"github.com/dhtscout/metadl/internal/store"
)

// minLineLength is the threshold below which a line is treated as non-data.
const minLineLength = 50

// minFields is the number of whitespace-separated fields a data line carries.
const minFields = 5

// timestampLayouts are tried in order when parsing the observation field.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Aggregator parses sighting logs and folds them into the backlog store.
type Aggregator struct {
	store  store.Store
	logger *zap.Logger
}

// New constructs an Aggregator.
func New(st store.Store, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: st, logger: logger}
}

// IngestFile reads the file at path line by line and ingests it as one batch.
func (a *Aggregator) IngestFile(ctx context.Context, path string) (backlog.IngestStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return backlog.IngestStats{}, fmt.Errorf("open sighting log: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return backlog.IngestStats{}, fmt.Errorf("read sighting log: %w", err)
	}

	a.logger.Info("loaded sighting log",
		zap.String("path", path),
		zap.Int("lines", len(lines)),
	)
	return a.Ingest(ctx, lines)
}

// Ingest parses the given lines, deduplicates (fingerprint, timestamp) pairs
// within the batch and merges the result into the store. Bad lines never
// fail the batch; they are counted as skipped.
func (a *Aggregator) Ingest(ctx context.Context, lines []string) (backlog.IngestStats, error) {
	stats := backlog.IngestStats{}

	type pair struct {
		fp string
		at int64
	}
	seen := make(map[pair]struct{})
	var sightings []backlog.Sighting

	for _, line := range lines {
		if len(line) < minLineLength {
			stats.Skipped++
			continue
		}
		sighting, err := parseLine(line)
		if err != nil {
			stats.Skipped++
			a.logger.Warn("skipping malformed sighting line",
				zap.String("line", line),
				zap.Error(err),
			)
			continue
		}
		stats.Parsed++

		key := pair{fp: sighting.Fingerprint, at: sighting.ObservedAt.UnixNano()}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		sightings = append(sightings, sighting)
	}

	if len(sightings) == 0 {
		return stats, nil
	}

	created, updated, err := a.store.RecordSightings(ctx, sightings)
	if err != nil {
		return stats, fmt.Errorf("record sightings: %w", err)
	}
	stats.NewEntries = created
	stats.UpdatedEntries = updated

	a.logger.Info("ingested sighting batch",
		zap.Int("parsed", stats.Parsed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("new_entries", stats.NewEntries),
		zap.Int("updated_entries", stats.UpdatedEntries),
	)
	return stats, nil
}

// parseLine extracts one sighting from a data line.
func parseLine(line string) (backlog.Sighting, error) {
	fields := strings.Fields(line)
	if len(fields) < minFields {
		return backlog.Sighting{}, fmt.Errorf("expected at least %d fields, got %d", minFields, len(fields))
	}

	observedAt, err := parseTimestamp(fields[1])
	if err != nil {
		return backlog.Sighting{}, fmt.Errorf("timestamp %q: %w", fields[1], err)
	}

	// The fingerprint field is quoted: strip the opening quote and take the
	// fixed-width hash that follows.
	quoted := fields[4]
	if len(quoted) < fingerprint.Length+1 {
		return backlog.Sighting{}, fmt.Errorf("fingerprint field %q too short", quoted)
	}
	fp, err := fingerprint.Normalize(quoted[1 : 1+fingerprint.Length])
	if err != nil {
		return backlog.Sighting{}, err
	}

	return backlog.Sighting{Fingerprint: fp, ObservedAt: observedAt.UTC()}, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, raw)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
