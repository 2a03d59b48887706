package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/dhtscout/metadl/internal/backlog"
)

// MongoConfig locates the backlog collection.
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// MongoStore implements the Store interface on a MongoDB collection of
// backlog-entry documents keyed by fingerprint. Each document carries the set
// of distinct observation times for its fingerprint; occurrenceCount is
// always the size of that set, so re-ingesting a sighting log leaves counts
// unchanged just like the SQLite backend's unique sighting index does.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewMongoStore connects to the configured deployment and pings it to fail
// fast on an unreachable server.
func NewMongoStore(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		if derr := client.Disconnect(ctx); derr != nil {
			logger.Error("disconnect after failed ping", zap.Error(derr))
		}
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		logger: logger,
	}, nil
}

// InitSchema creates the index backing the claim ordering. Collections are
// created lazily by MongoDB itself.
func (s *MongoStore) InitSchema(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "claimState", Value: 1},
			{Key: "occurrenceCount", Value: -1},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: create index: %v", ErrUnavailable, err)
	}
	s.logger.Info("mongo indexes ready",
		zap.String("collection", s.coll.Name()),
	)
	return nil
}

// RecordSightings upserts one document per fingerprint in the batch with a
// pipeline update: the batch's observation times are set-unioned into the
// document's sightings array, and occurrenceCount/lastSeenAt are recomputed
// from the merged set. Feeding the same sightings in again is a no-op.
func (s *MongoStore) RecordSightings(ctx context.Context, sightings []backlog.Sighting) (int, int, error) {
	var created, updated int
	for fp, times := range groupSightings(sightings) {
		res, err := s.coll.UpdateOne(ctx,
			bson.M{"_id": fp},
			sightingMergePipeline(times),
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return created, updated, fmt.Errorf("%w: upsert %s: %v", ErrUnavailable, fp, err)
		}
		if res.UpsertedCount > 0 {
			created++
		} else {
			updated++
		}
	}
	return created, updated, nil
}

// groupSightings collects each fingerprint's distinct observation times.
// Times are truncated to milliseconds, the precision BSON datetimes keep, so
// equality inside the stored set matches equality here.
func groupSightings(sightings []backlog.Sighting) map[string][]time.Time {
	type pair struct {
		fp string
		at int64
	}
	seen := make(map[pair]struct{}, len(sightings))
	grouped := make(map[string][]time.Time)
	for _, sg := range sightings {
		at := sg.ObservedAt.UTC().Truncate(time.Millisecond)
		key := pair{fp: sg.Fingerprint, at: at.UnixMilli()}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		grouped[sg.Fingerprint] = append(grouped[sg.Fingerprint], at)
	}
	return grouped
}

// sightingMergePipeline builds the aggregation-pipeline update that merges a
// fingerprint's batch times into its document. $setUnion keeps the sightings
// array a set, so the derived occurrenceCount never double-counts a
// (fingerprint, observedAt) pair and lastSeenAt never decreases.
func sightingMergePipeline(times []time.Time) bson.A {
	incoming := make(bson.A, 0, len(times))
	for _, t := range times {
		incoming = append(incoming, t)
	}
	return bson.A{
		bson.M{"$set": bson.M{
			"sightings": bson.M{"$setUnion": bson.A{
				bson.M{"$ifNull": bson.A{"$sightings", bson.A{}}},
				incoming,
			}},
		}},
		bson.M{"$set": bson.M{
			"occurrenceCount": bson.M{"$size": "$sightings"},
			"lastSeenAt":      bson.M{"$max": "$sightings"},
			"claimState":      bson.M{"$ifNull": bson.A{"$claimState", string(backlog.ClaimUnclaimed)}},
			"outcome":         bson.M{"$ifNull": bson.A{"$outcome", string(backlog.OutcomePending)}},
		}},
	}
}

// ClaimNext claims the best unclaimed document with a single FindOneAndUpdate,
// which MongoDB executes atomically against concurrent callers.
func (s *MongoStore) ClaimNext(ctx context.Context) (*backlog.Entry, error) {
	now := time.Now().UTC()
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{
			{Key: "occurrenceCount", Value: -1},
			{Key: "_id", Value: 1},
		}).
		SetReturnDocument(options.After)

	var doc mongoEntryDoc
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"claimState": string(backlog.ClaimUnclaimed)},
		bson.M{"$set": bson.M{
			"claimState": string(backlog.ClaimClaimed),
			"claimedAt":  now,
		}},
		opts,
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("%w: claim next: %v", ErrUnavailable, err)
	}

	entry := doc.toEntry()
	s.logger.Debug("claimed backlog entry",
		zap.String("fingerprint", entry.Fingerprint),
		zap.Int("occurrence_count", entry.OccurrenceCount),
	)
	return entry, nil
}

// RecordOutcome writes the terminal state for a fingerprint.
func (s *MongoStore) RecordOutcome(ctx context.Context, rec backlog.OutcomeRecord) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": rec.Fingerprint},
		bson.M{"$set": bson.M{
			"outcome":         string(rec.Outcome),
			"resourceName":    rec.ResourceName,
			"resourceLength":  rec.ResourceLength,
			"resourceComment": rec.ResourceComment,
			"completedAt":     time.Now().UTC(),
		}},
	)
	if err != nil {
		return false, fmt.Errorf("%w: record outcome %s: %v", ErrUnavailable, rec.Fingerprint, err)
	}
	return res.MatchedCount > 0, nil
}

// Close disconnects from the deployment.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

type mongoEntryDoc struct {
	Fingerprint     string      `bson:"_id"`
	Sightings       []time.Time `bson:"sightings,omitempty"`
	OccurrenceCount int         `bson:"occurrenceCount"`
	LastSeenAt      time.Time   `bson:"lastSeenAt"`
	ClaimState      string      `bson:"claimState"`
	ClaimedAt       time.Time   `bson:"claimedAt,omitempty"`
	Outcome         string      `bson:"outcome"`
	ResourceName    string      `bson:"resourceName,omitempty"`
	ResourceLength  int64       `bson:"resourceLength,omitempty"`
	ResourceComment string      `bson:"resourceComment,omitempty"`
	CompletedAt     time.Time   `bson:"completedAt,omitempty"`
}

func (d *mongoEntryDoc) toEntry() *backlog.Entry {
	return &backlog.Entry{
		Fingerprint:     d.Fingerprint,
		OccurrenceCount: d.OccurrenceCount,
		LastSeenAt:      d.LastSeenAt,
		ClaimState:      backlog.ClaimState(d.ClaimState),
		ClaimedAt:       d.ClaimedAt,
		Outcome:         backlog.Outcome(d.Outcome),
		ResourceName:    d.ResourceName,
		ResourceLength:  d.ResourceLength,
		ResourceComment: d.ResourceComment,
		CompletedAt:     d.CompletedAt,
	}
}
