// Package scheduler implements the admission-controlled fetch loop. A single
// control goroutine ticks at a fixed interval, claims backlog entries while
// capacity remains and evicts the oldest in-flight fetch once the ceiling is
// reached. Each admitted fingerprint runs its exchange on its own goroutine;
// the control loop never blocks on an individual fetch.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dhtscout/metadl/internal/artifact"
	"github.com/dhtscout/metadl/internal/backlog"
	"github.com/dhtscout/metadl/internal/gateway"
	"github.com/dhtscout/metadl/internal/store"
)

// Config controls Scheduler behavior.
type Config struct {
	// TickInterval is how long the control loop sleeps between passes.
	TickInterval time.Duration
	// MaxInFlight is the admission ceiling: the maximum number of
	// concurrently running fetches.
	MaxInFlight int
	// StopTimeout bounds how long a gateway stop may take, both when a
	// fetch finishes and when the loop drains on shutdown.
	StopTimeout time.Duration
}

// Observer receives lifecycle notifications from the loop. Implementations
// must be safe for concurrent use; fetch tasks report completions from their
// own goroutines.
type Observer interface {
	EntryClaimed(fingerprint string)
	FetchCompleted(fingerprint string, outcome backlog.Outcome)
	InFlight(n int)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) EntryClaimed(string)                    {}
func (NopObserver) FetchCompleted(string, backlog.Outcome) {}
func (NopObserver) InFlight(int)                           {}

// admission tracks one admitted fingerprint. The FIFO position lives in the
// loop-owned inflight slice; the terminal flag is the only field both the
// loop and the fetch task touch, and it is the arbiter of which side writes
// the single outcome for this attempt.
type admission struct {
	fingerprint string
	admittedAt  time.Time
	cancel      context.CancelFunc
	terminal    atomic.Bool
	downloaded  atomic.Bool
}

// Scheduler runs the control loop.
type Scheduler struct {
	store     store.Store
	gw        gateway.Gateway
	artifacts artifact.Writer
	cfg       Config
	logger    *zap.Logger
	obs       Observer

	// inflight is the FIFO of admitted fetches, owned exclusively by the
	// control loop. Fetch tasks never read or write it; they report
	// completion through done.
	inflight []*admission
	done     chan *admission
	wg       sync.WaitGroup

	downloadedCount int
	timedOutCount   int
}

// New constructs a Scheduler. A nil observer is replaced with NopObserver.
func New(
	st store.Store,
	gw gateway.Gateway,
	artifacts artifact.Writer,
	cfg Config,
	logger *zap.Logger,
	obs Observer,
) *Scheduler {
	if obs == nil {
		obs = NopObserver{}
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	return &Scheduler{
		store:     st,
		gw:        gw,
		artifacts: artifacts,
		cfg:       cfg,
		logger:    logger,
		obs:       obs,
		done:      make(chan *admission, cfg.MaxInFlight*4),
	}
}

// Run executes the control loop until ctx is canceled, then drains all
// in-flight fetches and returns.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return nil
		case <-ticker.C:
		}

		s.collectFinished()

		s.logger.Info("tick",
			zap.Int("in_flight", len(s.inflight)),
			zap.Int("ceiling", s.cfg.MaxInFlight),
			zap.Int("downloaded", s.downloadedCount),
			zap.Int("timed_out", s.timedOutCount),
		)
		s.obs.InFlight(len(s.inflight))

		if len(s.inflight) < s.cfg.MaxInFlight {
			s.admitNext(ctx)
		} else {
			s.evictOldest(ctx)
		}
	}
}

// collectFinished prunes naturally-completed fetches from the FIFO and folds
// their results into the loop-local tallies.
func (s *Scheduler) collectFinished() {
	for {
		select {
		case adm := <-s.done:
			if adm.downloaded.Load() {
				s.downloadedCount++
			}
			s.remove(adm)
		default:
			return
		}
	}
}

func (s *Scheduler) remove(adm *admission) {
	for i, candidate := range s.inflight {
		if candidate == adm {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			return
		}
	}
}

// admitNext claims the next backlog entry and launches a fetch for it. Store
// failures are transient by contract: log and wait for the next tick.
func (s *Scheduler) admitNext(ctx context.Context) {
	entry, err := s.store.ClaimNext(ctx)
	if errors.Is(err, store.ErrNoWork) {
		s.logger.Debug("backlog empty, idling")
		return
	}
	if err != nil {
		s.logger.Warn("claim failed, retrying next tick", zap.Error(err))
		return
	}

	s.logger.Info("admitted fetch",
		zap.String("fingerprint", entry.Fingerprint),
		zap.Int("occurrence_count", entry.OccurrenceCount),
		zap.Time("last_seen_at", entry.LastSeenAt),
	)
	s.obs.EntryClaimed(entry.Fingerprint)

	fetchCtx, cancel := context.WithCancel(ctx)
	adm := &admission{
		fingerprint: entry.Fingerprint,
		admittedAt:  time.Now(),
		cancel:      cancel,
	}
	s.inflight = append(s.inflight, adm)
	s.wg.Add(1)
	go s.runFetch(fetchCtx, adm)
}

// evictOldest removes the least-recently-admitted fetch. Under sustained
// pressure this bounds any admission's residency to ceiling * tick interval.
func (s *Scheduler) evictOldest(ctx context.Context) {
	if len(s.inflight) == 0 {
		return
	}
	adm := s.inflight[0]
	s.inflight = s.inflight[1:]

	s.logger.Info("evicting oldest in-flight fetch",
		zap.String("fingerprint", adm.fingerprint),
		zap.Duration("resident", time.Since(adm.admittedAt)),
	)

	if adm.terminal.CompareAndSwap(false, true) {
		s.recordOutcome(ctx, backlog.OutcomeRecord{
			Fingerprint: adm.fingerprint,
			Outcome:     backlog.OutcomeTimedOut,
		})
		s.timedOutCount++
		s.obs.FetchCompleted(adm.fingerprint, backlog.OutcomeTimedOut)
	}
	adm.cancel()
}

// runFetch is the per-admission task: begin the exchange, await metadata,
// record the outcome and always release the gateway handle.
func (s *Scheduler) runFetch(ctx context.Context, adm *admission) {
	defer s.wg.Done()
	defer func() {
		select {
		case s.done <- adm:
		default:
			// Loop is draining and no longer collecting; nothing depends
			// on this signal anymore.
		}
	}()

	fetch, err := s.gw.Begin(ctx, adm.fingerprint)
	if err != nil {
		s.logger.Error("begin fetch failed",
			zap.String("fingerprint", adm.fingerprint),
			zap.Error(err),
		)
		if adm.terminal.CompareAndSwap(false, true) {
			s.recordOutcome(context.Background(), backlog.OutcomeRecord{
				Fingerprint: adm.fingerprint,
				Outcome:     backlog.OutcomeTimedOut,
			})
			s.obs.FetchCompleted(adm.fingerprint, backlog.OutcomeTimedOut)
		}
		return
	}
	defer s.release(fetch, adm.fingerprint)

	md, err := fetch.Await(ctx)
	if err != nil {
		// Canceled by eviction or shutdown. Eviction has already written
		// TimedOut; on shutdown this task still owns the terminal write.
		if adm.terminal.CompareAndSwap(false, true) {
			s.recordOutcome(context.Background(), backlog.OutcomeRecord{
				Fingerprint: adm.fingerprint,
				Outcome:     backlog.OutcomeTimedOut,
			})
			s.obs.FetchCompleted(adm.fingerprint, backlog.OutcomeTimedOut)
		}
		return
	}

	if !adm.terminal.CompareAndSwap(false, true) {
		// Eviction won the race at the wire; its TimedOut stands.
		s.logger.Debug("metadata arrived after eviction, dropping result",
			zap.String("fingerprint", adm.fingerprint),
		)
		return
	}

	s.logger.Info("metadata received",
		zap.String("fingerprint", adm.fingerprint),
		zap.String("name", md.Name),
		zap.Int64("length", md.Length),
	)
	s.recordOutcome(context.Background(), backlog.OutcomeRecord{
		Fingerprint:     adm.fingerprint,
		Outcome:         backlog.OutcomeDownloaded,
		ResourceName:    md.Name,
		ResourceLength:  md.Length,
		ResourceComment: md.Comment,
	})
	adm.downloaded.Store(true)
	s.obs.FetchCompleted(adm.fingerprint, backlog.OutcomeDownloaded)

	s.saveArtifact(fetch, adm.fingerprint, md.Name)
}

// recordOutcome is the outcome recorder: exactly one call per admission,
// guarded by the admission's terminal flag at every call site. A store
// failure here is logged and accepted; the entry stays Claimed/Pending and
// needs external reconciliation.
func (s *Scheduler) recordOutcome(ctx context.Context, rec backlog.OutcomeRecord) {
	found, err := s.store.RecordOutcome(ctx, rec)
	if err != nil {
		s.logger.Error("record outcome failed",
			zap.String("fingerprint", rec.Fingerprint),
			zap.String("outcome", string(rec.Outcome)),
			zap.Error(err),
		)
		return
	}
	if !found {
		s.logger.Warn("no backlog entry for outcome",
			zap.String("fingerprint", rec.Fingerprint),
			zap.String("outcome", string(rec.Outcome)),
		)
		return
	}
	s.logger.Info("recorded outcome",
		zap.String("fingerprint", rec.Fingerprint),
		zap.String("outcome", string(rec.Outcome)),
	)
}

// saveArtifact copies the fetched descriptor to the output location. Copy
// failures are logged, never propagated.
func (s *Scheduler) saveArtifact(fetch gateway.Fetch, fingerprint, name string) {
	data, err := fetch.Artifact()
	if err != nil {
		s.logger.Error("read artifact failed",
			zap.String("fingerprint", fingerprint),
			zap.Error(err),
		)
		return
	}
	path, err := s.artifacts.Write(name, data)
	if err != nil {
		s.logger.Error("artifact copy failed",
			zap.String("fingerprint", fingerprint),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("artifact saved",
		zap.String("fingerprint", fingerprint),
		zap.String("path", path),
	)
}

// release stops the gateway handle. Release failures are logged, never
// propagated.
func (s *Scheduler) release(fetch gateway.Fetch, fingerprint string) {
	if err := fetch.Stop(s.cfg.StopTimeout); err != nil {
		s.logger.Error("gateway stop failed",
			zap.String("fingerprint", fingerprint),
			zap.Error(err),
		)
	}
}

// drain cancels every in-flight fetch and waits for the tasks to finish,
// bounded by the stop timeout plus a grace period.
func (s *Scheduler) drain() {
	s.logger.Info("cancellation received, draining",
		zap.Int("in_flight", len(s.inflight)),
	)
	for _, adm := range s.inflight {
		adm.cancel()
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.logger.Info("all in-flight fetches stopped")
	case <-time.After(s.cfg.StopTimeout + time.Second):
		s.logger.Warn("drain timed out, abandoning remaining fetches")
	}
}
