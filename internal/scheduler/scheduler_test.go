package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dhtscout/metadl/internal/artifact"
	"github.com/dhtscout/metadl/internal/backlog"
	"github.com/dhtscout/metadl/internal/gateway"
	"github.com/dhtscout/metadl/internal/store"
)

// fakeStore is an in-memory Store with the claim and outcome semantics the
// scheduler depends on.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]*backlog.Entry
	order   []string
	claimed []string
	err     error
}

func newFakeStore(fingerprints ...string) *fakeStore {
	f := &fakeStore{entries: make(map[string]*backlog.Entry)}
	// Descending counts so claim order follows the given order.
	for i, fp := range fingerprints {
		f.entries[fp] = &backlog.Entry{
			Fingerprint:     fp,
			OccurrenceCount: len(fingerprints) - i,
			ClaimState:      backlog.ClaimUnclaimed,
			Outcome:         backlog.OutcomePending,
		}
		f.order = append(f.order, fp)
	}
	return f
}

func (f *fakeStore) InitSchema(context.Context) error { return nil }

func (f *fakeStore) RecordSightings(context.Context, []backlog.Sighting) (int, int, error) {
	return 0, 0, nil
}

func (f *fakeStore) ClaimNext(context.Context) (*backlog.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, fp := range f.order {
		e := f.entries[fp]
		if e.ClaimState == backlog.ClaimUnclaimed {
			e.ClaimState = backlog.ClaimClaimed
			e.ClaimedAt = time.Now()
			f.claimed = append(f.claimed, fp)
			snapshot := *e
			return &snapshot, nil
		}
	}
	return nil, store.ErrNoWork
}

func (f *fakeStore) RecordOutcome(_ context.Context, rec backlog.OutcomeRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[rec.Fingerprint]
	if !ok {
		return false, nil
	}
	e.Outcome = rec.Outcome
	e.ResourceName = rec.ResourceName
	e.ResourceLength = rec.ResourceLength
	e.ResourceComment = rec.ResourceComment
	e.CompletedAt = time.Now()
	return true, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) outcome(fp string) backlog.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[fp]; ok {
		return e.Outcome
	}
	return ""
}

func (f *fakeStore) entry(fp string) backlog.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.entries[fp]
}

func (f *fakeStore) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeStore) claimCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claimed)
}

func testFingerprint(c byte) string { return strings.Repeat(string(c), 40) }

func runScheduler(t *testing.T, s *Scheduler) (cancel context.CancelFunc, wait func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	return cancelCtx, func() {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func testConfig() Config {
	return Config{
		TickInterval: 5 * time.Millisecond,
		MaxInFlight:  1,
		StopTimeout:  100 * time.Millisecond,
	}
}

func TestScheduler_EvictsWhenCeilingReached(t *testing.T) {
	t.Parallel()

	fp := testFingerprint('a')
	st := newFakeStore(fp)
	gw := gateway.NewStubGateway() // unscripted: the fetch never completes

	s := New(st, gw, artifact.NoOp{}, testConfig(), zap.NewNop(), nil)
	cancel, wait := runScheduler(t, s)
	defer wait()
	defer cancel()

	// First tick claims and admits; a later tick finds the ceiling reached
	// with no progress and evicts the oldest fetch.
	require.Eventually(t, func() bool {
		return st.outcome(fp) == backlog.OutcomeTimedOut
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(gw.Stopped()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_CompletionBeatsEviction(t *testing.T) {
	t.Parallel()

	fp := testFingerprint('b')
	st := newFakeStore(fp)
	gw := gateway.NewStubGateway()
	gw.Script(fp, gateway.StubScript{
		Metadata: gateway.Metadata{Name: "Foo", Length: 42, Comment: "hello"},
	})

	s := New(st, gw, artifact.NoOp{}, testConfig(), zap.NewNop(), nil)
	cancel, wait := runScheduler(t, s)
	defer wait()
	defer cancel()

	require.Eventually(t, func() bool {
		return st.outcome(fp) == backlog.OutcomeDownloaded
	}, 2*time.Second, 5*time.Millisecond)

	entry := st.entry(fp)
	require.Equal(t, "Foo", entry.ResourceName)
	require.Equal(t, int64(42), entry.ResourceLength)
	require.Equal(t, "hello", entry.ResourceComment)
}

func TestScheduler_TerminalOutcomeNeverReverts(t *testing.T) {
	t.Parallel()

	fp := testFingerprint('c')
	st := newFakeStore(fp)
	gw := gateway.NewStubGateway()
	gw.Script(fp, gateway.StubScript{
		Metadata: gateway.Metadata{Name: "Quick"},
	})

	s := New(st, gw, artifact.NoOp{}, testConfig(), zap.NewNop(), nil)
	cancel, wait := runScheduler(t, s)

	require.Eventually(t, func() bool {
		return st.outcome(fp) != backlog.OutcomePending
	}, 2*time.Second, 5*time.Millisecond)
	first := st.outcome(fp)

	// Let the loop keep ticking; the recorded outcome must not change.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, first, st.outcome(fp))

	cancel()
	wait()
	require.Equal(t, first, st.outcome(fp))
}

func TestScheduler_DrainsAllFetchesOnCancel(t *testing.T) {
	t.Parallel()

	fps := []string{testFingerprint('d'), testFingerprint('e'), testFingerprint('f')}
	st := newFakeStore(fps...)
	gw := gateway.NewStubGateway() // all fetches hang until canceled

	cfg := testConfig()
	cfg.MaxInFlight = 3
	s := New(st, gw, artifact.NoOp{}, cfg, zap.NewNop(), nil)
	cancel, wait := runScheduler(t, s)

	require.Eventually(t, func() bool {
		return st.claimCount() == len(fps)
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	wait()

	// Every admitted fetch was stopped and left with a terminal outcome.
	stopped := gw.Stopped()
	sort.Strings(stopped)
	require.Equal(t, fps, stopped)
	for _, fp := range fps {
		require.Equal(t, backlog.OutcomeTimedOut, st.outcome(fp))
	}
}

func TestScheduler_StoreUnavailableIsTransient(t *testing.T) {
	t.Parallel()

	fp := testFingerprint('1')
	st := newFakeStore(fp)
	st.setErr(store.ErrUnavailable)
	gw := gateway.NewStubGateway()
	gw.Script(fp, gateway.StubScript{Metadata: gateway.Metadata{Name: "Recovered"}})

	s := New(st, gw, artifact.NoOp{}, testConfig(), zap.NewNop(), nil)
	cancel, wait := runScheduler(t, s)
	defer wait()
	defer cancel()

	// Several failing ticks, then the store recovers and the loop proceeds.
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 0, st.claimCount())
	st.setErr(nil)

	require.Eventually(t, func() bool {
		return st.outcome(fp) == backlog.OutcomeDownloaded
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_SavesArtifactOnDownload(t *testing.T) {
	t.Parallel()

	fp := testFingerprint('2')
	st := newFakeStore(fp)
	gw := gateway.NewStubGateway()
	gw.Script(fp, gateway.StubScript{
		Metadata: gateway.Metadata{Name: "Saved"},
		Artifact: []byte("metainfo-bytes"),
	})

	dir := t.TempDir()
	sink, err := artifact.NewDir(dir)
	require.NoError(t, err)

	s := New(st, gw, sink, testConfig(), zap.NewNop(), nil)
	cancel, wait := runScheduler(t, s)
	defer wait()
	defer cancel()

	require.Eventually(t, func() bool {
		return st.outcome(fp) == backlog.OutcomeDownloaded
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, statErr := readFile(dir, "Saved"+artifact.Ext)
		return statErr == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_ObserverSeesLifecycle(t *testing.T) {
	t.Parallel()

	fp := testFingerprint('3')
	st := newFakeStore(fp)
	gw := gateway.NewStubGateway()
	gw.Script(fp, gateway.StubScript{Metadata: gateway.Metadata{Name: "Observed"}})

	obs := &recordingObserver{}
	s := New(st, gw, artifact.NoOp{}, testConfig(), zap.NewNop(), obs)
	cancel, wait := runScheduler(t, s)
	defer wait()
	defer cancel()

	require.Eventually(t, func() bool {
		return obs.completed(fp) == backlog.OutcomeDownloaded
	}, 2*time.Second, 5*time.Millisecond)
	require.Contains(t, obs.claims(), fp)
}

// A failing outcome write is logged and swallowed: the fetch task still
// releases its gateway handle and the loop keeps ticking.
func TestScheduler_SurvivesOutcomeRecordFailure(t *testing.T) {
	t.Parallel()

	fp := testFingerprint('4')
	st := &store.MockStore{}
	st.On("ClaimNext", mock.Anything).Return(&backlog.Entry{
		Fingerprint:     fp,
		OccurrenceCount: 1,
		ClaimState:      backlog.ClaimClaimed,
		Outcome:         backlog.OutcomePending,
	}, nil).Once()
	st.On("ClaimNext", mock.Anything).Return(nil, store.ErrNoWork)
	st.On("RecordOutcome", mock.Anything, mock.Anything).Return(false, store.ErrUnavailable)

	gw := gateway.NewStubGateway()
	gw.Script(fp, gateway.StubScript{Metadata: gateway.Metadata{Name: "Flaky"}})

	s := New(st, gw, artifact.NoOp{}, testConfig(), zap.NewNop(), nil)
	cancel, wait := runScheduler(t, s)

	require.Eventually(t, func() bool {
		return len(gw.Stopped()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	wait()

	require.Equal(t, []string{fp}, gw.Begun())
	st.AssertCalled(t, "RecordOutcome", mock.Anything, mock.Anything)
}

func readFile(dir, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(dir, name))
}

type recordingObserver struct {
	mu       sync.Mutex
	claimed  []string
	outcomes map[string]backlog.Outcome
}

func (o *recordingObserver) EntryClaimed(fp string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.claimed = append(o.claimed, fp)
}

func (o *recordingObserver) FetchCompleted(fp string, outcome backlog.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]backlog.Outcome)
	}
	o.outcomes[fp] = outcome
}

func (o *recordingObserver) InFlight(int) {}

func (o *recordingObserver) claims() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.claimed...)
}

func (o *recordingObserver) completed(fp string) backlog.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[fp]
}
