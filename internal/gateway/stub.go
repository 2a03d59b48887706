package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StubGateway is an in-memory Gateway for tests and dry runs. Fingerprints
// with scripted metadata resolve after an optional delay; everything else
// blocks until canceled, mimicking an exchange that never completes.
type StubGateway struct {
	mu      sync.Mutex
	scripts map[string]StubScript
	begun   []string
	stopped []string
	closed  bool
}

// StubScript describes how the stub should answer one fingerprint.
type StubScript struct {
	Metadata Metadata
	Artifact []byte
	Delay    time.Duration
}

// NewStubGateway builds an empty stub; use Script to add answers.
func NewStubGateway() *StubGateway {
	return &StubGateway{scripts: make(map[string]StubScript)}
}

// Script registers a scripted answer for a fingerprint.
func (g *StubGateway) Script(fingerprint string, s StubScript) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[fingerprint] = s
}

// Begun returns the fingerprints Begin was called with, in order.
func (g *StubGateway) Begun() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.begun...)
}

// Stopped returns the fingerprints whose fetches were stopped, in order.
func (g *StubGateway) Stopped() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.stopped...)
}

// Closed reports whether Close was called.
func (g *StubGateway) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Begin starts a stub fetch.
func (g *StubGateway) Begin(_ context.Context, fingerprint string) (Fetch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, fmt.Errorf("gateway closed")
	}
	g.begun = append(g.begun, fingerprint)
	script, scripted := g.scripts[fingerprint]
	return &stubFetch{gw: g, fingerprint: fingerprint, script: script, scripted: scripted}, nil
}

// Close marks the gateway closed.
func (g *StubGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

type stubFetch struct {
	gw          *StubGateway
	fingerprint string
	script      StubScript
	scripted    bool
}

func (f *stubFetch) Await(ctx context.Context) (*Metadata, error) {
	if !f.scripted {
		<-ctx.Done()
		return nil, fmt.Errorf("await metadata for %s: %w", f.fingerprint, ctx.Err())
	}
	if f.script.Delay > 0 {
		select {
		case <-time.After(f.script.Delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("await metadata for %s: %w", f.fingerprint, ctx.Err())
		}
	}
	md := f.script.Metadata
	return &md, nil
}

func (f *stubFetch) Artifact() ([]byte, error) {
	if f.script.Artifact == nil {
		return []byte(f.script.Metadata.Name), nil
	}
	return f.script.Artifact, nil
}

func (f *stubFetch) Stop(_ time.Duration) error {
	f.gw.mu.Lock()
	defer f.gw.mu.Unlock()
	f.gw.stopped = append(f.gw.stopped, f.fingerprint)
	return nil
}
