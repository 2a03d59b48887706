package gateway

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/anacrolix/torrent"
	"go.uber.org/zap"
)

// DefaultMagnetPrefix builds a BitTorrent v1 magnet locator from a hex
// fingerprint.
const DefaultMagnetPrefix = "magnet:?xt=urn:btih:"

// TorrentConfig configures the BitTorrent gateway.
type TorrentConfig struct {
	// MagnetPrefix is prepended to a fingerprint to form the resource
	// locator. Defaults to DefaultMagnetPrefix.
	MagnetPrefix string
	// StagingDir is where the engine stages data while exchanging.
	StagingDir string
	// ListenPort is the fixed peer/DHT port; 0 picks a random port.
	ListenPort int
}

// TorrentGateway implements Gateway on top of the anacrolix BitTorrent
// engine. Fetches join the DHT swarm for their infohash and wait for a peer
// to hand over the info dictionary.
type TorrentGateway struct {
	client *torrent.Client
	prefix string
	logger *zap.Logger
}

// NewTorrentGateway starts the BitTorrent engine. The gateway only exchanges
// metadata, so uploading is disabled.
func NewTorrentGateway(cfg TorrentConfig, logger *zap.Logger) (*TorrentGateway, error) {
	if cfg.MagnetPrefix == "" {
		cfg.MagnetPrefix = DefaultMagnetPrefix
	}

	cc := torrent.NewDefaultClientConfig()
	cc.DataDir = cfg.StagingDir
	cc.NoUpload = true
	if cfg.ListenPort != 0 {
		cc.ListenPort = cfg.ListenPort
	}

	client, err := torrent.NewClient(cc)
	if err != nil {
		return nil, fmt.Errorf("start torrent client: %w", err)
	}

	logger.Info("torrent gateway started",
		zap.String("staging_dir", cfg.StagingDir),
		zap.Int("listen_port", cfg.ListenPort),
	)
	return &TorrentGateway{client: client, prefix: cfg.MagnetPrefix, logger: logger}, nil
}

// Begin adds the magnet for the fingerprint to the engine.
func (g *TorrentGateway) Begin(_ context.Context, fingerprint string) (Fetch, error) {
	t, err := g.client.AddMagnet(g.prefix + fingerprint)
	if err != nil {
		return nil, fmt.Errorf("add magnet for %s: %w", fingerprint, err)
	}
	g.logger.Debug("added torrent", zap.String("fingerprint", fingerprint))
	return &torrentFetch{t: t, fingerprint: fingerprint}, nil
}

// Close shuts down the engine and every torrent it still holds.
func (g *TorrentGateway) Close() error {
	g.client.Close()
	return nil
}

type torrentFetch struct {
	t           *torrent.Torrent
	fingerprint string
}

// Await waits for the info dictionary to arrive from the swarm.
func (f *torrentFetch) Await(ctx context.Context) (*Metadata, error) {
	select {
	case <-f.t.GotInfo():
	case <-ctx.Done():
		return nil, fmt.Errorf("await metadata for %s: %w", f.fingerprint, ctx.Err())
	}

	mi := f.t.Metainfo()
	return &Metadata{
		Name:    f.t.Name(),
		Length:  f.t.Length(),
		Comment: mi.Comment,
	}, nil
}

// Artifact serializes the received metainfo as a .torrent document.
func (f *torrentFetch) Artifact() ([]byte, error) {
	mi := f.t.Metainfo()
	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		return nil, fmt.Errorf("encode metainfo for %s: %w", f.fingerprint, err)
	}
	return buf.Bytes(), nil
}

// Stop drops the torrent from the engine, which discards its staged data.
// Drop is normally immediate; the timeout guards against an engine wedged in
// shutdown so the caller is never blocked indefinitely.
func (f *torrentFetch) Stop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		f.t.Drop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("drop %s: timed out after %s", f.fingerprint, timeout)
	}
}
