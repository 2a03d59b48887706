// Package artifact persists copies of fetched descriptors. It mirrors the
// store package's provider pattern: a small Writer interface with a local
// directory implementation and a NoOp for dry runs.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Ext is the fixed extension appended to every artifact file name.
const Ext = ".torrent"

// Writer saves one artifact under a descriptive name and returns where it
// ended up. Name collisions are not deduplicated: last writer wins.
type Writer interface {
	Write(name string, data []byte) (string, error)
}

// Dir writes artifacts into a single output directory.
type Dir struct {
	path string
}

// NewDir creates the output directory if needed and returns a Writer for it.
func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir %q: %w", path, err)
	}
	return &Dir{path: path}, nil
}

// Write stores data as <name>.torrent in the output directory. The name is
// sanitized so a resource name can never escape the directory.
func (d *Dir) Write(name string, data []byte) (string, error) {
	out := filepath.Join(d.path, sanitize(name)+Ext)
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %q: %w", out, err)
	}
	return out, nil
}

// NoOp discards artifacts.
type NoOp struct{}

// Write discards data and reports a placeholder path.
func (NoOp) Write(name string, _ []byte) (string, error) {
	return "noop://" + name, nil
}

// sanitize strips path separators and other characters that would make the
// resource name unusable as a file name.
func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unnamed"
	}
	replacer := strings.NewReplacer(
		"/", "_",
		string(os.PathSeparator), "_",
		"..", "_",
		"\x00", "",
	)
	return replacer.Replace(name)
}
