package blockstore

import (
	"fmt"
	"os"
	"path/filepath"
)

// Open returns the backend named kind. Persistent backends keep their
// database under dir.
func Open(kind, dir string) (Blockstore, error) {
	switch kind {
	case "", "ram":
		return NewRAM(), nil
	case "bolt":
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating datastore directory: %w", err)
		}
		return OpenBolt(filepath.Join(dir, "blocks.bolt"))
	case "leveldb":
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating datastore directory: %w", err)
		}
		return OpenLevelDB(filepath.Join(dir, "blocks.leveldb"))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
}
