package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/klauspost/compress/gzip"
)

// Snapshotter periodically persists a Memory store's full contents to a
// single gzip-compressed JSON file, atomically (temp file + rename), the
// way the teacher's config package archives its own state.
type Snapshotter struct {
	path string
	mem  *Memory
}

// NewSnapshotter binds a Memory store to a snapshot file path.
func NewSnapshotter(path string, mem *Memory) *Snapshotter {
	return &Snapshotter{path: path, mem: mem}
}

// Load restores the store's contents from the snapshot file, if one
// exists. A missing file is not an error: the first run starts empty.
func (s *Snapshotter) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("snapshot: read %s: %w", s.path, err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("snapshot: decompress %s: %w", s.path, err)
	}
	defer gz.Close()

	var kvs []KV
	if err := json.NewDecoder(gz).Decode(&kvs); err != nil {
		return fmt.Errorf("snapshot: decode %s: %w", s.path, err)
	}
	s.mem.restore(kvs)
	return nil
}

// Save writes the store's current contents to the snapshot file.
func (s *Snapshotter) Save() error {
	kvs := s.mem.snapshot()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(kvs); err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("snapshot: flush: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("snapshot: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}
