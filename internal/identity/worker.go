package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// WorkerID is the stable 128-bit opaque identifier reused as the logical
// identity on both overlays. Unlike the transport-level key handled by
// LoadOrCreateHostKey, it is never rotated and has no cryptographic role.
type WorkerID string

// LoadOrCreateWorkerID reads a worker identity from path, generating and
// persisting a new one on first run. The file holds a single hex line.
func LoadOrCreateWorkerID(path string) (WorkerID, error) {
	if data, err := os.ReadFile(path); err == nil {
		id := WorkerID(strings.TrimSpace(string(data)))
		if len(id) != 32 {
			return "", fmt.Errorf("worker identity file %s is malformed (want 32 hex chars, got %d)", path, len(id))
		}
		return id, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read worker identity %s: %w", path, err)
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate worker identity: %w", err)
	}
	id := WorkerID(hex.EncodeToString(buf))

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(string(id)+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write worker identity: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to persist worker identity: %w", err)
	}
	return id, nil
}

// NewEphemeralWorkerID generates a worker identity without persisting it,
// for client processes that have no durable identity requirement.
func NewEphemeralWorkerID() (WorkerID, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate worker identity: %w", err)
	}
	return WorkerID(hex.EncodeToString(buf)), nil
}
