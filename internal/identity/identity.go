package identity

import (
	"fmt"
	"os"
	"runtime"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// LoadOrCreateHostKey loads the libp2p host's Ed25519 private key from
// path, generating and atomically persisting one on first run — the
// transport-level key an overlay.Transport advertises as its peer.ID,
// distinct from the opaque WorkerID in worker.go.
func LoadOrCreateHostKey(path string) (crypto.PrivKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		if err := checkKeyFilePermissions(path); err != nil {
			return nil, err
		}
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal host key from %s: %w", path, err)
		}
		return priv, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key %s: %w", path, err)
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host keypair: %w", err)
	}
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal host key: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to persist host key: %w", err)
	}
	return priv, nil
}

// checkKeyFilePermissions rejects a host key file readable by group or
// other, mirroring internal/config's checkConfigFilePermissions.
func checkKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil // Windows ACLs don't map onto the Unix mode bits checked here
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat key file %s: %w", path, err)
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %04o (expected 0600); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}
