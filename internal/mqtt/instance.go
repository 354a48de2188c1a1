package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const instanceIDFile = "instance_id"

// LoadOrCreateInstanceID returns the node's instance ID from dataDir,
// generating and persisting a UUIDv7 on first use. It is the stable
// broker identity of the node: discovery unique IDs and the default
// client ID derive from it, so renaming the device keeps both.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceIDFile)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read instance ID: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}

// DefaultClientID derives a broker client ID from the instance ID.
// Brokers must accept up to 23 characters, so only the random tail of
// the UUID is kept.
func DefaultClientID(instanceID string) string {
	hex := strings.ReplaceAll(instanceID, "-", "")
	if len(hex) > 15 {
		hex = hex[len(hex)-15:]
	}
	return "envnode-" + hex
}
