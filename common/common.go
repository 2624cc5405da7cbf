package common

import (
	"fmt"
	"os"
	"path/filepath"

	uuid "github.com/nu7hatch/gouuid"
)

// GetGwmadDir returns $GWMAD_DIR, or ~/.gwmad when unset.
func GetGwmadDir() (string, error) {
	if dir, ok := os.LookupEnv(GwmadDirEnvVar); ok && dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("Error: %s not set and no home directory: %v", GwmadDirEnvVar, err)
	}
	return filepath.Join(home, ".gwmad"), nil
}

// DefaultResourcesFile is the resources.json under GetGwmadDir's etc/.
func DefaultResourcesFile() (string, error) {
	dir, err := GetGwmadDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "etc", "resources.json"), nil
}

// GenUUID returns a random v4 UUID, used to name cloud instances.
func GenUUID() string {
	for {
		// Fails only when crypto/rand does.
		if id, err := uuid.NewV4(); err == nil {
			return id.String()
		}
	}
}
