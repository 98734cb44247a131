package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the directory holding config and event logs.
// BLEPAIR_DIR overrides the default of ~/.blepair.
func GetDataDir() string {
	if envDir := os.Getenv("BLEPAIR_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".blepair"
	}
	return filepath.Join(home, ".blepair")
}

// GetRoleDir returns the per-role directory ("central" or "peripheral"),
// creating it if needed.
func GetRoleDir(role string) (string, error) {
	dir := filepath.Join(GetDataDir(), role)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
