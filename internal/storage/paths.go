package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appName = "nnuetrain"

// GetDataDir returns the platform-specific data directory for the application.
// - macOS: ~/Library/Application Support/nnuetrain/
// - Linux: ~/.local/share/nnuetrain/
// - Windows: %APPDATA%/nnuetrain/
func GetDataDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(homeDir, "Library", "Application Support")

	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(homeDir, "AppData", "Roaming")
		}

	default:
		// Check XDG_DATA_HOME first
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(homeDir, ".local", "share")
		}
	}

	dataDir := filepath.Join(baseDir, appName)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", err
	}
	return dataDir, nil
}

// HistoryFile returns the path of the evaluation shell's history file.
func HistoryFile() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "eval_history"), nil
}

// DatabaseDir returns the checkpoint database directory under a run's
// output directory, creating it if needed.
func DatabaseDir(outputDir string) (string, error) {
	dbDir := filepath.Join(outputDir, "db")
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return "", err
	}
	return dbDir, nil
}

// ExportDir returns the directory a saved network is exported to,
// "<output>/<net id>-<superbatch>", creating it if needed.
func ExportDir(outputDir, netID string, superbatch int) (string, error) {
	dir := filepath.Join(outputDir, fmt.Sprintf("%s-%d", netID, superbatch))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// Exported file names
const (
	QuantisedFile = "quantised.bin"
	WeightsFile   = "weights.bin"
)
