package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// ProjectDir is the per-workspace directory holding the reconciliation store
const ProjectDir = ".recon"

// DatabaseName is the store file created inside ProjectDir
const DatabaseName = "recon.db"

// DiscoverDatabase returns the store path for the current directory.
//
// RECON_DB_PATH wins when set (":memory:" included), so tests and scripts can
// isolate themselves. Otherwise only the current directory is checked; a
// parent workspace's store is never picked up by accident.
func DiscoverDatabase() (string, error) {
	if dbPath := os.Getenv("RECON_DB_PATH"); dbPath != "" {
		return dbPath, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	return discoverDatabaseInDir(dir)
}

// discoverDatabaseInDir checks for .recon/recon.db in dir only
func discoverDatabaseInDir(dir string) (string, error) {
	dbPath := filepath.Join(dir, ProjectDir, DatabaseName)
	info, err := os.Stat(dbPath)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf(
			"no %s/%s found in %s\n"+
				"  Run 'recon init' to create a store in this directory\n"+
				"  Or use --db flag to specify database path explicitly",
			ProjectDir, DatabaseName, dir)
	}

	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return absPath, nil
}

// InitProject creates the .recon directory under projectDir and returns the
// path the store should be opened at. The database itself is created on
// first connection.
func InitProject(projectDir string) (string, error) {
	if _, err := os.Stat(projectDir); os.IsNotExist(err) {
		return "", fmt.Errorf("project directory does not exist: %s", projectDir)
	}

	reconDir := filepath.Join(projectDir, ProjectDir)
	if err := os.MkdirAll(reconDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", ProjectDir, err)
	}

	dbPath := filepath.Join(reconDir, DatabaseName)
	if _, err := os.Stat(dbPath); err == nil {
		return "", fmt.Errorf("database already exists: %s", dbPath)
	}
	return dbPath, nil
}
