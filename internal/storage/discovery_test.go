package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDiscoverDatabaseInDir_CurrentDirOnly verifies that discovery never
// walks up into a parent workspace
func TestDiscoverDatabaseInDir_CurrentDirOnly(t *testing.T) {
	tmpRoot := t.TempDir()
	parentDir := filepath.Join(tmpRoot, "parent")
	childDir := filepath.Join(parentDir, "child")

	require.NoError(t, os.MkdirAll(filepath.Join(parentDir, ProjectDir), 0755))
	parentDB := filepath.Join(parentDir, ProjectDir, DatabaseName)
	require.NoError(t, os.WriteFile(parentDB, []byte(""), 0644))
	require.NoError(t, os.MkdirAll(childDir, 0755))

	if _, err := discoverDatabaseInDir(childDir); err == nil {
		t.Error("Expected error when no database in current dir, but got success")
	}

	dbPath, err := discoverDatabaseInDir(parentDir)
	if err != nil {
		t.Errorf("Expected to find database in parent dir, got error: %v", err)
	}
	if dbPath != parentDB {
		t.Errorf("Expected database path %s, got %s", parentDB, dbPath)
	}
}

func TestDiscoverDatabaseEnvOverride(t *testing.T) {
	t.Setenv("RECON_DB_PATH", ":memory:")
	path, err := DiscoverDatabase()
	require.NoError(t, err)
	assert.Equal(t, ":memory:", path)
}

func TestInitProject(t *testing.T) {
	dir := t.TempDir()

	dbPath, err := InitProject(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ProjectDir, DatabaseName), dbPath)

	store, err := NewStorage(context.Background(), &Config{Path: dbPath})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	found, err := discoverDatabaseInDir(dir)
	require.NoError(t, err)
	assert.Equal(t, dbPath, found)

	_, err = InitProject(dir)
	assert.Error(t, err, "second init must not clobber an existing store")

	_, err = InitProject(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
