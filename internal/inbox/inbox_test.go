package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.json"), "{}")
	writeFile(t, filepath.Join(dir, "b.json"), "{}")
	writeFile(t, filepath.Join(dir, "notes.txt"), "")
	writeFile(t, filepath.Join(dir, "deal-7", "c.json"), "{}")

	tests := []struct {
		name     string
		patterns []string
		want     []string
		wantErr  bool
	}{
		{"single level", []string{filepath.Join(dir, "*.json")}, []string{"a.json", "b.json"}, false},
		{"recursive", []string{filepath.Join(dir, "**", "*.json")}, []string{"a.json", "b.json", "deal-7/c.json"}, false},
		{"overlapping patterns dedupe", []string{filepath.Join(dir, "a.json"), filepath.Join(dir, "*.json")}, []string{"a.json", "b.json"}, false},
		{"no match", []string{filepath.Join(dir, "*.yaml")}, nil, false},
		{"missing file", []string{filepath.Join(dir, "missing.json")}, nil, true},
		{"directory", []string{dir}, nil, true},
		{"blank patterns ignored", []string{"", "  "}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Collect(tt.patterns)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			var rel []string
			for _, p := range got {
				r, err := filepath.Rel(dir, p)
				require.NoError(t, err)
				rel = append(rel, filepath.ToSlash(r))
			}
			assert.Equal(t, tt.want, rel)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"bad pattern", Config{Pattern: "[", Debounce: time.Second}, true},
		{"empty pattern", Config{Debounce: time.Second}, true},
		{"debounce too short", Config{Pattern: "*.json", Debounce: time.Millisecond}, true},
		{"debounce too long", Config{Pattern: "*.json", Debounce: time.Hour}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) handle(fail string) Handler {
	return func(_ context.Context, path string) error {
		r.mu.Lock()
		r.paths = append(r.paths, filepath.Base(path))
		r.mu.Unlock()
		if strings.Contains(path, fail) {
			return errors.New("bad batch")
		}
		return nil
	}
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func TestWatcherHandlesExistingAndNewBatches(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "early.json"), "{}")

	rec := &recorder{}
	w, err := NewWatcher(dir, Config{Pattern: "*.json", Debounce: 20 * time.Millisecond}, rec.handle("broken"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, DoneDir, "early.json"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "batch present at startup is handled")

	writeFile(t, filepath.Join(dir, "late.json"), "{}")
	writeFile(t, filepath.Join(dir, "broken.json"), "{}")
	writeFile(t, filepath.Join(dir, "ignored.txt"), "")

	assert.Eventually(t, func() bool {
		_, errDone := os.Stat(filepath.Join(dir, DoneDir, "late.json"))
		_, errFailed := os.Stat(filepath.Join(dir, FailedDir, "broken.json"))
		return errDone == nil && errFailed == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.ElementsMatch(t, []string{"early.json", "late.json", "broken.json"}, rec.seen())
	_, err = os.Stat(filepath.Join(dir, "ignored.txt"))
	assert.NoError(t, err, "files outside the pattern stay put")
}

func TestArchiveAvoidsOverwrite(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, DefaultConfig(), func(context.Context, string) error { return nil }, nil)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, DoneDir), 0755))

	writeFile(t, filepath.Join(dir, DoneDir, "batch.json"), "old")
	writeFile(t, filepath.Join(dir, "batch.json"), "new")

	target, err := w.archive(filepath.Join(w.dir, "batch.json"), DoneDir)
	require.NoError(t, err)
	assert.NotEqual(t, filepath.Join(w.dir, DoneDir, "batch.json"), target)

	old, err := os.ReadFile(filepath.Join(dir, DoneDir, "batch.json"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
}

func TestNewWatcherValidation(t *testing.T) {
	_, err := NewWatcher(t.TempDir(), DefaultConfig(), nil, nil)
	assert.Error(t, err)

	_, err = NewWatcher(t.TempDir(), Config{Pattern: "*.json"}, func(context.Context, string) error { return nil }, nil)
	assert.Error(t, err)
}

func TestLock(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), lock.PID)

	_, err = AcquireLock(dir)
	assert.True(t, errors.Is(err, ErrLocked), "live holder keeps the lock, got %v", err)

	require.NoError(t, lock.Release())
	_, err = os.Stat(filepath.Join(dir, LockName))
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, lock.Release(), "release is idempotent")
}

func TestLockTakesOverStaleHolder(t *testing.T) {
	dir := t.TempDir()
	host, err := os.Hostname()
	require.NoError(t, err)
	// PID 0 never names a live process
	writeFile(t, filepath.Join(dir, LockName), `{"pid": 0, "hostname": "`+host+`", "started_at": "2026-01-01T00:00:00Z"}`)

	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	defer lock.Release()
	assert.Equal(t, os.Getpid(), lock.PID)
}

func TestIsProcessAliveRemoteHost(t *testing.T) {
	assert.True(t, isProcessAlive(12345, "some-other-host.example"))
	assert.True(t, isProcessAlive(os.Getpid(), mustHostname(t)))
}

func mustHostname(t *testing.T) string {
	t.Helper()
	h, err := os.Hostname()
	require.NoError(t, err)
	return h
}
