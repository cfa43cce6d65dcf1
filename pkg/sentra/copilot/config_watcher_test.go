package copilot

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestConfigWatcherDetectsChanges(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("name: first\n"), 0o600); err != nil {
		t.Fatalf("failed to write initial config: %v", err)
	}

	var mu sync.Mutex
	var names []string
	watcher := NewConfigWatcher(configPath, 50*time.Millisecond, func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, cfg.Name)
	}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Start(ctx)
	time.Sleep(100 * time.Millisecond)

	seen := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), names...)
	}

	t.Run("applies a valid change", func(t *testing.T) {
		if err := os.WriteFile(configPath, []byte("name: second\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool { n := seen(); return len(n) == 1 && n[0] == "second" })
	})

	t.Run("ignores touch without change", func(t *testing.T) {
		now := time.Now()
		if err := os.Chtimes(configPath, now, now); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(configPath, []byte("name: second\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(200 * time.Millisecond)
		if n := seen(); len(n) != 1 {
			t.Errorf("unchanged content triggered a reload: %v", n)
		}
	})

	t.Run("keeps config on invalid yaml", func(t *testing.T) {
		if err := os.WriteFile(configPath, []byte("name: [broken\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(200 * time.Millisecond)
		if n := seen(); len(n) != 1 {
			t.Fatalf("invalid config was applied: %v", n)
		}

		// The next valid write still goes through.
		if err := os.WriteFile(configPath, []byte("name: third\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		waitFor(t, func() bool { n := seen(); return len(n) == 2 && n[1] == "third" })
	})
}

func TestConfigWatcherStop(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("name: test\n"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	watcher := NewConfigWatcher(configPath, 50*time.Millisecond, func(*Config) {}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		watcher.Start(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("watcher did not stop in time")
	}
}
