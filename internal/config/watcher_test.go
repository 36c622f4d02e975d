package config

import (
	"os"
	"sync"
	"testing"
	"time"
)

func TestWatcherReloadsServers(t *testing.T) {
	path := writeConfig(t, `{"servers":[{"id":"a","host":"h","user":"u"}]}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	var mu sync.Mutex
	reloads := 0
	w := NewWatcher(cfg, func(*Config) {
		mu.Lock()
		reloads++
		mu.Unlock()
	})
	if w == nil {
		t.Skip("fsnotify unavailable")
	}
	if err := w.Start(); err != nil {
		t.Fatalf("watcher start failed: %v", err)
	}
	defer w.Stop()

	updated := `{"servers":[{"id":"a","host":"h","user":"u"},{"id":"b","host":"h2","user":"u"}]}`
	if err := os.WriteFile(path, []byte(updated), 0600); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := cfg.FindServer("b"); ok {
			mu.Lock()
			n := reloads
			mu.Unlock()
			if n == 0 {
				t.Error("reload callback never invoked")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server b never appeared after config rewrite")
}

func TestWatcherKeepsConfigOnBadReload(t *testing.T) {
	path := writeConfig(t, `{"servers":[{"id":"a","host":"h","user":"u"}]}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	w := NewWatcher(cfg, nil)
	if w == nil {
		t.Skip("fsnotify unavailable")
	}
	if err := w.Start(); err != nil {
		t.Fatalf("watcher start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte(`{ not json`), 0600); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	// Give the debounce and reload a chance to run, then confirm the old
	// server list survived.
	time.Sleep(600 * time.Millisecond)
	if _, ok := cfg.FindServer("a"); !ok {
		t.Error("previous config lost after failed reload")
	}
}
