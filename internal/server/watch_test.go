package server

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatchConfigDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calhub.toml")
	if err := os.WriteFile(path, []byte("# v1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	w, err := watchConfig(path, func() { calls.Add(1) }, zerolog.Nop())
	if err != nil {
		t.Fatalf("watchConfig: %v", err)
	}
	defer w.Close()

	for i := range 3 {
		if err := os.WriteFile(path, []byte("# v"+string(rune('2'+i))+"\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	// Unrelated files in the directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(2 * reloadDebounce)
	if got := calls.Load(); got != 1 {
		t.Errorf("onChange called %d times, want 1", got)
	}
}
