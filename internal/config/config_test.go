package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error for missing file: %v", err)
	}
	if cfg.Watchdog.HeartbeatTimeout.Std() != DefaultHeartbeatTimeout {
		t.Fatalf("heartbeat timeout = %v, want %v", cfg.Watchdog.HeartbeatTimeout.Std(), DefaultHeartbeatTimeout)
	}
	if cfg.Registry.EvictHigh != DefaultEvictHigh || cfg.Registry.EvictLow != DefaultEvictLow {
		t.Fatalf("eviction bounds = %d/%d, want %d/%d",
			cfg.Registry.EvictHigh, cfg.Registry.EvictLow, DefaultEvictHigh, DefaultEvictLow)
	}
}

func TestLoad_ClampsHeartbeatTimeout(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want time.Duration
	}{
		{name: "below minimum", yaml: "watchdog:\n  heartbeat_timeout: 5s\n", want: MinHeartbeatTimeout},
		{name: "above maximum", yaml: "watchdog:\n  heartbeat_timeout: 48h\n", want: MaxHeartbeatTimeout},
		{name: "in range", yaml: "watchdog:\n  heartbeat_timeout: 2m\n", want: 2 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Watchdog.HeartbeatTimeout.Std() != tt.want {
				t.Fatalf("heartbeat timeout = %v, want %v", cfg.Watchdog.HeartbeatTimeout.Std(), tt.want)
			}
		})
	}
}

func TestLoad_InvertedEvictionBoundsFixed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "registry:\n  evict_high: 100\n  evict_low: 500\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Registry.EvictLow >= cfg.Registry.EvictHigh {
		t.Fatalf("eviction bounds not repaired: high=%d low=%d",
			cfg.Registry.EvictHigh, cfg.Registry.EvictLow)
	}
}

func TestFindRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".opsdeck"), 0o755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := FindRoot(nested)
	if err != nil {
		t.Fatalf("FindRoot failed: %v", err)
	}
	// t.TempDir may sit behind a symlink (macOS); compare resolved paths.
	wantResolved, _ := filepath.EvalSymlinks(root)
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != wantResolved {
		t.Fatalf("FindRoot = %q, want %q", gotResolved, wantResolved)
	}
}
