package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePaths_UsesUserConfigDir(t *testing.T) {
	configHome := filepath.Join(t.TempDir(), "cfg")
	t.Setenv("XDG_CONFIG_HOME", configHome)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("AppData", configHome)

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}

	cfgRoot, err := os.UserConfigDir()
	if err != nil {
		t.Fatalf("user config dir: %v", err)
	}
	wantRoot := filepath.Join(cfgRoot, Name)
	if paths.RootDir != wantRoot {
		t.Fatalf("expected root %q, got %q", wantRoot, paths.RootDir)
	}
	if paths.ConfigFile != filepath.Join(wantRoot, ConfigFilename) {
		t.Fatalf("unexpected config file %q", paths.ConfigFile)
	}
	if paths.DBFile != filepath.Join(wantRoot, DBFilename) {
		t.Fatalf("unexpected db file %q", paths.DBFile)
	}
	if info, err := os.Stat(wantRoot); err != nil || !info.IsDir() {
		t.Fatalf("expected root dir to exist: %v", err)
	}
}

func TestResolvePathsIn(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "tempctl")

	paths, err := ResolvePathsIn(root)
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}
	if paths.LogFile != filepath.Join(root, LogFilename) {
		t.Fatalf("unexpected log file %q", paths.LogFile)
	}
	if _, err := os.Stat(root); err != nil {
		t.Fatalf("expected root to be created: %v", err)
	}
}
