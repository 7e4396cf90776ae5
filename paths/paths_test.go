package paths

import (
	"os"
	"path/filepath"
	"testing"
)

// setTestHome points HOME at a temp dir and clears XDG vars so each test
// starts from a clean resolution state.
func setTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	os.Unsetenv("XDG_CONFIG_HOME")
	os.Unsetenv("XDG_STATE_HOME")
	Reset()
	t.Cleanup(Reset)
	return home
}

func TestFreshInstallDefaultsToLegacy(t *testing.T) {
	home := setTestHome(t)

	dir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir() error: %v", err)
	}
	want := filepath.Join(home, ".manifold")
	if dir != want {
		t.Errorf("ConfigDir() = %q, want %q", dir, want)
	}
	if !IsLegacyLayout() {
		t.Error("IsLegacyLayout() = false, want true for fresh install")
	}
}

func TestLegacyDirWinsOverXDG(t *testing.T) {
	home := setTestHome(t)

	legacy := filepath.Join(home, ".manifold")
	if err := os.MkdirAll(legacy, 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "xdg-config"))
	Reset()

	dir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir() error: %v", err)
	}
	if dir != legacy {
		t.Errorf("ConfigDir() = %q, want legacy %q", dir, legacy)
	}
}

func TestXDGLayout(t *testing.T) {
	home := setTestHome(t)

	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "cfg"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, "state"))
	Reset()

	configDir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir() error: %v", err)
	}
	if want := filepath.Join(home, "cfg", "manifold"); configDir != want {
		t.Errorf("ConfigDir() = %q, want %q", configDir, want)
	}

	stateDir, err := StateDir()
	if err != nil {
		t.Fatalf("StateDir() error: %v", err)
	}
	if want := filepath.Join(home, "state", "manifold"); stateDir != want {
		t.Errorf("StateDir() = %q, want %q", stateDir, want)
	}

	if IsLegacyLayout() {
		t.Error("IsLegacyLayout() = true, want false with XDG vars set")
	}
}

func TestXDGPartialFallsBackToDefaults(t *testing.T) {
	home := setTestHome(t)

	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "cfg"))
	Reset()

	stateDir, err := StateDir()
	if err != nil {
		t.Fatalf("StateDir() error: %v", err)
	}
	want := filepath.Join(home, ".local", "state", "manifold")
	if stateDir != want {
		t.Errorf("StateDir() = %q, want %q", stateDir, want)
	}
}

func TestConfigFilePath(t *testing.T) {
	home := setTestHome(t)

	path, err := ConfigFilePath()
	if err != nil {
		t.Fatalf("ConfigFilePath() error: %v", err)
	}
	want := filepath.Join(home, ".manifold", "manifold.yaml")
	if path != want {
		t.Errorf("ConfigFilePath() = %q, want %q", path, want)
	}
}

func TestLogsDirUnderStateDir(t *testing.T) {
	home := setTestHome(t)

	dir, err := LogsDir()
	if err != nil {
		t.Fatalf("LogsDir() error: %v", err)
	}
	want := filepath.Join(home, ".manifold", "logs")
	if dir != want {
		t.Errorf("LogsDir() = %q, want %q", dir, want)
	}
}
