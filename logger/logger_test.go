package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/manifoldhq/manifold-core/paths"
)

// setTestHome isolates logger state and the home directory for each test.
func setTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	os.Unsetenv("XDG_CONFIG_HOME")
	os.Unsetenv("XDG_STATE_HOME")
	paths.Reset()
	t.Cleanup(paths.Reset)
	Reset()
	t.Cleanup(Reset)
	return home
}

func TestInitCreatesLogFile(t *testing.T) {
	home := setTestHome(t)

	path := filepath.Join(home, "logs", "test.log")
	if err := Init(path); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	Get().Info("hello", "key", "value")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("log file missing entry, got: %s", data)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	home := setTestHome(t)

	first := filepath.Join(home, "first.log")
	second := filepath.Join(home, "second.log")

	if err := Init(first); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if err := Init(second); err != nil {
		t.Fatalf("second Init() error: %v", err)
	}

	// Second path should not exist - first Init wins
	if _, err := os.Stat(second); !os.IsNotExist(err) {
		t.Error("second Init() should be a no-op after first")
	}
}

func TestWithSessionAttachesField(t *testing.T) {
	home := setTestHome(t)

	path := filepath.Join(home, "session.log")
	if err := Init(path); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	WithSession("sess-42").Info("registered")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "sessionID=sess-42") {
		t.Errorf("log entry missing sessionID field, got: %s", data)
	}
}

func TestWithComponentAttachesField(t *testing.T) {
	home := setTestHome(t)

	path := filepath.Join(home, "component.log")
	if err := Init(path); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	WithComponent("router").Warn("dropped frame")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "component=router") {
		t.Errorf("log entry missing component field, got: %s", data)
	}
}

func TestSetDebugControlsLevel(t *testing.T) {
	home := setTestHome(t)

	path := filepath.Join(home, "debug.log")
	if err := Init(path); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	Get().Debug("hidden")
	SetDebug(true)
	Get().Debug("visible")
	SetDebug(false)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if strings.Contains(string(data), "hidden") {
		t.Error("debug entry logged while debug disabled")
	}
	if !strings.Contains(string(data), "visible") {
		t.Error("debug entry missing while debug enabled")
	}
}

func TestWireLogPath(t *testing.T) {
	setTestHome(t)

	wirePath, err := WireLogPath("abc")
	if err != nil {
		t.Fatalf("WireLogPath() error: %v", err)
	}
	if !strings.HasSuffix(wirePath, filepath.Join("logs", "wire-abc.log")) {
		t.Errorf("WireLogPath() = %q, want wire-abc.log under logs dir", wirePath)
	}
}

func TestClearLogs(t *testing.T) {
	home := setTestHome(t)

	logsDir := filepath.Join(home, ".manifold", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"manifold.log", "wire-1.log", "keep.txt"} {
		if err := os.WriteFile(filepath.Join(logsDir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	count, err := ClearLogs()
	if err != nil {
		t.Fatalf("ClearLogs() error: %v", err)
	}
	if count != 2 {
		t.Errorf("ClearLogs() removed %d files, want 2", count)
	}
	if _, err := os.Stat(filepath.Join(logsDir, "keep.txt")); err != nil {
		t.Error("ClearLogs() removed unrelated file")
	}
}
