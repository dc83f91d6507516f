package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func resetGlobals() {
	CloseAll()
	logsDir = ""
	dataDir = ""
	config = loggingConfig{}
	logLevel = LevelInfo
}

func TestInitialize_NoConfigIsSilentNoOp(t *testing.T) {
	defer resetGlobals()

	dir := filepath.Join(t.TempDir(), ".darwin")
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if IsDebugMode() {
		t.Error("expected production mode without config")
	}
	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Error("logs directory should not be created in production mode")
	}

	// Logging in production mode must not panic or write anything.
	Hook("session %s started", "abc")
}

func TestInitialize_DebugModeWritesLogs(t *testing.T) {
	defer resetGlobals()

	dir := filepath.Join(t.TempDir(), ".darwin")
	writeConfig(t, dir, `{"logging": {"debug_mode": true, "level": "debug"}}`)

	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if !IsDebugMode() {
		t.Fatal("expected debug mode")
	}

	Mutation("applied %s", "absorb")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("reading logs dir: %v", err)
	}
	if len(entries) == 0 {
		t.Error("expected a log file to be created")
	}
}

func TestCategoryFilter(t *testing.T) {
	defer resetGlobals()

	dir := filepath.Join(t.TempDir(), ".darwin")
	writeConfig(t, dir, `{"logging": {"debug_mode": true, "categories": {"hook": false}}}`)

	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	if IsCategoryEnabled(CategoryHook) {
		t.Error("hook category should be disabled")
	}
	if !IsCategoryEnabled(CategoryMutation) {
		t.Error("unlisted categories should default to enabled")
	}
}

func TestInitialize_EmptyDirIsError(t *testing.T) {
	defer resetGlobals()

	if err := Initialize(""); err == nil {
		t.Error("expected error for empty data dir")
	}
}
