package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// execute runs the root command with args. Flags are package globals, so
// these tests do not run in parallel.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "narrator ") {
		t.Errorf("output = %q, want narrator prefix", out)
	}
}

func TestMigrate_SQLite(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "data", "prefs.db")
	cfg := writeConfig(t, "tts:\n  name: mock\nstore:\n  backend: sqlite\n  sqlite_path: "+db+"\n")

	out, err := execute(t, "migrate", "--config", cfg, "--env-file", filepath.Join(dir, "none.env"))
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "sqlite store is up to date") {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(db); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestMigrate_MemoryRejected(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, "tts:\n  name: mock\nstore:\n  backend: memory\n")

	_, err := execute(t, "migrate", "--config", cfg, "--env-file", filepath.Join(dir, "none.env"))
	if err == nil || !strings.Contains(err.Error(), "has no schema") {
		t.Errorf("err = %v, want no schema error", err)
	}
}

func TestServe_RequiresToken(t *testing.T) {
	t.Setenv("NARRATOR_DISCORD_TOKEN", "")
	dir := t.TempDir()
	cfg := writeConfig(t, "tts:\n  name: mock\nstore:\n  backend: memory\n")

	_, err := execute(t, "serve", "--config", cfg, "--env-file", filepath.Join(dir, "none.env"))
	if err == nil || !strings.Contains(err.Error(), "token is required") {
		t.Errorf("err = %v, want token error", err)
	}
}

func TestMissingConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "migrate", "--config", filepath.Join(dir, "absent.yaml"), "--env-file", filepath.Join(dir, "none.env"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestEvents_RequiresNATS(t *testing.T) {
	t.Setenv("NARRATOR_NATS_URL", "")
	dir := t.TempDir()
	cfg := writeConfig(t, "tts:\n  name: mock\nstore:\n  backend: memory\n")

	_, err := execute(t, "events", "--config", cfg, "--env-file", filepath.Join(dir, "none.env"))
	if err == nil || !strings.Contains(err.Error(), "nats_url") {
		t.Errorf("err = %v, want nats_url error", err)
	}
}
