package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := `# comment
CREWD_TEST_UNSET=from_file
CREWD_TEST_PRESET=from_file
CREWD_TEST_QUOTED="quoted value"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("CREWD_TEST_PRESET", "from_env")
	t.Setenv("CREWD_TEST_UNSET", "")
	t.Setenv("CREWD_TEST_QUOTED", "")
	os.Unsetenv("CREWD_TEST_UNSET")
	os.Unsetenv("CREWD_TEST_QUOTED")

	loadDotEnv(path)

	if got := os.Getenv("CREWD_TEST_UNSET"); got != "from_file" {
		t.Fatalf("unset var: got %q, want from_file", got)
	}
	if got := os.Getenv("CREWD_TEST_PRESET"); got != "from_env" {
		t.Fatalf("preset var must win: got %q", got)
	}
	if got := os.Getenv("CREWD_TEST_QUOTED"); got != "quoted value" {
		t.Fatalf("quoted var: got %q", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	// Missing file is not an error path, just a no-op.
	loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
}
