package rules

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempRules(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndDefaults(t *testing.T) {
	path := writeTempRules(t, `
applications:
  web:
    start_sequence: 1
    running_failure_strategy: RESTART
processes:
  web:server:
    required: true
`)
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	app := s.Application("web")
	if app.StartSequence != 1 || app.FailureStrategy != StrategyRestart {
		t.Fatalf("unexpected application rules: %+v", app)
	}
	if got := s.Application("missing"); got != DefaultApplicationRules {
		t.Fatalf("expected default rules for unknown application, got %+v", got)
	}
	proc := s.Process("web:server")
	if !proc.Required {
		t.Fatal("expected required=true")
	}
	if s.Hash() == 0 {
		t.Fatal("expected a non-zero content hash")
	}
}

func TestLoadUnparsableIsError(t *testing.T) {
	path := writeTempRules(t, "not: [valid: yaml")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadMissingFileIsError(t *testing.T) {
	if _, err := Load("/nonexistent/rules.yaml"); err == nil {
		t.Fatal("expected read error")
	}
}
