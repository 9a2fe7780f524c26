package main

import (
	"path/filepath"
	"testing"
)

func TestRunReturnsOnStoreFailure(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	dir := filepath.Join(t.TempDir(), "logs")
	if code := run([]string{"-store", "redis://localhost:6379", "-log-dir", dir}); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestRunRequiresStoreURI(t *testing.T) {
	t.Setenv("MONGO_URI", "")
	if code := run([]string{"-log-dir", t.TempDir()}); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	if code := run([]string{"-no-such-flag"}); code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
}
