package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseTimeArg(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseTimeArg("--before", "48h", now)
	if err != nil || !got.Equal(now.Add(-48*time.Hour)) {
		t.Fatalf("age cutoff: %v %v", got, err)
	}

	got, err = parseTimeArg("--before", "2025-01-01T00:00:00Z", now)
	if err != nil || !got.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp cutoff: %v %v", got, err)
	}

	for _, bad := range []string{"", "-1h", "yesterday"} {
		if _, err := parseTimeArg("--before", bad, now); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("MARKETDIGEST_TEST_ENV_FILE=loaded\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("MARKETDIGEST_TEST_ENV_FILE") })

	if err := loadEnvFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("MARKETDIGEST_TEST_ENV_FILE"); got != "loaded" {
		t.Fatalf("expected variable from env file, got %q", got)
	}
}
