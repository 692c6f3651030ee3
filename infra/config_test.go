package infra

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	if err := LoadConfig(writeConfig(t, "app:\n  name: api-marketplace\n")); err != nil {
		t.Fatal(err)
	}

	want := DefaultConfig()
	if AppConfig.Billing.Store != DeductionStoreMongoDB || AppConfig.Billing.Store != want.Billing.Store {
		t.Errorf("billing.store = %q, want %q", AppConfig.Billing.Store, DeductionStoreMongoDB)
	}
	if AppConfig.Ledger.TimeoutMs != want.Ledger.TimeoutMs || AppConfig.RateLimit.Global.MaxRequests != want.RateLimit.Global.MaxRequests {
		t.Errorf("defaults not applied: %+v", AppConfig)
	}
}

func TestLoadConfigRejectsUnknownStore(t *testing.T) {
	err := LoadConfig(writeConfig(t, "billing:\n  store: postgres\n"))
	if err == nil || !strings.Contains(err.Error(), "billing.store") {
		t.Fatalf("err = %v, want billing.store error", err)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "s3cret")
	if err := LoadConfig(writeConfig(t, "billing:\n  store: sqlite\njwt:\n  secret_key: ${TEST_JWT_SECRET}\n")); err != nil {
		t.Fatal(err)
	}
	if AppConfig.JWT.SecretKey != "s3cret" || AppConfig.Billing.Store != DeductionStoreSQLite {
		t.Fatalf("jwt = %q, store = %q", AppConfig.JWT.SecretKey, AppConfig.Billing.Store)
	}
}
