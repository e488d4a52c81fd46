package config

import "testing"

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_PASSWORD", "test-password")
	t.Setenv("PROVIDER_API_KEY", "test-provider-key")
	t.Setenv("ADMIN_API_TOKEN", "test-admin-token")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Metering.SearchCost != 1 {
		t.Errorf("expected default search cost 1, got %d", cfg.Metering.SearchCost)
	}
	if cfg.Metering.RetryMaxAttempts != 3 {
		t.Errorf("expected default retry attempts 3, got %d", cfg.Metering.RetryMaxAttempts)
	}
}

func TestLoadConfigRequiresDBPassword(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DB_PASSWORD", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected an error without DB_PASSWORD")
	}
}

func TestLoadConfigRejectsNonPositiveSearchCost(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("METERING_SEARCH_COST", "0")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected an error with search cost 0")
	}

	t.Setenv("METERING_SEARCH_COST", "-5")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected an error with negative search cost")
	}
}

func TestLoadConfigRejectsZeroRetryAttempts(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("METERING_RETRY_MAX_ATTEMPTS", "0")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected an error with zero retry attempts")
	}
}
