package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	for _, key := range envKeys {
		unsetEnvWithCleanup(t, key)
	}
	unsetEnvWithCleanup(t, "PORT")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if !cfg.FeePercent.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected default fee of 1%%, got %s", cfg.FeePercent)
	}
	if cfg.RetryDelay() != time.Minute || cfg.ExchangeStatusDelay() != 5*time.Minute || cfg.MaxRetryDuration() != 24*time.Hour {
		t.Fatalf("unexpected default timings: retry=%s status=%s max=%s", cfg.RetryDelay(), cfg.ExchangeStatusDelay(), cfg.MaxRetryDuration())
	}
	if !cfg.ReestimateThreshold.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("expected default re-estimate tolerance 0.02, got %s", cfg.ReestimateThreshold)
	}
	for _, role := range []string{RoleOrchestrator, RoleExecutor, RoleWorker} {
		if !cfg.HasRole(role) {
			t.Fatalf("expected default roles to include %s", role)
		}
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8080")
	setEnvWithCleanup(t, "PORT", "9090")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_ClampsOutOfRangeValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "RETRY_DELAY_SECONDS", "0")
	setEnvWithCleanup(t, "MAX_RETRY_DURATION_HOURS", "10000")
	setEnvWithCleanup(t, "EXCHANGE_MAX_ATTEMPTS", "50")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.RetryDelay() != time.Second {
		t.Fatalf("expected retry delay raised to 1s, got %s", cfg.RetryDelay())
	}
	if cfg.MaxRetryDuration() != 168*time.Hour {
		t.Fatalf("expected max retry duration capped at a week, got %s", cfg.MaxRetryDuration())
	}
	if cfg.ExchangeMaxAttempts != 10 {
		t.Fatalf("expected attempts capped at 10, got %d", cfg.ExchangeMaxAttempts)
	}
}

func TestLoadConfig_RejectsInvalidFeePercent(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SETTLEMENT_SUCCESS_FEE_PERCENT", "150")

	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatal("expected an error for a fee above 100%")
	}
}

func TestLoadConfig_ReadsDotEnvFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	unsetEnvWithCleanup(t, "SERVICE_ROLES")
	unsetEnvWithCleanup(t, "TASK_QUEUES")

	dir := t.TempDir()
	content := "SERVICE_ROLES=worker\nTASK_QUEUES=settlement.execute, settlement.orchestrate\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.HasRole(RoleExecutor) || !cfg.HasRole(RoleWorker) {
		t.Fatalf("expected only the worker role, got %v", cfg.Roles())
	}
	if got := cfg.Queues(); len(got) != 2 || got[0] != "settlement.execute" || got[1] != "settlement.orchestrate" {
		t.Fatalf("unexpected queues %v", got)
	}
}

func TestValidate_NamesMissingSettingsPerRole(t *testing.T) {
	cfg := Config{
		ServiceRoles:         "executor",
		DatabaseURL:          "postgres://settlement@localhost/settlement",
		RabbitMQURL:          "amqp://localhost",
		ChainRPCURL:          "http://localhost:8545",
		HostWalletPrivateKey: "secret-key-material",
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected missing token secrets")
	}
	if !strings.Contains(err.Error(), "TOKEN_SECRET_EXECUTION") || !strings.Contains(err.Error(), "TOKEN_SECRET_REPORT") {
		t.Fatalf("expected token secrets named, got %v", err)
	}
	if strings.Contains(err.Error(), "secret-key-material") {
		t.Fatal("validation error must not echo secret values")
	}
	if strings.Contains(err.Error(), "EXCHANGE_API_KEY") {
		t.Fatalf("executor does not need the exchange key: %v", err)
	}

	cfg.TokenSecretExecution = "e"
	cfg.TokenSecretReport = "r"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid executor config, got %v", err)
	}
}

func TestValidate_RejectsUnknownRole(t *testing.T) {
	cfg := Config{ServiceRoles: "orchestrator,signer"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "signer") {
		t.Fatalf("expected unknown role error, got %v", err)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
