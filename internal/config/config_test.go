package config

import (
	"os"
	"testing"
)

func setEnvs(t *testing.T, vars map[string]string) func() {
	t.Helper()
	var unset []string
	for k, v := range vars {
		if _, had := os.LookupEnv(k); !had {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}
	return func() {
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL":    "postgres://localhost/test",
		"MQTT_BROKER_URL": "tcp://localhost:1883",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.MQTTClientID != "echofabric" {
			t.Errorf("MQTTClientID = %q, want echofabric", cfg.MQTTClientID)
		}
		if cfg.OfflineQueueTTL.Hours() != 720 {
			t.Errorf("OfflineQueueTTL = %v, want 720h", cfg.OfflineQueueTTL)
		}
		if cfg.PrekeyLowWatermark != 20 {
			t.Errorf("PrekeyLowWatermark = %d, want 20", cfg.PrekeyLowWatermark)
		}
		if cfg.AdminToken == "" || !cfg.AdminTokenGenerated {
			t.Error("expected an auto-generated admin token when auth is enabled")
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:       "nonexistent.env",
			HTTPAddr:      ":9090",
			LogLevel:      "debug",
			DatabaseURL:   "postgres://override/db",
			MQTTBrokerURL: "tcp://override:1883",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
	})

	t.Run("auth_disabled_clears_token", func(t *testing.T) {
		cleanup := setEnvs(t, map[string]string{"AUTH_ENABLED": "false"})
		defer cleanup()
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.AdminToken != "" {
			t.Errorf("AdminToken = %q, want empty when auth disabled", cfg.AdminToken)
		}
	})
}

func TestValidate(t *testing.T) {
	t.Run("missing_database_url", func(t *testing.T) {
		cfg := &Config{MQTTBrokerURL: "tcp://x"}
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for missing DATABASE_URL")
		}
	})

	t.Run("missing_mqtt_broker", func(t *testing.T) {
		cfg := &Config{DatabaseURL: "postgres://x"}
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for missing MQTT_BROKER_URL")
		}
	})

	t.Run("valid", func(t *testing.T) {
		cfg := &Config{DatabaseURL: "postgres://x", MQTTBrokerURL: "tcp://x"}
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
