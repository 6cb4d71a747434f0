package config

import (
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != "sqlite" || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database settings %s %s", cfg.DatabaseDriver, cfg.DatabasePath)
	}
	if cfg.SessionCookieName != defaultCookieName || cfg.SessionIssuer != defaultIssuer {
		t.Fatalf("unexpected session settings %s %s", cfg.SessionCookieName, cfg.SessionIssuer)
	}
	if cfg.AdminRole != defaultAdminRole {
		t.Fatalf("unexpected admin role %s", cfg.AdminRole)
	}
	if cfg.ReceiptPrefix != defaultReceiptPrefix {
		t.Fatalf("unexpected receipt prefix %s", cfg.ReceiptPrefix)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	_, err := Load(NewViper())
	if err == nil || !strings.Contains(err.Error(), "session.signing_secret") {
		t.Fatalf("expected signing secret error, got %v", err)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("BALLOTBOX_SESSION_SIGNING_SECRET", "from-env")
	t.Setenv("BALLOTBOX_DATABASE_DRIVER", "POSTGRES")
	t.Setenv("BALLOTBOX_DATABASE_DSN", "postgres://ballotbox@localhost/ballotbox")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SessionSigningSecret != "from-env" {
		t.Fatalf("expected secret from environment, got %q", cfg.SessionSigningSecret)
	}
	if cfg.DatabaseDriver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", cfg.DatabaseDriver)
	}
}

func TestLoadStorageRejectsPostgresWithoutDSN(t *testing.T) {
	configViper := NewViper()
	configViper.Set("database.driver", "postgres")
	if _, err := LoadStorage(configViper); err == nil {
		t.Fatalf("expected dsn error")
	}
}
