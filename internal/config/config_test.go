package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.CreationWindow != 72*time.Hour {
		t.Fatalf("expected 72h creation window, got %s", cfg.CreationWindow)
	}
	if cfg.UpdateWindow != 2*time.Hour {
		t.Fatalf("expected 2h update window, got %s", cfg.UpdateWindow)
	}
	if cfg.Database.Driver != DatabaseDriverSQLite || cfg.Database.Path != defaultDatabasePath {
		t.Fatalf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.TokenTTL != 24*time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.SMS.Enabled() || cfg.SMTP.Enabled() {
		t.Fatalf("expected notifications disabled without credentials")
	}
	if len(cfg.TrustedProxies) != 0 {
		t.Fatalf("expected no trusted proxies by default, got %v", cfg.TrustedProxies)
	}
}

func TestLoadTrimsPublicBaseURL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("http.public_base_url", "https://atelier.example.com/ ")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.PublicBaseURL != "https://atelier.example.com" {
		t.Fatalf("unexpected public base url %q", cfg.PublicBaseURL)
	}
}

func TestLoadValidationFailures(t *testing.T) {
	testCases := []struct {
		name    string
		values  map[string]any
		wantErr string
	}{
		{
			name:    "missing-secret",
			values:  map[string]any{},
			wantErr: "auth.signing_secret",
		},
		{
			name:    "postgres-without-dsn",
			values:  map[string]any{"auth.signing_secret": "s", "database.driver": "postgres"},
			wantErr: "database.dsn",
		},
		{
			name:    "unknown-driver",
			values:  map[string]any{"auth.signing_secret": "s", "database.driver": "mysql"},
			wantErr: "not supported",
		},
		{
			name:    "zero-update-window",
			values:  map[string]any{"auth.signing_secret": "s", "sharelinks.update_window": "0s"},
			wantErr: "sharelinks.update_window",
		},
		{
			name:    "bad-smtp-tls",
			values:  map[string]any{"auth.signing_secret": "s", "smtp.tls": "ssl3"},
			wantErr: "smtp.tls",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestLoadSplitsListValues(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("http.allowed_origins", "https://a.example.com, https://b.example.com")
	configViper.Set("google.mobile_client_ids", "ios-client,, android-client")
	configViper.Set("http.trusted_proxies", "10.0.0.0/8,192.168.1.5")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if len(cfg.GoogleMobileIDs) != 2 || cfg.GoogleMobileIDs[0] != "ios-client" || cfg.GoogleMobileIDs[1] != "android-client" {
		t.Fatalf("unexpected mobile client ids %v", cfg.GoogleMobileIDs)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[0] != "10.0.0.0/8" {
		t.Fatalf("unexpected trusted proxies %v", cfg.TrustedProxies)
	}
}
