package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "ATELIER"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultPublicBaseURL     = "http://localhost:3000"
	defaultDatabaseDriver    = DatabaseDriverSQLite
	defaultDatabasePath      = "atelier.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "atelier_session"
	defaultTokenTTLMinutes   = 24 * 60
	defaultGoogleJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
	defaultCreationWindow    = 72 * time.Hour
	defaultUpdateWindow      = 2 * time.Hour
	defaultSMSBaseURL        = "https://api.twilio.com"
	defaultSMTPPort          = 587
	defaultSMTPTLS           = "starttls"
	defaultPublicRateLimit   = 2.0
	defaultPublicBurst       = 10
	defaultAnalyticsCacheTTL = time.Minute
)

// Supported database drivers.
const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	PublicBaseURL     string
	AllowedOrigins    []string
	TrustedProxies    []string
	Database          DatabaseConfig
	LogLevel          string
	SigningSecret     string
	CookieName        string
	TokenTTL          time.Duration
	GoogleClientID    string
	GoogleMobileIDs   []string
	GoogleJWKSURL     string
	CreationWindow    time.Duration
	UpdateWindow      time.Duration
	SMS               SMSConfig
	SMTP              SMTPConfig
	RedisURL          string
	PublicRateLimit   float64
	PublicRateBurst   int
	PolicyPath        string
	AnalyticsCacheTTL time.Duration
}

// DatabaseConfig selects the storage driver and its location.
type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

// SMSConfig describes the Twilio-compatible SMS provider.
type SMSConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Enabled reports whether enough credentials are present to send messages.
func (c SMSConfig) Enabled() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

// SMTPConfig describes the outgoing mail relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	TLS      string
}

// Enabled reports whether a relay host and sender are configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.public_base_url", defaultPublicBaseURL)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("sharelinks.creation_window", defaultCreationWindow)
	configViper.SetDefault("sharelinks.update_window", defaultUpdateWindow)
	configViper.SetDefault("sms.base_url", defaultSMSBaseURL)
	configViper.SetDefault("smtp.port", defaultSMTPPort)
	configViper.SetDefault("smtp.tls", defaultSMTPTLS)
	configViper.SetDefault("ratelimit.public_rps", defaultPublicRateLimit)
	configViper.SetDefault("ratelimit.public_burst", defaultPublicBurst)
	configViper.SetDefault("analytics.cache_ttl", defaultAnalyticsCacheTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		PublicBaseURL:  strings.TrimRight(strings.TrimSpace(configViper.GetString("http.public_base_url")), "/"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		TrustedProxies: splitList(configViper.GetStringSlice("http.trusted_proxies")),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:   configViper.GetString("database.path"),
			DSN:    configViper.GetString("database.dsn"),
		},
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		CookieName:      configViper.GetString("auth.cookie_name"),
		TokenTTL:        time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		GoogleClientID:  strings.TrimSpace(configViper.GetString("google.client_id")),
		GoogleMobileIDs: splitList(configViper.GetStringSlice("google.mobile_client_ids")),
		GoogleJWKSURL:   strings.TrimSpace(configViper.GetString("google.jwks_url")),
		CreationWindow:  configViper.GetDuration("sharelinks.creation_window"),
		UpdateWindow:    configViper.GetDuration("sharelinks.update_window"),
		SMS: SMSConfig{
			BaseURL:    strings.TrimRight(configViper.GetString("sms.base_url"), "/"),
			AccountSID: strings.TrimSpace(configViper.GetString("sms.account_sid")),
			AuthToken:  strings.TrimSpace(configViper.GetString("sms.auth_token")),
			FromNumber: strings.TrimSpace(configViper.GetString("sms.from_number")),
		},
		SMTP: SMTPConfig{
			Host:     strings.TrimSpace(configViper.GetString("smtp.host")),
			Port:     configViper.GetInt("smtp.port"),
			Username: configViper.GetString("smtp.username"),
			Password: configViper.GetString("smtp.password"),
			From:     strings.TrimSpace(configViper.GetString("smtp.from")),
			FromName: configViper.GetString("smtp.from_name"),
			TLS:      strings.ToLower(strings.TrimSpace(configViper.GetString("smtp.tls"))),
		},
		RedisURL:          strings.TrimSpace(configViper.GetString("redis.url")),
		PublicRateLimit:   configViper.GetFloat64("ratelimit.public_rps"),
		PublicRateBurst:   configViper.GetInt("ratelimit.public_burst"),
		PolicyPath:        strings.TrimSpace(configViper.GetString("authz.policy_path")),
		AnalyticsCacheTTL: configViper.GetDuration("analytics.cache_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	switch c.Database.Driver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.PublicBaseURL == "" {
		return fmt.Errorf("http.public_base_url is required")
	}
	if c.CreationWindow <= 0 {
		return fmt.Errorf("sharelinks.creation_window must be positive")
	}
	if c.UpdateWindow <= 0 {
		return fmt.Errorf("sharelinks.update_window must be positive")
	}
	switch c.SMTP.TLS {
	case "none", "tls", "starttls":
	default:
		return fmt.Errorf("smtp.tls must be one of none, tls, starttls")
	}
	if c.PublicRateLimit <= 0 || c.PublicRateBurst <= 0 {
		return fmt.Errorf("ratelimit.public_rps and ratelimit.public_burst must be positive")
	}
	return nil
}

// splitList accepts both list values and comma separated env strings.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
