// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Redis (notification queue and health checks)
	RedisURL string `koanf:"redis_url"`

	// JWT Authentication. JWTSecretPrevious is set only while a secret
	// rotation is in progress; tokens signed with it remain valid.
	JWTSecret         string `koanf:"jwt_secret"`
	JWTSecretPrevious string `koanf:"jwt_secret_previous"`

	// Flutterwave
	FlutterwaveSecretKey   string `koanf:"flutterwave_secret_key"`
	FlutterwaveWebhookHash string `koanf:"flutterwave_webhook_hash"`
	FlutterwaveBaseURL     string `koanf:"flutterwave_base_url"`

	// PaymentRedirectURL is where the hosted payment page sends the renter
	// after checkout.
	PaymentRedirectURL string `koanf:"payment_redirect_url"`

	// Tracing
	TracingEnabled bool   `koanf:"tracing_enabled"`
	OTLPEndpoint   string `koanf:"otlp_endpoint"`

	// CORSAllowedOrigins lists the dashboard origins allowed to call the
	// API from a browser. Empty disables CORS.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// ProfilingEnabled exposes /debug/pprof. Ignored in production.
	ProfilingEnabled bool `koanf:"profiling_enabled"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL            = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret              = errors.New("JWT_SECRET is required")
	ErrMissingFlutterwaveSecretKey   = errors.New("FLUTTERWAVE_SECRET_KEY is required")
	ErrMissingFlutterwaveWebhookHash = errors.New("FLUTTERWAVE_WEBHOOK_HASH is required")
	ErrMissingPaymentRedirectURL     = errors.New("PAYMENT_REDIRECT_URL is required")
	ErrMissingOTLPEndpoint           = errors.New("OTLP_ENDPOINT is required when tracing is enabled")
	ErrInvalidPort                   = errors.New("PORT must be a valid integer")
)

// Default values for non-secret configuration.
const (
	DefaultPort = 8080
	DefaultEnv  = "development"
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	// Parse port from env, collecting error if invalid
	// Try FLEET_PORT first, then PORT for backward compatibility
	port, portErr := getEnvIntOrDefaultMulti([]string{"FLEET_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	tracingEnabled := envBoolOverride("TRACING_ENABLED", k.Bool("tracing_enabled"))
	profilingEnabled := envBoolOverride("PROFILING_ENABLED", k.Bool("profiling_enabled"))

	corsOrigins := k.Strings("cors_allowed_origins")
	if val := os.Getenv("CORS_ALLOWED_ORIGINS"); val != "" {
		corsOrigins = strings.Split(val, ",")
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                   port,
		Env:                    getEnvOrDefaultMulti([]string{"FLEET_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:            getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:               getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		JWTSecret:              getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTSecretPrevious:      getEnvOrKoanf("JWT_SECRET_PREVIOUS", k, "jwt_secret_previous"),
		FlutterwaveSecretKey:   getEnvOrKoanf("FLUTTERWAVE_SECRET_KEY", k, "flutterwave_secret_key"),
		FlutterwaveWebhookHash: getEnvOrKoanf("FLUTTERWAVE_WEBHOOK_HASH", k, "flutterwave_webhook_hash"),
		FlutterwaveBaseURL:     getEnvOrKoanf("FLUTTERWAVE_BASE_URL", k, "flutterwave_base_url"),
		PaymentRedirectURL:     getEnvOrKoanf("PAYMENT_REDIRECT_URL", k, "payment_redirect_url"),
		TracingEnabled:         tracingEnabled,
		OTLPEndpoint:           getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
		CORSAllowedOrigins:     corsOrigins,
		ProfilingEnabled:       profilingEnabled,
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// envBoolOverride returns the koanf value unless the environment variable is
// set, in which case the env var wins.
func envBoolOverride(envKey string, koanfVal bool) bool {
	val := os.Getenv(envKey)
	if val == "" {
		return koanfVal
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return koanfVal
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.FlutterwaveSecretKey == "" {
		errs = append(errs, ErrMissingFlutterwaveSecretKey)
	}
	if c.FlutterwaveWebhookHash == "" {
		errs = append(errs, ErrMissingFlutterwaveWebhookHash)
	}
	if c.PaymentRedirectURL == "" {
		errs = append(errs, ErrMissingPaymentRedirectURL)
	}

	// Tracing is optional. Only validate the endpoint when enabled.
	if c.TracingEnabled && c.OTLPEndpoint == "" {
		errs = append(errs, ErrMissingOTLPEndpoint)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                     fmt.Sprintf("%d", c.Port),
		"env":                      c.Env,
		"database_url":             maskDatabaseURL(c.DatabaseURL),
		"redis_url":                maskDatabaseURL(c.RedisURL),
		"jwt_secret":               maskSecret(c.JWTSecret),
		"jwt_secret_previous":      maskSecret(c.JWTSecretPrevious),
		"flutterwave_secret_key":   maskProviderKey(c.FlutterwaveSecretKey),
		"flutterwave_webhook_hash": maskSecret(c.FlutterwaveWebhookHash),
		"flutterwave_base_url":     c.FlutterwaveBaseURL,
		"payment_redirect_url":     c.PaymentRedirectURL,
		"tracing_enabled":          fmt.Sprintf("%t", c.TracingEnabled),
		"otlp_endpoint":            c.OTLPEndpoint,
		"cors_allowed_origins":     strings.Join(c.CORSAllowedOrigins, ","),
		"profiling_enabled":        fmt.Sprintf("%t", c.ProfilingEnabled),
	}
}

// GetJWTSecrets returns the current and previous JWT secrets. The previous
// secret is empty when no rotation is in progress.
func (c *Config) GetJWTSecrets() (current, previous string) {
	return c.JWTSecret, c.JWTSecretPrevious
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskProviderKey masks a Flutterwave API key, preserving the prefix
// (FLWSECK-..., FLWSECK_TEST-..., etc.)
func maskProviderKey(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Flutterwave keys have format like FLWSECK-<hex>-X
	parts := strings.SplitN(s, "-", 2)
	if len(parts) == 2 {
		return parts[0] + "-****"
	}

	// Fallback to generic masking
	return maskSecret(s)
}

// maskDatabaseURL masks the password in a database URL.
// Supports both postgres:// and postgresql:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	// Simple approach: find :// and then mask between : and @
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	// Reconstruct URL with masked password
	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
