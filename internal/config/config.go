// Package config provides application configuration loading from environment variables and .env files.
// It uses viper for flexible configuration management with sensible defaults.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config holds all application configuration loaded from environment variables or .env file.
// Configuration priority: environment variables > .env file > defaults.
type Config struct {
	AppEnv      string // Application environment (dev, staging, prod)
	HTTPAddr    string // HTTP server bind address (e.g., ":8080")
	MetricsAddr string // Metrics server bind address
	LogLevel    string // zap level name

	StoreType         string        // File store backend (gitlab or memory)
	GitLabAPIBase     string        // e.g. https://gitlab.com/api/v4
	GitLabProjectPath string        // path_with_namespace of the flags repository
	GitLabBranch      string        // branch flags are read from and committed to
	GitLabTimeout     time.Duration // per-request timeout against GitLab
	OwnersFile        string        // ownership manifest path in the flags repository

	MemorySeedDir string   // STORE_TYPE=memory: directory loaded as the repository tree
	MemoryUsers   []string // STORE_TYPE=memory: token=username entries

	ReservedEnvMarkers []string // env name fragments hidden from callers without full access

	ClusterEnabled           bool
	ClusterEnvMarker         string // env name fragment routed to the cluster backend
	Kubeconfig               string // empty: in-cluster or ~/.kube/config
	ClusterNamespaceTemplate string
	ClusterNameTemplate      string

	CORSAllowedOrigins []string
	RateLimitPerIP     int           // requests per minute per client IP, 0 disables
	RequestTimeout     time.Duration // handler timeout

	WebhookURLs       []string
	WebhookSecret     string
	WebhookMaxRetries int
}

// Load reads configuration from environment variables and .env file (if present).
// Environment variables take precedence over .env file values.
//
// Load does not check constraints; call Validate for that.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env") // Optional; silently ignored if file doesn't exist
	_ = v.ReadInConfig()
	v.AutomaticEnv()

	setConfigDefaults(v)

	return &Config{
		AppEnv:      v.GetString("APP_ENV"),
		HTTPAddr:    v.GetString("APP_HTTP_ADDR"),
		MetricsAddr: v.GetString("METRICS_ADDR"),
		LogLevel:    v.GetString("LOG_LEVEL"),

		StoreType:         strings.ToLower(v.GetString("STORE_TYPE")),
		GitLabAPIBase:     v.GetString("GITLAB_API_BASE"),
		GitLabProjectPath: v.GetString("GITLAB_PROJECT_PATH"),
		GitLabBranch:      v.GetString("GITLAB_BRANCH"),
		GitLabTimeout:     v.GetDuration("GITLAB_TIMEOUT"),
		OwnersFile:        v.GetString("OWNERS_FILE"),

		MemorySeedDir: v.GetString("MEMORY_SEED_DIR"),
		MemoryUsers:   splitList(v.GetString("MEMORY_USERS")),

		ReservedEnvMarkers: splitList(v.GetString("RESERVED_ENV_MARKERS")),

		ClusterEnabled:           v.GetBool("CLUSTER_ENABLED"),
		ClusterEnvMarker:         v.GetString("CLUSTER_ENV_MARKER"),
		Kubeconfig:               v.GetString("KUBECONFIG"),
		ClusterNamespaceTemplate: v.GetString("CLUSTER_NAMESPACE_TEMPLATE"),
		ClusterNameTemplate:      v.GetString("CLUSTER_NAME_TEMPLATE"),

		CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		RateLimitPerIP:     v.GetInt("RATE_LIMIT_PER_IP"),
		RequestTimeout:     v.GetDuration("REQUEST_TIMEOUT"),

		WebhookURLs:       splitList(v.GetString("WEBHOOK_URLS")),
		WebhookSecret:     v.GetString("WEBHOOK_SECRET"),
		WebhookMaxRetries: v.GetInt("WEBHOOK_MAX_RETRIES"),
	}, nil
}

// setConfigDefaults sets default values for all configuration options.
// These defaults are suitable for local development but should be overridden in production.
func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("APP_HTTP_ADDR", ":8080")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_TYPE", "gitlab")
	v.SetDefault("GITLAB_API_BASE", "https://gitlab.com/api/v4")
	v.SetDefault("GITLAB_BRANCH", "master")
	v.SetDefault("GITLAB_TIMEOUT", "30s")
	v.SetDefault("OWNERS_FILE", "CODEOWNERS")
	v.SetDefault("RESERVED_ENV_MARKERS", "-alpha,-beta,-ci,-nightly")
	v.SetDefault("CLUSTER_ENABLED", false)
	v.SetDefault("CLUSTER_ENV_MARKER", "review-mr")
	v.SetDefault("CLUSTER_NAMESPACE_TEMPLATE", "flagd-{env}")
	v.SetDefault("CLUSTER_NAME_TEMPLATE", "{env}-app-flags")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173")
	v.SetDefault("RATE_LIMIT_PER_IP", 300)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("WEBHOOK_MAX_RETRIES", 3)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// MemoryUserMap parses MemoryUsers into token -> username.
func (c *Config) MemoryUserMap() (map[string]string, error) {
	users := make(map[string]string, len(c.MemoryUsers))
	for _, entry := range c.MemoryUsers {
		token, username, ok := strings.Cut(entry, "=")
		token, username = strings.TrimSpace(token), strings.TrimSpace(username)
		if !ok || token == "" || username == "" {
			return nil, fmt.Errorf("entry '%s' is not token=username", entry)
		}
		users[token] = username
	}
	return users, nil
}

// IsProduction reports whether AppEnv names a production deployment.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "prod" || c.AppEnv == "production"
}

// ValidationError represents a configuration validation error with details about what failed.
type ValidationError struct {
	Field   string // Name of the configuration field
	Message string // Human-readable error message
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed [%s]: %s", e.Field, e.Message)
}

// Validate checks the configuration and returns the first problem found as a
// ValidationError.
//
// Production (APP_ENV=prod) additionally requires an https GitLab API base,
// forbids the "*" CORS origin because requests carry credentials, and
// requires WEBHOOK_SECRET when webhooks are configured.
func (c *Config) Validate() error {
	if c.StoreType != "gitlab" && c.StoreType != "memory" {
		return ValidationError{
			Field:   "STORE_TYPE",
			Message: fmt.Sprintf("must be 'gitlab' or 'memory', got '%s'", c.StoreType),
		}
	}

	if c.StoreType == "gitlab" {
		if strings.TrimSpace(c.GitLabProjectPath) == "" {
			return ValidationError{
				Field:   "GITLAB_PROJECT_PATH",
				Message: "flags repository path is required when STORE_TYPE=gitlab",
			}
		}
		u, err := url.Parse(c.GitLabAPIBase)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ValidationError{
				Field:   "GITLAB_API_BASE",
				Message: fmt.Sprintf("must be an absolute http(s) URL, got '%s'", c.GitLabAPIBase),
			}
		}
		if c.GitLabBranch == "" {
			return ValidationError{Field: "GITLAB_BRANCH", Message: "branch cannot be empty"}
		}
	}

	if c.StoreType == "memory" {
		users, err := c.MemoryUserMap()
		if err != nil {
			return ValidationError{Field: "MEMORY_USERS", Message: err.Error()}
		}
		if len(users) == 0 {
			return ValidationError{
				Field:   "MEMORY_USERS",
				Message: "at least one token=username entry is required when STORE_TYPE=memory",
			}
		}
	}

	if c.HTTPAddr == "" {
		return ValidationError{
			Field:   "APP_HTTP_ADDR",
			Message: "HTTP server address cannot be empty",
		}
	}

	if c.MetricsAddr == "" {
		return ValidationError{
			Field:   "METRICS_ADDR",
			Message: "metrics server address cannot be empty",
		}
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return ValidationError{
			Field:   "LOG_LEVEL",
			Message: fmt.Sprintf("unknown level '%s'", c.LogLevel),
		}
	}

	if c.RequestTimeout <= 0 {
		return ValidationError{Field: "REQUEST_TIMEOUT", Message: "must be positive"}
	}

	if c.RateLimitPerIP < 0 {
		return ValidationError{Field: "RATE_LIMIT_PER_IP", Message: "cannot be negative"}
	}

	if c.ClusterEnabled && c.ClusterEnvMarker == "" {
		return ValidationError{
			Field:   "CLUSTER_ENV_MARKER",
			Message: "required when CLUSTER_ENABLED=true",
		}
	}

	if c.WebhookMaxRetries < 0 {
		return ValidationError{Field: "WEBHOOK_MAX_RETRIES", Message: "cannot be negative"}
	}
	for _, raw := range c.WebhookURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ValidationError{
				Field:   "WEBHOOK_URLS",
				Message: fmt.Sprintf("invalid webhook URL '%s'", raw),
			}
		}
	}

	if c.IsProduction() {
		if c.StoreType == "memory" {
			return ValidationError{
				Field:   "STORE_TYPE",
				Message: "memory store is for local development only",
			}
		}
		if c.StoreType == "gitlab" && !strings.HasPrefix(c.GitLabAPIBase, "https://") {
			return ValidationError{
				Field:   "GITLAB_API_BASE",
				Message: "must use https in production",
			}
		}
		for _, origin := range c.CORSAllowedOrigins {
			if origin == "*" {
				return ValidationError{
					Field:   "CORS_ALLOWED_ORIGINS",
					Message: "wildcard origin is not allowed in production",
				}
			}
		}
		if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
			return ValidationError{
				Field:   "WEBHOOK_SECRET",
				Message: "webhook secret is required in production when WEBHOOK_URLS is set",
			}
		}
	}

	return nil
}
