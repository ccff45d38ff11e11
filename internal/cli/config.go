package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

const (
	// EnvBaseURL and EnvToken override the config file.
	EnvBaseURL = "FLAGGATE_BASE_URL"
	EnvToken   = "FLAGGATE_TOKEN"
)

// Config represents the CLI configuration
type Config struct {
	DefaultGateway string                   `yaml:"default_gateway"`
	Gateways       map[string]GatewayConfig `yaml:"gateways"`
}

// GatewayConfig represents one flaggate deployment
type GatewayConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// GetConfigPath returns the path to the config file
func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".flaggate", "config.yaml"), nil
}

// LoadConfig loads the configuration from file
func LoadConfig() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty config if file doesn't exist
			return &Config{
				DefaultGateway: "default",
				Gateways:       make(map[string]GatewayConfig),
			}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Gateways == nil {
		cfg.Gateways = make(map[string]GatewayConfig)
	}

	return &cfg, nil
}

// SaveConfig saves the configuration to file
func SaveConfig(cfg *Config) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	// Create directory if it doesn't exist
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetGatewayConfig resolves the gateway to talk to.
// Priority: command flags > environment variables > config file
func GetGatewayConfig(name, baseURLFlag, tokenFlag string) (*GatewayConfig, error) {
	envBaseURL := os.Getenv(EnvBaseURL)
	envToken := os.Getenv(EnvToken)

	resolved := GatewayConfig{
		BaseURL: firstNonEmpty(baseURLFlag, envBaseURL),
		Token:   firstNonEmpty(tokenFlag, envToken),
	}
	if resolved.BaseURL != "" && resolved.Token != "" {
		return &resolved, nil
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = cfg.DefaultGateway
	}
	fromFile, ok := cfg.Gateways[name]
	if !ok && (resolved.BaseURL == "" || resolved.Token == "") {
		return nil, fmt.Errorf("gateway '%s' not found in config, run 'flagctl config init' or set %s and %s", name, EnvBaseURL, EnvToken)
	}

	resolved.BaseURL = firstNonEmpty(resolved.BaseURL, fromFile.BaseURL)
	resolved.Token = firstNonEmpty(resolved.Token, fromFile.Token)
	if resolved.BaseURL == "" || resolved.Token == "" {
		return nil, fmt.Errorf("base_url and token must be configured for gateway '%s'", name)
	}
	return &resolved, nil
}

// InitConfig creates a default config file
func InitConfig() error {
	cfg := &Config{
		DefaultGateway: "local",
		Gateways: map[string]GatewayConfig{
			"local": {
				BaseURL: "http://localhost:8080",
				Token:   "<gitlab personal access token>",
			},
		},
	}

	return SaveConfig(cfg)
}

// GatewayNames returns the configured gateway names, sorted.
func (c *Config) GatewayNames() []string {
	names := make([]string, 0, len(c.Gateways))
	for name := range c.Gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MaskToken hides all but the first four characters of a token.
func MaskToken(token string) string {
	if len(token) > 4 {
		return token[:4] + "***"
	}
	return "***"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
