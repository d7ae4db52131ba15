package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

const (
	configDirName = "gh-analyst"
	defaultConfig = ".config"

	// EndpointEnv overrides the configured service endpoint.
	EndpointEnv = "ANALYST_ENDPOINT"
)

var configFiles = []string{
	"config.yaml",
	"config.yml",
}

// Config represents the structure of the configuration file used by the application.
type Config struct {
	Endpoint        string            `yaml:"endpoint" default:"http://127.0.0.1:5000"`
	Greeting        string            `yaml:"greeting" default:"Hello! I am your mobile gaming data analyst. How can I help you today?"`
	LogLevel        string            `yaml:"log_level" default:"warn"`
	RefreshInterval time.Duration     `yaml:"refresh_interval" default:"100ms"`
	RequestTimeout  time.Duration     `yaml:"request_timeout" default:"5m"`
	Render          RenderConfig      `yaml:"render"`
	Prompts         map[string]string `yaml:"prompts"`
}

// RenderConfig controls terminal output.
type RenderConfig struct {
	// Format is "markdown" or "plain".
	Format string `yaml:"format" default:"markdown"`
	Wrap   int    `yaml:"wrap" default:"120"`
}

// configResult is a struct used to return the configuration and any error that occurs during loading.
type configResult struct {
	config *Config
	err    error
}

// newDefaultConfig creates a configuration with every default applied.
func newDefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		// Tags are static; a failure here is a programming error.
		panic(fmt.Sprintf("invalid config defaults: %v", err))
	}
	cfg.Prompts = map[string]string{}
	return cfg
}

// Dir retrieves the path to the configuration directory based on the XDG_CONFIG_HOME environment variable.
func Dir() (string, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		configHome = filepath.Join(home, defaultConfig)
	}

	return filepath.Join(configHome, configDirName), nil
}

// tryLoadConfig attempts to load a configuration file from the specified path.
func tryLoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := newDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Prompts == nil {
		cfg.Prompts = map[string]string{}
	}

	return cfg, nil
}

// LoadConfig loads the configuration from the user's config directory, with a timeout.
func LoadConfig(ctx context.Context) (*Config, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result := make(chan configResult, 1)

	go func() {
		cfg, err := loadConfigFiles(ctx)
		result <- configResult{config: cfg, err: err}
	}()

	done := ctx.Done()
	select {
	case <-done:
		return nil, ctx.Err()
	case r := <-result:
		if r.err != nil {
			return nil, r.err
		}
		applyEnv(r.config)
		return r.config, nil
	}
}

func applyEnv(cfg *Config) {
	if endpoint := os.Getenv(EndpointEnv); endpoint != "" {
		cfg.Endpoint = endpoint
	}
}

// loadConfigFiles loads configuration files from the user's config directory.
func loadConfigFiles(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error before loading config: %w", err)
	}

	configDir, err := Dir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config path: %w", err)
	}

	// Return default config early if directory doesn't exist
	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		return newDefaultConfig(), nil
	}

	for _, filename := range configFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cfg, err := tryLoadConfig(filepath.Join(configDir, filename))
		if err == nil {
			return cfg, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config from %s: %w", filename, err)
		}
	}

	return newDefaultConfig(), nil
}
