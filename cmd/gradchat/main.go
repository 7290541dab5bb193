package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.gradchat/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Auth     ConfigAuth     `toml:"auth"`
	Postgres ConfigPostgres `toml:"postgres"`
	Redis    ConfigRedis    `toml:"redis"`
	Webhook  ConfigWebhook  `toml:"webhook"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	Environment string `toml:"environment"`
	BaseURL     string `toml:"base_url"`
	// Backend is one of http, postgres or memory.
	Backend  string `toml:"backend"`
	UserID   string `toml:"user_id"`
	PageSize int    `toml:"page_size"`
}

// ConfigAuth holds the store token.
type ConfigAuth struct {
	Token        string `toml:"token"`
	TokenExpires string `toml:"token_expires"`
}

// ConfigPostgres holds the connection of the postgres backend.
type ConfigPostgres struct {
	DSN string `toml:"dsn"`
}

// ConfigRedis holds the Redis server carrying live feeds. When set, the
// postgres and memory backends publish and subscribe through it.
type ConfigRedis struct {
	URL string `toml:"url"`
}

// ConfigWebhook holds the moderation webhook receiver settings.
type ConfigWebhook struct {
	Secret string `toml:"secret"`
	Addr   string `toml:"addr"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.gradchat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".gradchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.user_id)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "backend":
			switch value {
			case backendHTTP, backendPostgres, backendMemory:
			default:
				return fmt.Errorf("unknown backend %q (valid: http, postgres, memory)", value)
			}
			cfg.Default.Backend = value
		case "user_id":
			cfg.Default.UserID = value
		case "page_size":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("page_size must be a non-negative integer")
			}
			cfg.Default.PageSize = n
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "token_expires":
			cfg.Auth.TokenExpires = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "postgres":
		if field != "dsn" {
			return fmt.Errorf("unknown field %q in section [postgres]", field)
		}
		cfg.Postgres.DSN = value
	case "redis":
		if field != "url" {
			return fmt.Errorf("unknown field %q in section [redis]", field)
		}
		cfg.Redis.URL = value
	case "webhook":
		switch field {
		case "secret":
			cfg.Webhook.Secret = value
		case "addr":
			cfg.Webhook.Addr = value
		default:
			return fmt.Errorf("unknown field %q in section [webhook]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, postgres, redis, webhook)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "gradchat",
	Short:         "Gradlink chat CLI",
	Long:          "Command-line interface for Gradlink chat.\nBrowse rooms, chat in a room, moderate, and run the moderation webhook.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ~/.gradchat/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr with debug detail")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
