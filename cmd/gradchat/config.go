package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the file as stored, secrets included")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage gradchat configuration",
	Long:  "View or modify the gradchat CLI configuration stored in ~/.gradchat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'gradchat init <token>' to create one.")
			return nil
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := toml.Marshal(redactConfig(*cfg))
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		value, err := getConfigValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: gradchat config set postgres.dsn postgres://localhost/gradchat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown, _ := getConfigValue(redactConfig(*cfg), key)
		fmt.Printf("Set %s = %s\n", key, shown)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the location of the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

// getConfigValue reads a field by its dot-notation key.
func getConfigValue(cfg *Config, key string) (string, error) {
	switch key {
	case "default.environment":
		return cfg.Default.Environment, nil
	case "default.base_url":
		return cfg.Default.BaseURL, nil
	case "default.backend":
		return cfg.Default.Backend, nil
	case "default.user_id":
		return cfg.Default.UserID, nil
	case "default.page_size":
		return strconv.Itoa(cfg.Default.PageSize), nil
	case "auth.token":
		return cfg.Auth.Token, nil
	case "auth.token_expires":
		return cfg.Auth.TokenExpires, nil
	case "postgres.dsn":
		return cfg.Postgres.DSN, nil
	case "redis.url":
		return cfg.Redis.URL, nil
	case "webhook.secret":
		return cfg.Webhook.Secret, nil
	case "webhook.addr":
		return cfg.Webhook.Addr, nil
	}
	return "", fmt.Errorf("unknown config key %q", key)
}

// redactConfig masks tokens, secrets and connection passwords.
func redactConfig(cfg Config) *Config {
	if cfg.Auth.Token != "" {
		cfg.Auth.Token = maskKey(cfg.Auth.Token)
	}
	if cfg.Webhook.Secret != "" {
		cfg.Webhook.Secret = "****"
	}
	cfg.Postgres.DSN = redactURL(cfg.Postgres.DSN)
	cfg.Redis.URL = redactURL(cfg.Redis.URL)
	return &cfg
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
