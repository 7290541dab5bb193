package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	initUserID  string
	initExpires time.Duration
)

func init() {
	initCmd.Flags().StringVar(&initUserID, "user", "", "Your user id")
	initCmd.Flags().DurationVar(&initExpires, "expires-in", 0, "Token lifetime, recorded for 'gradchat status'")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the chat token in ~/.gradchat/config.toml",
	Long:  "Initialize the gradchat CLI by storing your store token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.TokenExpires = ""
		if initExpires > 0 {
			cfg.Auth.TokenExpires = time.Now().Add(initExpires).UTC().Format(time.RFC3339)
		}
		if initUserID != "" {
			cfg.Default.UserID = initUserID
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}
		if cfg.Default.Backend == "" {
			cfg.Default.Backend = backendHTTP
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
