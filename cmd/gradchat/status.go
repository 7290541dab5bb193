package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the current configuration, check if the token is expired, and check that the backend is reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Backend:     %s\n", valueOrDefault(cfg.Default.Backend, backendHTTP))
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Default.UserID, "(not set)"))
		if cfg.Postgres.DSN != "" {
			fmt.Println("  Postgres:    configured")
		}
		if cfg.Redis.URL != "" {
			fmt.Printf("  Redis:       %s\n", cfg.Redis.URL)
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Token:       %s\n", tokenStatus(cfg.Auth, time.Now()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		b, err := openBackend(ctx, cfg, newLogger())
		if err != nil {
			fmt.Printf("  Unavailable: %v\n", err)
			return nil
		}
		defer b.Close()
		if err := b.ping(ctx); err != nil {
			fmt.Printf("  Unreachable: %v\n", err)
			return nil
		}
		fmt.Println("  Reachable")

		if cfg.Default.UserID != "" {
			rooms, err := b.store.ListRooms(ctx, cfg.Default.UserID)
			if err != nil {
				fmt.Printf("  Error listing rooms: %v\n", err)
				return nil
			}
			unread := 0
			for _, r := range rooms {
				unread += r.UnreadCount
			}
			fmt.Printf("  Rooms:       %d\n", len(rooms))
			fmt.Printf("  Unread:      %d\n", unread)
		}
		return nil
	},
}

// tokenStatus describes the token and its expiry as of now.
func tokenStatus(auth ConfigAuth, now time.Time) string {
	if auth.Token == "" {
		return "none"
	}
	if auth.TokenExpires == "" {
		return maskKey(auth.Token) + " (no expiry set)"
	}
	expires, err := time.Parse(time.RFC3339, auth.TokenExpires)
	if err != nil {
		return fmt.Sprintf("%s (unparseable expiry: %s)", maskKey(auth.Token), auth.TokenExpires)
	}
	if now.Before(expires) {
		return fmt.Sprintf("%s valid (expires %s)", maskKey(auth.Token), expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s EXPIRED (expired %s)", maskKey(auth.Token), expires.Format(time.RFC3339))
}
