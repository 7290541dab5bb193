package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	gradchat "github.com/Gradlink/gradchat/sdk/golang"
)

var (
	moderateSuspend bool
	moderateLift    bool
	moderateReason  string
)

func init() {
	moderateCmd.Flags().BoolVar(&moderateSuspend, "suspend", false, "Suspend the room")
	moderateCmd.Flags().BoolVar(&moderateLift, "lift", false, "Lift a suspension")
	moderateCmd.Flags().StringVar(&moderateReason, "reason", "", "Reason shown to participants")
	moderateCmd.MarkFlagsMutuallyExclusive("suspend", "lift")
	moderateCmd.MarkFlagsOneRequired("suspend", "lift")
	rootCmd.AddCommand(moderateCmd)
}

var moderateCmd = &cobra.Command{
	Use:   "moderate <room-id> --suspend|--lift",
	Short: "Suspend a room or lift its suspension",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger()
		defer log.Sync()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		b, err := openBackend(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer b.Close()

		reason := moderateReason
		if moderateSuspend && reason == "" {
			reason = gradchat.DefaultSuspensionReason
		}
		if err := b.store.SetSuspension(ctx, args[0], moderateSuspend, reason); err != nil {
			return fmt.Errorf("moderate %s: %w", args[0], err)
		}
		if moderateSuspend {
			fmt.Printf("Suspended %s: %s\n", args[0], reason)
		} else {
			fmt.Printf("Lifted suspension of %s\n", args[0])
		}
		return nil
	},
}
