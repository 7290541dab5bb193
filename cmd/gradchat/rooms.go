package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	gradchat "github.com/Gradlink/gradchat/sdk/golang"
)

var (
	roomsListJSON   bool
	roomsListUnread bool
)

func init() {
	roomsListCmd.Flags().BoolVar(&roomsListJSON, "json", false, "Output raw JSON")
	roomsListCmd.Flags().BoolVar(&roomsListUnread, "unread", false, "Show only rooms with unread messages")

	roomsCmd.AddCommand(roomsListCmd)
	roomsCmd.AddCommand(roomsReadCmd)
	rootCmd.AddCommand(roomsCmd)
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List rooms and mark them read",
}

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your rooms, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, r *gradchat.RoomRegistry) error {
			rooms := r.List()
			if roomsListUnread {
				filtered := rooms[:0]
				for _, room := range rooms {
					if room.UnreadCount > 0 {
						filtered = append(filtered, room)
					}
				}
				rooms = filtered
			}
			if roomsListJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rooms)
			}
			printRooms(os.Stdout, rooms)
			return nil
		})
	},
}

var roomsReadCmd = &cobra.Command{
	Use:   "read <room-id>",
	Short: "Mark a room as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(ctx context.Context, r *gradchat.RoomRegistry) error {
			if err := r.MarkRead(ctx, args[0]); err != nil {
				return fmt.Errorf("mark read: %w", err)
			}
			fmt.Printf("Marked %s read. %d unread left.\n", args[0], r.TotalUnread())
			return nil
		})
	},
}

// withRegistry opens the backend and a started registry for one command.
func withRegistry(fn func(context.Context, *gradchat.RoomRegistry) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	userID, err := requireUser(cfg)
	if err != nil {
		return err
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

	r := gradchat.NewRoomRegistry(b.store, userID, gradchat.WithRegistryLogger(log))
	defer r.Close()
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}
	return fn(ctx, r)
}

func printRooms(w io.Writer, rooms []gradchat.ChatRoom) {
	if len(rooms) == 0 {
		fmt.Fprintln(w, "No rooms.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tUNREAD\tUPDATED\tLAST MESSAGE")
	for _, r := range rooms {
		last := r.LastMessagePreview
		if r.IsSuspended {
			last = "[suspended: " + r.SuspensionReason + "]"
		}
		updated := "-"
		if !r.UpdatedAt.IsZero() {
			updated = r.UpdatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.Type, r.UnreadCount, updated, last)
	}
	tw.Flush()
}
