package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	gradchat "github.com/Gradlink/gradchat/sdk/golang"
)

const (
	demoUser       = "demo-student"
	demoSupervisor = "demo-supervisor"
	demoClient     = "demo-client"
	demoRoom       = "room-thesis"
)

func init() {
	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted chat session against an in-memory store",
	Long:  "Walk through sending, live delivery, history paging, suspension and offline catch-up without any server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		defer log.Sync()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		return runDemo(ctx, os.Stdout, gradchat.NewConnectionMonitor(
			gradchat.WithMonitorConfig(gradchat.MonitorConfig{BaseDelay: 50 * time.Millisecond, MaxDelay: 500 * time.Millisecond}),
			gradchat.WithMonitorLogger(log),
		))
	},
}

// demoStore returns a memory store with three rooms for userID, one of them
// with enough history to page through.
func demoStore(userID string) *gradchat.MemoryStore {
	store := gradchat.NewMemoryStore()
	store.AddRoom(gradchat.ChatRoom{
		ID: demoRoom, Type: gradchat.RoomDoerSupervisor, ProjectID: "thesis",
		ParticipantIDs: []string{userID, demoSupervisor},
	})
	store.AddRoom(gradchat.ChatRoom{
		ID: "room-brief", Type: gradchat.RoomClientSupervisor, ProjectID: "thesis",
		ParticipantIDs: []string{demoClient, demoSupervisor, userID},
	})
	store.AddRoom(gradchat.ChatRoom{
		ID: "room-cohort", Type: gradchat.RoomGroup,
		ParticipantIDs: []string{userID, demoSupervisor, demoClient},
	})

	start := time.Now().Add(-48 * time.Hour).UTC()
	history := make([]gradchat.Message, 0, 45)
	for i := 0; i < 45; i++ {
		sender := demoSupervisor
		if i%3 == 0 {
			sender = userID
		}
		history = append(history, gradchat.Message{
			SenderID:  sender,
			Body:      fmt.Sprintf("draft notes, part %d", i+1),
			CreatedAt: start.Add(time.Duration(i) * time.Minute),
		})
	}
	store.Seed(demoRoom, history...)
	store.Seed("room-brief", gradchat.Message{
		SenderID: demoClient, Body: "Attached the brief for review.",
		Attachments: []gradchat.Attachment{{URL: "https://files.example.com/brief.pdf", Name: "brief.pdf"}},
		CreatedAt:   start.Add(2 * time.Hour),
	})
	return store
}

// runDemo drives a registry and a session through the main chat flows.
func runDemo(ctx context.Context, w io.Writer, monitor *gradchat.ConnectionMonitor) error {
	defer monitor.Close()
	store := demoStore(demoUser)
	out := newTranscript(w, demoUser)
	step := func(format string, args ...any) { fmt.Fprintf(out, "\n== "+format+"\n", args...) }

	registry := gradchat.NewRoomRegistry(store, demoUser, gradchat.WithRegistryMonitor(monitor))
	defer registry.Close()
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}
	step("Rooms for %s", demoUser)
	printRooms(out, registry.List())

	session := gradchat.NewActiveSession(store, demoUser,
		gradchat.WithGuards(registry.Guards()),
		gradchat.WithMonitor(monitor),
		gradchat.WithSessionConfig(gradchat.SessionConfig{PageSize: 20}),
	)
	defer session.Close()
	session.OnChange(out.update)

	step("Open %s", demoRoom)
	if err := session.Open(ctx, demoRoom); err != nil {
		return err
	}
	if err := waitFor(ctx, func() bool { return session.State().Phase == gradchat.PhaseReady }); err != nil {
		return err
	}

	step("Send a message")
	sent, err := session.Send(ctx, gradchat.Draft{Body: "Uploaded chapter two."})
	if err != nil {
		return err
	}
	if err := waitFor(ctx, func() bool {
		m, ok := session.State().Message(sent.TempID)
		return !ok || m.Confirmed()
	}); err != nil {
		return err
	}

	step("Supervisor replies")
	if _, err := store.CreateMessage(ctx, demoRoom, gradchat.CreateMessageRequest{
		SenderID: demoSupervisor, Body: "Thanks, reading it tonight.",
	}); err != nil {
		return err
	}
	if err := waitFor(ctx, func() bool { return containsBody(session.State(), "Thanks, reading it tonight.") }); err != nil {
		return err
	}

	step("Load older history")
	for {
		err := session.LoadMore(ctx)
		if errors.Is(err, gradchat.ErrNoMoreHistory) {
			break
		}
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "-- %d messages loaded\n", len(session.State().Messages))

	step("Moderator suspends the room")
	if err := registry.Moderate(ctx, demoRoom, true, "under review"); err != nil {
		return err
	}
	if err := waitFor(ctx, func() bool { return session.State().IsSuspended }); err != nil {
		return err
	}
	if _, err := session.Send(ctx, gradchat.Draft{Body: "Can we talk?"}); err != nil {
		fmt.Fprintf(out, "-- send refused: %v\n", err)
	}
	if err := registry.Moderate(ctx, demoRoom, false, ""); err != nil {
		return err
	}
	if err := waitFor(ctx, func() bool { return !session.State().IsSuspended }); err != nil {
		return err
	}

	step("Connection drops")
	store.SetOffline(true)
	if err := waitFor(ctx, func() bool { return session.State().Connection != gradchat.ConnectionOnline }); err != nil {
		return err
	}
	if _, err := session.Send(ctx, gradchat.Draft{Body: "Sent while offline."}); err != nil {
		return err
	}
	store.Seed(demoRoom, gradchat.Message{
		SenderID: demoSupervisor, Body: "Posted while you were away.", CreatedAt: time.Now().UTC(),
	})
	store.SetOffline(false)
	if err := waitFor(ctx, func() bool {
		st := session.State()
		return st.Connection == gradchat.ConnectionOnline &&
			containsBody(st, "Posted while you were away.") && allConfirmed(st)
	}); err != nil {
		return err
	}

	step("Rooms after the session")
	if err := registry.MarkRead(ctx, demoRoom); err != nil {
		return err
	}
	printRooms(out, registry.List())
	return nil
}

// waitFor polls cond until it holds or ctx ends.
func waitFor(ctx context.Context, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("demo step timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func containsBody(st gradchat.SessionState, body string) bool {
	for _, m := range st.Messages {
		if m.Body == body {
			return true
		}
	}
	return false
}

func allConfirmed(st gradchat.SessionState) bool {
	for _, m := range st.Messages {
		if !m.Confirmed() {
			return false
		}
	}
	return true
}
