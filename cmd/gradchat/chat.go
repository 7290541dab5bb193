package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	gradchat "github.com/Gradlink/gradchat/sdk/golang"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <room-id>",
	Short: "Open a room and chat from the terminal",
	Long: `Open a room, print its messages as they arrive and send each line you type.

Commands:
  /more             load older messages
  /reply <id>       reply to a message; /reply alone clears it
  /retry <temp-id>  resend a failed message
  /attach <path>    upload a file and send it (http backend)
  /read             mark the room read
  /quit             leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := openBackend(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer b.Close()

		registry := gradchat.NewRoomRegistry(b.store, userID, gradchat.WithRegistryLogger(log))
		defer registry.Close()
		if err := registry.Start(ctx); err != nil {
			log.Warn("room list unavailable", zap.Error(err))
		}

		session := gradchat.NewActiveSession(b.store, userID,
			gradchat.WithGuards(registry.Guards()),
			gradchat.WithSessionLogger(log),
			gradchat.WithSessionConfig(gradchat.SessionConfig{PageSize: cfg.Default.PageSize}),
		)
		defer session.Close()

		out := newTranscript(os.Stdout, userID)
		session.OnChange(out.update)
		if err := session.Open(ctx, args[0]); err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		registry.MarkRead(ctx, args[0])

		sh := &chatShell{session: session, registry: registry, out: out}
		if b.client != nil {
			sh.uploader = b.client
		}
		return sh.run(ctx, os.Stdin)
	},
}

// ============================================================================
// Shell
// ============================================================================

type uploader interface {
	UploadAttachmentFile(ctx context.Context, path string, opts *gradchat.UploadOptions) (gradchat.Attachment, error)
}

// chatShell turns typed lines into session calls.
type chatShell struct {
	session  *gradchat.ActiveSession
	registry *gradchat.RoomRegistry
	uploader uploader
	out      *transcript
}

func (sh *chatShell) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || !sh.exec(ctx, line) {
				return nil
			}
		}
	}
}

// exec runs one line and reports whether the shell should keep going.
func (sh *chatShell) exec(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := sh.session.Send(ctx, gradchat.Draft{Body: line}); err != nil {
			sh.out.notef("not sent: %v", err)
		}
		return true
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return false
	case "/more":
		err := sh.session.LoadMore(ctx)
		switch {
		case errors.Is(err, gradchat.ErrNoMoreHistory):
			sh.out.notef("no older messages")
		case err != nil:
			sh.out.notef("load more: %v", err)
		}
	case "/reply":
		if arg == "" {
			sh.session.ClearReplyTo()
			sh.out.notef("reply cleared")
			return true
		}
		if err := sh.session.SetReplyTo(arg); err != nil {
			sh.out.notef("reply: %v", err)
			return true
		}
		sh.out.notef("replying to %s", arg)
	case "/retry":
		if _, err := sh.session.Retry(ctx, arg); err != nil {
			sh.out.notef("retry: %v", err)
		}
	case "/attach":
		if sh.uploader == nil {
			sh.out.notef("attachments need the http backend")
			return true
		}
		path, caption, _ := strings.Cut(arg, " ")
		a, err := sh.uploader.UploadAttachmentFile(ctx, path, nil)
		if err != nil {
			sh.out.notef("upload: %v", err)
			return true
		}
		if _, err := sh.session.Send(ctx, gradchat.Draft{Body: caption, Attachments: []gradchat.Attachment{a}}); err != nil {
			sh.out.notef("not sent: %v", err)
		}
	case "/read":
		if err := sh.registry.MarkRead(ctx, sh.session.State().RoomID); err != nil {
			sh.out.notef("mark read: %v", err)
		}
	case "/help":
		sh.out.notef("commands: /more /reply <id> /retry <temp-id> /attach <path> /read /quit")
	default:
		sh.out.notef("unknown command %s (try /help)", name)
	}
	return true
}

// ============================================================================
// Transcript
// ============================================================================

// transcript prints what changes between session snapshots.
type transcript struct {
	mu        sync.Mutex
	w         io.Writer
	userID    string
	printed   map[string]gradchat.DeliveryState
	conn      gradchat.ConnectionState
	suspended bool
	lastErr   string
}

func newTranscript(w io.Writer, userID string) *transcript {
	return &transcript{w: w, userID: userID, printed: make(map[string]gradchat.DeliveryState)}
}

// Write lets other output share the transcript's lock.
func (t *transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Write(p)
}

func (t *transcript) notef(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "-- "+format+"\n", args...)
}

func (t *transcript) update(st gradchat.SessionState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st.Connection != t.conn {
		if t.conn != "" || st.Connection != gradchat.ConnectionOnline {
			fmt.Fprintf(t.w, "-- %s\n", st.Connection)
		}
		t.conn = st.Connection
	}
	if st.IsSuspended != t.suspended {
		t.suspended = st.IsSuspended
		if st.IsSuspended {
			fmt.Fprintf(t.w, "-- room suspended: %s\n", st.SuspensionReason)
		} else {
			fmt.Fprintln(t.w, "-- room reopened")
		}
	}

	for _, m := range st.Messages {
		// The temp id survives confirmation; the server id alone does not.
		id := m.TempID
		if id == "" {
			id = m.ServerID
		}
		prev, seen := t.printed[id]
		switch {
		case !seen:
			fmt.Fprintln(t.w, formatMessage(m, t.userID))
		case prev != m.DeliveryState && m.DeliveryState == gradchat.DeliveryFailed:
			fmt.Fprintf(t.w, "-- not sent (%s): %v. /retry %s\n", m.Body, m.Err, m.TempID)
		}
		t.printed[id] = m.DeliveryState
	}

	errText := ""
	if st.LastError != nil {
		errText = st.LastError.Error()
	}
	if errText != t.lastErr {
		t.lastErr = errText
		if errText != "" {
			fmt.Fprintf(t.w, "-- error: %s\n", errText)
		}
	}
}

func formatMessage(m gradchat.Message, userID string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] ", m.CreatedAt.Local().Format("15:04"))
	sender := m.SenderID
	if sender == userID {
		sender = "you"
	}
	sb.WriteString(sender)
	if m.ReplyToID != "" {
		fmt.Fprintf(&sb, " ↩ %s", m.ReplyToID)
	}
	sb.WriteString(": ")
	sb.WriteString(m.Body)
	for _, a := range m.Attachments {
		fmt.Fprintf(&sb, " [%s]", valueOrDefault(a.Name, a.URL))
	}
	switch m.DeliveryState {
	case gradchat.DeliveryPending:
		sb.WriteString(" …")
	case gradchat.DeliveryFailed:
		fmt.Fprintf(&sb, " (failed, /retry %s)", m.TempID)
	}
	if m.ServerID != "" {
		fmt.Fprintf(&sb, "  #%s", m.ServerID)
	}
	return sb.String()
}
