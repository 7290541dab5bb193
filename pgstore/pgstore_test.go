package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	gradchat "github.com/Gradlink/gradchat/sdk/golang"
)

func TestPageQuery(t *testing.T) {
	key := gradchat.OrderingKey{CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ID: "m5"}
	tests := []struct {
		name     string
		boundary gradchat.Boundary
		limit    int
		contains []string
		args     int
	}{
		{"latest", gradchat.Latest(), 10, []string{"ORDER BY created_at DESC, id DESC LIMIT $2"}, 2},
		{"older", gradchat.OlderThan(key), 10, []string{"(created_at, id) < ($2, $3)", "DESC", "LIMIT $4"}, 4},
		{"newer", gradchat.NewerThan(key), 10, []string{"(created_at, id) > ($2, $3)", "ASC", "LIMIT $4"}, 4},
		{"newer without key", gradchat.NewerThan(gradchat.OrderingKey{}), 10, []string{"ASC", "LIMIT $2"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := pageQuery("r1", tt.boundary, tt.limit)
			for _, want := range tt.contains {
				if !strings.Contains(sql, want) {
					t.Errorf("query %q lacks %q", sql, want)
				}
			}
			if len(args) != tt.args || args[0] != "r1" {
				t.Fatalf("unexpected args %v", args)
			}
		})
	}

	t.Run("default limit", func(t *testing.T) {
		_, args := pageQuery("r1", gradchat.Latest(), 0)
		if args[len(args)-1] != defaultPageSize {
			t.Fatalf("expected default limit, got %v", args[len(args)-1])
		}
	})
}

func TestSummaryNoticeForUser(t *testing.T) {
	msg := summaryNotice{
		RoomSummaryEvent: gradchat.RoomSummaryEvent{Kind: gradchat.SummaryMessage, RoomID: "r1", Preview: "hi"},
		SenderID:         "u2",
	}
	if ev, ok := msg.forUser("u1"); !ok || ev.NewMessages != 1 {
		t.Fatalf("recipient: %+v %v", ev, ok)
	}
	if ev, ok := msg.forUser("u2"); !ok || ev.NewMessages != 0 {
		t.Fatalf("sender: %+v %v", ev, ok)
	}

	read := summaryNotice{
		RoomSummaryEvent: gradchat.RoomSummaryEvent{Kind: gradchat.SummaryRead, RoomID: "r1"},
		UserID:           "u1",
	}
	if _, ok := read.forUser("u2"); ok {
		t.Fatal("read notice reached another user")
	}
	if ev, ok := read.forUser("u1"); !ok || ev.Kind != gradchat.SummaryRead {
		t.Fatalf("reader: %+v %v", ev, ok)
	}
}

func TestWrapErr(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"no rows", pgx.ErrNoRows, gradchat.ErrNotFound},
		{"foreign key", &pgconn.PgError{Code: "23503"}, gradchat.ErrNotFound},
		{"dial", errors.New("dial tcp: connection refused"), gradchat.ErrNetwork},
		{"canceled", context.Canceled, gradchat.ErrNetwork},
		{"suspended passes", &gradchat.SuspendedError{RoomID: "r1"}, gradchat.ErrSuspended},
		{"wrapped not found passes", fmt.Errorf("room r1: %w", gradchat.ErrNotFound), gradchat.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := wrapErr("op", tt.err); !errors.Is(err, tt.target) {
				t.Fatalf("expected %v, got %v", tt.target, err)
			}
		})
	}

	t.Run("server error is not retryable", func(t *testing.T) {
		err := wrapErr("op", &pgconn.PgError{Code: "42P01", Message: "relation does not exist"})
		if gradchat.IsRetryable(err) {
			t.Fatalf("unexpected retryable %v", err)
		}
	})
	if wrapErr("op", nil) != nil {
		t.Fatal("nil error wrapped")
	}
}

func TestSuspensionReason(t *testing.T) {
	if suspensionReason(false, "x") != "" {
		t.Fatal("lifted room kept a reason")
	}
	if suspensionReason(true, "") != gradchat.DefaultSuspensionReason {
		t.Fatal("missing default reason")
	}
	if suspensionReason(true, "abuse") != "abuse" {
		t.Fatal("reason dropped")
	}
}
