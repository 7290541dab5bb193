package gradchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestPayload() map[string]any {
	return map[string]any{
		"source":    ModerationSource,
		"event":     EventRoomSuspended,
		"timestamp": 1700000000,
		"room": map[string]any{
			"id":     "room-001",
			"reason": "payment dispute",
		},
		"moderator": map[string]any{
			"id":          "mod-001",
			"displayName": "Test Moderator",
		},
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestPayload())
	return string(b)
}

func nopModeration(context.Context, *ModerationPayload) error { return nil }

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	body := makeTestPayloadString()
	signed := SignWebhookBody(body, testSecret)

	tests := []struct {
		name           string
		body, sig, key string
		want           bool
	}{
		{"signed", body, signed, testSecret, true},
		{"bare hex", body, strings.TrimPrefix(signed, "sha256="), testSecret, true},
		{"zeros", body, "sha256=" + strings.Repeat("0", 64), testSecret, false},
		{"other secret", body, SignWebhookBody(body, "wrong-secret"), testSecret, false},
		{"body changed", body + " ", signed, testSecret, false},
		{"no body", "", "sha256=abc", testSecret, false},
		{"no signature", body, "", testSecret, false},
		{"no secret", body, signed, "", false},
		{"prefix only", body, "sha256=", testSecret, false},
		{"not hex", body, "sha256=zz", testSecret, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyWebhookSignature(tt.body, tt.sig, tt.key); got != tt.want {
				t.Fatalf("VerifyWebhookSignature = %v, want %v", got, tt.want)
			}
		})
	}
}

// ============================================================================
// ParseModerationPayload
// ============================================================================

func TestParseModerationPayload(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		payload, err := ParseModerationPayload(makeTestPayloadString())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if payload.Room.ID != "room-001" {
			t.Fatalf("expected room-001, got %s", payload.Room.ID)
		}
		if !payload.Suspended() {
			t.Fatal("expected suspended")
		}
		if payload.Moderator.DisplayName != "Test Moderator" {
			t.Fatalf("unexpected moderator: %s", payload.Moderator.DisplayName)
		}
	})

	tests := []struct {
		name   string
		mutate func(map[string]any)
		want   string
	}{
		{"unknown source", func(d map[string]any) { d["source"] = "unknown" }, "unknown webhook source"},
		{"missing event", func(d map[string]any) { d["event"] = "" }, "missing event"},
		{"unsupported event", func(d map[string]any) { d["event"] = "room.deleted" }, "unsupported webhook event"},
		{"missing room", func(d map[string]any) { d["room"].(map[string]any)["id"] = "" }, "missing room id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := makeTestPayload()
			tt.mutate(data)
			b, _ := json.Marshal(data)
			_, err := ParseModerationPayload(string(b))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q error, got: %v", tt.want, err)
			}
		})
	}

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseModerationPayload("not json"); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})
}

func TestModerationPayloadSummaryEvent(t *testing.T) {
	t.Run("suspension", func(t *testing.T) {
		p, _ := ParseModerationPayload(makeTestPayloadString())
		ev := p.SummaryEvent()
		if ev.Kind != SummarySuspension || ev.RoomID != "room-001" || !ev.IsSuspended {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Reason != "payment dispute" {
			t.Fatalf("unexpected reason: %s", ev.Reason)
		}
		if !ev.UpdatedAt.Equal(time.Unix(1700000000, 0)) {
			t.Fatalf("unexpected time: %v", ev.UpdatedAt)
		}
	})

	t.Run("suspension without reason gets default", func(t *testing.T) {
		p := &ModerationPayload{Event: EventRoomSuspended, Room: ModerationRoom{ID: "r"}}
		if got := p.SummaryEvent().Reason; got != DefaultSuspensionReason {
			t.Fatalf("expected default reason, got %q", got)
		}
	})

	t.Run("lift drops reason", func(t *testing.T) {
		p := &ModerationPayload{Event: EventRoomUnsuspended, Room: ModerationRoom{ID: "r", Reason: "stale"}}
		ev := p.SummaryEvent()
		if ev.IsSuspended || ev.Reason != "" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	})
}

// ============================================================================
// NewModerationWebhook
// ============================================================================

func TestNewModerationWebhook(t *testing.T) {
	t.Run("empty secret", func(t *testing.T) {
		if _, err := NewModerationWebhook("", nopModeration, nil); err == nil {
			t.Fatal("expected error for empty secret")
		}
	})

	t.Run("nil handler", func(t *testing.T) {
		if _, err := NewModerationWebhook(testSecret, nil, nil); err == nil {
			t.Fatal("expected error for nil handler")
		}
	})

	t.Run("valid creation", func(t *testing.T) {
		wh, err := NewModerationWebhook(testSecret, nopModeration, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if wh == nil {
			t.Fatal("expected non-nil webhook")
		}
	})
}

// ============================================================================
// ModerationWebhook.Handle
// ============================================================================

func TestModerationWebhookHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid signature", func(t *testing.T) {
		wh, _ := NewModerationWebhook(testSecret, nopModeration, nil)
		status, data := wh.Handle(ctx, makeTestPayloadString(), "sha256=bad")
		if status != 401 {
			t.Fatalf("expected 401, got %d", status)
		}
		m := data.(map[string]string)
		if m["error"] != "Invalid signature" {
			t.Fatalf("unexpected error: %s", m["error"])
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		wh, _ := NewModerationWebhook(testSecret, nopModeration, nil)
		body := `{"source": "unknown"}`
		status, _ := wh.Handle(ctx, body, SignWebhookBody(body, testSecret))
		if status != 400 {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("success", func(t *testing.T) {
		wh, _ := NewModerationWebhook(testSecret, nopModeration, nil)
		body := makeTestPayloadString()
		status, data := wh.Handle(ctx, body, SignWebhookBody(body, testSecret))
		if status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
		if !data.(map[string]bool)["ok"] {
			t.Fatal("expected ok:true")
		}
	})

	t.Run("handler error", func(t *testing.T) {
		wh, _ := NewModerationWebhook(testSecret, func(context.Context, *ModerationPayload) error {
			return fmt.Errorf("Something broke")
		}, nil)
		body := makeTestPayloadString()
		status, data := wh.Handle(ctx, body, SignWebhookBody(body, testSecret))
		if status != 500 {
			t.Fatalf("expected 500, got %d", status)
		}
		if !strings.Contains(data.(map[string]string)["error"], "Something broke") {
			t.Fatalf("unexpected error: %v", data)
		}
	})
}

// ============================================================================
// Sinks
// ============================================================================

func TestModeratorSink(t *testing.T) {
	store := NewMemoryStore()
	store.AddRoom(ChatRoom{ID: "room-001", Type: RoomGroup})
	wh, _ := NewModerationWebhook(testSecret, ModeratorSink(store), nil)

	body := makeTestPayloadString()
	status, _ := wh.Handle(context.Background(), body, SignWebhookBody(body, testSecret))
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}

	rooms, _ := store.ListRooms(context.Background(), "anyone")
	if len(rooms) != 1 || !rooms[0].IsSuspended || rooms[0].SuspensionReason != "payment dispute" {
		t.Fatalf("suspension not written: %+v", rooms)
	}
	if store.Calls(OpSetSuspension) != 1 {
		t.Fatalf("expected 1 SetSuspension call, got %d", store.Calls(OpSetSuspension))
	}
}

func TestRegistrySink(t *testing.T) {
	store := NewMemoryStore()
	store.AddRoom(ChatRoom{ID: "room-001", Type: RoomGroup})
	reg := NewRoomRegistry(store, "u1")
	defer reg.Close()
	if err := reg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	p, _ := ParseModerationPayload(makeTestPayloadString())
	if err := RegistrySink(reg)(context.Background(), p); err != nil {
		t.Fatalf("sink: %v", err)
	}
	room, _ := reg.Room("room-001")
	if !room.IsSuspended {
		t.Fatal("expected room suspended in registry")
	}
	if err := reg.Guards().For("room-001").Check(); err == nil {
		t.Fatal("expected guard to block writes")
	}
}

// ============================================================================
// ModerationWebhook.HTTPHandler
// ============================================================================

func TestModerationWebhookHTTPHandler(t *testing.T) {
	t.Run("GET returns 405", func(t *testing.T) {
		wh, _ := NewModerationWebhook(testSecret, nopModeration, nil)
		req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 405 {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		wh, _ := NewModerationWebhook(testSecret, nopModeration, nil)
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(makeTestPayloadString()))
		req.Header.Set(SignatureHeader, "sha256=bad")
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 401 {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("payload passed to handler", func(t *testing.T) {
		var received *ModerationPayload
		wh, _ := NewModerationWebhook(testSecret, func(_ context.Context, p *ModerationPayload) error {
			received = p
			return nil
		}, nil)
		body := makeTestPayloadString()
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set(SignatureHeader, SignWebhookBody(body, testSecret))
		w := httptest.NewRecorder()
		wh.HTTPHandler().ServeHTTP(w, req)

		if w.Code != 200 {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var result map[string]any
		json.NewDecoder(w.Body).Decode(&result)
		if result["ok"] != true {
			t.Fatal("expected ok:true")
		}
		if received == nil {
			t.Fatal("handler was not called")
		}
		if received.Room.ID != "room-001" || received.Moderator.ID != "mod-001" {
			t.Fatalf("unexpected payload: %+v", received)
		}
	})
}
