package gradchat

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Webhook Types
// ============================================================================

const (
	ModerationSource = "gradlink_moderation"

	EventRoomSuspended   = "room.suspended"
	EventRoomUnsuspended = "room.unsuspended"

	// SignatureHeader carries the hex HMAC-SHA256 of the body.
	SignatureHeader = "X-Gradlink-Signature"
)

// ModerationPayload is a moderation decision pushed by the moderation service.
type ModerationPayload struct {
	Source    string              `json:"source"`
	Event     string              `json:"event"`
	Timestamp int64               `json:"timestamp"`
	Room      ModerationRoom      `json:"room"`
	Moderator ModerationModerator `json:"moderator"`
}

// ModerationRoom identifies the moderated room.
type ModerationRoom struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// ModerationModerator identifies who made the decision.
type ModerationModerator struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// Suspended reports whether the payload suspends the room.
func (p *ModerationPayload) Suspended() bool {
	return p.Event == EventRoomSuspended
}

// SummaryEvent converts the decision into a summary feed event.
func (p *ModerationPayload) SummaryEvent() RoomSummaryEvent {
	ev := RoomSummaryEvent{
		Kind:        SummarySuspension,
		RoomID:      p.Room.ID,
		IsSuspended: p.Suspended(),
	}
	if ev.IsSuspended {
		ev.Reason = p.Room.Reason
		if ev.Reason == "" {
			ev.Reason = DefaultSuspensionReason
		}
	}
	if p.Timestamp > 0 {
		ev.UpdatedAt = time.Unix(p.Timestamp, 0).UTC()
	}
	return ev
}

// ModerationHandlerFunc is the callback for verified moderation payloads.
type ModerationHandlerFunc func(ctx context.Context, payload *ModerationPayload) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseModerationPayload parses a raw webhook body into a ModerationPayload.
func ParseModerationPayload(body string) (*ModerationPayload, error) {
	var payload ModerationPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != ModerationSource {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	switch payload.Event {
	case EventRoomSuspended, EventRoomUnsuspended:
	case "":
		return nil, fmt.Errorf("missing event field in webhook payload")
	default:
		return nil, fmt.Errorf("unsupported webhook event: %s", payload.Event)
	}
	if payload.Room.ID == "" {
		return nil, fmt.Errorf("missing room id in webhook payload")
	}

	return &payload, nil
}

// ============================================================================
// Sinks
// ============================================================================

// ModeratorSink writes each decision to the store, which fans it out to
// clients over the summary feed.
func ModeratorSink(m Moderator) ModerationHandlerFunc {
	return func(ctx context.Context, p *ModerationPayload) error {
		ev := p.SummaryEvent()
		return m.SetSuspension(ctx, ev.RoomID, ev.IsSuspended, ev.Reason)
	}
}

// RegistrySink applies each decision to a registry directly, for processes
// that receive moderation webhooks themselves.
func RegistrySink(r *RoomRegistry) ModerationHandlerFunc {
	return func(_ context.Context, p *ModerationPayload) error {
		r.Apply(p.SummaryEvent())
		return nil
	}
}

// ============================================================================
// ModerationWebhook
// ============================================================================

// ModerationWebhook handles moderation webhook verification, parsing, and
// dispatch.
type ModerationWebhook struct {
	secret     string
	onModerate ModerationHandlerFunc
	log        *zap.Logger
}

// NewModerationWebhook creates a webhook handler.
func NewModerationWebhook(secret string, onModerate ModerationHandlerFunc, log *zap.Logger) (*ModerationWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if onModerate == nil {
		return nil, fmt.Errorf("webhook handler is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ModerationWebhook{secret: secret, onModerate: onModerate, log: log}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *ModerationWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes a webhook request (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (w *ModerationWebhook) Handle(ctx context.Context, body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		w.log.Warn("webhook signature rejected")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseModerationPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.onModerate(ctx, payload); err != nil {
		w.log.Warn("moderation handler failed", zap.String("room_id", payload.Room.ID), zap.Error(err))
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}

	w.log.Info("moderation applied",
		zap.String("room_id", payload.Room.ID),
		zap.String("event", payload.Event),
		zap.String("moderator", payload.Moderator.ID))
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := gradchat.NewModerationWebhook("secret", gradchat.ModeratorSink(store), nil)
//	http.Handle("/webhooks/moderation", wh.HTTPHandler())
func (w *ModerationWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(r.Context(), string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
