package gradchat

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the chat store API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Is lets errors.Is match an APIError against the taxonomy sentinels.
func (e *APIError) Is(target error) bool {
	return classifyAPIError(e.Status, e) == target
}

// Result is the generic store API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Rooms
// ============================================================================

// RoomType classifies who takes part in a room.
type RoomType string

const (
	RoomClientSupervisor RoomType = "client_supervisor"
	RoomDoerSupervisor   RoomType = "doer_supervisor"
	RoomGroup            RoomType = "group"
)

// DefaultSuspensionReason is used when a room is suspended without a reason.
const DefaultSuspensionReason = "suspended by moderator"

// ChatRoom is the list-level view of a room.
type ChatRoom struct {
	ID                 string    `json:"id"`
	Type               RoomType  `json:"type"`
	ProjectID          string    `json:"projectId,omitempty"`
	ParticipantIDs     []string  `json:"participantIds"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt"`
	UnreadCount        int       `json:"unreadCount"`
	IsSuspended        bool      `json:"isSuspended"`
	SuspensionReason   string    `json:"suspensionReason,omitempty"`
}

// normalize enforces the room invariants: unique participants, a non-negative
// unread count, and a suspension reason present exactly when suspended.
func (r *ChatRoom) normalize() {
	if r.UnreadCount < 0 {
		r.UnreadCount = 0
	}
	switch {
	case !r.IsSuspended:
		r.SuspensionReason = ""
	case r.SuspensionReason == "":
		r.SuspensionReason = DefaultSuspensionReason
	}
	if len(r.ParticipantIDs) > 1 {
		seen := make(map[string]struct{}, len(r.ParticipantIDs))
		unique := r.ParticipantIDs[:0:0]
		for _, id := range r.ParticipantIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			unique = append(unique, id)
		}
		r.ParticipantIDs = unique
	}
}

func (r ChatRoom) clone() ChatRoom {
	r.ParticipantIDs = append([]string(nil), r.ParticipantIDs...)
	return r
}

// SummaryKind is the kind of change carried by a RoomSummaryEvent.
type SummaryKind string

const (
	SummaryRoom       SummaryKind = "room"
	SummaryMessage    SummaryKind = "message"
	SummarySuspension SummaryKind = "suspension"
	SummaryRead       SummaryKind = "read"
)

// RoomSummaryEvent is one update from the per-user summary feed.
type RoomSummaryEvent struct {
	Kind   SummaryKind `json:"kind"`
	RoomID string      `json:"roomId"`

	// SummaryRoom
	Room *ChatRoom `json:"room,omitempty"`

	// SummaryMessage
	Preview     string    `json:"preview,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
	NewMessages int       `json:"newMessages,omitempty"`

	// SummarySuspension
	IsSuspended bool   `json:"isSuspended,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// DeliveryState tracks an outgoing message through confirmation.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Attachment is a reference to a file held by the external storage service.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a chat message. Before confirmation it is identified by TempID,
// afterwards by ServerID. Stores echo TempID back on confirmed messages.
type Message struct {
	ServerID      string        `json:"id,omitempty"`
	TempID        string        `json:"tempId,omitempty"`
	RoomID        string        `json:"roomId"`
	SenderID      string        `json:"senderId"`
	Body          string        `json:"body"`
	Attachments   []Attachment  `json:"attachments,omitempty"`
	ReplyToID     string        `json:"replyToId,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	DeliveryState DeliveryState `json:"deliveryState,omitempty"`

	// Err is the reason a message is in DeliveryFailed.
	Err error `json:"-"`
}

// Key is the identity of the message within its room.
func (m Message) Key() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.TempID
}

// Confirmed reports whether the store has assigned a server identity.
func (m Message) Confirmed() bool {
	return m.ServerID != ""
}

// OrderingKey returns the sort key of the message.
func (m Message) OrderingKey() OrderingKey {
	return OrderingKey{CreatedAt: m.CreatedAt, ID: m.Key()}
}

func (m Message) clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

// Preview is the room-list preview of a message: its trimmed body, or the
// first attachment's name, cut to 80 runes.
func Preview(m Message) string {
	const limit = 80
	body := strings.TrimSpace(m.Body)
	if body == "" && len(m.Attachments) > 0 {
		body = "[attachment] " + m.Attachments[0].Name
	}
	if r := []rune(body); len(r) > limit {
		body = string(r[:limit-1]) + "…"
	}
	return body
}

// OrderingKey is the (createdAt, identity) pair messages are sorted by.
type OrderingKey struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
}

// IsZero reports whether the key is unset.
func (k OrderingKey) IsZero() bool {
	return k.CreatedAt.IsZero() && k.ID == ""
}

// Less orders keys by time, then by identity.
func (k OrderingKey) Less(o OrderingKey) bool {
	if !k.CreatedAt.Equal(o.CreatedAt) {
		return k.CreatedAt.Before(o.CreatedAt)
	}
	return k.ID < o.ID
}

// SortMessages sorts messages ascending by ordering key.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].OrderingKey().Less(msgs[j].OrderingKey())
	})
}

// MessageEventType identifies a live feed event.
type MessageEventType string

const (
	EventMessageNew MessageEventType = "message.new"
)

// MessageEvent is one event from a room's live feed.
type MessageEvent struct {
	Type    MessageEventType `json:"type"`
	Message Message          `json:"payload"`
}

// Draft is the payload of an outgoing message.
type Draft struct {
	Body        string
	Attachments []Attachment
	ReplyToID   string
}

// CreateMessageRequest is what a store receives for a new message.
type CreateMessageRequest struct {
	TempID      string       `json:"tempId"`
	SenderID    string       `json:"senderId"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyToID   string       `json:"replyToId,omitempty"`
}

// ============================================================================
// Session state
// ============================================================================

// ConnectionState is the tri-state live connection signal.
type ConnectionState string

const (
	ConnectionOnline       ConnectionState = "online"
	ConnectionOffline      ConnectionState = "offline"
	ConnectionReconnecting ConnectionState = "reconnecting"
)

// SessionPhase is the lifecycle phase of an ActiveSession.
type SessionPhase string

const (
	PhaseClosed  SessionPhase = "closed"
	PhaseLoading SessionPhase = "loading"
	PhaseReady   SessionPhase = "ready"
)

// SessionState is an immutable snapshot of an open room. Messages and ReplyTo
// are copies; holding a snapshot never observes later changes.
type SessionState struct {
	RoomID           string
	Phase            SessionPhase
	Messages         []Message
	HasMoreOlder     bool
	IsLoadingOlder   bool
	IsSuspended      bool
	SuspensionReason string
	ReplyTo          *Message
	Connection       ConnectionState
	LastError        error
	Revision         uint64
}

// Message returns the message with the given identity key.
func (s SessionState) Message(key string) (Message, bool) {
	for _, m := range s.Messages {
		if m.Key() == key {
			return m, true
		}
	}
	return Message{}, false
}
