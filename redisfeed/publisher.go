package redisfeed

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	gradchat "github.com/Gradlink/gradchat/sdk/golang"
)

// Publisher writes room and summary events to Redis.
type Publisher struct {
	client redis.UniversalClient
	opts   options
}

// NewPublisher creates a publisher on client.
func NewPublisher(client redis.UniversalClient, opts ...Option) *Publisher {
	return &Publisher{client: client, opts: buildOptions(opts)}
}

// PublishMessage announces a stored message on its room channel.
func (p *Publisher) PublishMessage(ctx context.Context, m gradchat.Message) error {
	m.DeliveryState = gradchat.DeliverySent
	m.Err = nil
	return p.publish(ctx, roomChannel(p.opts.prefix, m.RoomID), gradchat.MessageEvent{Type: gradchat.EventMessageNew, Message: m})
}

// PublishSummary announces a room change to its members. senderID, when
// set, is not counted as having a new message.
func (p *Publisher) PublishSummary(ctx context.Context, ev gradchat.RoomSummaryEvent, senderID string) error {
	return p.publish(ctx, summaryChannel(p.opts.prefix), summaryNotice{RoomSummaryEvent: ev, SenderID: senderID})
}

// PublishRead announces that userID has read roomID, to that user only.
func (p *Publisher) PublishRead(ctx context.Context, roomID, userID string) error {
	return p.publish(ctx, summaryChannel(p.opts.prefix), summaryNotice{
		RoomSummaryEvent: gradchat.RoomSummaryEvent{Kind: gradchat.SummaryRead, RoomID: roomID},
		UserID:           userID,
	})
}

func (p *Publisher) publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return &gradchat.NetworkError{Op: "redisfeed.publish " + channel, Err: err}
	}
	return nil
}

// ============================================================================
// PublishingStore
// ============================================================================

// Backend is the storage side that a PublishingStore announces writes of.
type Backend interface {
	gradchat.MessageStore
	gradchat.RoomDirectory
	gradchat.Moderator
}

// PublishingStore forwards reads and writes to a Backend and publishes every
// successful write. A failed publish is logged; the write still succeeds.
type PublishingStore struct {
	Backend
	pub *Publisher
}

// Wrap returns a PublishingStore over backend.
func (p *Publisher) Wrap(backend Backend) *PublishingStore {
	return &PublishingStore{Backend: backend, pub: p}
}

// CreateMessage stores the message, then announces it.
func (s *PublishingStore) CreateMessage(ctx context.Context, roomID string, req gradchat.CreateMessageRequest) (gradchat.Message, error) {
	m, err := s.Backend.CreateMessage(ctx, roomID, req)
	if err != nil {
		return m, err
	}
	if m.RoomID == "" {
		m.RoomID = roomID
	}
	s.logFailure(s.pub.PublishMessage(ctx, m), roomID)
	s.logFailure(s.pub.PublishSummary(ctx, gradchat.RoomSummaryEvent{
		Kind:      gradchat.SummaryMessage,
		RoomID:    roomID,
		Preview:   gradchat.Preview(m),
		UpdatedAt: m.CreatedAt,
	}, req.SenderID), roomID)
	return m, nil
}

// MarkRead records the read, then announces it to the reader.
func (s *PublishingStore) MarkRead(ctx context.Context, roomID, userID string) error {
	if err := s.Backend.MarkRead(ctx, roomID, userID); err != nil {
		return err
	}
	s.logFailure(s.pub.PublishRead(ctx, roomID, userID), roomID)
	return nil
}

// SetSuspension writes the suspension, then announces it.
func (s *PublishingStore) SetSuspension(ctx context.Context, roomID string, suspended bool, reason string) error {
	if err := s.Backend.SetSuspension(ctx, roomID, suspended, reason); err != nil {
		return err
	}
	switch {
	case !suspended:
		reason = ""
	case reason == "":
		reason = gradchat.DefaultSuspensionReason
	}
	s.logFailure(s.pub.PublishSummary(ctx, gradchat.RoomSummaryEvent{
		Kind:        gradchat.SummarySuspension,
		RoomID:      roomID,
		IsSuspended: suspended,
		Reason:      reason,
	}, ""), roomID)
	return nil
}

func (s *PublishingStore) logFailure(err error, roomID string) {
	if err != nil {
		s.pub.opts.log.Warn("publish failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// NewStore assembles a gradchat.Store whose writes go to backend and whose
// feeds run over Redis, replaying history and filtering summaries through
// backend.
func NewStore(client redis.UniversalClient, backend Backend, opts ...Option) gradchat.Store {
	pub := NewPublisher(client, opts...).Wrap(backend)
	feed := NewFeed(client, append([]Option{WithHistory(backend), WithDirectory(backend)}, opts...)...)
	return gradchat.Compose(pub, feed, pub, pub)
}
