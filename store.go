package gradchat

import (
	"context"
	"sync"
)

// ============================================================================
// Collaborators
// ============================================================================

// MessageStore is the range-read and insert side of the message store.
type MessageStore interface {
	// FetchPage reads up to limit messages of a room strictly beyond the
	// boundary. Before pages may be newest-first, After pages oldest-first.
	FetchPage(ctx context.Context, roomID string, b Boundary, limit int) ([]Message, error)
	// CreateMessage inserts a message and returns it with its server identity.
	// TempID is an idempotency key; stores echo it on the returned message.
	CreateMessage(ctx context.Context, roomID string, req CreateMessageRequest) (Message, error)
}

// Feed is the push side of the store. ctx covers establishing a stream
// only; a stream lives until the consumer closes it or the transport fails.
type Feed interface {
	// Subscribe opens a room's live feed, delivering messages newer than since.
	Subscribe(ctx context.Context, roomID string, since OrderingKey) (*Subscription[MessageEvent], error)
	// SubscribeSummaries opens the per-user room summary feed.
	SubscribeSummaries(ctx context.Context, userID string) (*Subscription[RoomSummaryEvent], error)
}

// RoomDirectory lists the rooms of a user and records reads.
type RoomDirectory interface {
	ListRooms(ctx context.Context, userID string) ([]ChatRoom, error)
	MarkRead(ctx context.Context, roomID, userID string) error
}

// Moderator writes room suspension state. Its effect reaches clients through
// the summary feed only.
type Moderator interface {
	SetSuspension(ctx context.Context, roomID string, suspended bool, reason string) error
}

// Store is the full set of collaborators used by sessions and the registry.
type Store interface {
	MessageStore
	Feed
	RoomDirectory
	Moderator
}

type composedStore struct {
	MessageStore
	Feed
	RoomDirectory
	Moderator
}

// Compose builds a Store out of separate backends, e.g. a relational store
// for reads and writes and a pub/sub system for the feeds.
func Compose(messages MessageStore, feed Feed, rooms RoomDirectory, mod Moderator) Store {
	return composedStore{MessageStore: messages, Feed: feed, RoomDirectory: rooms, Moderator: mod}
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription is a push stream. Events is closed when the stream ends;
// Err then reports why: nil after Close, the transport failure otherwise.
//
// Send and Finish belong to the single producing goroutine.
type Subscription[T any] struct {
	events chan T
	done   chan struct{}
	cancel context.CancelFunc

	closeOnce  sync.Once
	finishOnce sync.Once

	mu     sync.Mutex
	err    error
	closed bool
}

// NewSubscription creates a stream with the given buffer. cancel, if set,
// runs once when the consumer closes the stream.
func NewSubscription[T any](buffer int, cancel context.CancelFunc) *Subscription[T] {
	return &Subscription[T]{
		events: make(chan T, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Events returns the receive side of the stream.
func (s *Subscription[T]) Events() <-chan T { return s.events }

// Done is closed when the consumer closes the stream.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Err returns the reason the stream ended.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.err
}

// Close ends the stream from the consumer side. Safe to call repeatedly.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Send delivers v, blocking while the buffer is full. It returns false once
// the consumer has closed the stream.
func (s *Subscription[T]) Send(v T) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- v:
		return true
	case <-s.done:
		return false
	}
}

// Finish ends the stream from the producer side with err.
func (s *Subscription[T]) Finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
	})
}
