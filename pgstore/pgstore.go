// Package pgstore is a PostgreSQL implementation of gradchat.Store.
//
// Messages are read with keyset pagination on (created_at, id) and inserted
// idempotently on (room_id, temp_id). Live and summary feeds are built on
// LISTEN/NOTIFY: writers notify inside their transaction and listeners read
// the committed rows back, so a notification is never ahead of the data.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	gradchat "github.com/Gradlink/gradchat/sdk/golang"
	"github.com/Gradlink/gradchat/sdk/golang/pgstore/migrations"
)

const (
	messagesChannel  = "gradchat_messages"
	summariesChannel = "gradchat_summaries"

	defaultPageSize = 30
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithFeedBuffer sets the event buffer of each live stream.
func WithFeedBuffer(n int) Option {
	return func(s *Store) { s.feedBuffer = n }
}

// WithIDs sets the generator of message ids. Defaults to UUIDv4.
func WithIDs(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// Store implements gradchat.Store on a pgx pool. Every live stream holds one
// pooled connection for its lifetime.
type Store struct {
	pool       *pgxpool.Pool
	log        *zap.Logger
	feedBuffer int
	newID      func() string
}

var _ gradchat.Store = (*Store)(nil)

// New wraps an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:       pool,
		log:        zap.NewNop(),
		feedBuffer: 64,
		newID:      newMessageID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to dsn, retrying with backoff until ctx ends, and returns a
// Store that owns the pool.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore.Open: parse dsn: %w", err)
	}
	s := New(nil, opts...)

	backoff := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		pool, err := connect(ctx, cfg)
		if err == nil {
			s.pool = pool
			return s, nil
		}
		s.log.Warn("postgres connect failed",
			zap.Int("attempt", attempt), zap.Duration("delay", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, &gradchat.NetworkError{Op: "pgstore.Open", Err: err}
		case <-time.After(backoff):
		}
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}

func connect(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close closes the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("pgstore.Migrate: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := fs.ReadFile(migrations.Files, e.Name())
		if err != nil {
			return fmt.Errorf("pgstore.Migrate: read %s: %w", e.Name(), err)
		}
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return wrapErr("Migrate "+e.Name(), err)
		}
		s.log.Debug("migration applied", zap.String("file", e.Name()))
	}
	return nil
}

// ── Provisioning ─────────────────────────────────────────

// AddRoom creates or replaces a room and adds its participants. Unread
// counters of existing participants are kept.
func (s *Store) AddRoom(ctx context.Context, room gradchat.ChatRoom) error {
	if room.ID == "" {
		return &gradchat.ValidationError{Field: "id", Reason: "empty"}
	}
	if room.Type == "" {
		room.Type = gradchat.RoomGroup
	}
	reason := suspensionReason(room.IsSuspended, room.SuspensionReason)
	updatedAt := room.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return s.inTx(ctx, "AddRoom", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_rooms (id, type, project_id, last_message_preview, updated_at, is_suspended, suspension_reason)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET
			     type = EXCLUDED.type,
			     project_id = EXCLUDED.project_id,
			     is_suspended = EXCLUDED.is_suspended,
			     suspension_reason = EXCLUDED.suspension_reason`,
			room.ID, string(room.Type), room.ProjectID, room.LastMessagePreview, updatedAt, room.IsSuspended, reason,
		); err != nil {
			return err
		}
		for _, userID := range room.ParticipantIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO chat_participants (room_id, user_id) VALUES ($1, $2)
				 ON CONFLICT DO NOTHING`, room.ID, userID,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// ── Helpers ──────────────────────────────────────────────

func (s *Store) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr(op+" begin", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))
	if err := fn(tx); err != nil {
		return wrapErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr(op+" commit", err)
	}
	return nil
}

// wrapErr maps driver errors onto the gradchat taxonomy. Errors raised by
// the server keep their identity; anything else is a transport failure.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		netErr *gradchat.NetworkError
		pgErr  *pgconn.PgError
	)
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, gradchat.ErrNotFound),
		errors.Is(err, gradchat.ErrSuspended),
		errors.Is(err, gradchat.ErrValidation):
		return err
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("pgstore.%s: %w", op, gradchat.ErrNotFound)
	case errors.As(err, &pgErr):
		if pgErr.Code == "23503" { // foreign_key_violation
			return fmt.Errorf("pgstore.%s: %w", op, gradchat.ErrNotFound)
		}
		return fmt.Errorf("pgstore.%s: %w", op, err)
	default:
		return &gradchat.NetworkError{Op: "pgstore." + op, Err: err}
	}
}

func suspensionReason(suspended bool, reason string) string {
	switch {
	case !suspended:
		return ""
	case reason == "":
		return gradchat.DefaultSuspensionReason
	default:
		return reason
	}
}
