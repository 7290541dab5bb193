package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	gradchat "github.com/Gradlink/gradchat/sdk/golang"
)

const messageColumns = `id, room_id, COALESCE(temp_id, ''), sender_id, body, attachments, reply_to_id, created_at`

// querier is the read side shared by the pool, transactions and the
// dedicated connections of live streams.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type messageNotice struct {
	RoomID string `json:"roomId"`
	ID     string `json:"id"`
}

func newMessageID() string { return uuid.NewString() }

// FetchPage implements gradchat.MessageStore. Before pages are newest-first,
// After pages oldest-first.
func (s *Store) FetchPage(ctx context.Context, roomID string, b gradchat.Boundary, limit int) ([]gradchat.Message, error) {
	msgs, err := fetchPage(ctx, s.pool, roomID, b, limit)
	if err != nil {
		return nil, wrapErr("FetchPage", err)
	}
	return msgs, nil
}

func fetchPage(ctx context.Context, q querier, roomID string, b gradchat.Boundary, limit int) ([]gradchat.Message, error) {
	sql, args := pageQuery(roomID, b, limit)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []gradchat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		if err := roomExists(ctx, q, roomID); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// pageQuery builds the keyset query of one page.
func pageQuery(roomID string, b gradchat.Boundary, limit int) (string, []any) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	var sb strings.Builder
	sb.WriteString(`SELECT ` + messageColumns + ` FROM chat_messages WHERE room_id = $1`)
	args := []any{roomID}

	order := "DESC"
	cmp := "<"
	if b.Direction == gradchat.After {
		order = "ASC"
		cmp = ">"
	}
	if !b.Key.IsZero() {
		fmt.Fprintf(&sb, ` AND (created_at, id) %s ($2, $3)`, cmp)
		args = append(args, b.Key.CreatedAt, b.Key.ID)
	}
	fmt.Fprintf(&sb, ` ORDER BY created_at %s, id %s LIMIT $%d`, order, order, len(args)+1)
	args = append(args, limit)
	return sb.String(), args
}

func scanMessage(row pgx.Row) (gradchat.Message, error) {
	var (
		m           gradchat.Message
		attachments []byte
	)
	if err := row.Scan(&m.ServerID, &m.RoomID, &m.TempID, &m.SenderID, &m.Body, &attachments, &m.ReplyToID, &m.CreatedAt); err != nil {
		return gradchat.Message{}, err
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return gradchat.Message{}, fmt.Errorf("decode attachments of %s: %w", m.ServerID, err)
		}
		if len(m.Attachments) == 0 {
			m.Attachments = nil
		}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.DeliveryState = gradchat.DeliverySent
	return m, nil
}

func roomExists(ctx context.Context, q querier, roomID string) error {
	var ok bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_rooms WHERE id = $1)`, roomID).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("room %s: %w", roomID, gradchat.ErrNotFound)
	}
	return nil
}

// CreateMessage implements gradchat.MessageStore. A repeated TempID returns
// the message stored by the first call. Timestamps strictly increase within
// a room.
func (s *Store) CreateMessage(ctx context.Context, roomID string, req gradchat.CreateMessageRequest) (gradchat.Message, error) {
	var (
		m         gradchat.Message
		duplicate bool
	)
	err := s.inTx(ctx, "CreateMessage", func(tx pgx.Tx) error {
		var (
			suspended bool
			reason    string
		)
		err := tx.QueryRow(ctx,
			`SELECT is_suspended, suspension_reason FROM chat_rooms WHERE id = $1 FOR UPDATE`, roomID,
		).Scan(&suspended, &reason)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("room %s: %w", roomID, gradchat.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if suspended {
			return &gradchat.SuspendedError{RoomID: roomID, Reason: suspensionReason(true, reason)}
		}
		if strings.TrimSpace(req.Body) == "" && len(req.Attachments) == 0 {
			return &gradchat.ValidationError{Field: "body", Reason: "empty"}
		}

		if req.TempID != "" {
			existing, err := scanMessage(tx.QueryRow(ctx,
				`SELECT `+messageColumns+` FROM chat_messages WHERE room_id = $1 AND temp_id = $2`, roomID, req.TempID))
			if err == nil {
				m, duplicate = existing, true
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}

		attachments := req.Attachments
		if attachments == nil {
			attachments = []gradchat.Attachment{}
		}
		raw, err := json.Marshal(attachments)
		if err != nil {
			return err
		}
		// GREATEST skips the NULL max of an empty room.
		m, err = scanMessage(tx.QueryRow(ctx,
			`INSERT INTO chat_messages (id, room_id, temp_id, sender_id, body, attachments, reply_to_id, created_at)
			 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7,
			         GREATEST(clock_timestamp(),
			                  (SELECT max(created_at) + interval '1 microsecond' FROM chat_messages WHERE room_id = $2)))
			 RETURNING `+messageColumns,
			s.newID(), roomID, req.TempID, req.SenderID, req.Body, raw, req.ReplyToID,
		))
		if err != nil {
			return err
		}

		text := gradchat.Preview(m)
		if _, err := tx.Exec(ctx,
			`UPDATE chat_rooms SET last_message_preview = $2, updated_at = $3 WHERE id = $1`,
			roomID, text, m.CreatedAt,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE chat_participants SET unread_count = unread_count + 1 WHERE room_id = $1 AND user_id <> $2`,
			roomID, req.SenderID,
		); err != nil {
			return err
		}
		if err := notify(ctx, tx, messagesChannel, messageNotice{RoomID: roomID, ID: m.ServerID}); err != nil {
			return err
		}
		return notify(ctx, tx, summariesChannel, summaryNotice{
			RoomSummaryEvent: gradchat.RoomSummaryEvent{
				Kind:      gradchat.SummaryMessage,
				RoomID:    roomID,
				Preview:   text,
				UpdatedAt: m.CreatedAt,
			},
			SenderID: req.SenderID,
		})
	})
	if err != nil {
		return gradchat.Message{}, err
	}
	s.log.Debug("message stored",
		zap.String("room_id", roomID), zap.String("temp_id", req.TempID),
		zap.String("server_id", m.ServerID), zap.Bool("duplicate", duplicate))
	return m, nil
}

// notify queues a notification that is delivered when tx commits.
func notify(ctx context.Context, tx pgx.Tx, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(data))
	return err
}
