package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	gradchat "github.com/Gradlink/gradchat/sdk/golang"
)

// ListRooms implements gradchat.RoomDirectory. A room without participants
// is visible to every user.
func (s *Store) ListRooms(ctx context.Context, userID string) ([]gradchat.ChatRoom, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.type, r.project_id, r.last_message_preview, r.updated_at,
		        r.is_suspended, r.suspension_reason, COALESCE(p.unread_count, 0),
		        COALESCE((SELECT array_agg(x.user_id ORDER BY x.user_id) FROM chat_participants x WHERE x.room_id = r.id), '{}')
		 FROM chat_rooms r
		 LEFT JOIN chat_participants p ON p.room_id = r.id AND p.user_id = $1
		 WHERE p.user_id IS NOT NULL
		    OR NOT EXISTS (SELECT 1 FROM chat_participants y WHERE y.room_id = r.id)
		 ORDER BY r.updated_at DESC, r.id`, userID,
	)
	if err != nil {
		return nil, wrapErr("ListRooms", err)
	}
	defer rows.Close()

	rooms := make([]gradchat.ChatRoom, 0)
	for rows.Next() {
		var (
			r        gradchat.ChatRoom
			roomType string
		)
		if err := rows.Scan(&r.ID, &roomType, &r.ProjectID, &r.LastMessagePreview, &r.UpdatedAt,
			&r.IsSuspended, &r.SuspensionReason, &r.UnreadCount, &r.ParticipantIDs); err != nil {
			return nil, wrapErr("ListRooms scan", err)
		}
		r.Type = gradchat.RoomType(roomType)
		r.UpdatedAt = r.UpdatedAt.UTC()
		r.SuspensionReason = suspensionReason(r.IsSuspended, r.SuspensionReason)
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("ListRooms rows", err)
	}
	return rooms, nil
}

// MarkRead implements gradchat.RoomDirectory.
func (s *Store) MarkRead(ctx context.Context, roomID, userID string) error {
	return s.inTx(ctx, "MarkRead", func(tx pgx.Tx) error {
		if err := roomExists(ctx, tx, roomID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE chat_participants SET unread_count = 0 WHERE room_id = $1 AND user_id = $2`,
			roomID, userID,
		); err != nil {
			return err
		}
		return notify(ctx, tx, summariesChannel, summaryNotice{
			RoomSummaryEvent: gradchat.RoomSummaryEvent{Kind: gradchat.SummaryRead, RoomID: roomID},
			UserID:           userID,
		})
	})
}

// SetSuspension implements gradchat.Moderator.
func (s *Store) SetSuspension(ctx context.Context, roomID string, suspended bool, reason string) error {
	reason = suspensionReason(suspended, reason)
	err := s.inTx(ctx, "SetSuspension", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE chat_rooms SET is_suspended = $2, suspension_reason = $3 WHERE id = $1`,
			roomID, suspended, reason,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("room %s: %w", roomID, gradchat.ErrNotFound)
		}
		return notify(ctx, tx, summariesChannel, summaryNotice{
			RoomSummaryEvent: gradchat.RoomSummaryEvent{
				Kind:        gradchat.SummarySuspension,
				RoomID:      roomID,
				IsSuspended: suspended,
				Reason:      reason,
			},
		})
	})
	if err != nil {
		return err
	}
	s.log.Info("room suspension changed",
		zap.String("room_id", roomID), zap.Bool("suspended", suspended), zap.String("reason", reason))
	return nil
}
