package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	gradchat "github.com/Gradlink/gradchat/sdk/golang"
)

// feedBatch bounds each read-back after a notification.
const feedBatch = 200

// summaryNotice is the payload of the summaries channel. A notice with a
// UserID concerns that user only; otherwise it goes to the room's members.
type summaryNotice struct {
	gradchat.RoomSummaryEvent
	SenderID string `json:"senderId,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// forUser returns the event as userID sees it.
func (n summaryNotice) forUser(userID string) (gradchat.RoomSummaryEvent, bool) {
	if n.UserID != "" && n.UserID != userID {
		return gradchat.RoomSummaryEvent{}, false
	}
	ev := n.RoomSummaryEvent
	if ev.Kind == gradchat.SummaryMessage && n.SenderID != userID {
		ev.NewMessages = 1
	}
	return ev, true
}

// Subscribe implements gradchat.Feed. Messages newer than since are
// replayed first; a zero since starts at the newest stored message.
func (s *Store) Subscribe(ctx context.Context, roomID string, since gradchat.OrderingKey) (*gradchat.Subscription[gradchat.MessageEvent], error) {
	conn, err := s.listen(ctx, messagesChannel)
	if err != nil {
		return nil, err
	}
	if err := roomExists(ctx, conn, roomID); err != nil {
		closeListener(conn)
		return nil, wrapErr("Subscribe", err)
	}
	if since.IsZero() {
		newest, err := fetchPage(ctx, conn, roomID, gradchat.Latest(), 1)
		if err != nil {
			closeListener(conn)
			return nil, wrapErr("Subscribe", err)
		}
		if len(newest) == 1 {
			since = newest[0].OrderingKey()
		}
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	sub := gradchat.NewSubscription[gradchat.MessageEvent](s.feedBuffer, cancel)
	go s.runRoomFeed(streamCtx, conn, sub, roomID, since)
	s.log.Debug("room feed opened", zap.String("room_id", roomID))
	return sub, nil
}

func (s *Store) runRoomFeed(ctx context.Context, conn *pgxpool.Conn, sub *gradchat.Subscription[gradchat.MessageEvent], roomID string, last gradchat.OrderingKey) {
	defer closeListener(conn)
	for {
		// Drain everything committed past last, then wait for the room's
		// next notification.
		for {
			page, err := fetchPage(ctx, conn, roomID, gradchat.NewerThan(last), feedBatch)
			if err != nil {
				s.endFeed(ctx, sub.Finish, "room feed", roomID, err)
				return
			}
			for _, m := range page {
				if !sub.Send(gradchat.MessageEvent{Type: gradchat.EventMessageNew, Message: m}) {
					sub.Finish(nil)
					return
				}
				last = m.OrderingKey()
			}
			if len(page) < feedBatch {
				break
			}
		}

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				s.endFeed(ctx, sub.Finish, "room feed", roomID, err)
				return
			}
			var notice messageNotice
			if err := json.Unmarshal([]byte(n.Payload), &notice); err != nil {
				s.log.Warn("bad message notice", zap.String("payload", n.Payload), zap.Error(err))
				continue
			}
			if notice.RoomID == roomID {
				break
			}
		}
	}
}

// SubscribeSummaries implements gradchat.Feed.
func (s *Store) SubscribeSummaries(ctx context.Context, userID string) (*gradchat.Subscription[gradchat.RoomSummaryEvent], error) {
	conn, err := s.listen(ctx, summariesChannel)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	sub := gradchat.NewSubscription[gradchat.RoomSummaryEvent](s.feedBuffer, cancel)
	go s.runSummaryFeed(streamCtx, conn, sub, userID)
	s.log.Debug("summary feed opened", zap.String("user_id", userID))
	return sub, nil
}

func (s *Store) runSummaryFeed(ctx context.Context, conn *pgxpool.Conn, sub *gradchat.Subscription[gradchat.RoomSummaryEvent], userID string) {
	defer closeListener(conn)
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			s.endFeed(ctx, sub.Finish, "summary feed", userID, err)
			return
		}
		var notice summaryNotice
		if err := json.Unmarshal([]byte(n.Payload), &notice); err != nil {
			s.log.Warn("bad summary notice", zap.String("payload", n.Payload), zap.Error(err))
			continue
		}
		ev, ok := notice.forUser(userID)
		if !ok {
			continue
		}
		if notice.UserID == "" {
			member, err := isMember(ctx, conn, notice.RoomID, userID)
			if err != nil {
				s.endFeed(ctx, sub.Finish, "summary feed", userID, err)
				return
			}
			if !member {
				continue
			}
		}
		if !sub.Send(ev) {
			sub.Finish(nil)
			return
		}
	}
}

func isMember(ctx context.Context, q querier, roomID, userID string) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_participants WHERE room_id = $1 AND user_id = $2)
		     OR NOT EXISTS (SELECT 1 FROM chat_participants WHERE room_id = $1)`, roomID, userID,
	).Scan(&ok)
	return ok, err
}

// endFeed finishes a stream: cleanly when its consumer closed it, with a
// transport error otherwise.
func (s *Store) endFeed(ctx context.Context, finish func(error), what, id string, err error) {
	if ctx.Err() != nil {
		finish(nil)
		return
	}
	s.log.Warn(what+" failed", zap.String("id", id), zap.Error(err))
	wrapped := wrapErr(what, err)
	if !errors.Is(wrapped, gradchat.ErrNotFound) && !errors.Is(wrapped, gradchat.ErrNetwork) {
		wrapped = &gradchat.NetworkError{Op: "pgstore." + what, Err: err}
	}
	finish(wrapped)
}

// listen takes a connection out of the pool and LISTENs on channel.
func (s *Store) listen(ctx context.Context, channel string) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, wrapErr("listen", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, wrapErr("listen", err)
	}
	return conn, nil
}

// closeListener closes a listening connection instead of returning it to
// the pool, where it would keep collecting notifications.
func closeListener(conn *pgxpool.Conn) {
	c := conn.Hijack()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Close(ctx)
}
