package redisfeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	gradchat "github.com/Gradlink/gradchat/sdk/golang"
)

// backfillBatch bounds each history read of a replay.
const backfillBatch = 100

// Feed implements gradchat.Feed on Redis Pub/Sub.
type Feed struct {
	client redis.UniversalClient
	opts   options
}

var _ gradchat.Feed = (*Feed)(nil)

// NewFeed creates a feed on client.
func NewFeed(client redis.UniversalClient, opts ...Option) *Feed {
	return &Feed{client: client, opts: buildOptions(opts)}
}

// Subscribe implements gradchat.Feed. With a history store, messages newer
// than since are replayed before live ones; the first history page is read
// during setup so an unknown room fails here.
func (f *Feed) Subscribe(ctx context.Context, roomID string, since gradchat.OrderingKey) (*gradchat.Subscription[gradchat.MessageEvent], error) {
	ps, err := f.open(ctx, roomChannel(f.opts.prefix, roomID))
	if err != nil {
		return nil, err
	}

	var first []gradchat.Message
	if f.opts.history != nil && !since.IsZero() {
		first, err = f.opts.history.FetchPage(ctx, roomID, gradchat.NewerThan(since), backfillBatch)
		if err != nil {
			ps.Close()
			return nil, err
		}
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	sub := gradchat.NewSubscription[gradchat.MessageEvent](f.opts.buffer, cancel)
	go f.watch(streamCtx, ps)
	go f.runRoom(streamCtx, ps, sub, roomID, first)
	f.opts.log.Debug("room feed opened", zap.String("room_id", roomID))
	return sub, nil
}

func (f *Feed) runRoom(ctx context.Context, ps *redis.PubSub, sub *gradchat.Subscription[gradchat.MessageEvent], roomID string, page []gradchat.Message) {
	// floor is the newest replayed key; live copies at or below it were
	// already delivered.
	var floor gradchat.OrderingKey
	for len(page) > 0 {
		for _, m := range page {
			if !sub.Send(gradchat.MessageEvent{Type: gradchat.EventMessageNew, Message: m}) {
				sub.Finish(nil)
				return
			}
			floor = m.OrderingKey()
		}
		if len(page) < backfillBatch {
			break
		}
		var err error
		page, err = f.opts.history.FetchPage(ctx, roomID, gradchat.NewerThan(floor), backfillBatch)
		if err != nil {
			f.end(ctx, sub.Finish, "room feed", roomID, err)
			return
		}
	}

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			f.end(ctx, sub.Finish, "room feed", roomID, err)
			return
		}
		var ev gradchat.MessageEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			f.opts.log.Warn("bad room event", zap.String("room_id", roomID), zap.Error(err))
			continue
		}
		if ev.Type == "" {
			ev.Type = gradchat.EventMessageNew
		}
		if ev.Message.RoomID == "" {
			ev.Message.RoomID = roomID
		}
		ev.Message.DeliveryState = gradchat.DeliverySent
		if !floor.IsZero() && !floor.Less(ev.Message.OrderingKey()) {
			continue
		}
		if !sub.Send(ev) {
			sub.Finish(nil)
			return
		}
	}
}

// SubscribeSummaries implements gradchat.Feed.
func (f *Feed) SubscribeSummaries(ctx context.Context, userID string) (*gradchat.Subscription[gradchat.RoomSummaryEvent], error) {
	members := &membership{dir: f.opts.directory, userID: userID}
	if err := members.refresh(ctx); err != nil {
		return nil, err
	}
	ps, err := f.open(ctx, summaryChannel(f.opts.prefix))
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	sub := gradchat.NewSubscription[gradchat.RoomSummaryEvent](f.opts.buffer, cancel)
	go f.watch(streamCtx, ps)
	go f.runSummaries(streamCtx, ps, sub, members)
	f.opts.log.Debug("summary feed opened", zap.String("user_id", userID))
	return sub, nil
}

func (f *Feed) runSummaries(ctx context.Context, ps *redis.PubSub, sub *gradchat.Subscription[gradchat.RoomSummaryEvent], members *membership) {
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			f.end(ctx, sub.Finish, "summary feed", members.userID, err)
			return
		}
		var notice summaryNotice
		if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
			f.opts.log.Warn("bad summary event", zap.Error(err))
			continue
		}
		ev, ok := notice.forUser(members.userID)
		if !ok {
			continue
		}
		if notice.UserID == "" {
			member, err := members.has(ctx, ev.RoomID, ev.Kind == gradchat.SummaryRoom)
			if err != nil {
				f.end(ctx, sub.Finish, "summary feed", members.userID, err)
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

// open subscribes to channel and waits for the server's confirmation, so
// nothing published after open returns is missed.
func (f *Feed) open(ctx context.Context, channel string) (*redis.PubSub, error) {
	ps := f.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, &gradchat.NetworkError{Op: "redisfeed.subscribe " + channel, Err: err}
	}
	return ps, nil
}

// watch closes ps when the stream is closed or a ping fails, which unblocks
// the reader.
func (f *Feed) watch(ctx context.Context, ps *redis.PubSub) {
	defer ps.Close()
	ticker := time.NewTicker(f.opts.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, f.opts.pingEvery)
			err := ps.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				f.opts.log.Warn("pubsub ping failed", zap.Error(err))
				return
			}
		}
	}
}

// end finishes a stream: cleanly when its consumer closed it, with a
// network error otherwise.
func (f *Feed) end(ctx context.Context, finish func(error), what, id string, err error) {
	if ctx.Err() != nil {
		finish(nil)
		return
	}
	f.opts.log.Warn(what+" failed", zap.String("id", id), zap.Error(err))
	if gradchat.IsRetryable(err) {
		finish(err)
		return
	}
	finish(&gradchat.NetworkError{Op: "redisfeed." + what, Err: err})
}

// membership tracks the rooms of a summary subscriber. Without a directory
// every room counts.
type membership struct {
	dir    gradchat.RoomDirectory
	userID string
	rooms  map[string]bool
}

func (m *membership) refresh(ctx context.Context) error {
	if m.dir == nil {
		return nil
	}
	rooms, err := m.dir.ListRooms(ctx, m.userID)
	if err != nil {
		return err
	}
	m.rooms = make(map[string]bool, len(rooms))
	for _, r := range rooms {
		m.rooms[r.ID] = true
	}
	return nil
}

// has reports whether the user belongs to roomID. A miss, or a room-level
// change, re-reads the directory once.
func (m *membership) has(ctx context.Context, roomID string, changed bool) (bool, error) {
	if m.dir == nil {
		return true, nil
	}
	if known, ok := m.rooms[roomID]; ok && !changed {
		return known, nil
	}
	if err := m.refresh(ctx); err != nil {
		return false, err
	}
	if !m.rooms[roomID] {
		m.rooms[roomID] = false
	}
	return m.rooms[roomID], nil
}
