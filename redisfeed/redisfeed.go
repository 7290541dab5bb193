// Package redisfeed carries the gradchat live and summary feeds over Redis
// Pub/Sub.
//
// Room events go to one channel per room. Summary events share a single
// channel; each subscriber keeps the ones addressed to it or to a room it
// belongs to. Pub/Sub has no history, so a Feed backed by a MessageStore
// replays what it missed before the stream was opened.
package redisfeed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	gradchat "github.com/Gradlink/gradchat/sdk/golang"
)

// DefaultPrefix namespaces every channel.
const DefaultPrefix = "gradchat"

type options struct {
	prefix    string
	log       *zap.Logger
	buffer    int
	history   gradchat.MessageStore
	directory gradchat.RoomDirectory
	pingEvery time.Duration
}

func (o *options) defaults() {
	if o.prefix == "" {
		o.prefix = DefaultPrefix
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.buffer <= 0 {
		o.buffer = 64
	}
	if o.pingEvery <= 0 {
		o.pingEvery = 15 * time.Second
	}
}

// Option configures a Feed or a Publisher.
type Option func(*options)

// WithPrefix sets the channel namespace.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithBuffer sets the event buffer of each stream.
func WithBuffer(n int) Option {
	return func(o *options) { o.buffer = n }
}

// WithHistory lets room streams replay messages newer than their since key.
func WithHistory(store gradchat.MessageStore) Option {
	return func(o *options) { o.history = store }
}

// WithDirectory restricts summary streams to the rooms a user belongs to.
// Without it every room event reaches every summary subscriber.
func WithDirectory(dir gradchat.RoomDirectory) Option {
	return func(o *options) { o.directory = dir }
}

// WithPingInterval sets how often an idle stream checks its connection.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) { o.pingEvery = d }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.defaults()
	return o
}

func roomChannel(prefix, roomID string) string {
	return fmt.Sprintf("%s:room:%s", prefix, roomID)
}

func summaryChannel(prefix string) string {
	return prefix + ":summaries"
}

// summaryNotice is the payload of the summary channel. A notice with a
// UserID concerns that user only.
type summaryNotice struct {
	gradchat.RoomSummaryEvent
	SenderID string `json:"senderId,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

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

// Open connects to the Redis server at url (redis://[user:pass@]host:port/db).
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisfeed.Open: %w", err)
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &gradchat.NetworkError{Op: "redisfeed.Open", Err: err}
	}
	return client, nil
}
