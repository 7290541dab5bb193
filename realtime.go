package gradchat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when the server ends a stream with an error.
type RealtimeErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	envAuthenticated = "authenticated"
	envMessageNew    = string(EventMessageNew)
	envSummary       = "summary"
	envPing          = "ping"
	envPong          = "pong"
	envError         = "error"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime feed.
type RealtimeConfig struct {
	Token             string
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	// StaleAfter ends an SSE stream that has been silent this long.
	StaleAfter time.Duration
	Buffer     int
	HTTPClient *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 45 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// FeedOption configures a RealtimeFeed.
type FeedOption func(*RealtimeFeed)

// WithFeedLogger sets the feed's logger.
func WithFeedLogger(log *zap.Logger) FeedOption {
	return func(f *RealtimeFeed) { f.log = log }
}

// ============================================================================
// RealtimeFeed
// ============================================================================

// RealtimeFeed implements Feed against the hosted store: one WebSocket per
// open room and one SSE stream for the user's room summaries. Streams end
// on transport failure; reopening them is the ConnectionMonitor's job.
type RealtimeFeed struct {
	baseURL string
	config  RealtimeConfig
	log     *zap.Logger
}

// NewRealtimeFeed creates a feed for the store at baseURL.
func NewRealtimeFeed(baseURL string, config *RealtimeConfig, opts ...FeedOption) *RealtimeFeed {
	f := &RealtimeFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     zap.NewNop(),
	}
	if config != nil {
		f.config = *config
	}
	f.config.defaults()
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// RoomURL returns the WebSocket URL of a room's live feed.
func (f *RealtimeFeed) RoomURL(roomID string, since OrderingKey) string {
	base := strings.Replace(f.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	q := url.Values{}
	if cursor := EncodeCursor(since); cursor != "" {
		q.Set("since", cursor)
	}
	if f.config.Token != "" {
		q.Set("token", f.config.Token)
	}
	u := base + "/realtime/rooms/" + url.PathEscape(roomID)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// SummariesURL returns the SSE URL of a user's summary feed.
func (f *RealtimeFeed) SummariesURL(userID string) string {
	q := url.Values{"userId": {userID}}
	if f.config.Token != "" {
		q.Set("token", f.config.Token)
	}
	return f.baseURL + "/realtime/summaries?" + q.Encode()
}

// dialError classifies a failed handshake.
func dialError(op string, resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode >= 400 {
		apiErr := &APIError{Code: http.StatusText(resp.StatusCode), Message: op + " rejected", Status: resp.StatusCode}
		if classifyAPIError(resp.StatusCode, apiErr) != nil {
			return apiErr
		}
	}
	return &NetworkError{Op: op, Err: err}
}

// ============================================================================
// Room live feed (WebSocket)
// ============================================================================

// Subscribe implements Feed.
func (f *RealtimeFeed) Subscribe(ctx context.Context, roomID string, since OrderingKey) (*Subscription[MessageEvent], error) {
	header := http.Header{}
	if f.config.Token != "" {
		header.Set("Authorization", "Bearer "+f.config.Token)
	}
	conn, resp, err := websocket.Dial(ctx, f.RoomURL(roomID, since), &websocket.DialOptions{
		HTTPClient: f.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, dialError("websocket dial", resp, err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	ws := &wsStream{
		roomID:  roomID,
		conn:    conn,
		sub:     NewSubscription[MessageEvent](f.config.Buffer, cancel),
		ctx:     connCtx,
		config:  &f.config,
		log:     f.log.With(zap.String("room_id", roomID)),
		pending: make(map[string]chan PongPayload),
	}
	go ws.readLoop()
	go ws.heartbeatLoop()

	f.log.Debug("live feed opened", zap.String("room_id", roomID), zap.String("since", EncodeCursor(since)))
	return ws.sub, nil
}

type wsStream struct {
	roomID string
	conn   *websocket.Conn
	sub    *Subscription[MessageEvent]
	ctx    context.Context
	config *RealtimeConfig
	log    *zap.Logger

	pingCounter atomic.Int64
	pendingMu   sync.Mutex
	pending     map[string]chan PongPayload
}

func (ws *wsStream) readLoop() {
	defer ws.conn.CloseNow()
	for {
		_, data, err := ws.conn.Read(ws.ctx)
		if err != nil {
			if ws.ctx.Err() != nil {
				ws.conn.Close(websocket.StatusNormalClosure, "client disconnect")
				ws.sub.Finish(nil)
				return
			}
			ws.log.Warn("live feed lost", zap.Error(err))
			ws.sub.Finish(&NetworkError{Op: "live feed", Err: err})
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case envMessageNew:
			var m Message
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				ws.log.Debug("bad message payload", zap.Error(err))
				continue
			}
			if m.RoomID == "" {
				m.RoomID = ws.roomID
			}
			m.DeliveryState = DeliverySent
			if !ws.sub.Send(MessageEvent{Type: EventMessageNew, Message: m}) {
				ws.sub.Finish(nil)
				return
			}
		case envPong:
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.resolvePing(p)
			}
		case envError:
			var p RealtimeErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			ws.conn.Close(websocket.StatusNormalClosure, "")
			ws.sub.Finish(&APIError{Code: p.Code, Message: p.Message})
			return
		case envAuthenticated:
		}
	}
}

func (ws *wsStream) heartbeatLoop() {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.ctx.Done():
			ws.clearPendingPings()
			return
		case <-ws.sub.Done():
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				ws.log.Warn("heartbeat failed", zap.Error(err))
				ws.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// ping sends a ping and waits for the matching pong.
func (ws *wsStream) ping() error {
	requestID := fmt.Sprintf("ping-%d", ws.pingCounter.Add(1))
	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pending[requestID] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pending, requestID)
		ws.pendingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ws.ctx, ws.config.PongTimeout)
	defer cancel()

	data, err := json.Marshal(&RealtimeCommand{
		Type:      envPing,
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		return err
	}
	if err := ws.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}

	select {
	case _, ok := <-ch:
		if !ok {
			return errors.New("connection closed")
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ping timeout: %w", ctx.Err())
	}
}

func (ws *wsStream) resolvePing(p PongPayload) {
	ws.pendingMu.Lock()
	ch, ok := ws.pending[p.RequestID]
	if ok {
		delete(ws.pending, p.RequestID)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- p
	}
}

func (ws *wsStream) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pending {
		close(ch)
		delete(ws.pending, k)
	}
	ws.pendingMu.Unlock()
}

// ============================================================================
// Summary feed (SSE)
// ============================================================================

// SubscribeSummaries implements Feed.
func (f *RealtimeFeed) SubscribeSummaries(ctx context.Context, userID string) (*Subscription[RoomSummaryEvent], error) {
	connCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, f.SummariesURL(userID), nil)
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if f.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.config.Token)
	}

	resp, err := f.config.HTTPClient.Do(req)
	if !stop() {
		cancel()
		if err == nil {
			resp.Body.Close()
		}
		return nil, &NetworkError{Op: "summary feed connect", Err: ctx.Err()}
	}
	if err != nil {
		cancel()
		return nil, &NetworkError{Op: "summary feed connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, dialError("summary feed connect", resp, fmt.Errorf("SSE HTTP %d", resp.StatusCode))
	}

	s := &sseStream{
		sub:    NewSubscription[RoomSummaryEvent](f.config.Buffer, cancel),
		ctx:    connCtx,
		cancel: cancel,
		config: &f.config,
		log:    f.log.With(zap.String("user_id", userID)),
	}
	s.touch()
	go s.readLoop(resp)
	go s.watchdog()

	f.log.Debug("summary feed opened", zap.String("user_id", userID))
	return s.sub, nil
}

type sseStream struct {
	sub      *Subscription[RoomSummaryEvent]
	ctx      context.Context
	cancel   context.CancelFunc
	config   *RealtimeConfig
	log      *zap.Logger
	lastData atomic.Int64
	stale    atomic.Bool
}

func (s *sseStream) touch() { s.lastData.Store(time.Now().UnixNano()) }

func (s *sseStream) readLoop(resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		s.touch()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var env RealtimeEnvelope
		if json.Unmarshal([]byte(strings.TrimPrefix(data, " ")), &env) != nil {
			continue
		}
		switch env.Type {
		case envSummary:
			var ev RoomSummaryEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil || ev.RoomID == "" {
				continue
			}
			if !s.sub.Send(ev) {
				s.sub.Finish(nil)
				return
			}
		case envError:
			var p RealtimeErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			s.cancel()
			s.sub.Finish(&APIError{Code: p.Code, Message: p.Message})
			return
		}
	}

	switch {
	case s.stale.Load():
		s.log.Warn("summary feed stale")
		s.sub.Finish(&NetworkError{Op: "summary feed", Err: errors.New("no data received")})
	case s.ctx.Err() != nil:
		s.sub.Finish(nil)
	default:
		err := scanner.Err()
		if err == nil {
			err = errors.New("stream ended")
		}
		s.log.Warn("summary feed lost", zap.Error(err))
		s.sub.Finish(&NetworkError{Op: "summary feed", Err: err})
	}
}

func (s *sseStream) watchdog() {
	ticker := time.NewTicker(s.config.StaleAfter / 3)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastData.Load())) > s.config.StaleAfter {
				s.stale.Store(true)
				s.cancel()
				return
			}
		}
	}
}
