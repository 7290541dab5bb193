package gradchat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures an ActiveSession.
type SessionConfig struct {
	PageSize           int
	SendTimeout        time.Duration
	CatchUpPages       int
	MaxBodyLen         int
	MaxAttachments     int
	MaxAttachmentBytes int64
}

func (c *SessionConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = 30
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.CatchUpPages <= 0 {
		c.CatchUpPages = 5
	}
	if c.MaxBodyLen <= 0 {
		c.MaxBodyLen = 4000
	}
	if c.MaxAttachments <= 0 {
		c.MaxAttachments = 10
	}
	if c.MaxAttachmentBytes <= 0 {
		c.MaxAttachmentBytes = 25 << 20
	}
}

// SessionOption configures an ActiveSession.
type SessionOption func(*ActiveSession)

// WithSessionConfig overrides page size, timeouts and limits.
func WithSessionConfig(cfg SessionConfig) SessionOption {
	return func(s *ActiveSession) { s.config = cfg }
}

// WithSessionLogger sets the session's logger.
func WithSessionLogger(log *zap.Logger) SessionOption {
	return func(s *ActiveSession) { s.log = log }
}

// WithSessionMetrics records reconcile and send outcomes.
func WithSessionMetrics(m *Metrics) SessionOption {
	return func(s *ActiveSession) { s.metrics = m }
}

// WithGuards shares suspension guards, normally RoomRegistry.Guards().
func WithGuards(g *Guards) SessionOption {
	return func(s *ActiveSession) { s.guards = g }
}

// WithMonitor shares a connection monitor between sessions and the registry.
func WithMonitor(m *ConnectionMonitor) SessionOption {
	return func(s *ActiveSession) { s.monitor = m }
}

// WithTempIDs replaces the UUID generator for optimistic messages.
func WithTempIDs(gen func() string) SessionOption {
	return func(s *ActiveSession) { s.newTempID = gen }
}

// WithClock replaces the clock used for optimistic timestamps.
func WithClock(now func() time.Time) SessionOption {
	return func(s *ActiveSession) { s.now = now }
}

// ============================================================================
// ActiveSession
// ============================================================================

type outboxEntry struct {
	roomID string
	tempID string
	req    CreateMessageRequest
}

// ActiveSession owns one open room at a time: the initial page, the live
// subscription, backward pagination, optimistic sends and reply context.
// Every change is applied through the room's Reconciler under one lock and
// published as an immutable SessionState.
type ActiveSession struct {
	store     sessionStore
	userID    string
	config    SessionConfig
	log       *zap.Logger
	metrics   *Metrics
	guards    *Guards
	monitor   *ConnectionMonitor
	newTempID func() string
	now       func() time.Time

	mu           sync.Mutex
	phase        SessionPhase
	roomID       string
	gen          uint64
	ctx          context.Context
	cancel       context.CancelFunc
	rec          *Reconciler
	hasMoreOlder bool
	loadingOlder bool
	replyToID    string
	lastErr      error
	conn         ConnectionState
	sub          *Subscription[MessageEvent]
	outbox       []outboxEntry
	drafts       map[string]Draft
	detach       []func()

	revision uint64
	pending  []SessionState
	notify   notifier[SessionState]
}

// sessionStore is what a session reads from and writes to.
type sessionStore interface {
	MessageStore
	Feed
}

// NewActiveSession creates a closed session for userID over store.
func NewActiveSession(store interface {
	MessageStore
	Feed
}, userID string, opts ...SessionOption) *ActiveSession {
	s := &ActiveSession{
		store:     store,
		userID:    userID,
		log:       zap.NewNop(),
		newTempID: uuid.NewString,
		now:       time.Now,
		phase:     PhaseClosed,
		conn:      ConnectionOnline,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.config.defaults()
	if s.guards == nil {
		s.guards = NewGuards()
	}
	if s.monitor == nil {
		s.monitor = NewConnectionMonitor(WithMonitorLogger(s.log), WithMonitorMetrics(s.metrics))
	}
	s.notify.listeners.setLogger(s.log, "session")
	return s
}

// OnChange registers fn for every published snapshot. Snapshots are
// delivered in order on a separate goroutine.
func (s *ActiveSession) OnChange(fn func(SessionState)) (remove func()) {
	return s.notify.listeners.add(fn)
}

// State returns the current snapshot.
func (s *ActiveSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Open loads the newest page of roomID and starts its live feed. A session
// that already has a room open closes it first. On failure the session
// stays closed and the error is returned.
func (s *ActiveSession) Open(ctx context.Context, roomID string) error {
	if roomID == "" {
		return &ValidationError{Field: "roomID", Reason: "empty"}
	}
	s.Close()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.phase = PhaseLoading
	s.roomID = roomID
	s.rec = NewReconciler(roomID)
	s.hasMoreOlder = false
	s.loadingOlder = false
	s.replyToID = ""
	s.lastErr = nil
	s.drafts = make(map[string]Draft)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	guard := s.guards.For(roomID)
	s.detach = append(s.detach,
		guard.OnChange(func(SuspensionStatus) { s.refresh(gen) }),
		s.monitor.OnStateChange(func(st ConnectionState) { s.setConnection(gen, st) }),
		s.monitor.AddListener(s),
	)
	s.conn = s.monitor.State()
	s.publishLocked()
	s.unlock()

	s.log.Info("opening room", zap.String("room_id", roomID))

	page, err := s.store.FetchPage(ctx, roomID, Latest(), s.config.PageSize)

	s.mu.Lock()
	if s.gen != gen {
		s.unlock()
		return ErrSessionClosed
	}
	if err != nil {
		s.failOpenAndUnlock(err)
		return fmt.Errorf("open room %s: %w", roomID, err)
	}
	out := s.rec.ApplyPage(page, AnchorNewer)
	s.metrics.observeOutcome("page", out)
	s.hasMoreOlder = len(page) >= s.config.PageSize
	since, _ := s.rec.NewestConfirmed()
	s.unlock()

	sub, err := s.store.Subscribe(ctx, roomID, since)

	s.mu.Lock()
	if s.gen != gen {
		s.unlock()
		if sub != nil {
			sub.Close()
		}
		return ErrSessionClosed
	}
	if err != nil && isFinal(err) {
		s.failOpenAndUnlock(err)
		return fmt.Errorf("subscribe room %s: %w", roomID, err)
	}

	s.phase = PhaseReady
	if err == nil {
		s.sub = sub
		go s.pump(gen, sub)
	}
	s.publishLocked()
	s.unlock()

	if err != nil {
		s.monitor.ReportFailure(s.linkName(roomID), err, s.resubscribe(gen, roomID))
	}
	s.log.Info("room ready", zap.String("room_id", roomID), zap.Int("messages", len(page)))
	return nil
}

// failOpenAndUnlock abandons a load that cannot complete. Called with mu held.
func (s *ActiveSession) failOpenAndUnlock(err error) {
	detach := s.detach
	s.detach = nil
	s.resetLocked()
	s.lastErr = err
	s.publishLocked()
	s.unlock()
	for _, fn := range detach {
		fn()
	}
}

// Close unsubscribes the live feed and drops the room. In-flight page loads
// are discarded on arrival; dispatched sends are not cancelled.
func (s *ActiveSession) Close() {
	s.mu.Lock()
	s.closeAndUnlock()
}

func (s *ActiveSession) closeAndUnlock() {
	if s.phase == PhaseClosed && s.sub == nil {
		s.unlock()
		return
	}
	roomID := s.roomID
	sub := s.sub
	held := len(s.outbox)
	detach := s.detach
	s.detach = nil
	s.gen++
	s.resetLocked()
	s.publishLocked()
	s.unlock()

	for _, fn := range detach {
		fn()
	}
	if sub != nil {
		sub.Close()
	}
	s.monitor.Forget(s.linkName(roomID))
	if held > 0 {
		s.log.Warn("dropping held sends on close", zap.String("room_id", roomID), zap.Int("count", held))
	}
}

// resetLocked returns the session to the closed phase.
func (s *ActiveSession) resetLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.phase = PhaseClosed
	s.roomID = ""
	s.rec = nil
	s.sub = nil
	s.outbox = nil
	s.hasMoreOlder = false
	s.loadingOlder = false
	s.replyToID = ""
}

// LoadMore fetches the page strictly older than the oldest held message.
func (s *ActiveSession) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.unlock()
		return err
	}
	if s.loadingOlder {
		s.unlock()
		return ErrLoadInProgress
	}
	oldest, ok := s.rec.OldestConfirmed()
	if !s.hasMoreOlder || !ok {
		s.unlock()
		return ErrNoMoreHistory
	}
	gen, roomID := s.gen, s.roomID
	s.loadingOlder = true
	s.publishLocked()
	s.unlock()

	page, err := s.store.FetchPage(ctx, roomID, OlderThan(oldest), s.config.PageSize)

	s.mu.Lock()
	if s.gen != gen {
		s.unlock()
		return ErrSessionClosed
	}
	s.loadingOlder = false
	if err != nil {
		s.lastErr = err
		s.publishLocked()
		s.unlock()
		return fmt.Errorf("load older messages: %w", err)
	}
	out := s.rec.ApplyPage(page, AnchorOlder)
	s.metrics.observeOutcome("page", out)
	if len(page) < s.config.PageSize {
		s.hasMoreOlder = false
	}
	s.lastErr = nil
	s.publishLocked()
	s.unlock()
	return nil
}

// Send echoes draft into the room as a pending message and dispatches it.
// It returns the pending message; the outcome of the store call arrives as
// a state change. While suspended Send fails with a *SuspendedError and
// touches nothing. While offline the message is held until OnOnline.
func (s *ActiveSession) Send(ctx context.Context, draft Draft) (Message, error) {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.unlock()
		return Message{}, err
	}
	if err := s.guards.For(s.roomID).Check(); err != nil {
		s.unlock()
		s.metrics.observeSend("suspended")
		return Message{}, err
	}
	if draft.ReplyToID == "" {
		draft.ReplyToID = s.replyToID
	}
	if err := s.validateLocked(draft); err != nil {
		s.unlock()
		s.metrics.observeSend("invalid")
		return Message{}, err
	}

	msg := Message{
		TempID:        s.newTempID(),
		RoomID:        s.roomID,
		SenderID:      s.userID,
		Body:          draft.Body,
		Attachments:   append([]Attachment(nil), draft.Attachments...),
		ReplyToID:     draft.ReplyToID,
		CreatedAt:     s.now(),
		DeliveryState: DeliveryPending,
	}
	s.metrics.observeOutcome("local", s.rec.ApplyLocalEcho(msg))
	s.drafts[msg.TempID] = draft
	s.replyToID = ""

	entry := outboxEntry{
		roomID: s.roomID,
		tempID: msg.TempID,
		req: CreateMessageRequest{
			TempID:      msg.TempID,
			SenderID:    s.userID,
			Body:        msg.Body,
			Attachments: msg.Attachments,
			ReplyToID:   msg.ReplyToID,
		},
	}
	online := s.conn == ConnectionOnline
	if !online {
		s.outbox = append(s.outbox, entry)
	}
	s.publishLocked()
	s.unlock()

	if online {
		go s.deliver(ctx, entry)
	} else {
		s.log.Debug("holding send until online", zap.String("temp_id", msg.TempID))
	}
	return msg, nil
}

// Retry sends the payload of a failed message again as a new attempt. The
// failed entry stays in the sequence.
func (s *ActiveSession) Retry(ctx context.Context, tempID string) (Message, error) {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.unlock()
		return Message{}, err
	}
	m, ok := s.rec.Get(tempID)
	draft, known := s.drafts[tempID]
	s.unlock()
	if !ok || !known || m.DeliveryState != DeliveryFailed {
		return Message{}, fmt.Errorf("retry %s: %w", tempID, ErrUnknownMessage)
	}
	return s.Send(ctx, draft)
}

// SetReplyTo makes the held message key the reply target of the next send.
func (s *ActiveSession) SetReplyTo(key string) error {
	s.mu.Lock()
	defer s.unlock()
	if err := s.readyLocked(); err != nil {
		return err
	}
	if _, ok := s.rec.Get(key); !ok {
		return fmt.Errorf("reply to %s: %w", key, ErrUnknownMessage)
	}
	s.replyToID = key
	s.publishLocked()
	return nil
}

// ClearReplyTo drops the reply target.
func (s *ActiveSession) ClearReplyTo() {
	s.mu.Lock()
	defer s.unlock()
	if s.replyToID == "" {
		return
	}
	s.replyToID = ""
	s.publishLocked()
}

// OnOnline runs the catch-up fetch and flushes held sends.
func (s *ActiveSession) OnOnline() {
	s.mu.Lock()
	switch s.phase {
	case PhaseClosed:
		s.unlock()
		return
	case PhaseLoading:
		s.conn = ConnectionOnline
		s.publishLocked()
		s.unlock()
		return
	}
	gen := s.gen
	held := s.outbox
	s.outbox = nil
	s.conn = ConnectionOnline
	s.publishLocked()
	s.unlock()

	go s.catchUp(gen)
	if len(held) > 0 {
		go func() {
			for _, e := range held {
				s.deliver(context.Background(), e)
			}
		}()
	}
}

// OnOffline marks the session offline. Reads of held state keep working.
func (s *ActiveSession) OnOffline() {
	s.setConnection(s.currentGen(), ConnectionOffline)
}

func (s *ActiveSession) currentGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *ActiveSession) setConnection(gen uint64, st ConnectionState) {
	s.mu.Lock()
	defer s.unlock()
	if s.gen != gen || s.phase == PhaseClosed || s.conn == st {
		return
	}
	s.conn = st
	s.publishLocked()
}

func (s *ActiveSession) refresh(gen uint64) {
	s.mu.Lock()
	defer s.unlock()
	if s.gen != gen {
		return
	}
	s.publishLocked()
}

func (s *ActiveSession) readyLocked() error {
	switch s.phase {
	case PhaseReady:
		return nil
	case PhaseClosed:
		return ErrSessionClosed
	default:
		return ErrNotReady
	}
}

func (s *ActiveSession) validateLocked(d Draft) error {
	if strings.TrimSpace(d.Body) == "" && len(d.Attachments) == 0 {
		return &ValidationError{Field: "body", Reason: "empty"}
	}
	if len(d.Body) > s.config.MaxBodyLen {
		return &ValidationError{Field: "body", Reason: fmt.Sprintf("longer than %d bytes", s.config.MaxBodyLen)}
	}
	if len(d.Attachments) > s.config.MaxAttachments {
		return &ValidationError{Field: "attachments", Reason: fmt.Sprintf("more than %d", s.config.MaxAttachments)}
	}
	for _, a := range d.Attachments {
		if a.URL == "" {
			return &ValidationError{Field: "attachment", Reason: "missing reference"}
		}
		if a.Size > s.config.MaxAttachmentBytes {
			return &ValidationError{Field: "attachment", Reason: fmt.Sprintf("%s is larger than %d bytes", a.Name, s.config.MaxAttachmentBytes)}
		}
	}
	if d.ReplyToID != "" {
		if _, ok := s.rec.Get(d.ReplyToID); !ok {
			return &ValidationError{Field: "replyToId", Reason: "message not in room"}
		}
	}
	return nil
}

// deliver issues the create call of one send. The call is not tied to the
// session's lifetime; its result is dropped if the room is no longer open.
func (s *ActiveSession) deliver(ctx context.Context, e outboxEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.SendTimeout)
	defer cancel()

	confirmed, err := s.store.CreateMessage(ctx, e.roomID, e.req)

	s.mu.Lock()
	defer s.unlock()
	if s.phase != PhaseReady || s.roomID != e.roomID {
		s.log.Debug("discarding send result of closed room",
			zap.String("room_id", e.roomID), zap.String("temp_id", e.tempID))
		return
	}
	if err != nil {
		s.rec.MarkFailed(e.tempID, err)
		s.metrics.observeSend("failed")
		s.log.Warn("send failed", zap.String("room_id", e.roomID), zap.String("temp_id", e.tempID), zap.Error(err))
	} else {
		s.metrics.observeOutcome("confirm", s.rec.ApplyConfirmation(e.tempID, confirmed))
		s.metrics.observeSend("sent")
	}
	s.publishLocked()
}

// pump applies live events until sub ends; an unexpected end is reported
// to the connection monitor.
func (s *ActiveSession) pump(gen uint64, sub *Subscription[MessageEvent]) {
	for ev := range sub.Events() {
		if ev.Type != EventMessageNew {
			continue
		}
		s.mu.Lock()
		if s.gen != gen {
			s.unlock()
			return
		}
		out := s.rec.ApplyLive(ev.Message)
		s.metrics.observeOutcome("live", out)
		if out.Changed() {
			s.publishLocked()
		}
		s.unlock()
	}

	err := sub.Err()
	s.mu.Lock()
	if s.gen != gen || s.sub != sub {
		s.unlock()
		return
	}
	roomID := s.roomID
	s.sub = nil
	s.unlock()

	if err == nil {
		err = &NetworkError{Op: "live feed", Err: errors.New("stream ended")}
	}
	if isFinal(err) {
		s.endFeed(gen, err)
		return
	}
	s.monitor.ReportFailure(s.linkName(roomID), err, s.resubscribe(gen, roomID))
}

func (s *ActiveSession) resubscribe(gen uint64, roomID string) ResubscribeFunc {
	return func(ctx context.Context) error {
		s.mu.Lock()
		if s.gen != gen || s.phase != PhaseReady {
			s.unlock()
			return nil
		}
		since, _ := s.rec.NewestConfirmed()
		s.unlock()

		sub, err := s.store.Subscribe(ctx, roomID, since)
		if err != nil && isFinal(err) {
			s.endFeed(gen, err)
			return nil
		}
		if err != nil {
			return err
		}

		s.mu.Lock()
		defer s.unlock()
		if s.gen != gen || s.phase != PhaseReady {
			sub.Close()
			return nil
		}
		s.sub = sub
		go s.pump(gen, sub)
		return nil
	}
}

// endFeed stops reopening the live feed after err. A deleted room closes the
// session; expired credentials leave the held messages readable.
func (s *ActiveSession) endFeed(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen || s.phase != PhaseReady {
		s.unlock()
		return
	}
	roomID := s.roomID
	s.lastErr = err
	if errors.Is(err, ErrNotFound) {
		s.log.Warn("room no longer exists", zap.String("room_id", roomID), zap.Error(err))
		s.closeAndUnlock()
		return
	}
	s.publishLocked()
	s.unlock()

	s.monitor.Forget(s.linkName(roomID))
	s.log.Warn("live feed stopped", zap.String("room_id", roomID), zap.Error(err))
}

// catchUp fetches what the live feed may have missed while offline and
// folds it in exactly like live events.
func (s *ActiveSession) catchUp(gen uint64) {
	for i := 0; i < s.config.CatchUpPages; i++ {
		s.mu.Lock()
		if s.gen != gen || s.phase != PhaseReady {
			s.unlock()
			return
		}
		ctx, roomID := s.ctx, s.roomID
		boundary := Latest()
		if since, ok := s.rec.NewestConfirmed(); ok {
			boundary = NewerThan(since)
		}
		s.unlock()

		page, err := s.store.FetchPage(ctx, roomID, boundary, s.config.PageSize)

		s.mu.Lock()
		if s.gen != gen {
			s.unlock()
			return
		}
		if err != nil {
			s.lastErr = err
			s.publishLocked()
			s.unlock()
			s.log.Warn("catch-up failed", zap.String("room_id", roomID), zap.Error(err))
			return
		}
		var out Outcome
		for _, m := range page {
			out.add(s.rec.ApplyLive(m))
		}
		s.metrics.observeOutcome("catchup", out)
		if out.Changed() {
			s.publishLocked()
		}
		s.unlock()

		if len(page) < s.config.PageSize || boundary.Key.IsZero() {
			return
		}
	}
}

func (s *ActiveSession) linkName(roomID string) string {
	return "room/" + roomID
}

// ============================================================================
// Snapshots
// ============================================================================

func (s *ActiveSession) snapshotLocked() SessionState {
	st := SessionState{
		RoomID:         s.roomID,
		Phase:          s.phase,
		HasMoreOlder:   s.hasMoreOlder,
		IsLoadingOlder: s.loadingOlder,
		Connection:     s.conn,
		LastError:      s.lastErr,
		Revision:       s.revision,
	}
	if s.rec != nil {
		st.Messages = s.rec.Messages()
		if s.replyToID != "" {
			if m, ok := s.rec.Get(s.replyToID); ok {
				st.ReplyTo = &m
			}
		}
	}
	if s.roomID != "" {
		status := s.guards.For(s.roomID).Status()
		st.IsSuspended = status.Suspended
		st.SuspensionReason = status.Reason
	}
	return st
}

func (s *ActiveSession) publishLocked() {
	s.revision++
	s.pending = append(s.pending, s.snapshotLocked())
}

// unlock queues the snapshots published under mu for delivery, in
// publish order, and releases mu.
func (s *ActiveSession) unlock() {
	pending := s.pending
	s.pending = nil
	s.notify.push(pending...)
	s.mu.Unlock()
}
