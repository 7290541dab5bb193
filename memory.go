package gradchat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryOp names a MemoryStore operation for fault injection.
type MemoryOp string

const (
	OpFetchPage     MemoryOp = "fetch_page"
	OpCreateMessage MemoryOp = "create_message"
	OpSubscribe     MemoryOp = "subscribe"
	OpSummaries     MemoryOp = "subscribe_summaries"
	OpListRooms     MemoryOp = "list_rooms"
	OpMarkRead      MemoryOp = "mark_read"
	OpSetSuspension MemoryOp = "set_suspension"
)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the clock that stamps created messages.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithFeedBuffer sets how many events a subscriber may lag behind before
// its stream is failed.
func WithFeedBuffer(n int) MemoryOption {
	return func(s *MemoryStore) { s.feedBuffer = n }
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-process Store. It keeps rooms and
// messages in maps, fans live and summary events out to subscribers, and
// can simulate outages for tests and demos.
type MemoryStore struct {
	mu         sync.RWMutex
	now        func() time.Time
	feedBuffer int
	seq        int
	rooms      map[string]*ChatRoom
	messages   map[string][]Message      // roomID -> ascending
	tempIDs    map[string]string         // roomID/tempID -> serverID
	unread     map[string]map[string]int // roomID -> userID -> count
	roomSubs   map[string]map[int]*memFeed[MessageEvent]
	userSubs   map[string]map[int]*memFeed[RoomSummaryEvent]
	nextSub    int
	offline    bool
	faults     map[MemoryOp][]error
	calls      map[MemoryOp]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:        time.Now,
		feedBuffer: 256,
		rooms:      make(map[string]*ChatRoom),
		messages:   make(map[string][]Message),
		tempIDs:    make(map[string]string),
		unread:     make(map[string]map[string]int),
		roomSubs:   make(map[string]map[int]*memFeed[MessageEvent]),
		userSubs:   make(map[string]map[int]*memFeed[RoomSummaryEvent]),
		faults:     make(map[MemoryOp][]error),
		calls:      make(map[MemoryOp]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ── Provisioning ─────────────────────────────────────────

// AddRoom provisions a room. A room without participants is visible to
// every user.
func (s *MemoryStore) AddRoom(room ChatRoom) {
	room.normalize()
	room.UnreadCount = 0
	s.mu.Lock()
	defer s.mu.Unlock()
	r := room.clone()
	s.rooms[room.ID] = &r
	if s.unread[room.ID] == nil {
		s.unread[room.ID] = make(map[string]int)
	}
}

// Seed stores messages as they are, without fan-out or unread changes.
// Messages without a server identity get one.
func (s *MemoryStore) Seed(roomID string, msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m.ServerID == "" {
			m.ServerID = s.nextIDLocked()
		}
		m.RoomID = roomID
		m.DeliveryState = DeliverySent
		s.messages[roomID] = append(s.messages[roomID], m.clone())
		if m.TempID != "" {
			s.tempIDs[roomID+"/"+m.TempID] = m.ServerID
		}
	}
	SortMessages(s.messages[roomID])
	if room, ok := s.rooms[roomID]; ok && len(msgs) > 0 {
		last := s.messages[roomID][len(s.messages[roomID])-1]
		room.LastMessagePreview = Preview(last)
		room.UpdatedAt = last.CreatedAt
	}
}

// Messages returns every stored message of a room, ascending.
func (s *MemoryStore) Messages(roomID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages[roomID]))
	for i, m := range s.messages[roomID] {
		out[i] = m.clone()
	}
	return out
}

// ── Fault injection ──────────────────────────────────────

// FailNext makes the next call of op return err.
func (s *MemoryStore) FailNext(op MemoryOp, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

// Calls returns how many times op was invoked.
func (s *MemoryStore) Calls(op MemoryOp) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// SetOffline simulates a network outage: while offline every call fails
// with a network error and open streams are terminated.
func (s *MemoryStore) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
	if offline {
		s.dropFeedsLocked("")
	}
}

// Disconnect terminates the live streams of roomID, or of every room and
// user when roomID is empty, as a transport failure would.
func (s *MemoryStore) Disconnect(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropFeedsLocked(roomID)
}

func (s *MemoryStore) dropFeedsLocked(roomID string) {
	err := &NetworkError{Op: "feed", Err: errors.New("connection lost")}
	for id, subs := range s.roomSubs {
		if roomID != "" && id != roomID {
			continue
		}
		for _, f := range subs {
			f.fail(err)
		}
		delete(s.roomSubs, id)
	}
	if roomID != "" {
		return
	}
	for id, subs := range s.userSubs {
		for _, f := range subs {
			f.fail(err)
		}
		delete(s.userSubs, id)
	}
}

func (s *MemoryStore) enterLocked(op MemoryOp) error {
	s.calls[op]++
	if errs := s.faults[op]; len(errs) > 0 {
		s.faults[op] = errs[1:]
		return errs[0]
	}
	if s.offline {
		return &NetworkError{Op: string(op), Err: errors.New("network unreachable")}
	}
	return nil
}

// ── MessageStore ─────────────────────────────────────────

// FetchPage implements MessageStore. Before pages are newest-first, After
// pages oldest-first.
func (s *MemoryStore) FetchPage(ctx context.Context, roomID string, b Boundary, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Op: "fetch page", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpFetchPage); err != nil {
		return nil, err
	}
	if _, ok := s.rooms[roomID]; !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	if limit <= 0 {
		limit = 30
	}

	all := s.messages[roomID]
	var out []Message
	if b.Direction == Before {
		for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
			if b.Contains(all[i]) {
				out = append(out, all[i].clone())
			}
		}
	} else {
		for i := 0; i < len(all) && len(out) < limit; i++ {
			if b.Contains(all[i]) {
				out = append(out, all[i].clone())
			}
		}
	}
	return out, nil
}

// CreateMessage implements MessageStore. A repeated TempID returns the
// message created by the first call.
func (s *MemoryStore) CreateMessage(ctx context.Context, roomID string, req CreateMessageRequest) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, &NetworkError{Op: "create message", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpCreateMessage); err != nil {
		return Message{}, err
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return Message{}, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	if room.IsSuspended {
		return Message{}, &SuspendedError{RoomID: roomID, Reason: room.SuspensionReason}
	}
	if strings.TrimSpace(req.Body) == "" && len(req.Attachments) == 0 {
		return Message{}, &ValidationError{Field: "body", Reason: "empty"}
	}
	if req.TempID != "" {
		if id, ok := s.tempIDs[roomID+"/"+req.TempID]; ok {
			for _, m := range s.messages[roomID] {
				if m.ServerID == id {
					return m.clone(), nil
				}
			}
		}
	}

	createdAt := s.now()
	if msgs := s.messages[roomID]; len(msgs) > 0 {
		if last := msgs[len(msgs)-1].CreatedAt; !createdAt.After(last) {
			createdAt = last.Add(time.Millisecond)
		}
	}
	m := Message{
		ServerID:      s.nextIDLocked(),
		TempID:        req.TempID,
		RoomID:        roomID,
		SenderID:      req.SenderID,
		Body:          req.Body,
		Attachments:   append([]Attachment(nil), req.Attachments...),
		ReplyToID:     req.ReplyToID,
		CreatedAt:     createdAt,
		DeliveryState: DeliverySent,
	}
	s.messages[roomID] = append(s.messages[roomID], m)
	if req.TempID != "" {
		s.tempIDs[roomID+"/"+req.TempID] = m.ServerID
	}
	room.LastMessagePreview = Preview(m)
	room.UpdatedAt = createdAt

	for _, f := range s.roomSubs[roomID] {
		f.offer(MessageEvent{Type: EventMessageNew, Message: m.clone()})
	}
	for userID := range s.userSubs {
		if !isMember(room, userID) {
			continue
		}
		ev := RoomSummaryEvent{Kind: SummaryMessage, RoomID: roomID, Preview: room.LastMessagePreview, UpdatedAt: createdAt}
		if userID != req.SenderID {
			ev.NewMessages = 1
		}
		s.publishSummaryLocked(userID, ev)
	}
	s.bumpUnreadLocked(room, req.SenderID)
	return m.clone(), nil
}

func (s *MemoryStore) bumpUnreadLocked(room *ChatRoom, senderID string) {
	counts := s.unread[room.ID]
	if counts == nil {
		counts = make(map[string]int)
		s.unread[room.ID] = counts
	}
	for _, userID := range room.ParticipantIDs {
		if userID != senderID {
			counts[userID]++
		}
	}
}

// ── Feed ─────────────────────────────────────────────────

// Subscribe implements Feed. Messages newer than since are replayed first.
func (s *MemoryStore) Subscribe(ctx context.Context, roomID string, since OrderingKey) (*Subscription[MessageEvent], error) {
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Op: "subscribe", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpSubscribe); err != nil {
		return nil, err
	}
	if _, ok := s.rooms[roomID]; !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}

	id := s.nextSub
	s.nextSub++
	f := newMemFeed[MessageEvent](s.feedBuffer, func() { s.removeRoomSub(roomID, id) })
	if s.roomSubs[roomID] == nil {
		s.roomSubs[roomID] = make(map[int]*memFeed[MessageEvent])
	}
	s.roomSubs[roomID][id] = f
	if !since.IsZero() {
		after := NewerThan(since)
		for _, m := range s.messages[roomID] {
			if after.Contains(m) {
				f.offer(MessageEvent{Type: EventMessageNew, Message: m.clone()})
			}
		}
	}
	go f.run()
	return f.sub, nil
}

// SubscribeSummaries implements Feed.
func (s *MemoryStore) SubscribeSummaries(ctx context.Context, userID string) (*Subscription[RoomSummaryEvent], error) {
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Op: "subscribe summaries", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpSummaries); err != nil {
		return nil, err
	}
	id := s.nextSub
	s.nextSub++
	f := newMemFeed[RoomSummaryEvent](s.feedBuffer, func() { s.removeUserSub(userID, id) })
	if s.userSubs[userID] == nil {
		s.userSubs[userID] = make(map[int]*memFeed[RoomSummaryEvent])
	}
	s.userSubs[userID][id] = f
	go f.run()
	return f.sub, nil
}

func (s *MemoryStore) removeRoomSub(roomID string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roomSubs[roomID], id)
}

func (s *MemoryStore) removeUserSub(userID string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.userSubs[userID], id)
}

func (s *MemoryStore) publishSummaryLocked(userID string, ev RoomSummaryEvent) {
	for _, f := range s.userSubs[userID] {
		f.offer(ev)
	}
}

// ── RoomDirectory & Moderator ────────────────────────────

// ListRooms implements RoomDirectory.
func (s *MemoryStore) ListRooms(ctx context.Context, userID string) ([]ChatRoom, error) {
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Op: "list rooms", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpListRooms); err != nil {
		return nil, err
	}
	out := make([]ChatRoom, 0, len(s.rooms))
	for _, room := range s.rooms {
		if !isMember(room, userID) {
			continue
		}
		r := room.clone()
		r.UnreadCount = s.unread[room.ID][userID]
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// MarkRead implements RoomDirectory.
func (s *MemoryStore) MarkRead(ctx context.Context, roomID, userID string) error {
	if err := ctx.Err(); err != nil {
		return &NetworkError{Op: "mark read", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpMarkRead); err != nil {
		return err
	}
	if _, ok := s.rooms[roomID]; !ok {
		return fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	if s.unread[roomID] == nil {
		s.unread[roomID] = make(map[string]int)
	}
	s.unread[roomID][userID] = 0
	s.publishSummaryLocked(userID, RoomSummaryEvent{Kind: SummaryRead, RoomID: roomID})
	return nil
}

// SetSuspension implements Moderator.
func (s *MemoryStore) SetSuspension(ctx context.Context, roomID string, suspended bool, reason string) error {
	if err := ctx.Err(); err != nil {
		return &NetworkError{Op: "set suspension", Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enterLocked(OpSetSuspension); err != nil {
		return err
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %s: %w", roomID, ErrNotFound)
	}
	room.IsSuspended = suspended
	room.SuspensionReason = reason
	room.normalize()
	for userID := range s.userSubs {
		if isMember(room, userID) {
			s.publishSummaryLocked(userID, RoomSummaryEvent{
				Kind:        SummarySuspension,
				RoomID:      roomID,
				IsSuspended: room.IsSuspended,
				Reason:      room.SuspensionReason,
			})
		}
	}
	return nil
}

func (s *MemoryStore) nextIDLocked() string {
	s.seq++
	return "m" + strconv.Itoa(s.seq)
}

func isMember(room *ChatRoom, userID string) bool {
	if len(room.ParticipantIDs) == 0 {
		return true
	}
	for _, id := range room.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ============================================================================
// In-process streams
// ============================================================================

// memFeed decouples the store's fan-out from a slow consumer: the store
// offers events without blocking and a goroutine forwards them. A consumer
// that falls more than the buffer behind has its stream failed.
type memFeed[T any] struct {
	sub   *Subscription[T]
	inbox chan T
	stop  chan error
}

func newMemFeed[T any](buffer int, onClose func()) *memFeed[T] {
	return &memFeed[T]{
		sub:   NewSubscription[T](0, onClose),
		inbox: make(chan T, buffer),
		stop:  make(chan error, 1),
	}
}

func (f *memFeed[T]) run() {
	for {
		select {
		case err := <-f.stop:
			f.sub.Finish(err)
			return
		case <-f.sub.Done():
			f.sub.Finish(nil)
			return
		case v := <-f.inbox:
			if !f.sub.Send(v) {
				f.sub.Finish(nil)
				return
			}
		}
	}
}

func (f *memFeed[T]) offer(v T) bool {
	select {
	case f.inbox <- v:
		return true
	default:
		f.fail(&NetworkError{Op: "feed", Err: errors.New("subscriber too slow")})
		return false
	}
}

func (f *memFeed[T]) fail(err error) {
	select {
	case f.stop <- err:
	default:
	}
}
