package gradchat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// RegistryOption configures a RoomRegistry.
type RegistryOption func(*RoomRegistry)

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(log *zap.Logger) RegistryOption {
	return func(r *RoomRegistry) { r.log = log }
}

// WithRegistryMonitor reports summary feed failures to m.
func WithRegistryMonitor(m *ConnectionMonitor) RegistryOption {
	return func(r *RoomRegistry) { r.monitor = m }
}

// WithRegistryGuards drives g instead of a private guard set.
func WithRegistryGuards(g *Guards) RegistryOption {
	return func(r *RoomRegistry) { r.guards = g }
}

// ============================================================================
// RoomRegistry
// ============================================================================

// RoomRegistry holds the current user's rooms with unread counts, previews
// and suspension state, fed by the summary stream. It lives independently
// of any open session and drives the shared suspension guards.
type RoomRegistry struct {
	store   Store
	userID  string
	log     *zap.Logger
	monitor *ConnectionMonitor
	guards  *Guards

	mu      sync.Mutex
	rooms   map[string]ChatRoom
	gen     uint64
	sub     *Subscription[RoomSummaryEvent]
	closed  bool
	lastErr error
	pending [][]ChatRoom
	notify  notifier[[]ChatRoom]
}

// NewRoomRegistry creates an empty registry for userID.
func NewRoomRegistry(store Store, userID string, opts ...RegistryOption) *RoomRegistry {
	r := &RoomRegistry{
		store:  store,
		userID: userID,
		log:    zap.NewNop(),
		rooms:  make(map[string]ChatRoom),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.guards == nil {
		r.guards = NewGuards()
	}
	if r.monitor == nil {
		r.monitor = NewConnectionMonitor(WithMonitorLogger(r.log))
	}
	r.notify.listeners.setLogger(r.log, "registry")
	return r
}

// Guards returns the suspension guards driven by this registry. Sessions
// share them through WithGuards.
func (r *RoomRegistry) Guards() *Guards { return r.guards }

// Start loads the room list and opens the summary feed.
func (r *RoomRegistry) Start(ctx context.Context) error {
	return r.Refresh(ctx)
}

// Refresh forces a full resync: the list is reloaded and the summary feed
// reopened. On failure the held list is kept.
func (r *RoomRegistry) Refresh(ctx context.Context) error {
	if err := r.reload(ctx); err != nil {
		return err
	}
	return r.resubscribe(ctx)
}

func (r *RoomRegistry) reload(ctx context.Context) error {
	rooms, err := r.store.ListRooms(ctx, r.userID)
	if err != nil {
		r.mu.Lock()
		r.lastErr = err
		r.unlock()
		return fmt.Errorf("list rooms: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.unlock()
		return ErrSessionClosed
	}
	r.rooms = make(map[string]ChatRoom, len(rooms))
	for _, room := range rooms {
		room.normalize()
		r.rooms[room.ID] = room
	}
	r.lastErr = nil
	r.publishLocked()
	r.unlock()

	for _, room := range rooms {
		r.guards.For(room.ID).Apply(room.IsSuspended, room.SuspensionReason)
	}
	r.log.Info("rooms loaded", zap.Int("rooms", len(rooms)))
	return nil
}

func (r *RoomRegistry) resubscribe(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.unlock()
		return ErrSessionClosed
	}
	r.gen++
	gen := r.gen
	old := r.sub
	r.sub = nil
	r.unlock()
	if old != nil {
		old.Close()
	}

	sub, err := r.store.SubscribeSummaries(ctx, r.userID)
	if err != nil {
		if errors.Is(err, ErrNetwork) {
			r.monitor.ReportFailure(r.linkName(), err, r.reopen(gen))
			return nil
		}
		return fmt.Errorf("subscribe summaries: %w", err)
	}

	r.mu.Lock()
	if r.closed || r.gen != gen {
		r.unlock()
		sub.Close()
		return nil
	}
	r.sub = sub
	r.unlock()
	go r.pump(gen, sub)
	return nil
}

// reopen reopens the summary feed after a failure. The list is reloaded
// too, since events were missed while the feed was down.
func (r *RoomRegistry) reopen(gen uint64) ResubscribeFunc {
	return func(ctx context.Context) error {
		r.mu.Lock()
		stale := r.closed || r.gen != gen
		r.mu.Unlock()
		if stale {
			return nil
		}
		err := r.reload(ctx)
		var sub *Subscription[RoomSummaryEvent]
		if err == nil {
			sub, err = r.store.SubscribeSummaries(ctx, r.userID)
		}
		if err != nil && isFinal(err) {
			r.endFeed(gen, err)
			return nil
		}
		if err != nil {
			return err
		}
		r.mu.Lock()
		if r.closed || r.gen != gen {
			r.unlock()
			sub.Close()
			return nil
		}
		r.sub = sub
		r.unlock()
		go r.pump(gen, sub)
		return nil
	}
}

func (r *RoomRegistry) pump(gen uint64, sub *Subscription[RoomSummaryEvent]) {
	for ev := range sub.Events() {
		r.Apply(ev)
	}

	err := sub.Err()
	r.mu.Lock()
	if r.closed || r.gen != gen || r.sub != sub {
		r.unlock()
		return
	}
	r.sub = nil
	r.unlock()

	if err == nil {
		err = &NetworkError{Op: "summary feed", Err: errors.New("stream ended")}
	}
	if isFinal(err) {
		r.endFeed(gen, err)
		return
	}
	r.monitor.ReportFailure(r.linkName(), err, r.reopen(gen))
}

// endFeed records err and stops reopening the summary feed. The last room
// list stays readable.
func (r *RoomRegistry) endFeed(gen uint64, err error) {
	r.mu.Lock()
	if r.closed || r.gen != gen {
		r.unlock()
		return
	}
	r.lastErr = err
	r.unlock()

	r.monitor.Forget(r.linkName())
	r.log.Warn("summary feed stopped", zap.Error(err))
}

// Apply folds one summary event into the held list. Events for rooms the
// registry does not hold are ignored.
func (r *RoomRegistry) Apply(ev RoomSummaryEvent) bool {
	r.mu.Lock()
	room, ok := r.rooms[ev.RoomID]
	if !ok || r.closed {
		r.unlock()
		r.log.Debug("ignoring summary for unknown room", zap.String("room_id", ev.RoomID))
		return false
	}

	switch ev.Kind {
	case SummaryRoom:
		if ev.Room == nil {
			r.unlock()
			return false
		}
		room = ev.Room.clone()
		room.ID = ev.RoomID
	case SummaryMessage:
		if ev.Preview != "" {
			room.LastMessagePreview = ev.Preview
		}
		if ev.UpdatedAt.After(room.UpdatedAt) {
			room.UpdatedAt = ev.UpdatedAt
		}
		room.UnreadCount += ev.NewMessages
	case SummarySuspension:
		room.IsSuspended = ev.IsSuspended
		room.SuspensionReason = ev.Reason
	case SummaryRead:
		room.UnreadCount = 0
	default:
		r.unlock()
		return false
	}
	room.normalize()
	r.rooms[ev.RoomID] = room
	r.publishLocked()
	r.unlock()

	r.guards.For(room.ID).Apply(room.IsSuspended, room.SuspensionReason)
	return true
}

// List returns the rooms ordered by UpdatedAt, newest first.
func (r *RoomRegistry) List() []ChatRoom {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *RoomRegistry) listLocked() []ChatRoom {
	out := make([]ChatRoom, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Room returns one room.
func (r *RoomRegistry) Room(roomID string) (ChatRoom, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return ChatRoom{}, false
	}
	return room.clone(), true
}

// TotalUnread sums the unread counts of all rooms.
func (r *RoomRegistry) TotalUnread() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, room := range r.rooms {
		total += room.UnreadCount
	}
	return total
}

// LastError returns the error of the last failed list load, if any.
func (r *RoomRegistry) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// MarkRead zeroes the unread count of roomID and records the read with the
// store. The local count stays zero if the store call fails.
func (r *RoomRegistry) MarkRead(ctx context.Context, roomID string) error {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		r.unlock()
		return fmt.Errorf("mark read %s: %w", roomID, ErrNotFound)
	}
	if room.UnreadCount != 0 {
		room.UnreadCount = 0
		r.rooms[roomID] = room
		r.publishLocked()
	}
	r.unlock()

	if err := r.store.MarkRead(ctx, roomID, r.userID); err != nil {
		r.log.Warn("mark read failed", zap.String("room_id", roomID), zap.Error(err))
		return fmt.Errorf("mark read %s: %w", roomID, err)
	}
	return nil
}

// Moderate writes a room's suspension state. The change reaches the
// registry and the guards through the summary feed.
func (r *RoomRegistry) Moderate(ctx context.Context, roomID string, suspended bool, reason string) error {
	if suspended && reason == "" {
		reason = DefaultSuspensionReason
	}
	if err := r.store.SetSuspension(ctx, roomID, suspended, reason); err != nil {
		return fmt.Errorf("set suspension %s: %w", roomID, err)
	}
	r.log.Info("suspension written", zap.String("room_id", roomID), zap.Bool("suspended", suspended))
	return nil
}

// OnChange registers fn for every new room list. Lists are delivered in
// order on a separate goroutine.
func (r *RoomRegistry) OnChange(fn func([]ChatRoom)) (remove func()) {
	return r.notify.listeners.add(fn)
}

// Close stops the summary feed. The held list stays readable.
func (r *RoomRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.unlock()
		return
	}
	r.closed = true
	sub := r.sub
	r.sub = nil
	r.unlock()

	if sub != nil {
		sub.Close()
	}
	r.monitor.Forget(r.linkName())
}

func (r *RoomRegistry) linkName() string {
	return "summaries/" + r.userID
}

func (r *RoomRegistry) publishLocked() {
	r.pending = append(r.pending, r.listLocked())
}

func (r *RoomRegistry) unlock() {
	pending := r.pending
	r.pending = nil
	r.notify.push(pending...)
	r.mu.Unlock()
}
