package gradchat

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func seqIDs() func() string {
	var n atomic.Int32
	return func() string { return "t" + strconv.Itoa(int(n.Add(1))) }
}

func fixedClock(ts time.Time) func() time.Time { return func() time.Time { return ts } }

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func seededStore(t *testing.T, opts ...MemoryOption) *MemoryStore {
	t.Helper()
	store := NewMemoryStore(opts...)
	store.AddRoom(ChatRoom{ID: "r1", Type: RoomClientSupervisor, ParticipantIDs: []string{"u1", "u2"}})
	store.Seed("r1",
		Message{SenderID: "u2", Body: "one", CreatedAt: at(10)},
		Message{SenderID: "u1", Body: "two", CreatedAt: at(20)},
	)
	return store
}

func openSession(t *testing.T, store interface {
	MessageStore
	Feed
}, opts ...SessionOption) *ActiveSession {
	t.Helper()
	base := []SessionOption{WithTempIDs(seqIDs()), WithClock(fixedClock(at(25))), WithMonitor(fastMonitor())}
	s := NewActiveSession(store, "u1", append(base, opts...)...)
	t.Cleanup(s.Close)
	if err := s.Open(context.Background(), "r1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

// blockingStore holds CreateMessage until release is closed.
type blockingStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
}

func newBlockingStore(inner *MemoryStore) *blockingStore {
	return &blockingStore{MemoryStore: inner, entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (b *blockingStore) CreateMessage(ctx context.Context, roomID string, req CreateMessageRequest) (Message, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.MemoryStore.CreateMessage(ctx, roomID, req)
}

// ============================================================================
// Open
// ============================================================================

func TestSessionOpen(t *testing.T) {
	t.Run("loads newest page", func(t *testing.T) {
		s := openSession(t, seededStore(t))
		st := s.State()
		if st.Phase != PhaseReady || st.RoomID != "r1" {
			t.Fatalf("unexpected state %+v", st)
		}
		equalKeys(t, st.Messages, "m1", "m2")
		if st.HasMoreOlder {
			t.Fatal("short first page must end history")
		}
	})

	t.Run("fetch failure leaves session closed", func(t *testing.T) {
		store := seededStore(t)
		store.FailNext(OpFetchPage, &NetworkError{Op: "fetch", Err: errors.New("down")})
		s := NewActiveSession(store, "u1", WithMonitor(fastMonitor()))
		err := s.Open(context.Background(), "r1")
		if !errors.Is(err, ErrNetwork) {
			t.Fatalf("expected network error, got %v", err)
		}
		st := s.State()
		if st.Phase != PhaseClosed || st.LastError == nil {
			t.Fatalf("unexpected state %+v", st)
		}
	})

	t.Run("unknown room", func(t *testing.T) {
		s := NewActiveSession(seededStore(t), "u1", WithMonitor(fastMonitor()))
		if err := s.Open(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("subscribe network failure still opens", func(t *testing.T) {
		store := seededStore(t)
		store.FailNext(OpSubscribe, &NetworkError{Op: "subscribe", Err: errors.New("down")})
		s := openSession(t, store)
		if s.State().Phase != PhaseReady {
			t.Fatal("expected ready")
		}
		eventually(t, "resubscribe", func() bool { return store.Calls(OpSubscribe) >= 2 })
	})

	t.Run("switching rooms drops the previous room", func(t *testing.T) {
		store := seededStore(t)
		store.AddRoom(ChatRoom{ID: "r2", Type: RoomGroup})
		store.Seed("r2", Message{Body: "other", CreatedAt: at(5)})
		s := openSession(t, store)
		if err := s.Open(context.Background(), "r2"); err != nil {
			t.Fatalf("open r2: %v", err)
		}
		st := s.State()
		if st.RoomID != "r2" || len(st.Messages) != 1 || st.Messages[0].Body != "other" {
			t.Fatalf("unexpected state %+v", st)
		}
	})
}

// ============================================================================
// Send
// ============================================================================

func TestSessionSendEndToEnd(t *testing.T) {
	store := seededStore(t, WithMemoryClock(fixedClock(at(26))))
	s := openSession(t, store)

	echo, err := s.Send(context.Background(), Draft{Body: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if echo.TempID != "t1" || echo.DeliveryState != DeliveryPending || !echo.CreatedAt.Equal(at(25)) {
		t.Fatalf("unexpected echo %+v", echo)
	}

	eventually(t, "confirmation", func() bool {
		m, ok := s.State().Message("m3")
		return ok && m.DeliveryState == DeliverySent
	})

	st := s.State()
	equalKeys(t, st.Messages, "m1", "m2", "m3")
	last := st.Messages[2]
	if last.Body != "hi" || last.TempID != "t1" || !last.CreatedAt.Equal(at(26)) {
		t.Fatalf("unexpected confirmed message %+v", last)
	}

	// The live echo of the same message must not duplicate it.
	time.Sleep(20 * time.Millisecond)
	if n := len(s.State().Messages); n != 3 {
		t.Fatalf("expected 3 messages, got %d", n)
	}
}

func TestSessionOptimisticVisibility(t *testing.T) {
	store := newBlockingStore(seededStore(t))
	s := openSession(t, store)

	if _, err := s.Send(context.Background(), Draft{Body: "slow"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-store.entered

	m, ok := s.State().Message("t1")
	if !ok || m.DeliveryState != DeliveryPending {
		t.Fatalf("echo not visible while the store call is in flight: %+v", m)
	}

	close(store.release)
	eventually(t, "confirmation", func() bool {
		_, pending := s.State().Message("t1")
		return !pending && len(s.State().Messages) == 3
	})
}

func TestSessionSuspensionGate(t *testing.T) {
	store := seededStore(t)
	guards := NewGuards()
	s := openSession(t, store, WithGuards(guards))

	guards.For("r1").Suspend("payment dispute")
	before := s.State()

	_, err := s.Send(context.Background(), Draft{Body: "blocked"})
	var se *SuspendedError
	if !errors.As(err, &se) || se.Reason != "payment dispute" {
		t.Fatalf("expected SuspendedError, got %v", err)
	}

	after := s.State()
	if len(after.Messages) != len(before.Messages) {
		t.Fatal("suspended send changed the sequence")
	}
	if !after.IsSuspended || after.SuspensionReason != "payment dispute" {
		t.Fatalf("snapshot does not show suspension: %+v", after)
	}
	time.Sleep(10 * time.Millisecond)
	if store.Calls(OpCreateMessage) != 0 {
		t.Fatal("suspended send reached the store")
	}

	// Reads keep working.
	if _, ok := after.Message("m1"); !ok {
		t.Fatal("history not readable while suspended")
	}

	guards.For("r1").Lift()
	if _, err := s.Send(context.Background(), Draft{Body: "allowed"}); err != nil {
		t.Fatalf("send after lift: %v", err)
	}
}

func TestSessionValidation(t *testing.T) {
	store := seededStore(t)
	s := openSession(t, store, WithSessionConfig(SessionConfig{MaxBodyLen: 10, MaxAttachments: 1, MaxAttachmentBytes: 100}))

	tests := []struct {
		name  string
		draft Draft
	}{
		{"empty", Draft{Body: "   "}},
		{"too long", Draft{Body: "this body is too long"}},
		{"too many attachments", Draft{Attachments: []Attachment{{URL: "a"}, {URL: "b"}}}},
		{"missing reference", Draft{Attachments: []Attachment{{Name: "x"}}}},
		{"oversize", Draft{Attachments: []Attachment{{URL: "a", Size: 101}}}},
		{"unknown reply", Draft{Body: "hi", ReplyToID: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Send(context.Background(), tt.draft)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if store.Calls(OpCreateMessage) != 0 {
		t.Fatal("invalid sends reached the store")
	}
	if n := len(s.State().Messages); n != 2 {
		t.Fatalf("invalid sends changed the sequence, %d messages", n)
	}

	if _, err := s.Send(context.Background(), Draft{Attachments: []Attachment{{URL: "a", Name: "a.png", Size: 10}}}); err != nil {
		t.Fatalf("attachment-only send: %v", err)
	}
}

func TestSessionFailureAndRetry(t *testing.T) {
	store := seededStore(t)
	s := openSession(t, store)
	store.FailNext(OpCreateMessage, &NetworkError{Op: "create", Err: errors.New("timeout")})

	if _, err := s.Send(context.Background(), Draft{Body: "flaky"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "failure", func() bool {
		m, _ := s.State().Message("t1")
		return m.DeliveryState == DeliveryFailed
	})
	m, _ := s.State().Message("t1")
	if !IsRetryable(m.Err) {
		t.Fatalf("expected retryable error, got %v", m.Err)
	}

	retry, err := s.Retry(context.Background(), "t1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.TempID != "t2" || retry.Body != "flaky" {
		t.Fatalf("unexpected retry echo %+v", retry)
	}
	eventually(t, "retry confirmation", func() bool {
		_, pending := s.State().Message("t2")
		return !pending
	})
	if failed, ok := s.State().Message("t1"); !ok || failed.DeliveryState != DeliveryFailed {
		t.Fatal("failed attempt should stay in the sequence")
	}

	if _, err := s.Retry(context.Background(), "m1"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestSessionReply(t *testing.T) {
	store := seededStore(t)
	s := openSession(t, store)

	if err := s.SetReplyTo("nope"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
	if err := s.SetReplyTo("m1"); err != nil {
		t.Fatalf("set reply: %v", err)
	}
	if rt := s.State().ReplyTo; rt == nil || rt.Key() != "m1" {
		t.Fatalf("unexpected reply target %+v", rt)
	}

	echo, err := s.Send(context.Background(), Draft{Body: "answer"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if echo.ReplyToID != "m1" {
		t.Fatalf("reply target not applied: %+v", echo)
	}
	if s.State().ReplyTo != nil {
		t.Fatal("reply target not cleared after send")
	}

	eventually(t, "stored reply", func() bool {
		msgs := store.Messages("r1")
		return len(msgs) == 3 && msgs[2].ReplyToID == "m1"
	})

	s.SetReplyTo("m2")
	s.ClearReplyTo()
	if s.State().ReplyTo != nil {
		t.Fatal("ClearReplyTo did not clear")
	}
}

// ============================================================================
// Pagination
// ============================================================================

func TestSessionPagination(t *testing.T) {
	build := func(n int) *MemoryStore {
		store := NewMemoryStore()
		store.AddRoom(ChatRoom{ID: "r1", Type: RoomGroup})
		for i := 1; i <= n; i++ {
			store.Seed("r1", Message{Body: strconv.Itoa(i), CreatedAt: at(i * 10)})
		}
		return store
	}

	t.Run("partial last page ends history", func(t *testing.T) {
		store := build(5)
		s := openSession(t, store, WithSessionConfig(SessionConfig{PageSize: 2}))
		equalKeys(t, s.State().Messages, "m4", "m5")
		if !s.State().HasMoreOlder {
			t.Fatal("expected more history")
		}

		if err := s.LoadMore(context.Background()); err != nil {
			t.Fatalf("load more: %v", err)
		}
		equalKeys(t, s.State().Messages, "m2", "m3", "m4", "m5")

		if err := s.LoadMore(context.Background()); err != nil {
			t.Fatalf("load more: %v", err)
		}
		st := s.State()
		equalKeys(t, st.Messages, "m1", "m2", "m3", "m4", "m5")
		if st.HasMoreOlder {
			t.Fatal("expected history to end")
		}

		calls := store.Calls(OpFetchPage)
		if err := s.LoadMore(context.Background()); !errors.Is(err, ErrNoMoreHistory) {
			t.Fatalf("expected ErrNoMoreHistory, got %v", err)
		}
		if store.Calls(OpFetchPage) != calls {
			t.Fatal("exhausted history still fetched")
		}
	})

	t.Run("exact multiple needs one empty page", func(t *testing.T) {
		store := build(4)
		s := openSession(t, store, WithSessionConfig(SessionConfig{PageSize: 2}))
		s.LoadMore(context.Background())
		if !s.State().HasMoreOlder {
			t.Fatal("full page must keep history open")
		}
		if err := s.LoadMore(context.Background()); err != nil {
			t.Fatalf("load more: %v", err)
		}
		if s.State().HasMoreOlder || len(s.State().Messages) != 4 {
			t.Fatalf("unexpected state %+v", s.State())
		}
	})

	t.Run("failure keeps history open", func(t *testing.T) {
		store := build(5)
		s := openSession(t, store, WithSessionConfig(SessionConfig{PageSize: 2}))
		store.FailNext(OpFetchPage, &NetworkError{Op: "fetch", Err: errors.New("down")})
		if err := s.LoadMore(context.Background()); !errors.Is(err, ErrNetwork) {
			t.Fatalf("expected network error, got %v", err)
		}
		st := s.State()
		if !st.HasMoreOlder || st.IsLoadingOlder || st.LastError == nil {
			t.Fatalf("unexpected state %+v", st)
		}
		if err := s.LoadMore(context.Background()); err != nil {
			t.Fatalf("retry load more: %v", err)
		}
	})

	t.Run("closed session", func(t *testing.T) {
		s := NewActiveSession(build(1), "u1", WithMonitor(fastMonitor()))
		if err := s.LoadMore(context.Background()); !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	})
}

// ============================================================================
// Live feed and connectivity
// ============================================================================

func TestSessionLiveMessages(t *testing.T) {
	store := seededStore(t)
	s := openSession(t, store)

	_, err := store.CreateMessage(context.Background(), "r1", CreateMessageRequest{SenderID: "u2", Body: "from u2"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	eventually(t, "live message", func() bool {
		_, ok := s.State().Message("m3")
		return ok
	})
}

func TestSessionOfflineCatchUp(t *testing.T) {
	store := seededStore(t)
	s := openSession(t, store)

	store.SetOffline(true)
	eventually(t, "offline", func() bool { return s.State().Connection != ConnectionOnline })

	if _, err := s.Send(context.Background(), Draft{Body: "held"}); err != nil {
		t.Fatalf("send while offline: %v", err)
	}
	if m, _ := s.State().Message("t1"); m.DeliveryState != DeliveryPending {
		t.Fatalf("held send should be pending, got %+v", m)
	}

	// Posted while this client was away; no live event is fanned out.
	store.Seed("r1", Message{SenderID: "u2", Body: "missed", CreatedAt: at(30)})
	store.SetOffline(false)

	eventually(t, "catch-up and flush", func() bool {
		st := s.State()
		if st.Connection != ConnectionOnline {
			return false
		}
		var missed, sent bool
		for _, m := range st.Messages {
			missed = missed || m.Body == "missed"
			sent = sent || (m.Body == "held" && m.DeliveryState == DeliverySent)
		}
		return missed && sent
	})

	count := 0
	for _, m := range store.Messages("r1") {
		if m.Body == "held" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("held send stored %d times", count)
	}
}

// ============================================================================
// Close and snapshots
// ============================================================================

// replayingStore ignores the resume key on Subscribe and instead replays one
// already-delivered message, the way a feed with a server-side buffer does.
type replayingStore struct {
	*MemoryStore
	mu           sync.Mutex
	replay       *Message
	newerFetches int
}

func (r *replayingStore) Subscribe(ctx context.Context, roomID string, _ OrderingKey) (*Subscription[MessageEvent], error) {
	inner, err := r.MemoryStore.Subscribe(ctx, roomID, OrderingKey{})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	replay := r.replay
	r.mu.Unlock()

	out := NewSubscription[MessageEvent](8, inner.Close)
	go func() {
		if replay != nil && !out.Send(MessageEvent{Type: EventMessageNew, Message: *replay}) {
			return
		}
		for ev := range inner.Events() {
			if !out.Send(ev) {
				return
			}
		}
		out.Finish(inner.Err())
	}()
	return out, nil
}

func (r *replayingStore) FetchPage(ctx context.Context, roomID string, b Boundary, limit int) ([]Message, error) {
	if b.Direction == After && !b.Key.IsZero() {
		r.mu.Lock()
		r.newerFetches++
		r.mu.Unlock()
	}
	return r.MemoryStore.FetchPage(ctx, roomID, b, limit)
}

func TestSessionCatchUpWithoutResume(t *testing.T) {
	store := &replayingStore{MemoryStore: seededStore(t)}
	s := openSession(t, store)

	store.SetOffline(true)
	eventually(t, "offline", func() bool { return s.State().Connection != ConnectionOnline })

	store.Seed("r1",
		Message{SenderID: "u2", Body: "missed one", CreatedAt: at(30)},
		Message{SenderID: "u2", Body: "missed two", CreatedAt: at(31)},
	)
	stored := store.Messages("r1")
	store.mu.Lock()
	store.replay = &stored[len(stored)-2]
	store.mu.Unlock()
	store.SetOffline(false)

	eventually(t, "catch-up", func() bool {
		st := s.State()
		return st.Connection == ConnectionOnline && len(st.Messages) == 4
	})
	time.Sleep(20 * time.Millisecond)

	seen := make(map[string]int)
	for _, m := range s.State().Messages {
		seen[m.Body]++
	}
	for _, body := range []string{"one", "two", "missed one", "missed two"} {
		if seen[body] != 1 {
			t.Errorf("%q held %d times, want 1", body, seen[body])
		}
	}
	store.mu.Lock()
	fetches := store.newerFetches
	store.mu.Unlock()
	if fetches == 0 {
		t.Fatal("reconnect did not fetch messages newer than the held ones")
	}
}

// gatedPageStore holds FetchPage until release is closed.
type gatedPageStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPageStore) FetchPage(ctx context.Context, roomID string, b Boundary, limit int) ([]Message, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.MemoryStore.FetchPage(ctx, roomID, b, limit)
}

func TestSessionOnlineDuringOpen(t *testing.T) {
	store := &gatedPageStore{MemoryStore: seededStore(t), entered: make(chan struct{}, 4), release: make(chan struct{})}
	monitor := fastMonitor()
	defer monitor.Close()
	monitor.SetReachable(false)

	s := NewActiveSession(store, "u1", WithTempIDs(seqIDs()), WithClock(fixedClock(at(25))), WithMonitor(monitor))
	defer s.Close()
	opened := make(chan error, 1)
	go func() { opened <- s.Open(context.Background(), "r1") }()

	<-store.entered
	if st := s.State(); st.Phase != PhaseLoading || st.Connection != ConnectionOffline {
		t.Fatalf("loading state = %s/%s, want loading/offline", st.Phase, st.Connection)
	}
	monitor.SetReachable(true)
	eventually(t, "monitor online", func() bool { return monitor.State() == ConnectionOnline })
	eventually(t, "loading session online", func() bool { return s.State().Connection == ConnectionOnline })
	close(store.release)
	if err := <-opened; err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := s.Send(context.Background(), Draft{Body: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "send delivered", func() bool {
		for _, m := range s.State().Messages {
			if m.Body == "hello" && m.DeliveryState == DeliverySent {
				return true
			}
		}
		return false
	})
}

func TestSessionFeedEndsOnFinalError(t *testing.T) {
	t.Run("room deleted closes the session", func(t *testing.T) {
		store := seededStore(t)
		s := openSession(t, store)
		store.FailNext(OpSubscribe, &APIError{Code: "NOT_FOUND", Status: 404, Message: "room deleted"})
		store.Disconnect("r1")

		eventually(t, "closed", func() bool { return s.State().Phase == PhaseClosed })
		if err := s.State().LastError; !errors.Is(err, ErrNotFound) {
			t.Fatalf("LastError = %v, want ErrNotFound", err)
		}
		time.Sleep(20 * time.Millisecond)
		if n := store.Calls(OpSubscribe); n != 2 {
			t.Fatalf("subscribe called %d times, want 2", n)
		}
	})

	t.Run("expired auth on resubscribe keeps the room", func(t *testing.T) {
		store := seededStore(t)
		s := openSession(t, store)
		store.FailNext(OpSubscribe, &APIError{Code: "AUTH_EXPIRED", Status: 401, Message: "token expired"})
		store.Disconnect("r1")

		eventually(t, "auth error surfaced", func() bool { return errors.Is(s.State().LastError, ErrAuthExpired) })
		time.Sleep(20 * time.Millisecond)
		if n := store.Calls(OpSubscribe); n != 2 {
			t.Fatalf("subscribe called %d times, want 2", n)
		}
		st := s.State()
		if st.Phase != PhaseReady || len(st.Messages) != 2 {
			t.Fatalf("state = %s with %d messages, want ready with 2", st.Phase, len(st.Messages))
		}
	})

	t.Run("expired auth ends the live stream", func(t *testing.T) {
		store := &finishableStore{MemoryStore: seededStore(t), subs: make(chan *Subscription[MessageEvent], 4)}
		s := openSession(t, store)
		sub := <-store.subs
		sub.Finish(&APIError{Code: "AUTH_EXPIRED", Status: 401})

		eventually(t, "auth error surfaced", func() bool { return errors.Is(s.State().LastError, ErrAuthExpired) })
		time.Sleep(20 * time.Millisecond)
		select {
		case <-store.subs:
			t.Fatal("resubscribed after expired auth")
		default:
		}
		if st := s.State(); st.Phase != PhaseReady || len(st.Messages) != 2 {
			t.Fatalf("state = %s with %d messages, want ready with 2", st.Phase, len(st.Messages))
		}
	})
}

// finishableStore hands out live streams the test ends by hand.
type finishableStore struct {
	*MemoryStore
	subs chan *Subscription[MessageEvent]
}

func (f *finishableStore) Subscribe(context.Context, string, OrderingKey) (*Subscription[MessageEvent], error) {
	sub := NewSubscription[MessageEvent](8, nil)
	f.subs <- sub
	return sub, nil
}

func TestSessionCloseDiscardsResults(t *testing.T) {
	store := newBlockingStore(seededStore(t))
	s := openSession(t, store)

	if _, err := s.Send(context.Background(), Draft{Body: "late"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-store.entered
	s.Close()
	close(store.release)

	eventually(t, "store write", func() bool { return len(store.Messages("r1")) == 3 })
	time.Sleep(10 * time.Millisecond)

	st := s.State()
	if st.Phase != PhaseClosed || len(st.Messages) != 0 {
		t.Fatalf("closed session changed: %+v", st)
	}
	if _, err := s.Send(context.Background(), Draft{Body: "x"}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSessionSnapshotsInOrder(t *testing.T) {
	store := seededStore(t)
	s := NewActiveSession(store, "u1", WithMonitor(fastMonitor()), WithTempIDs(seqIDs()))
	defer s.Close()

	var mu sync.Mutex
	var revisions []uint64
	s.OnChange(func(st SessionState) {
		mu.Lock()
		revisions = append(revisions, st.Revision)
		mu.Unlock()
	})

	if err := s.Open(context.Background(), "r1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 5; i++ {
		s.Send(context.Background(), Draft{Body: "n" + strconv.Itoa(i)})
	}
	eventually(t, "confirmations", func() bool { return len(store.Messages("r1")) == 7 })

	eventually(t, "snapshot delivery", func() bool {
		current := s.State().Revision
		mu.Lock()
		defer mu.Unlock()
		return len(revisions) > 0 && revisions[len(revisions)-1] == current
	})

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(revisions); i++ {
		if revisions[i] <= revisions[i-1] {
			t.Fatalf("snapshots out of order: %v", revisions)
		}
	}
}

func TestSessionStateIsImmutable(t *testing.T) {
	s := openSession(t, seededStore(t))
	st := s.State()
	st.Messages[0].Body = "mutated"
	if m, _ := s.State().Message("m1"); m.Body == "mutated" {
		t.Fatal("snapshot aliases session state")
	}
}
