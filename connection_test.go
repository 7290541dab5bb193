package gradchat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingListener struct {
	mu           sync.Mutex
	online       int
	offline      int
	reconnecting int
	onlineCh     chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{onlineCh: make(chan struct{}, 16)}
}

func (l *recordingListener) OnOnline() {
	l.mu.Lock()
	l.online++
	l.mu.Unlock()
	l.onlineCh <- struct{}{}
}

func (l *recordingListener) OnOffline() {
	l.mu.Lock()
	l.offline++
	l.mu.Unlock()
}

func (l *recordingListener) OnReconnecting(int, time.Duration) {
	l.mu.Lock()
	l.reconnecting++
	l.mu.Unlock()
}

func (l *recordingListener) counts() (online, offline, reconnecting int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online, l.offline, l.reconnecting
}

func fastMonitor(opts ...MonitorOption) *ConnectionMonitor {
	cfg := MonitorConfig{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, AttemptTimeout: time.Second}
	return NewConnectionMonitor(append([]MonitorOption{WithMonitorConfig(cfg)}, opts...)...)
}

func waitOnline(t *testing.T, l *recordingListener) {
	t.Helper()
	select {
	case <-l.onlineCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnOnline")
	}
}

var errLinkDown = &NetworkError{Op: "feed", Err: errors.New("down")}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&MonitorConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.01, MaxAttempts: 3, StableAfter: time.Minute})

	prev := time.Duration(0)
	for i := 0; i < 3; i++ {
		if !r.shouldReconnect() {
			t.Fatalf("attempt %d refused", i)
		}
		d := r.nextDelay()
		if d <= prev || d > time.Second {
			t.Fatalf("attempt %d: delay %v after %v", i, d, prev)
		}
		prev = d
	}
	if r.shouldReconnect() {
		t.Fatal("expected attempts exhausted")
	}

	r.reset()
	if !r.shouldReconnect() || r.nextDelay() > 110*time.Millisecond {
		t.Fatal("reset did not restart backoff")
	}

	r.attempt = 20
	if d := r.nextDelay(); d != time.Second {
		t.Fatalf("expected delay capped at max, got %v", d)
	}
}

func TestConnectionMonitorRecovers(t *testing.T) {
	m := fastMonitor()
	defer m.Close()
	l := newRecordingListener()
	m.AddListener(l)

	var states []ConnectionState
	var statesMu sync.Mutex
	m.OnStateChange(func(s ConnectionState) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})

	var calls atomic.Int32
	m.ReportFailure("room/r1", errLinkDown, func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errLinkDown
		}
		return nil
	})

	waitOnline(t, l)
	if m.State() != ConnectionOnline {
		t.Fatalf("expected online, got %s", m.State())
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 resubscribe attempts, got %d", calls.Load())
	}
	online, offline, reconnecting := l.counts()
	if online != 1 || offline != 1 || reconnecting < 3 {
		t.Fatalf("unexpected notifications: online=%d offline=%d reconnecting=%d", online, offline, reconnecting)
	}

	statesMu.Lock()
	defer statesMu.Unlock()
	if states[0] != ConnectionOffline || states[len(states)-1] != ConnectionOnline {
		t.Fatalf("unexpected state sequence %v", states)
	}
}

func TestConnectionMonitorWaitsForAllLinks(t *testing.T) {
	m := fastMonitor()
	defer m.Close()
	l := newRecordingListener()
	m.AddListener(l)

	var bReady atomic.Bool
	m.ReportFailure("a", errLinkDown, func(context.Context) error { return nil })
	m.ReportFailure("b", errLinkDown, func(context.Context) error {
		if !bReady.Load() {
			return errLinkDown
		}
		return nil
	})

	time.Sleep(30 * time.Millisecond)
	if m.State() == ConnectionOnline {
		t.Fatal("went online with a broken link")
	}
	bReady.Store(true)
	waitOnline(t, l)
}

func TestConnectionMonitorGivesUp(t *testing.T) {
	cfg := MonitorConfig{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 2}
	m := NewConnectionMonitor(WithMonitorConfig(cfg))
	defer m.Close()

	var calls atomic.Int32
	m.ReportFailure("x", errLinkDown, func(context.Context) error {
		calls.Add(1)
		return errLinkDown
	})

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
	if m.State() != ConnectionOffline {
		t.Fatalf("expected offline, got %s", m.State())
	}

	// A manual resync starts over.
	l := newRecordingListener()
	m.AddListener(l)
	m.Forget("x")
	m.Resync()
	waitOnline(t, l)
}

func TestConnectionMonitorReachability(t *testing.T) {
	m := fastMonitor()
	defer m.Close()
	l := newRecordingListener()
	m.AddListener(l)

	m.SetReachable(false)
	if m.State() != ConnectionOffline {
		t.Fatalf("expected offline, got %s", m.State())
	}

	var calls atomic.Int32
	m.ReportFailure("x", errLinkDown, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("resubscribed while unreachable")
	}

	m.SetReachable(true)
	waitOnline(t, l)
	if calls.Load() != 1 {
		t.Fatalf("expected 1 resubscribe, got %d", calls.Load())
	}
}

func TestConnectionMonitorResyncWhileOnline(t *testing.T) {
	m := fastMonitor()
	defer m.Close()
	l := newRecordingListener()
	remove := m.AddListener(l)

	m.Resync()
	waitOnline(t, l)

	remove()
	m.Resync()
	if online, _, _ := l.counts(); online != 1 {
		t.Fatalf("removed listener notified, online=%d", online)
	}
}
