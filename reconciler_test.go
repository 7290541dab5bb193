package gradchat

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func confirmed(id string, sec int) Message {
	return Message{ServerID: id, RoomID: "r1", SenderID: "u2", Body: id, CreatedAt: at(sec)}
}

func keys(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key()
	}
	return out
}

func equalKeys(t *testing.T, got []Message, want ...string) {
	t.Helper()
	k := keys(got)
	if len(k) != len(want) {
		t.Fatalf("expected %v, got %v", want, k)
	}
	for i := range want {
		if k[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, k)
		}
	}
}

func TestReconcilerOrdering(t *testing.T) {
	t.Run("pages in any order sort ascending", func(t *testing.T) {
		r := NewReconciler("r1")
		r.ApplyPage([]Message{confirmed("m3", 30), confirmed("m2", 20)}, AnchorNewer)
		r.ApplyPage([]Message{confirmed("m1", 10)}, AnchorOlder)
		equalKeys(t, r.Messages(), "m1", "m2", "m3")
	})

	t.Run("equal timestamps break ties by identity", func(t *testing.T) {
		r := NewReconciler("r1")
		r.ApplyLive(confirmed("b", 10))
		r.ApplyLive(confirmed("a", 10))
		equalKeys(t, r.Messages(), "a", "b")
	})

	t.Run("oldest and newest confirmed skip local echoes", func(t *testing.T) {
		r := NewReconciler("r1")
		r.ApplyLocalEcho(Message{TempID: "t0", Body: "early", CreatedAt: at(1)})
		r.ApplyPage([]Message{confirmed("m1", 10), confirmed("m2", 20)}, AnchorNewer)
		r.ApplyLocalEcho(Message{TempID: "t9", Body: "late", CreatedAt: at(99)})

		oldest, ok := r.OldestConfirmed()
		if !ok || oldest.ID != "m1" {
			t.Fatalf("unexpected oldest %+v", oldest)
		}
		newest, ok := r.NewestConfirmed()
		if !ok || newest.ID != "m2" {
			t.Fatalf("unexpected newest %+v", newest)
		}
	})

	t.Run("empty sequence has no anchors", func(t *testing.T) {
		r := NewReconciler("r1")
		if _, ok := r.NewestConfirmed(); ok {
			t.Fatal("expected no anchor")
		}
	})
}

func TestReconcilerNoDuplication(t *testing.T) {
	t.Run("same message from page live and catch-up", func(t *testing.T) {
		r := NewReconciler("r1")
		r.ApplyPage([]Message{confirmed("m1", 10)}, AnchorNewer)
		out := r.ApplyLive(confirmed("m1", 10))
		if out.Duplicates != 1 || out.Changed() {
			t.Fatalf("unexpected outcome %+v", out)
		}
		r.ApplyPage([]Message{confirmed("m1", 10)}, AnchorOlder)
		if r.Len() != 1 {
			t.Fatalf("expected 1 message, got %d", r.Len())
		}
	})

	t.Run("confirmation replaces echo", func(t *testing.T) {
		r := NewReconciler("r1")
		r.ApplyLocalEcho(Message{TempID: "t1", SenderID: "u1", Body: "hi", CreatedAt: at(25)})
		server := Message{ServerID: "m3", TempID: "t1", SenderID: "u1", Body: "hi", CreatedAt: at(26)}
		out := r.ApplyConfirmation("t1", server)
		if out.Confirmed != 1 {
			t.Fatalf("unexpected outcome %+v", out)
		}
		msgs := r.Messages()
		equalKeys(t, msgs, "m3")
		if msgs[0].DeliveryState != DeliverySent || !msgs[0].CreatedAt.Equal(at(26)) {
			t.Fatalf("confirmation not applied: %+v", msgs[0])
		}
	})

	t.Run("live echo before confirmation", func(t *testing.T) {
		r := NewReconciler("r1")
		r.ApplyLocalEcho(Message{TempID: "t1", SenderID: "u1", Body: "hi", CreatedAt: at(25)})
		server := Message{ServerID: "m3", TempID: "t1", SenderID: "u1", Body: "hi", CreatedAt: at(26)}
		r.ApplyLive(server)
		out := r.ApplyConfirmation("t1", server)
		if out.Duplicates != 1 {
			t.Fatalf("unexpected outcome %+v", out)
		}
		equalKeys(t, r.Messages(), "m3")
	})

	t.Run("confirmation without echoed temp id", func(t *testing.T) {
		r := NewReconciler("r1")
		r.ApplyLocalEcho(Message{TempID: "t1", SenderID: "u1", Body: "hi", CreatedAt: at(25)})
		r.ApplyConfirmation("t1", Message{ServerID: "m3", SenderID: "u1", Body: "hi", CreatedAt: at(26)})
		equalKeys(t, r.Messages(), "m3")
	})

	t.Run("confirmation keeps reply and attachments of the echo", func(t *testing.T) {
		r := NewReconciler("r1")
		att := []Attachment{{URL: "https://cdn/x", Name: "x"}}
		r.ApplyLocalEcho(Message{TempID: "t1", Body: "hi", ReplyToID: "m1", Attachments: att, CreatedAt: at(25)})
		r.ApplyConfirmation("t1", Message{ServerID: "m3", Body: "hi", CreatedAt: at(26)})
		m, _ := r.Get("m3")
		if m.ReplyToID != "m1" || len(m.Attachments) != 1 {
			t.Fatalf("lost draft fields: %+v", m)
		}
	})
}

func TestReconcilerRejects(t *testing.T) {
	r := NewReconciler("r1")
	if out := r.ApplyLive(Message{ServerID: "x", RoomID: "other", CreatedAt: at(1)}); out.Dropped != 1 {
		t.Fatalf("expected foreign room dropped, got %+v", out)
	}
	if out := r.ApplyLive(Message{CreatedAt: at(1)}); out.Dropped != 1 {
		t.Fatalf("expected keyless message dropped, got %+v", out)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty sequence, got %d", r.Len())
	}
}

func TestReconcilerDeliveryStates(t *testing.T) {
	r := NewReconciler("r1")
	r.ApplyLocalEcho(Message{TempID: "t1", Body: "hi", CreatedAt: at(1)})

	boom := errors.New("boom")
	if !r.MarkFailed("t1", boom) {
		t.Fatal("expected MarkFailed to succeed")
	}
	m, _ := r.Get("t1")
	if m.DeliveryState != DeliveryFailed || !errors.Is(m.Err, boom) {
		t.Fatalf("unexpected state %+v", m)
	}

	if !r.MarkPending("t1") {
		t.Fatal("expected MarkPending to succeed")
	}
	m, _ = r.Get("t1")
	if m.DeliveryState != DeliveryPending || m.Err != nil {
		t.Fatalf("unexpected state %+v", m)
	}

	r.ApplyLive(confirmed("m1", 5))
	if r.MarkFailed("m1", boom) {
		t.Fatal("confirmed message must not fail")
	}
	if r.MarkFailed("nope", boom) {
		t.Fatal("unknown message must not fail")
	}
}

func TestReconcilerMessagesAreCopies(t *testing.T) {
	r := NewReconciler("r1")
	r.ApplyLive(Message{ServerID: "m1", CreatedAt: at(1), Attachments: []Attachment{{URL: "a"}}})
	msgs := r.Messages()
	msgs[0].Body = "changed"
	msgs[0].Attachments[0].URL = "changed"

	m, _ := r.Get("m1")
	if m.Body == "changed" || m.Attachments[0].URL == "changed" {
		t.Fatal("snapshot mutation leaked into the sequence")
	}
}
