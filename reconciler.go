package gradchat

import (
	"sort"
)

// ============================================================================
// MessageReconciler
// ============================================================================

// PageAnchor tells the reconciler which side of the held sequence a page
// extends.
type PageAnchor string

const (
	AnchorOlder PageAnchor = "older"
	AnchorNewer PageAnchor = "newer"
)

// Outcome counts what an apply step did.
type Outcome struct {
	Inserted   int
	Confirmed  int
	Duplicates int
	Dropped    int
}

// Changed reports whether the sequence was modified.
func (o Outcome) Changed() bool {
	return o.Inserted > 0 || o.Confirmed > 0
}

func (o *Outcome) add(other Outcome) {
	o.Inserted += other.Inserted
	o.Confirmed += other.Confirmed
	o.Duplicates += other.Duplicates
	o.Dropped += other.Dropped
}

// Reconciler is the sole mutator of one room's ordered message sequence.
// It merges pages, live events, local echoes and send results so that every
// logical message appears once, sorted by (createdAt, identity).
//
// A Reconciler is not safe for concurrent use; its owner serializes applies.
type Reconciler struct {
	roomID  string
	entries map[string]Message
	sorted  []string
	dirty   bool
}

// NewReconciler creates an empty sequence for roomID.
func NewReconciler(roomID string) *Reconciler {
	return &Reconciler{
		roomID:  roomID,
		entries: make(map[string]Message),
	}
}

// RoomID returns the room the sequence belongs to.
func (r *Reconciler) RoomID() string { return r.roomID }

// Len returns the number of messages held.
func (r *Reconciler) Len() int { return len(r.entries) }

// ApplyPage merges a page read from the store.
func (r *Reconciler) ApplyPage(msgs []Message, anchor PageAnchor) Outcome {
	var out Outcome
	for _, m := range msgs {
		out.add(r.merge(m, false))
	}
	return out
}

// ApplyLive merges one message pushed by the live feed or a catch-up fetch.
func (r *Reconciler) ApplyLive(m Message) Outcome {
	return r.merge(m, false)
}

// ApplyLocalEcho inserts an optimistic, not yet confirmed message.
func (r *Reconciler) ApplyLocalEcho(m Message) Outcome {
	m.ServerID = ""
	m.DeliveryState = DeliveryPending
	m.Err = nil
	return r.merge(m, true)
}

// ApplyConfirmation folds the store's answer to a send of tempID into the
// sequence, replacing the optimistic entry.
func (r *Reconciler) ApplyConfirmation(tempID string, m Message) Outcome {
	if m.TempID == "" {
		m.TempID = tempID
	}
	return r.merge(m, false)
}

// MarkFailed moves an unconfirmed message to DeliveryFailed. It reports
// false when tempID is not held or already confirmed.
func (r *Reconciler) MarkFailed(tempID string, err error) bool {
	m, ok := r.entries[tempID]
	if !ok || m.Confirmed() {
		return false
	}
	m.DeliveryState = DeliveryFailed
	m.Err = err
	r.entries[tempID] = m
	return true
}

// MarkPending moves an unconfirmed message back to DeliveryPending.
func (r *Reconciler) MarkPending(tempID string) bool {
	m, ok := r.entries[tempID]
	if !ok || m.Confirmed() {
		return false
	}
	m.DeliveryState = DeliveryPending
	m.Err = nil
	r.entries[tempID] = m
	return true
}

func (r *Reconciler) merge(m Message, local bool) Outcome {
	if m.RoomID == "" {
		m.RoomID = r.roomID
	}
	if m.RoomID != r.roomID || m.Key() == "" {
		return Outcome{Dropped: 1}
	}
	if m.Confirmed() {
		m.DeliveryState = DeliverySent
		m.Err = nil
	}

	// A confirmed message that names a held unconfirmed tempID replaces it.
	if m.Confirmed() && m.TempID != "" {
		if held, ok := r.entries[m.TempID]; ok && !held.Confirmed() && sameSend(held, m) {
			delete(r.entries, m.TempID)
			if _, exists := r.entries[m.ServerID]; !exists {
				if m.ReplyToID == "" {
					m.ReplyToID = held.ReplyToID
				}
				if m.Attachments == nil {
					m.Attachments = held.Attachments
				}
				r.entries[m.ServerID] = m
			}
			r.dirty = true
			return Outcome{Confirmed: 1}
		}
	}

	key := m.Key()
	if _, exists := r.entries[key]; exists {
		return Outcome{Duplicates: 1}
	}
	if local && m.DeliveryState == "" {
		m.DeliveryState = DeliveryPending
	}
	r.entries[key] = m.clone()
	r.dirty = true
	return Outcome{Inserted: 1}
}

// sameSend reports whether confirmed is consistent with the optimistic held.
func sameSend(held, confirmed Message) bool {
	if held.RoomID != confirmed.RoomID {
		return false
	}
	return held.SenderID == "" || confirmed.SenderID == "" || held.SenderID == confirmed.SenderID
}

func (r *Reconciler) order() []string {
	if !r.dirty && len(r.sorted) == len(r.entries) {
		return r.sorted
	}
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return r.entries[keys[i]].OrderingKey().Less(r.entries[keys[j]].OrderingKey())
	})
	r.sorted = keys
	r.dirty = false
	return keys
}

// Messages returns a sorted copy of the sequence.
func (r *Reconciler) Messages() []Message {
	keys := r.order()
	out := make([]Message, len(keys))
	for i, k := range keys {
		out[i] = r.entries[k].clone()
	}
	return out
}

// Get returns the message with identity key.
func (r *Reconciler) Get(key string) (Message, bool) {
	m, ok := r.entries[key]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// OldestConfirmed returns the ordering key of the oldest server-confirmed
// message, the cursor for backward pagination.
func (r *Reconciler) OldestConfirmed() (OrderingKey, bool) {
	for _, k := range r.order() {
		if m := r.entries[k]; m.Confirmed() {
			return m.OrderingKey(), true
		}
	}
	return OrderingKey{}, false
}

// NewestConfirmed returns the ordering key of the newest server-confirmed
// message, the anchor for live subscriptions and catch-up fetches.
func (r *Reconciler) NewestConfirmed() (OrderingKey, bool) {
	keys := r.order()
	for i := len(keys) - 1; i >= 0; i-- {
		if m := r.entries[keys[i]]; m.Confirmed() {
			return m.OrderingKey(), true
		}
	}
	return OrderingKey{}, false
}

// Reset drops every message.
func (r *Reconciler) Reset() {
	r.entries = make(map[string]Message)
	r.sorted = nil
	r.dirty = false
}
