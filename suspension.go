package gradchat

import "sync"

// ============================================================================
// SuspensionGuard
// ============================================================================

// SuspensionStatus is the state of a SuspensionGuard.
type SuspensionStatus struct {
	RoomID    string
	Suspended bool
	Reason    string
}

// SuspensionGuard gates writes to one room. It is driven by moderation events
// and never blocks reads, pagination or the live feed.
type SuspensionGuard struct {
	mu        sync.RWMutex
	roomID    string
	suspended bool
	reason    string
	listeners listenerList[SuspensionStatus]
}

// NewSuspensionGuard creates an active guard for roomID.
func NewSuspensionGuard(roomID string) *SuspensionGuard {
	return &SuspensionGuard{roomID: roomID}
}

// Status returns the current state.
func (g *SuspensionGuard) Status() SuspensionStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return SuspensionStatus{RoomID: g.roomID, Suspended: g.suspended, Reason: g.reason}
}

// Suspended reports whether writes are blocked.
func (g *SuspensionGuard) Suspended() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.suspended
}

// Check returns a *SuspendedError while suspended and nil otherwise.
func (g *SuspensionGuard) Check() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.suspended {
		return &SuspendedError{RoomID: g.roomID, Reason: g.reason}
	}
	return nil
}

// Suspend moves the guard to suspended(reason).
func (g *SuspensionGuard) Suspend(reason string) bool {
	return g.Apply(true, reason)
}

// Lift moves the guard back to active.
func (g *SuspensionGuard) Lift() bool {
	return g.Apply(false, "")
}

// Apply sets the state and notifies listeners when it changed.
func (g *SuspensionGuard) Apply(suspended bool, reason string) bool {
	if !suspended {
		reason = ""
	} else if reason == "" {
		reason = DefaultSuspensionReason
	}

	g.mu.Lock()
	if g.suspended == suspended && g.reason == reason {
		g.mu.Unlock()
		return false
	}
	g.suspended = suspended
	g.reason = reason
	status := SuspensionStatus{RoomID: g.roomID, Suspended: suspended, Reason: reason}
	g.mu.Unlock()

	g.listeners.emit(status)
	return true
}

// OnChange registers fn for state transitions.
func (g *SuspensionGuard) OnChange(fn func(SuspensionStatus)) (remove func()) {
	return g.listeners.add(fn)
}

// Guards is the per-room set of suspension guards shared by the registry,
// which drives them, and sessions, which consult them.
type Guards struct {
	mu     sync.Mutex
	guards map[string]*SuspensionGuard
}

// NewGuards creates an empty set.
func NewGuards() *Guards {
	return &Guards{guards: make(map[string]*SuspensionGuard)}
}

// For returns the guard of roomID, creating an active one on first use.
func (gs *Guards) For(roomID string) *SuspensionGuard {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	g, ok := gs.guards[roomID]
	if !ok {
		g = NewSuspensionGuard(roomID)
		gs.guards[roomID] = g
	}
	return g
}
