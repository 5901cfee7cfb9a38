package session

import (
	"github.com/mattersecure/core/pkg/fabric"
)

// Session ID constants.
const (
	// MinSessionID is the minimum valid secure session ID.
	// Session ID 0 is reserved for unsecured sessions.
	MinSessionID uint16 = 1

	// MaxSessionID is the maximum valid session ID.
	MaxSessionID uint16 = 0xFFFF

	// DefaultMaxSessions is the default maximum number of concurrent sessions.
	DefaultMaxSessions = 16
)

// sessionSlot is one entry in the Table's fixed-capacity arena.
//
// generation increments every time a slot is reused, so a stale index
// captured before an eviction never aliases onto the session that replaced
// it. touchSeq is bumped on every lookup/add and drives LRU eviction: the
// slot with the lowest touchSeq is the least recently used.
type sessionSlot struct {
	inUse      bool
	generation uint32
	touchSeq   uint64
	ctx        *SecureContext
}

// Table manages secure session contexts.
// It handles session ID allocation, lookup, and lifecycle management.
//
// The Table is a fixed-capacity arena: maxSessions slots are allocated once,
// at construction, and never grow afterward. It is owned by a single
// goroutine (the node's reactor loop) and carries no internal locking --
// callers must not share a Table across goroutines without their own
// synchronization.
//
// Session IDs are allocated sequentially, wrapping around when reaching
// MaxSessionID. The table ensures IDs are unique among active sessions.
// When the arena is full, Add evicts the least recently used session instead
// of failing outright; AllocateID only hands out an unused ID and never evicts.
type Table struct {
	slots       []sessionSlot
	index       map[uint16]int // session ID -> slot index
	maxSessions int
	nextID      uint16 // Next ID to try allocating
	touchSeq    uint64 // Monotonic counter, bumped on every touch
	onEvict     SecureEvictionCallback
}

// SecureEvictionCallback is invoked synchronously, before the evicted
// session's keys are zeroized, when the LRU table evicts a secure session
// to make room for a new one. Per Spec Section 4.7: the caller is expected
// to drop the session's bound exchanges and emit a CloseSession
// StatusReport to its peer while the session's keys are still live.
type SecureEvictionCallback func(ctx *SecureContext)

// NewTable creates a new session table.
// maxSessions limits the number of concurrent sessions (0 uses DefaultMaxSessions).
func NewTable(maxSessions int) *Table {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}

	return &Table{
		slots:       make([]sessionSlot, maxSessions),
		index:       make(map[uint16]int, maxSessions),
		maxSessions: maxSessions,
		nextID:      MinSessionID,
	}
}

// SetEvictionCallback registers the callback invoked when evict removes a
// session to free its slot.
func (t *Table) SetEvictionCallback(cb SecureEvictionCallback) {
	t.onEvict = cb
}

// touch bumps a slot's LRU rank and returns the next sequence value.
func (t *Table) touch() uint64 {
	t.touchSeq++
	return t.touchSeq
}

// lruVictim returns the index of the least recently used occupied slot, or
// -1 if every slot is free.
func (t *Table) lruVictim() int {
	victim := -1
	var oldest uint64
	for i := range t.slots {
		if !t.slots[i].inUse {
			continue
		}
		if victim == -1 || t.slots[i].touchSeq < oldest {
			victim = i
			oldest = t.slots[i].touchSeq
		}
	}
	return victim
}

// evict frees the slot at i, zeroizing the session it held and removing it
// from the ID index. The slot's generation is bumped so any previously
// captured index is known stale.
func (t *Table) evict(i int) {
	slot := &t.slots[i]
	if !slot.inUse {
		return
	}
	if t.onEvict != nil {
		t.onEvict(slot.ctx)
	}
	delete(t.index, slot.ctx.LocalSessionID())
	slot.ctx.ZeroizeKeys()
	slot.ctx = nil
	slot.inUse = false
	slot.generation++
}

// freeSlot returns the index of a free slot, evicting the LRU occupant if
// the arena is at capacity. Returns -1 only if maxSessions is 0.
func (t *Table) freeSlot() int {
	for i := range t.slots {
		if !t.slots[i].inUse {
			return i
		}
	}
	victim := t.lruVictim()
	if victim == -1 {
		return -1
	}
	t.evict(victim)
	return victim
}

// AllocateID generates a unique session ID in the range [1, 65535].
// Returns ErrSessionIDExhausted if all 65535 IDs are in use (extremely unlikely).
func (t *Table) AllocateID() (uint16, error) {
	startID := t.nextID
	for {
		id := t.nextID

		t.nextID++
		if t.nextID == 0 {
			t.nextID = MinSessionID
		}

		if _, exists := t.index[id]; !exists {
			return id, nil
		}

		if t.nextID == startID {
			return 0, ErrSessionIDExhausted
		}
	}
}

// Add adds a session context to the table.
// The session's LocalSessionID must be unique and non-zero. If the arena is
// at capacity, the least recently used session is evicted to make room.
func (t *Table) Add(ctx *SecureContext) error {
	if ctx == nil {
		return ErrInvalidSessionID
	}

	id := ctx.LocalSessionID()
	if id == 0 {
		return ErrInvalidSessionID
	}

	if _, exists := t.index[id]; exists {
		return ErrDuplicateSession
	}

	i := t.freeSlot()
	if i == -1 {
		return ErrSessionTableFull
	}

	t.slots[i] = sessionSlot{
		inUse:      true,
		generation: t.slots[i].generation,
		touchSeq:   t.touch(),
		ctx:        ctx,
	}
	t.index[id] = i
	return nil
}

// Remove removes a session context from the table.
// No error is returned if the session doesn't exist.
func (t *Table) Remove(localSessionID uint16) {
	i, ok := t.index[localSessionID]
	if !ok {
		return
	}
	delete(t.index, localSessionID)
	t.slots[i].ctx = nil
	t.slots[i].inUse = false
	t.slots[i].generation++
}

// FindByLocalID looks up a session by its local session ID.
// Returns nil if not found. A successful lookup counts as activity for LRU
// purposes.
func (t *Table) FindByLocalID(id uint16) *SecureContext {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	t.slots[i].touchSeq = t.touch()
	return t.slots[i].ctx
}

// FindByPeer finds all sessions to a specific peer on a specific fabric.
// Returns an empty slice if none found.
func (t *Table) FindByPeer(fabricIndex fabric.FabricIndex, nodeID fabric.NodeID) []*SecureContext {
	var result []*SecureContext
	for i := range t.slots {
		if !t.slots[i].inUse {
			continue
		}
		ctx := t.slots[i].ctx
		if ctx.FabricIndex() == fabricIndex && ctx.PeerNodeID() == nodeID {
			result = append(result, ctx)
		}
	}
	return result
}

// FindByFabric finds all sessions on a specific fabric.
// Returns an empty slice if none found.
func (t *Table) FindByFabric(fabricIndex fabric.FabricIndex) []*SecureContext {
	var result []*SecureContext
	for i := range t.slots {
		if !t.slots[i].inUse {
			continue
		}
		if t.slots[i].ctx.FabricIndex() == fabricIndex {
			result = append(result, t.slots[i].ctx)
		}
	}
	return result
}

// Count returns the number of active sessions.
func (t *Table) Count() int {
	return len(t.index)
}

// IsFull returns true if no more sessions can be added without eviction.
func (t *Table) IsFull() bool {
	return len(t.index) >= t.maxSessions
}

// MaxSessions returns the maximum number of sessions the arena holds.
func (t *Table) MaxSessions() int {
	return t.maxSessions
}

// Clear removes all sessions from the table.
// Sessions are not zeroized; call ZeroizeKeys on each session if needed.
func (t *Table) Clear() {
	t.slots = make([]sessionSlot, t.maxSessions)
	t.index = make(map[uint16]int, t.maxSessions)
}

// ForEach calls fn for each session in the table.
// The callback should not modify the table.
func (t *Table) ForEach(fn func(*SecureContext) bool) {
	for i := range t.slots {
		if !t.slots[i].inUse {
			continue
		}
		if !fn(t.slots[i].ctx) {
			return
		}
	}
}

// RemoveByFabric removes all sessions on a specific fabric.
// Returns the number of sessions removed.
func (t *Table) RemoveByFabric(fabricIndex fabric.FabricIndex) int {
	count := 0
	for i := range t.slots {
		if !t.slots[i].inUse {
			continue
		}
		if t.slots[i].ctx.FabricIndex() == fabricIndex {
			delete(t.index, t.slots[i].ctx.LocalSessionID())
			t.slots[i].ctx = nil
			t.slots[i].inUse = false
			t.slots[i].generation++
			count++
		}
	}
	return count
}

// RemoveByPeer removes all sessions to a specific peer.
// Returns the number of sessions removed.
func (t *Table) RemoveByPeer(fabricIndex fabric.FabricIndex, nodeID fabric.NodeID) int {
	count := 0
	for i := range t.slots {
		if !t.slots[i].inUse {
			continue
		}
		ctx := t.slots[i].ctx
		if ctx.FabricIndex() == fabricIndex && ctx.PeerNodeID() == nodeID {
			delete(t.index, ctx.LocalSessionID())
			t.slots[i].ctx = nil
			t.slots[i].inUse = false
			t.slots[i].generation++
			count++
		}
	}
	return count
}
