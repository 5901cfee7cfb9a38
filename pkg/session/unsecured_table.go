package session

import (
	"github.com/mattersecure/core/pkg/fabric"
)

// DefaultMaxUnsecuredContexts is the default number of concurrently tracked
// unsecured (session establishment) contexts.
const DefaultMaxUnsecuredContexts = 16

// unsecuredSlot is one entry in the UnsecuredTable's fixed-capacity arena.
type unsecuredSlot struct {
	inUse    bool
	touchSeq uint64
	ctx      *UnsecuredContext
}

// UnsecuredTable is a fixed-capacity arena of UnsecuredContexts keyed by
// peer ephemeral node ID, mirroring Table's LRU-eviction arena for secure
// sessions. A handshake that never completes (a commissioner that vanishes
// mid-PASE) occupies a slot only until the arena fills and the least
// recently used entry is evicted to make room for a newer one.
//
// UnsecuredTable is owned by the node's reactor goroutine; it carries no
// internal locking.
type UnsecuredTable struct {
	slots    []unsecuredSlot
	index    map[fabric.NodeID]int
	touchSeq uint64
	onEvict  UnsecuredEvictionCallback
}

// UnsecuredEvictionCallback is invoked synchronously when the LRU table
// evicts an in-progress handshake to make room for a new one. There is no
// encrypted channel to report closure over at this point; the callback's
// job is to drop any exchange still bound to the evicted handshake.
type UnsecuredEvictionCallback func(ctx *UnsecuredContext)

// NewUnsecuredTable creates a new unsecured-context arena.
// maxContexts limits the number of concurrently tracked handshakes (0 uses
// DefaultMaxUnsecuredContexts).
func NewUnsecuredTable(maxContexts int) *UnsecuredTable {
	if maxContexts <= 0 {
		maxContexts = DefaultMaxUnsecuredContexts
	}

	return &UnsecuredTable{
		slots: make([]unsecuredSlot, maxContexts),
		index: make(map[fabric.NodeID]int, maxContexts),
	}
}

func (t *UnsecuredTable) touch() uint64 {
	t.touchSeq++
	return t.touchSeq
}

func (t *UnsecuredTable) lruVictim() int {
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

// SetEvictionCallback registers the callback invoked when evict removes an
// unsecured context to free its slot.
func (t *UnsecuredTable) SetEvictionCallback(cb UnsecuredEvictionCallback) {
	t.onEvict = cb
}

func (t *UnsecuredTable) evict(i int) {
	slot := &t.slots[i]
	if !slot.inUse {
		return
	}
	if t.onEvict != nil {
		t.onEvict(slot.ctx)
	}
	delete(t.index, slot.ctx.EphemeralNodeID())
	slot.ctx = nil
	slot.inUse = false
}

func (t *UnsecuredTable) freeSlot() int {
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

// FindOrCreate returns the unsecured responder context for peerNodeID,
// creating one (evicting the least recently used entry if the arena is
// full) if none exists yet.
func (t *UnsecuredTable) FindOrCreate(peerNodeID fabric.NodeID) (*UnsecuredContext, error) {
	if i, ok := t.index[peerNodeID]; ok {
		t.slots[i].touchSeq = t.touch()
		return t.slots[i].ctx, nil
	}

	ctx, err := NewUnsecuredContext(SessionRoleResponder)
	if err != nil {
		return nil, err
	}
	ctx.SetEphemeralNodeID(peerNodeID)

	i := t.freeSlot()
	if i == -1 {
		return nil, ErrSessionTableFull
	}

	t.slots[i] = unsecuredSlot{
		inUse:    true,
		touchSeq: t.touch(),
		ctx:      ctx,
	}
	t.index[peerNodeID] = i
	return ctx, nil
}

// Remove removes the tracked context for peerNodeID, if any. Called once a
// handshake completes and its unsecured context is no longer needed.
func (t *UnsecuredTable) Remove(peerNodeID fabric.NodeID) {
	i, ok := t.index[peerNodeID]
	if !ok {
		return
	}
	delete(t.index, peerNodeID)
	t.slots[i].ctx = nil
	t.slots[i].inUse = false
}

// Count returns the number of tracked unsecured contexts.
func (t *UnsecuredTable) Count() int {
	return len(t.index)
}
