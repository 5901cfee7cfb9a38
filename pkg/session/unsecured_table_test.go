package session

import (
	"testing"

	"github.com/mattersecure/core/pkg/fabric"
)

func TestNewUnsecuredTable(t *testing.T) {
	table := NewUnsecuredTable(4)
	if table.Count() != 0 {
		t.Errorf("Count() = %d, want 0", table.Count())
	}

	table = NewUnsecuredTable(0)
	if len(table.slots) != DefaultMaxUnsecuredContexts {
		t.Errorf("len(slots) = %d, want %d", len(table.slots), DefaultMaxUnsecuredContexts)
	}
}

func TestUnsecuredTable_FindOrCreate(t *testing.T) {
	table := NewUnsecuredTable(4)
	peer := fabric.NodeID(0x1111)

	ctx1, err := table.FindOrCreate(peer)
	if err != nil {
		t.Fatalf("FindOrCreate() error = %v", err)
	}
	if ctx1.EphemeralNodeID() != peer {
		t.Errorf("EphemeralNodeID() = %v, want %v", ctx1.EphemeralNodeID(), peer)
	}
	if ctx1.Role() != SessionRoleResponder {
		t.Errorf("Role() = %v, want %v", ctx1.Role(), SessionRoleResponder)
	}

	ctx2, err := table.FindOrCreate(peer)
	if err != nil {
		t.Fatalf("FindOrCreate() second call error = %v", err)
	}
	if ctx1 != ctx2 {
		t.Error("FindOrCreate() should return the same context for the same peer")
	}
	if table.Count() != 1 {
		t.Errorf("Count() = %d, want 1", table.Count())
	}
}

func TestUnsecuredTable_LRUEviction(t *testing.T) {
	table := NewUnsecuredTable(2)

	peer1 := fabric.NodeID(1)
	peer2 := fabric.NodeID(2)
	peer3 := fabric.NodeID(3)

	if _, err := table.FindOrCreate(peer1); err != nil {
		t.Fatalf("FindOrCreate(peer1) error = %v", err)
	}
	if _, err := table.FindOrCreate(peer2); err != nil {
		t.Fatalf("FindOrCreate(peer2) error = %v", err)
	}

	// Touch peer1 so it becomes more recently used than peer2.
	if _, err := table.FindOrCreate(peer1); err != nil {
		t.Fatalf("FindOrCreate(peer1) re-touch error = %v", err)
	}

	if _, err := table.FindOrCreate(peer3); err != nil {
		t.Fatalf("FindOrCreate(peer3) error = %v", err)
	}

	if _, ok := table.index[peer2]; ok {
		t.Error("peer2 should have been evicted as least recently used")
	}
	if _, ok := table.index[peer1]; !ok {
		t.Error("peer1 should still be present")
	}
	if _, ok := table.index[peer3]; !ok {
		t.Error("peer3 should have been added")
	}
}

func TestUnsecuredTable_LRUEviction_InvokesCallback(t *testing.T) {
	table := NewUnsecuredTable(2)

	peer1 := fabric.NodeID(1)
	peer2 := fabric.NodeID(2)
	peer3 := fabric.NodeID(3)

	ctx1, _ := table.FindOrCreate(peer1)
	if _, err := table.FindOrCreate(peer2); err != nil {
		t.Fatalf("FindOrCreate(peer2) error = %v", err)
	}

	var evicted *UnsecuredContext
	table.SetEvictionCallback(func(ctx *UnsecuredContext) {
		evicted = ctx
	})

	if _, err := table.FindOrCreate(peer3); err != nil {
		t.Fatalf("FindOrCreate(peer3) error = %v", err)
	}

	if evicted == nil {
		t.Fatal("onEvict was never invoked")
	}
	if evicted != ctx1 {
		t.Error("onEvict should have received peer1's context (least recently used)")
	}
}

func TestUnsecuredTable_Remove(t *testing.T) {
	table := NewUnsecuredTable(4)
	peer := fabric.NodeID(0x42)

	if _, err := table.FindOrCreate(peer); err != nil {
		t.Fatalf("FindOrCreate() error = %v", err)
	}
	table.Remove(peer)

	if table.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after Remove", table.Count())
	}

	// Removing again is a no-op.
	table.Remove(peer)
}

func TestManager_FindOrCreateUnsecuredContext(t *testing.T) {
	manager := NewManager(ManagerConfig{MaxUnsecuredContexts: 2})
	peer := fabric.NodeID(0x7)

	ctx, err := manager.FindOrCreateUnsecuredContext(peer)
	if err != nil {
		t.Fatalf("FindOrCreateUnsecuredContext() error = %v", err)
	}
	if ctx.EphemeralNodeID() != peer {
		t.Errorf("EphemeralNodeID() = %v, want %v", ctx.EphemeralNodeID(), peer)
	}
	if manager.UnsecuredContextCount() != 1 {
		t.Errorf("UnsecuredContextCount() = %d, want 1", manager.UnsecuredContextCount())
	}

	manager.RemoveUnsecuredContext(peer)
	if manager.UnsecuredContextCount() != 0 {
		t.Errorf("UnsecuredContextCount() = %d, want 0 after removal", manager.UnsecuredContextCount())
	}
}
