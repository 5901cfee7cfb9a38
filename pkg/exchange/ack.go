package exchange

import (
	"time"
)

// AckEntry represents a pending acknowledgement for a received reliable message.
// Per Spec Section 4.12.6.2, each entry tracks:
//   - Reference to Exchange Context (via exchange key)
//   - Message Counter to acknowledge
//   - StandaloneAckSent flag
//
// There can be only one pending acknowledgement per exchange.
type AckEntry struct {
	// MessageCounter is the counter of the message to acknowledge.
	MessageCounter uint32

	// StandaloneAckSent indicates whether a standalone ACK has been sent.
	// Initially false. Set to true when standalone ACK sent.
	// Per Spec 4.12.5.2.2, if true, the entry remains until:
	//   - Exchange closes, or
	//   - A non-standalone message piggybacks the ACK
	StandaloneAckSent bool

	// deadline is when the standalone ACK timeout fires, polled by the
	// reactor rather than backed by a timer goroutine.
	deadline time.Time
}

// Deadline returns when the standalone ACK timeout fires.
func (e *AckEntry) Deadline() time.Time {
	return e.deadline
}

// PendingAck identifies a standalone-ACK timeout that has fired during Poll.
type PendingAck struct {
	Key            exchangeKey
	MessageCounter uint32
}

// AckTable manages pending acknowledgements for reliable messages.
// Per Spec 4.12.6.2, maintains one entry per exchange needing ACK.
//
// AckTable is owned exclusively by the reactor goroutine; it carries no
// internal locking. Standalone-ACK timeouts are not driven by per-entry
// timers -- the reactor calls Poll on every wakeup and the table reports
// which deadlines have passed.
type AckTable struct {
	// entries maps exchange key to pending ACK entry.
	// Only one pending ACK per exchange.
	entries map[exchangeKey]*AckEntry
}

// exchangeKey uniquely identifies an exchange for table lookups.
// Matches the spec's {Session Context, Exchange ID, Exchange Role} tuple.
type exchangeKey struct {
	localSessionID uint16
	exchangeID     uint16
	role           ExchangeRole
}

// NewAckTable creates a new acknowledgement table.
func NewAckTable() *AckTable {
	return &AckTable{
		entries: make(map[exchangeKey]*AckEntry),
	}
}

// Add adds or replaces a pending acknowledgement for an exchange.
//
// Per Spec 4.12.5.2.2: If a pending ACK already exists with StandaloneAckSent=false,
// a standalone ACK SHALL be sent immediately for the old entry before replacing.
//
// Parameters:
//   - key: Exchange identifier
//   - messageCounter: Counter of the reliable message to acknowledge
//   - now: Current time, used to compute the standalone-ACK deadline
//
// Returns the previous entry if one existed with StandaloneAckSent=false
// (caller should send immediate standalone ACK for it).
func (t *AckTable) Add(key exchangeKey, messageCounter uint32, now time.Time) *AckEntry {
	var displaced *AckEntry

	if existing, ok := t.entries[key]; ok && !existing.StandaloneAckSent {
		displaced = existing
	}

	t.entries[key] = &AckEntry{
		MessageCounter: messageCounter,
		deadline:       now.Add(MRPStandaloneAckTimeout),
	}

	return displaced
}

// Get returns the pending ACK entry for an exchange, if any.
func (t *AckTable) Get(key exchangeKey) (*AckEntry, bool) {
	entry, ok := t.entries[key]
	return entry, ok
}

// MarkAcked marks that a piggybacked ACK was sent (not standalone).
// Per Spec 4.12.5.1.1: Remove entry when piggybacked on non-standalone message.
//
// Returns the message counter that was acknowledged, or 0 if no entry.
func (t *AckTable) MarkAcked(key exchangeKey) uint32 {
	entry, ok := t.entries[key]
	if !ok {
		return 0
	}

	counter := entry.MessageCounter
	delete(t.entries, key)

	return counter
}

// MarkStandaloneAckSent marks that a standalone ACK was sent.
// Per Spec 4.12.5.2.2: Entry remains with StandaloneAckSent=true.
// It will be removed when exchange closes or piggybacked ACK sent.
func (t *AckTable) MarkStandaloneAckSent(key exchangeKey) {
	if entry, ok := t.entries[key]; ok {
		entry.StandaloneAckSent = true
	}
}

// Remove removes the ACK entry for an exchange.
// Called when exchange closes.
func (t *AckTable) Remove(key exchangeKey) {
	delete(t.entries, key)
}

// HasPendingAck returns true if there's a pending ACK for the exchange
// that hasn't had a standalone ACK sent yet.
func (t *AckTable) HasPendingAck(key exchangeKey) bool {
	entry, ok := t.entries[key]
	return ok && !entry.StandaloneAckSent
}

// PendingCounter returns the message counter awaiting ACK, if any.
// Returns (counter, true) if pending, (0, false) otherwise.
func (t *AckTable) PendingCounter(key exchangeKey) (uint32, bool) {
	entry, ok := t.entries[key]
	if !ok {
		return 0, false
	}
	return entry.MessageCounter, true
}

// Count returns the number of pending ACK entries.
func (t *AckTable) Count() int {
	return len(t.entries)
}

// Clear removes all entries. Used for shutdown.
func (t *AckTable) Clear() {
	t.entries = make(map[exchangeKey]*AckEntry)
}

// Poll returns the pending ACKs whose standalone-ack deadline has passed as
// of now, marking each StandaloneAckSent so it is not reported again. The
// caller (the reactor, via Manager.Poll) is responsible for actually sending
// the standalone ACK for each entry returned.
func (t *AckTable) Poll(now time.Time) []PendingAck {
	var due []PendingAck
	for key, entry := range t.entries {
		if !entry.StandaloneAckSent && !entry.deadline.After(now) {
			entry.StandaloneAckSent = true
			due = append(due, PendingAck{Key: key, MessageCounter: entry.MessageCounter})
		}
	}
	return due
}
