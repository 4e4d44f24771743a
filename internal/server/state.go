package server

import (
	"sync"
	"time"

	"github.com/merlos/nsauth/internal/crypto"
	"github.com/merlos/nsauth/pkg/protocol"
)

// State is the lifecycle of a nonce-challenge session.
type State int

const (
	// StateIssued means a server nonce has been issued and awaits confirmation.
	StateIssued State = iota
	// StateConfirmed means the node returned the issued nonce.
	StateConfirmed
	// StateRejected means the node returned a different nonce.
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIssued:
		return "issued"
	case StateConfirmed:
		return "confirmed"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

// SessionRecord is the server's view of one nonce-challenge session.
type SessionRecord struct {
	ID     string
	Nonce  string
	State  State
	Issued time.Time
	Remote string
}

// Sessions maps client ids to the server nonce issued to them. It is shared
// by all connection workers; every read-modify-write happens under one lock.
type Sessions struct {
	mu      sync.Mutex
	records map[string]*SessionRecord
}

// NewSessions returns an empty session table.
func NewSessions() *Sessions {
	return &Sessions{records: make(map[string]*SessionRecord)}
}

// Issue stores nonce under a fresh client id and returns the id. newID is
// called again whenever it produces an id that is already tracked.
func (t *Sessions) Issue(newID func() string, nonce, remote string, now time.Time) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := newID()
	for {
		if _, taken := t.records[id]; !taken {
			break
		}
		id = newID()
	}
	t.records[id] = &SessionRecord{
		ID:     id,
		Nonce:  nonce,
		State:  StateIssued,
		Issued: now,
		Remote: remote,
	}
	return id
}

// Confirm compares presented against the nonce issued to id. The stored nonce
// is compared once: afterwards the record is confirmed or rejected for good.
func (t *Sessions) Confirm(id, presented string, verify func(issued, presented string) bool) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return StateRejected, protocol.ErrUnknownSession
	}
	if rec.State != StateIssued {
		return StateRejected, protocol.ErrNonceMismatch
	}
	issued := rec.Nonce
	rec.Nonce = ""
	if !verify(issued, presented) {
		rec.State = StateRejected
		return StateRejected, protocol.ErrNonceMismatch
	}
	rec.State = StateConfirmed
	return StateConfirmed, nil
}

// Lookup returns a copy of the record for id.
func (t *Sessions) Lookup(id string) (SessionRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return SessionRecord{}, false
	}
	return *rec, true
}

// Release forgets id. Called when the connection that obtained it ends.
func (t *Sessions) Release(id string) {
	t.mu.Lock()
	delete(t.records, id)
	t.mu.Unlock()
}

// Len returns the number of tracked sessions.
func (t *Sessions) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Pending is the key-distribution message waiting to be pulled, or the error
// status that replaced it.
type Pending struct {
	Sender     string
	Receiver   string
	Timestamp  time.Time
	SessionKey []byte
	Message    *protocol.Sealed
	Status     protocol.Status
}

// Mailbox holds at most one pending key-distribution message for all
// receivers. Every send overwrites it and every recv reads it without
// clearing, so flows between different node pairs share the slot.
type Mailbox struct {
	mu      sync.Mutex
	pending *Pending
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Put overwrites the slot.
func (m *Mailbox) Put(p Pending) {
	m.mu.Lock()
	m.pending = &p
	m.mu.Unlock()
}

// Peek returns a copy of the slot and whether it holds anything.
func (m *Mailbox) Peek() (Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return Pending{}, false
	}
	return *m.pending, true
}

// keyLedger remembers which session keys the server has already distributed
// so a hardened server can insist on a fresh key for every distribution.
type keyLedger struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
}

func newKeyLedger(retention time.Duration) *keyLedger {
	return &keyLedger{seen: make(map[string]time.Time), retention: retention}
}

// Record returns false if key was already distributed within the retention
// period; otherwise it records key and returns true.
func (l *keyLedger) Record(key []byte, now time.Time) bool {
	fp := crypto.Fingerprint(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	if _, dup := l.seen[fp]; dup {
		return false
	}
	l.seen[fp] = now
	return true
}

func (l *keyLedger) prune(now time.Time) {
	if l.retention <= 0 {
		return
	}
	cutoff := now.Add(-l.retention)
	for fp, t := range l.seen {
		if t.Before(cutoff) {
			delete(l.seen, fp)
		}
	}
}
