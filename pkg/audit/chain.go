// Package audit implements the tamper-evident, hash-chained event log every
// governance component writes to. Each entry's hash covers the previous
// entry's hash, so altering any historical byte breaks verification of the
// whole suffix.
package audit

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustplane/trustplane/pkg/crypto"
	"github.com/trustplane/trustplane/pkg/errs"
)

// genesisHash seeds the chain before the first entry.
const genesisHash = "genesis"

// EventType categorizes audit entries.
type EventType string

const (
	EventIdentity       EventType = "identity"
	EventCredential     EventType = "credential"
	EventDelegation     EventType = "delegation"
	EventTrustHandshake EventType = "trust_handshake"
	EventRewardSignal   EventType = "reward_signal"
	EventPolicy         EventType = "policy"
	EventViolation      EventType = "violation"
	EventSecurity       EventType = "security_event"
	EventRevocation     EventType = "revocation"
	EventSystem         EventType = "system"
)

// Entry is a single immutable audit record.
type Entry struct {
	ID        string          `json:"id"`
	Sequence  uint64          `json:"sequence"`
	Timestamp string          `json:"timestamp"` // RFC3339Nano UTC
	EventType EventType       `json:"event_type"`
	AgentDID  string          `json:"agent_did"`
	Action    string          `json:"action"`
	Outcome   string          `json:"outcome"`
	Resource  string          `json:"resource,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	PrevHash  string          `json:"prev_hash"`
	EntryHash string          `json:"entry_hash"`
}

// Recorder is the narrow interface components log through. Resource and data
// may be empty/nil.
type Recorder interface {
	Log(eventType EventType, agentDID, action, outcome, resource string, data map[string]any) (*Entry, error)
}

// Sink receives every appended entry for durable write-through.
type Sink interface {
	AppendEntry(entry *Entry) error
}

// Chain is the in-memory hash chain. Appends are strictly serialized by a
// single lock because each entry hash depends on its predecessor.
type Chain struct {
	mu      sync.RWMutex
	entries []*Entry
	seq     uint64
	head    string
	sink    Sink
	logger  *slog.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithSink attaches a durable write-through sink.
func WithSink(s Sink) Option { return func(c *Chain) { c.sink = s } }

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option { return func(c *Chain) { c.logger = l } }

// NewChain creates an empty audit chain.
func NewChain(opts ...Option) *Chain {
	c := &Chain{head: genesisHash}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Replay rebuilds a chain from persisted entries (ordered by sequence) and
// verifies integrity before accepting them.
func Replay(entries []*Entry, opts ...Option) (*Chain, error) {
	c := NewChain(opts...)
	c.entries = entries
	if len(entries) > 0 {
		c.seq = entries[len(entries)-1].Sequence
		c.head = entries[len(entries)-1].EntryHash
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return c, nil
}

// hashableEntry is the canonical form covered by the entry hash. The entry
// hash itself and the random ID are excluded.
type hashableEntry struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp string          `json:"timestamp"`
	EventType EventType       `json:"event_type"`
	AgentDID  string          `json:"agent_did"`
	Action    string          `json:"action"`
	Outcome   string          `json:"outcome"`
	Resource  string          `json:"resource"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// computeEntryHash returns sha256(prevHash || JCS(entry fields)).
func computeEntryHash(e *Entry) (string, error) {
	canonical, err := crypto.CanonicalMarshal(hashableEntry{
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		EventType: e.EventType,
		AgentDID:  e.AgentDID,
		Action:    e.Action,
		Outcome:   e.Outcome,
		Resource:  e.Resource,
		Payload:   e.Payload,
	})
	if err != nil {
		return "", errs.Wrapf(errs.KindStorage, "audit.computeEntryHash", "canonicalize entry", err)
	}
	return crypto.DigestHex(append([]byte(e.PrevHash), canonical...)), nil
}

// Log appends a new entry to the chain.
func (c *Chain) Log(eventType EventType, agentDID, action, outcome, resource string, data map[string]any) (*Entry, error) {
	var payload json.RawMessage
	if len(data) > 0 {
		canonical, err := crypto.CanonicalMarshal(data)
		if err != nil {
			return nil, errs.Wrapf(errs.KindStorage, "audit.Log", "encode payload", err)
		}
		payload = canonical
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &Entry{
		ID:        uuid.New().String(),
		Sequence:  c.seq + 1,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		AgentDID:  agentDID,
		Action:    action,
		Outcome:   outcome,
		Resource:  resource,
		Payload:   payload,
		PrevHash:  c.head,
	}

	hash, err := computeEntryHash(entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	if c.sink != nil {
		if err := c.sink.AppendEntry(entry); err != nil {
			return nil, errs.Wrapf(errs.KindStorage, "audit.Log", "durable append", err)
		}
	}

	c.seq = entry.Sequence
	c.head = entry.EntryHash
	c.entries = append(c.entries, entry)

	c.logger.Debug("audit entry appended",
		"sequence", entry.Sequence,
		"event_type", string(eventType),
		"agent_did", agentDID,
		"action", action)

	return entry, nil
}

// Verify recomputes every entry hash from stored fields and the preceding
// stored hash. It returns a storage error at the first mismatch, so any
// single-byte alteration of any historical entry is detected.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	expectedPrev := genesisHash
	var expectedSeq uint64
	for i, entry := range c.entries {
		expectedSeq++
		if entry.Sequence != expectedSeq {
			return errs.Ef(errs.KindStorage, "audit.Verify", "entry %d has sequence %d, want %d", i, entry.Sequence, expectedSeq)
		}
		if entry.PrevHash != expectedPrev {
			return errs.Ef(errs.KindStorage, "audit.Verify", "entry %d prev_hash mismatch", i)
		}
		computed, err := computeEntryHash(entry)
		if err != nil {
			return err
		}
		if computed != entry.EntryHash {
			return errs.Ef(errs.KindStorage, "audit.Verify", "entry %d hash mismatch", i)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}

// Query returns entries matching the filters. Empty agentDID or eventType
// match everything. The result is a copy; the chain is never mutated.
func (c *Chain) Query(agentDID string, eventType EventType) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make([]*Entry, 0)
	for _, e := range c.entries {
		if agentDID != "" && e.AgentDID != agentDID {
			continue
		}
		if eventType != "" && e.EventType != eventType {
			continue
		}
		results = append(results, e)
	}
	return results
}

// RootHash returns the current chain head hash.
func (c *Chain) RootHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// Len returns the entry count.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a snapshot copy of all entries in append order.
func (c *Chain) Entries() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Entry, len(c.entries))
	copy(out, c.entries)
	return out
}
