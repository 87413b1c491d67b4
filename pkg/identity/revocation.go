package identity

import (
	"sync"
	"time"

	"github.com/trustplane/trustplane/pkg/errs"
)

// Revocation records why and when a credential was revoked.
type Revocation struct {
	CredentialID string    `json:"credential_id"`
	Reason       string    `json:"reason"`
	RevokedAt    time.Time `json:"revoked_at"`
}

// RevocationSink persists revocations durably. Implemented by pkg/store.
type RevocationSink interface {
	SaveRevocation(rev Revocation) error
}

// RevocationList is the monotonic set of revoked credential IDs. Membership
// only grows; a credential is never un-revoked.
type RevocationList struct {
	mu      sync.RWMutex
	entries map[string]Revocation
	sink    RevocationSink
}

// NewRevocationList creates an empty list. sink may be nil for in-memory use.
func NewRevocationList(sink RevocationSink) *RevocationList {
	return &RevocationList{
		entries: make(map[string]Revocation),
		sink:    sink,
	}
}

// LoadRevocationList restores a list from persisted revocations.
func LoadRevocationList(revs []Revocation, sink RevocationSink) *RevocationList {
	l := NewRevocationList(sink)
	for _, r := range revs {
		l.entries[r.CredentialID] = r
	}
	return l
}

// Revoke adds a credential to the list. Revoking an already-revoked
// credential keeps the original record (monotonic membership).
func (l *RevocationList) Revoke(credentialID, reason string, at time.Time) error {
	if credentialID == "" {
		return errs.E(errs.KindIdentity, "identity.Revoke", "empty credential ID")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[credentialID]; exists {
		return nil
	}

	rev := Revocation{CredentialID: credentialID, Reason: reason, RevokedAt: at.UTC()}
	if l.sink != nil {
		if err := l.sink.SaveRevocation(rev); err != nil {
			return errs.Wrapf(errs.KindStorage, "identity.Revoke", "persist revocation", err)
		}
	}
	l.entries[credentialID] = rev
	return nil
}

// Get returns the revocation record for a credential, if any.
func (l *RevocationList) Get(credentialID string) (Revocation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rev, ok := l.entries[credentialID]
	return rev, ok
}

// IsRevoked reports whether a credential has been revoked.
func (l *RevocationList) IsRevoked(credentialID string) bool {
	_, ok := l.Get(credentialID)
	return ok
}

// Len returns the number of revoked credentials.
func (l *RevocationList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
