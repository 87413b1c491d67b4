// Package delegation builds verifiable, capability-attenuating chains of
// delegation between agent identities. Each hop may only narrow the scope it
// received; the effective capability of a chain is the intersection of every
// link, not merely the leaf's.
package delegation

import (
	"time"

	"github.com/google/uuid"

	"github.com/trustplane/trustplane/pkg/did"
	"github.com/trustplane/trustplane/pkg/errs"
	"github.com/trustplane/trustplane/pkg/identity"
)

// Link is one hop in a delegation chain.
type Link struct {
	ID           string                 `json:"id"`
	From         did.DID                `json:"from"`
	To           did.DID                `json:"to"`
	Capabilities identity.CapabilitySet `json:"capabilities"`
	IssuedAt     time.Time              `json:"issued_at"`
	ExpiresAt    time.Time              `json:"expires_at"`
}

// Expired reports whether the link has expired at now.
func (l *Link) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Delegate creates a delegation link from an identity to a peer DID. The
// requested capabilities must be a subset of the delegator's own grant; a
// widening attempt fails before any link is created.
func Delegate(from *identity.AgentIdentity, to did.DID, requested identity.CapabilitySet, ttl time.Duration) (*Link, error) {
	const op = "delegation.Delegate"

	if from == nil {
		return nil, errs.E(errs.KindDelegation, op, "nil delegator identity")
	}
	if to.IsZero() {
		return nil, errs.E(errs.KindDelegation, op, "empty delegatee DID")
	}
	if ttl <= 0 {
		return nil, errs.E(errs.KindDelegation, op, "ttl must be positive")
	}
	if len(requested) == 0 {
		return nil, errs.E(errs.KindDelegation, op, "empty capability set")
	}
	if !requested.SubsetOf(from.Capabilities) {
		return nil, errs.Ef(errs.KindDelegation, op,
			"requested capabilities %v exceed delegator grant %v",
			requested.List(), from.Capabilities.List())
	}

	now := time.Now().UTC()
	return &Link{
		ID:           uuid.New().String(),
		From:         from.DID,
		To:           to,
		Capabilities: requested.Clone(),
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
	}, nil
}

// ScopeChain is an ordered sequence of delegation links from a root identity
// to a leaf. Immutable once constructed.
type ScopeChain struct {
	Root  did.DID `json:"root"`
	Links []*Link `json:"links"`

	rootCapabilities identity.CapabilitySet
}

// BuildChain constructs a scope chain, validating linkage and strict
// attenuation at every hop.
func BuildChain(root *identity.AgentIdentity, links []*Link) (*ScopeChain, error) {
	const op = "delegation.BuildChain"

	if root == nil {
		return nil, errs.E(errs.KindDelegation, op, "nil root identity")
	}
	if len(links) == 0 {
		return nil, errs.E(errs.KindDelegation, op, "chain needs at least one link")
	}

	if !links[0].From.Equal(root.DID) {
		return nil, errs.Ef(errs.KindDelegation, op, "first link originates from %s, not root %s", links[0].From, root.DID)
	}

	prevCaps := root.Capabilities
	prevTo := root.DID
	for i, link := range links {
		if link == nil {
			return nil, errs.Ef(errs.KindDelegation, op, "nil link at position %d", i)
		}
		if !link.From.Equal(prevTo) {
			return nil, errs.Ef(errs.KindDelegation, op, "link %d does not continue the chain", i)
		}
		if !link.Capabilities.SubsetOf(prevCaps) {
			return nil, errs.Ef(errs.KindDelegation, op, "link %d widens scope: %v ⊄ %v", i, link.Capabilities.List(), prevCaps.List())
		}
		prevCaps = link.Capabilities
		prevTo = link.To
	}

	copied := make([]*Link, len(links))
	copy(copied, links)
	return &ScopeChain{
		Root:             root.DID,
		Links:            copied,
		rootCapabilities: root.Capabilities.Clone(),
	}, nil
}

// RevocationChecker reports whether a delegation link has been revoked.
type RevocationChecker interface {
	IsRevoked(id string) bool
}

// Verify reports whether the chain is currently valid: every link continues
// the chain, is unexpired, unrevoked, and strictly attenuating. revoked may
// be nil to skip revocation checks. Unlike BuildChain this also holds for
// chains received over the wire, where the root grant is unknown.
func (c *ScopeChain) Verify(now time.Time, revoked RevocationChecker) error {
	const op = "delegation.Verify"

	prevCaps := c.rootCapabilities
	prevTo := c.Root
	for i, link := range c.Links {
		if !link.From.Equal(prevTo) {
			return errs.Ef(errs.KindDelegation, op, "link %d (%s -> %s) does not continue the chain", i, link.From, link.To)
		}
		if link.Expired(now) {
			return errs.Ef(errs.KindDelegation, op, "link %d (%s -> %s) expired", i, link.From, link.To)
		}
		if revoked != nil && revoked.IsRevoked(link.ID) {
			return errs.Ef(errs.KindDelegation, op, "link %d (%s -> %s) revoked", i, link.From, link.To)
		}
		if prevCaps != nil && !link.Capabilities.SubsetOf(prevCaps) {
			return errs.Ef(errs.KindDelegation, op, "link %d widens scope", i)
		}
		prevCaps = link.Capabilities
		prevTo = link.To
	}
	return nil
}

// Leaf returns the DID at the end of the chain.
func (c *ScopeChain) Leaf() did.DID {
	return c.Links[len(c.Links)-1].To
}

// EffectiveCapabilities returns the intersection of every link's capability
// set (and the root grant, when known). By construction this can only shrink
// hop to hop.
func (c *ScopeChain) EffectiveCapabilities() identity.CapabilitySet {
	var effective identity.CapabilitySet
	if c.rootCapabilities != nil {
		effective = c.rootCapabilities.Clone()
	}
	for _, link := range c.Links {
		if effective == nil {
			effective = link.Capabilities.Clone()
			continue
		}
		effective = effective.Intersect(link.Capabilities)
	}
	return effective
}
