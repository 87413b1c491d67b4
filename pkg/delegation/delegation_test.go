package delegation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/trustplane/trustplane/pkg/did"
	"github.com/trustplane/trustplane/pkg/errs"
	"github.com/trustplane/trustplane/pkg/identity"
)

func mustDID(t *testing.T, s string) did.DID {
	t.Helper()
	d, err := did.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

func testIdentity(t *testing.T, name string, caps ...string) *identity.AgentIdentity {
	t.Helper()
	return &identity.AgentIdentity{
		DID:          mustDID(t, "did:trustplane:"+name),
		Capabilities: identity.NewCapabilitySet(caps...),
		CreatedAt:    time.Now(),
	}
}

func TestDelegateRejectsWidening(t *testing.T) {
	reader := testIdentity(t, "reader", "read")

	_, err := Delegate(reader, mustDID(t, "did:trustplane:peer"),
		identity.NewCapabilitySet("read", "write"), time.Hour)
	if err == nil {
		t.Fatal("delegating {read,write} from a {read} identity must fail")
	}
	if !errs.IsKind(err, errs.KindDelegation) {
		t.Errorf("expected delegation error, got %v", err)
	}
}

func TestDelegateNarrowing(t *testing.T) {
	admin := testIdentity(t, "admin", "read", "write", "deploy")

	link, err := Delegate(admin, mustDID(t, "did:trustplane:worker"),
		identity.NewCapabilitySet("read", "deploy"), time.Hour)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if link.ID == "" {
		t.Error("link should carry an ID")
	}
	if !link.Capabilities.SubsetOf(admin.Capabilities) {
		t.Error("link capabilities must attenuate")
	}
	if link.Expired(time.Now()) {
		t.Error("fresh link should not be expired")
	}
}

func TestBuildChainEnforcesLinkageAndAttenuation(t *testing.T) {
	root := testIdentity(t, "root", "read", "write", "deploy")
	mid := testIdentity(t, "mid", "read", "write")
	leaf := mustDID(t, "did:trustplane:leaf")

	l1, _ := Delegate(root, mid.DID, identity.NewCapabilitySet("read", "write"), time.Hour)
	l2, _ := Delegate(mid, leaf, identity.NewCapabilitySet("read"), time.Hour)

	chain, err := BuildChain(root, []*Link{l1, l2})
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	if !chain.Leaf().Equal(leaf) {
		t.Errorf("unexpected leaf %s", chain.Leaf())
	}

	effective := chain.EffectiveCapabilities()
	if len(effective) != 1 || !effective.Contains("read") {
		t.Errorf("effective capabilities should be {read}, got %v", effective.List())
	}

	// Broken linkage: second link does not start where the first ended.
	stranger := testIdentity(t, "stranger", "read")
	l3, _ := Delegate(stranger, leaf, identity.NewCapabilitySet("read"), time.Hour)
	if _, err := BuildChain(root, []*Link{l1, l3}); err == nil {
		t.Error("disconnected chain must be rejected")
	}

	// Widening in the middle of a chain.
	widened := &Link{
		ID: "w", From: mid.DID, To: leaf,
		Capabilities: identity.NewCapabilitySet("read", "write", "deploy"),
		IssuedAt:     time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	if _, err := BuildChain(root, []*Link{l1, widened}); err == nil {
		t.Error("widening link must be rejected")
	}
}

type revokedSet map[string]bool

func (r revokedSet) IsRevoked(id string) bool { return r[id] }

func TestVerifyExpiryAndRevocation(t *testing.T) {
	root := testIdentity(t, "vroot", "read", "write")
	leaf := mustDID(t, "did:trustplane:vleaf")

	link, _ := Delegate(root, leaf, identity.NewCapabilitySet("read"), time.Hour)
	chain, err := BuildChain(root, []*Link{link})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := chain.Verify(time.Now(), nil); err != nil {
		t.Errorf("fresh chain should verify: %v", err)
	}

	// Expired link invalidates the chain.
	if err := chain.Verify(time.Now().Add(2*time.Hour), nil); err == nil {
		t.Error("chain with expired link must not verify")
	}

	// Revoked link invalidates the chain.
	if err := chain.Verify(time.Now(), revokedSet{link.ID: true}); err == nil {
		t.Error("chain with revoked link must not verify")
	}
}

// Chains received over the wire bypass BuildChain, so Verify must catch a
// spliced link on its own.
func TestVerifyDetectsBrokenLinkage(t *testing.T) {
	root := testIdentity(t, "wroot", "read", "write")
	mid := testIdentity(t, "wmid", "read", "write")
	leaf := mustDID(t, "did:trustplane:wleaf")

	l1, _ := Delegate(root, mid.DID, identity.NewCapabilitySet("read", "write"), time.Hour)
	l2, _ := Delegate(mid, leaf, identity.NewCapabilitySet("read"), time.Hour)
	built, err := BuildChain(root, []*Link{l1, l2})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	raw, err := json.Marshal(built)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var received ScopeChain
	if err := json.Unmarshal(raw, &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := received.Verify(time.Now(), nil); err != nil {
		t.Errorf("intact deserialized chain should verify: %v", err)
	}

	received.Links[1].From = mustDID(t, "did:trustplane:wstranger")
	err = received.Verify(time.Now(), nil)
	if err == nil {
		t.Fatal("spliced chain must not verify")
	}
	if !errs.IsKind(err, errs.KindDelegation) {
		t.Errorf("expected delegation error, got %v", err)
	}
}
