package handshake

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trustplane/trustplane/pkg/audit"
	"github.com/trustplane/trustplane/pkg/delegation"
	"github.com/trustplane/trustplane/pkg/did"
	"github.com/trustplane/trustplane/pkg/errs"
	"github.com/trustplane/trustplane/pkg/identity"
	"github.com/trustplane/trustplane/pkg/kms"
	"github.com/trustplane/trustplane/pkg/policy"
	"github.com/trustplane/trustplane/pkg/reward"
)

// testPeer bundles a peer agent with the issuer store and scoring engine the
// initiator consults.
type testPeer struct {
	store  *identity.Store
	engine *reward.Engine
	did    did.DID
	token  string
}

func newTestPeer(t *testing.T, name string) *testPeer {
	t.Helper()

	k, err := kms.NewLocalKMS(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatalf("kms: %v", err)
	}
	store, err := identity.NewStore(k)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ident, err := store.CreateIdentity(name, "", []string{"collaborate"})
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	cred, err := store.IssueCredential(ident.DID, []string{"collaborate"}, time.Hour)
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	engine, err := reward.New(reward.DefaultConfig())
	if err != nil {
		t.Fatalf("reward: %v", err)
	}
	return &testPeer{store: store, engine: engine, did: ident.DID, token: cred.Token}
}

// transport answers every assertion with the peer's credential.
func (p *testPeer) transport() TransportFunc {
	return func(_ context.Context, _ did.DID, a Assertion) (*Response, error) {
		return &Response{
			Nonce:           a.Nonce,
			PeerDID:         p.did,
			CredentialToken: p.token,
			ProtocolVersion: ProtocolVersion,
			Timestamp:       time.Now(),
		}, nil
	}
}

func selfDID(t *testing.T) did.DID {
	t.Helper()
	d, err := did.Parse("did:trustplane:initiator")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return d
}

func newProtocol(t *testing.T, peer *testPeer, transport PeerTransport, opts ...Option) *Protocol {
	t.Helper()
	if transport == nil {
		transport = peer.transport()
	}
	p, err := New(selfDID(t), transport, peer.store, peer.engine, opts...)
	if err != nil {
		t.Fatalf("protocol: %v", err)
	}
	return p
}

func TestConstructorRejectsInvalidConfig(t *testing.T) {
	peer := newTestPeer(t, "server")

	if _, err := New(did.DID{}, peer.transport(), peer.store, peer.engine); err == nil {
		t.Error("empty self DID must be rejected")
	}
	if _, err := New(selfDID(t), nil, peer.store, peer.engine); err == nil {
		t.Error("nil transport must be rejected")
	}
	for _, d := range []time.Duration{0, -time.Second} {
		_, err := New(selfDID(t), peer.transport(), peer.store, peer.engine, WithTimeout(d))
		if err == nil {
			t.Errorf("timeout %v must be rejected at construction", d)
		}
		if !errs.IsKind(err, errs.KindHandshake) {
			t.Errorf("timeout %v error kind = %v", d, errs.KindOf(err))
		}
	}
}

func TestVerifiedHandshake(t *testing.T) {
	peer := newTestPeer(t, "server")
	p := newProtocol(t, peer, nil)

	out, err := p.Initiate(context.Background(), peer.did, WithRequiredScore(500))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !out.Verified() {
		t.Fatalf("expected verified, got %s (%s)", out.State, out.Reason)
	}
	if out.PeerScore != reward.DefaultScore {
		t.Errorf("peer score = %v, want default %v", out.PeerScore, reward.DefaultScore)
	}
	if !out.PeerDID.Equal(peer.did) {
		t.Errorf("peer DID = %s", out.PeerDID)
	}
}

func TestHundredConcurrentHandshakes(t *testing.T) {
	peer := newTestPeer(t, "server")
	p := newProtocol(t, peer, nil, WithTimeout(10*time.Second))

	const n = 100
	outcomes := make([]*Outcome, n)
	errors := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	start := time.Now()
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			outcomes[i], errors[i] = p.Initiate(context.Background(), peer.did,
				WithRequiredScore(500), WithoutCache())
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errors[i] != nil {
			t.Fatalf("handshake %d failed: %v", i, errors[i])
		}
		if !outcomes[i].Verified() {
			t.Fatalf("handshake %d not verified: %s (%s)", i, outcomes[i].State, outcomes[i].Reason)
		}
		if outcomes[i].Cached {
			t.Fatalf("handshake %d served from cache despite WithoutCache", i)
		}
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("handshakes took %v, beyond the configured timeout", elapsed)
	}
}

func TestTimeout(t *testing.T) {
	peer := newTestPeer(t, "server")
	slow := TransportFunc(func(ctx context.Context, _ did.DID, _ Assertion) (*Response, error) {
		select {
		case <-time.After(5 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	p := newProtocol(t, peer, slow, WithTimeout(100*time.Millisecond))

	start := time.Now()
	out, err := p.Initiate(context.Background(), peer.did)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timed-out handshake held the caller %v", elapsed)
	}
	if !strings.Contains(err.Error(), "exceeded") {
		t.Errorf("timeout error %q should mention the exceeded deadline", err)
	}
	if !errs.IsKind(err, errs.KindHandshakeTimeout) {
		t.Errorf("error kind = %v, want handshake timeout", errs.KindOf(err))
	}
	if !errs.IsKind(err, errs.KindHandshake) {
		t.Error("timeout should also match the parent handshake kind")
	}
	if out == nil || out.State != StateTimedOut {
		t.Errorf("outcome = %+v, want timed out", out)
	}
}

// buildTestChain delegates the delegator's capabilities to the given DID and
// returns the one-link chain.
func buildTestChain(t *testing.T, delegator *identity.AgentIdentity, to did.DID, ttl time.Duration) *delegation.ScopeChain {
	t.Helper()
	link, err := delegation.Delegate(delegator, to, identity.NewCapabilitySet("collaborate"), ttl)
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	chain, err := delegation.BuildChain(delegator, []*delegation.Link{link})
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	return chain
}

func TestScopeChainGatesInitiation(t *testing.T) {
	peer := newTestPeer(t, "server")
	delegator, err := peer.store.CreateIdentity("delegator", "", []string{"collaborate"})
	if err != nil {
		t.Fatalf("delegator: %v", err)
	}

	var calls atomic.Int64
	counting := TransportFunc(func(ctx context.Context, d did.DID, a Assertion) (*Response, error) {
		calls.Add(1)
		return peer.transport()(ctx, d, a)
	})
	p := newProtocol(t, peer, counting, WithRevocations(peer.store.Revocations()))

	// Expired chain: rejected without contacting the peer.
	expired := buildTestChain(t, delegator, selfDID(t), time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	out, err := p.Initiate(context.Background(), peer.did, WithScopeChain(expired))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if out.State != StateRejected || !strings.Contains(out.Reason, "delegation chain") {
		t.Errorf("expired chain: got %s (%s)", out.State, out.Reason)
	}
	if calls.Load() != 0 {
		t.Errorf("expired chain should reject before dispatch, transport ran %d times", calls.Load())
	}

	// Chain not terminating at the initiator.
	foreign := buildTestChain(t, delegator, peer.did, time.Hour)
	out, err = p.Initiate(context.Background(), peer.did, WithScopeChain(foreign))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if out.State != StateRejected || !strings.Contains(out.Reason, "initiator") {
		t.Errorf("foreign chain: got %s (%s)", out.State, out.Reason)
	}

	// Revoked chain.
	revoked := buildTestChain(t, delegator, selfDID(t), time.Hour)
	if err := peer.store.Revocations().Revoke(revoked.Links[0].ID, "pulled", time.Now()); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	out, err = p.Initiate(context.Background(), peer.did, WithScopeChain(revoked))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if out.State != StateRejected || !strings.Contains(out.Reason, "revoked") {
		t.Errorf("revoked chain: got %s (%s)", out.State, out.Reason)
	}
	if calls.Load() != 0 {
		t.Errorf("invalid chains should never reach the transport, ran %d times", calls.Load())
	}

	// A live chain ending at the initiator verifies normally.
	good := buildTestChain(t, delegator, selfDID(t), time.Hour)
	out, err = p.Initiate(context.Background(), peer.did, WithScopeChain(good))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !out.Verified() {
		t.Errorf("valid chain should verify, got %s (%s)", out.State, out.Reason)
	}
	if calls.Load() != 1 {
		t.Errorf("valid chain should dispatch exactly once, ran %d times", calls.Load())
	}
}

func TestCallerCancellationIsNotTimeout(t *testing.T) {
	peer := newTestPeer(t, "server")
	blocked := TransportFunc(func(ctx context.Context, _ did.DID, _ Assertion) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := newProtocol(t, peer, blocked, WithTimeout(5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out, err := p.Initiate(ctx, peer.did)
	if err == nil {
		t.Fatal("cancelled handshake must error")
	}
	if errs.IsKind(err, errs.KindHandshakeTimeout) {
		t.Errorf("caller cancellation reported as timeout: %v", err)
	}
	if !errs.IsKind(err, errs.KindHandshake) {
		t.Errorf("error kind = %v, want handshake", errs.KindOf(err))
	}
	if !strings.Contains(err.Error(), "cancelled") {
		t.Errorf("error %q should report the cancellation", err)
	}
	if out != nil {
		t.Errorf("cancellation is not a terminal protocol state, got %+v", out)
	}
}

func TestScoreGateRejects(t *testing.T) {
	peer := newTestPeer(t, "server")
	// Degrade the peer's score below the gate.
	cfg := reward.DefaultConfig()
	cfg.Decay = nil
	for i := 0; i < 20; i++ {
		for _, dim := range cfg.Dimensions {
			if _, err := peer.engine.RecordSignal(peer.did, dim, 0, nil); err != nil {
				t.Fatalf("signal: %v", err)
			}
		}
	}

	p := newProtocol(t, peer, nil)
	out, err := p.Initiate(context.Background(), peer.did, WithRequiredScore(500))
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if out.State != StateRejected {
		t.Fatalf("expected rejection, got %s", out.State)
	}
	if !strings.Contains(out.Reason, "trust score") {
		t.Errorf("reason %q should name the score gate", out.Reason)
	}
}

func TestRevokedCredentialRejects(t *testing.T) {
	peer := newTestPeer(t, "server")

	// Revoke the only credential the peer can present.
	_, parsed, err := peer.store.Validate(peer.token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := peer.store.Revoke(parsed.ID, "compromised"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	p := newProtocol(t, peer, nil)
	out, err := p.Initiate(context.Background(), peer.did)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if out.State != StateRejected || !strings.Contains(out.Reason, "revoked") {
		t.Errorf("expected revoked rejection, got %s (%s)", out.State, out.Reason)
	}
}

func TestNonceAndVersionChecks(t *testing.T) {
	peer := newTestPeer(t, "server")

	badNonce := TransportFunc(func(_ context.Context, _ did.DID, _ Assertion) (*Response, error) {
		return &Response{Nonce: "forged", PeerDID: peer.did, CredentialToken: peer.token, ProtocolVersion: ProtocolVersion}, nil
	})
	out, err := newProtocol(t, peer, badNonce).Initiate(context.Background(), peer.did)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if out.State != StateRejected || !strings.Contains(out.Reason, "nonce") {
		t.Errorf("forged nonce: got %s (%s)", out.State, out.Reason)
	}

	oldMajor := TransportFunc(func(_ context.Context, _ did.DID, a Assertion) (*Response, error) {
		return &Response{Nonce: a.Nonce, PeerDID: peer.did, CredentialToken: peer.token, ProtocolVersion: "0.9.0"}, nil
	})
	out, err = newProtocol(t, peer, oldMajor).Initiate(context.Background(), peer.did)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if out.State != StateRejected || !strings.Contains(out.Reason, "protocol version") {
		t.Errorf("old major version: got %s (%s)", out.State, out.Reason)
	}

	// Same-major, newer-minor peers interoperate.
	newerMinor := TransportFunc(func(_ context.Context, _ did.DID, a Assertion) (*Response, error) {
		return &Response{Nonce: a.Nonce, PeerDID: peer.did, CredentialToken: peer.token, ProtocolVersion: "1.9.3"}, nil
	})
	out, err = newProtocol(t, peer, newerMinor).Initiate(context.Background(), peer.did)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !out.Verified() {
		t.Errorf("newer minor version should verify, got %s (%s)", out.State, out.Reason)
	}
}

func TestImpersonationRejected(t *testing.T) {
	peer := newTestPeer(t, "server")
	imposter := newTestPeer(t, "imposter")

	// Response claims the requested peer's DID but presents the
	// imposter's credential (signed by a different issuer).
	forged := TransportFunc(func(_ context.Context, _ did.DID, a Assertion) (*Response, error) {
		return &Response{Nonce: a.Nonce, PeerDID: peer.did, CredentialToken: imposter.token, ProtocolVersion: ProtocolVersion}, nil
	})
	out, err := newProtocol(t, peer, forged).Initiate(context.Background(), peer.did)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if out.State != StateRejected {
		t.Errorf("imposter credential should be rejected, got %s", out.State)
	}
}

func TestPolicyGate(t *testing.T) {
	peer := newTestPeer(t, "server")

	pe, err := policy.NewEngine()
	if err != nil {
		t.Fatalf("policy engine: %v", err)
	}
	deny := policy.Policy{
		Name:      "no-handshakes",
		AppliesTo: []string{policy.Wildcard},
		Rules: []policy.Rule{{
			Name:      "block",
			Condition: `context.action.type == "handshake"`,
			Action:    policy.ActionDeny,
		}},
		DefaultAction: policy.ActionAllow,
	}
	if err := pe.LoadPolicy(deny); err != nil {
		t.Fatalf("load policy: %v", err)
	}

	p := newProtocol(t, peer, nil, WithPolicy(pe))
	out, err := p.Initiate(context.Background(), peer.did)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if out.State != StateRejected || !strings.Contains(out.Reason, "policy") {
		t.Errorf("policy deny: got %s (%s)", out.State, out.Reason)
	}
}

func TestVerifiedResultCached(t *testing.T) {
	peer := newTestPeer(t, "server")
	var calls atomic.Int64
	counting := TransportFunc(func(ctx context.Context, d did.DID, a Assertion) (*Response, error) {
		calls.Add(1)
		return peer.transport()(ctx, d, a)
	})

	now := time.Now()
	clock := func() time.Time { return now }
	p := newProtocol(t, peer, counting, WithClock(func() time.Time { return clock() }))

	first, _ := p.Initiate(context.Background(), peer.did)
	second, _ := p.Initiate(context.Background(), peer.did)
	if calls.Load() != 1 {
		t.Errorf("second handshake should hit the cache, transport ran %d times", calls.Load())
	}
	if first.Cached || !second.Cached {
		t.Errorf("cache flags: first %v, second %v", first.Cached, second.Cached)
	}

	// WithoutCache bypasses.
	p.Initiate(context.Background(), peer.did, WithoutCache())
	if calls.Load() != 2 {
		t.Errorf("WithoutCache should re-exchange, transport ran %d times", calls.Load())
	}

	// Cache entries expire.
	clock = func() time.Time { return now.Add(10 * time.Minute) }
	p.Initiate(context.Background(), peer.did)
	if calls.Load() != 3 {
		t.Errorf("expired cache should re-exchange, transport ran %d times", calls.Load())
	}
}

func TestTerminalStatesAudited(t *testing.T) {
	peer := newTestPeer(t, "server")
	chain := audit.NewChain()
	p := newProtocol(t, peer, nil, WithAudit(chain))

	p.Initiate(context.Background(), peer.did, WithoutCache())
	p.Initiate(context.Background(), peer.did, WithoutCache())

	entries := chain.Query(peer.did.String(), audit.EventTrustHandshake)
	if len(entries) != 2 {
		t.Errorf("expected 2 trust_handshake entries, got %d", len(entries))
	}
	if err := chain.Verify(); err != nil {
		t.Errorf("audit chain should verify: %v", err)
	}
}
