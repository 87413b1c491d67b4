package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/trustplane/trustplane/pkg/audit"
	"github.com/trustplane/trustplane/pkg/delegation"
	"github.com/trustplane/trustplane/pkg/did"
	"github.com/trustplane/trustplane/pkg/handshake"
	"github.com/trustplane/trustplane/pkg/identity"
	"github.com/trustplane/trustplane/pkg/kms"
	"github.com/trustplane/trustplane/pkg/observability"
	"github.com/trustplane/trustplane/pkg/policy"
	"github.com/trustplane/trustplane/pkg/ratelimit"
	"github.com/trustplane/trustplane/pkg/service"
)

func newTestDaemon(t *testing.T) *server {
	t.Helper()

	k, err := kms.NewLocalKMS(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatalf("kms: %v", err)
	}
	chain := audit.NewChain()
	identities, err := identity.NewStore(k, identity.WithAudit(chain))
	if err != nil {
		t.Fatalf("identities: %v", err)
	}
	scores, err := service.NewProviderRegistry().Resolve(service.ProviderFull)
	if err != nil {
		t.Fatalf("scores: %v", err)
	}
	policies, err := policy.NewEngine()
	if err != nil {
		t.Fatalf("policies: %v", err)
	}
	svc, err := service.New(identities, scores, chain, policies)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	self, err := identities.CreateIdentity("trustplaned", "", []string{"handshake", "govern"})
	if err != nil {
		t.Fatalf("self identity: %v", err)
	}
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	if err != nil {
		t.Fatalf("observability: %v", err)
	}
	return newServer(svc, self.DID, newHTTPTransport(), obs, slog.Default())
}

func postAssertion(t *testing.T, srv *server, assertion handshake.Assertion) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(assertion)
	if err != nil {
		t.Fatalf("marshal assertion: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/handshake/respond", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleRespondHandshake(rec, req)
	return rec
}

func TestRespondVerifiesPresentedChain(t *testing.T) {
	srv := newTestDaemon(t)

	initiator, err := did.Parse("did:trustplane:caller")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	delegator, err := srv.svc.Identities().CreateIdentity("delegator", "", []string{"collaborate"})
	if err != nil {
		t.Fatalf("delegator: %v", err)
	}

	buildChain := func(to did.DID, ttl time.Duration) *delegation.ScopeChain {
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
	assertion := func(chain *delegation.ScopeChain) handshake.Assertion {
		return handshake.Assertion{
			Nonce:           "n-1",
			InitiatorDID:    initiator,
			ProtocolVersion: handshake.ProtocolVersion,
			Chain:           chain,
			Timestamp:       time.Now().UTC(),
		}
	}

	// Expired chain is refused.
	expired := buildChain(initiator, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if rec := postAssertion(t, srv, assertion(expired)); rec.Code != http.StatusForbidden {
		t.Errorf("expired chain: status %d, want %d", rec.Code, http.StatusForbidden)
	}

	// Chain delegated to someone other than the initiator is refused.
	foreign := buildChain(srv.self, time.Hour)
	if rec := postAssertion(t, srv, assertion(foreign)); rec.Code != http.StatusForbidden {
		t.Errorf("foreign chain: status %d, want %d", rec.Code, http.StatusForbidden)
	}

	// Revoked chain is refused.
	revoked := buildChain(initiator, time.Hour)
	if err := srv.svc.Identities().Revocations().Revoke(revoked.Links[0].ID, "pulled", time.Now()); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if rec := postAssertion(t, srv, assertion(revoked)); rec.Code != http.StatusForbidden {
		t.Errorf("revoked chain: status %d, want %d", rec.Code, http.StatusForbidden)
	}

	// A valid chain gets a credential-bearing response.
	rec := postAssertion(t, srv, assertion(buildChain(initiator, time.Hour)))
	if rec.Code != http.StatusOK {
		t.Fatalf("valid chain: status %d, body %s", rec.Code, rec.Body)
	}
	var resp handshake.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Nonce != "n-1" || !resp.PeerDID.Equal(srv.self) || resp.CredentialToken == "" {
		t.Errorf("unexpected response %+v", resp)
	}
}

type stubChecker struct {
	result ratelimit.Result
	err    error
	calls  int
}

func (s *stubChecker) Check(context.Context, string) (ratelimit.Result, error) {
	s.calls++
	return s.result, s.err
}

func TestMeteredCheckerPreservesDecision(t *testing.T) {
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	if err != nil {
		t.Fatalf("observability: %v", err)
	}

	denied := &stubChecker{result: ratelimit.Result{Allowed: false, RetryAfter: time.Second}}
	mc := &meteredChecker{checker: denied, obs: obs}
	res, err := mc.Check(context.Background(), "did:trustplane:noisy")
	if err != nil || res.Allowed {
		t.Errorf("denial should pass through: %+v, %v", res, err)
	}

	failing := &stubChecker{err: errors.New("backend down")}
	if _, err := (&meteredChecker{checker: failing, obs: obs}).Check(context.Background(), "k"); err == nil {
		t.Error("backend errors must propagate")
	}
	if denied.calls != 1 || failing.calls != 1 {
		t.Errorf("inner checker calls = %d, %d", denied.calls, failing.calls)
	}
}

type captureSink struct {
	entries []*audit.Entry
	err     error
}

func (c *captureSink) AppendEntry(e *audit.Entry) error {
	if c.err != nil {
		return c.err
	}
	c.entries = append(c.entries, e)
	return nil
}

func TestMeteredSinkForwardsAppends(t *testing.T) {
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	if err != nil {
		t.Fatalf("observability: %v", err)
	}

	inner := &captureSink{}
	chain := audit.NewChain(audit.WithSink(&meteredSink{sink: inner, obs: obs}))
	if _, err := chain.Log(audit.EventSystem, "did:trustplane:a", "boot", "ok", "", nil); err != nil {
		t.Fatalf("log: %v", err)
	}
	if len(inner.entries) != 1 {
		t.Fatalf("sink received %d entries, want 1", len(inner.entries))
	}

	broken := audit.NewChain(audit.WithSink(&meteredSink{sink: &captureSink{err: errors.New("disk full")}, obs: obs}))
	if _, err := broken.Log(audit.EventSystem, "did:trustplane:a", "boot", "ok", "", nil); err == nil {
		t.Error("sink failures must propagate")
	}
}
