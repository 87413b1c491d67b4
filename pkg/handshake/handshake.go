// Package handshake runs the bounded-time trust exchange two agents perform
// before collaborating. A handshake validates the peer's credential, gates on
// its trust score and the loaded policy set, and records every terminal state
// to the audit chain.
package handshake

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/trustplane/trustplane/pkg/audit"
	"github.com/trustplane/trustplane/pkg/delegation"
	"github.com/trustplane/trustplane/pkg/did"
	"github.com/trustplane/trustplane/pkg/errs"
	"github.com/trustplane/trustplane/pkg/identity"
	"github.com/trustplane/trustplane/pkg/policy"
	"github.com/trustplane/trustplane/pkg/reward"
)

// State is a handshake lifecycle phase.
type State string

const (
	StatePending          State = "pending"
	StateSent             State = "sent"
	StateAwaitingResponse State = "awaiting_response"
	StateVerified         State = "verified"
	StateRejected         State = "rejected"
	StateTimedOut         State = "timed_out"
)

// ProtocolVersion is the version this implementation speaks. Peers within
// the same major version interoperate.
const ProtocolVersion = "1.2.0"

var protocolSemver = semver.MustParse(ProtocolVersion)

// Assertion is the identity statement the initiator presents.
type Assertion struct {
	Nonce           string                 `json:"nonce"`
	InitiatorDID    did.DID                `json:"initiator_did"`
	ProtocolVersion string                 `json:"protocol_version"`
	Chain           *delegation.ScopeChain `json:"chain,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// Response is the peer's answer: its identity and a credential proving it.
type Response struct {
	Nonce           string    `json:"nonce"`
	PeerDID         did.DID   `json:"peer_did"`
	CredentialToken string    `json:"credential_token"`
	ProtocolVersion string    `json:"protocol_version"`
	Timestamp       time.Time `json:"timestamp"`
}

// PeerTransport dispatches an assertion to a peer and returns its response.
// The exchange must honor ctx cancellation.
type PeerTransport interface {
	Exchange(ctx context.Context, peer did.DID, assertion Assertion) (*Response, error)
}

// TransportFunc adapts a function to PeerTransport.
type TransportFunc func(ctx context.Context, peer did.DID, assertion Assertion) (*Response, error)

func (f TransportFunc) Exchange(ctx context.Context, peer did.DID, assertion Assertion) (*Response, error) {
	return f(ctx, peer, assertion)
}

// Outcome is a terminal handshake result.
type Outcome struct {
	State       State     `json:"state"`
	PeerDID     did.DID   `json:"peer_did"`
	PeerScore   float64   `json:"peer_score,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
	Cached      bool      `json:"cached,omitempty"`
}

// Verified reports whether the handshake ended in the verified state.
func (o *Outcome) Verified() bool { return o.State == StateVerified }

// CredentialValidator checks a presented credential token. Implemented by
// identity.Store.
type CredentialValidator interface {
	Validate(token string) (identity.Status, *identity.Credential, error)
}

// ScoreReader reads an agent's current trust score. Implemented by
// reward.Engine.
type ScoreReader interface {
	Score(agent did.DID) *reward.TrustScore
}

// PolicyEvaluator gates handshakes on the loaded policy set. Implemented by
// policy.Engine.
type PolicyEvaluator interface {
	Evaluate(agent did.DID, context map[string]any) policy.Result
}

const (
	defaultTimeout  = 30 * time.Second
	defaultCacheTTL = 5 * time.Minute
)

type cachedOutcome struct {
	outcome Outcome
	expires time.Time
}

// Protocol orchestrates handshakes for one local identity. Safe for
// concurrent use; each Initiate runs independently.
type Protocol struct {
	self        did.DID
	transport   PeerTransport
	validator   CredentialValidator
	scores      ScoreReader
	policies    PolicyEvaluator
	revocations delegation.RevocationChecker
	auditor     audit.Recorder
	logger      *slog.Logger
	clock       func() time.Time

	timeout  time.Duration
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedOutcome
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithTimeout bounds the wait for a peer response. Must be positive;
// validated at construction.
func WithTimeout(d time.Duration) Option {
	return func(p *Protocol) { p.timeout = d }
}

// WithCacheTTL bounds how long a verified result is reused.
func WithCacheTTL(d time.Duration) Option {
	return func(p *Protocol) { p.cacheTTL = d }
}

// WithPolicy gates every handshake on the policy engine's verdict for the
// peer.
func WithPolicy(pe PolicyEvaluator) Option {
	return func(p *Protocol) { p.policies = pe }
}

// WithRevocations consults the checker when verifying attached delegation
// chains, so revoked links invalidate a presented chain.
func WithRevocations(rc delegation.RevocationChecker) Option {
	return func(p *Protocol) { p.revocations = rc }
}

// WithAudit records every terminal state as a trust_handshake event.
func WithAudit(rec audit.Recorder) Option {
	return func(p *Protocol) { p.auditor = rec }
}

// WithLogger sets the protocol's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Protocol) { p.logger = l }
}

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.clock = now }
}

// New builds a handshake protocol for the local identity. Invalid
// configuration, a non-positive timeout in particular, fails here rather
// than at the first handshake.
func New(self did.DID, transport PeerTransport, validator CredentialValidator, scores ScoreReader, opts ...Option) (*Protocol, error) {
	const op = "handshake.New"

	if self.IsZero() {
		return nil, errs.E(errs.KindHandshake, op, "empty local DID")
	}
	if transport == nil {
		return nil, errs.E(errs.KindHandshake, op, "nil transport")
	}
	if validator == nil {
		return nil, errs.E(errs.KindHandshake, op, "nil credential validator")
	}
	if scores == nil {
		return nil, errs.E(errs.KindHandshake, op, "nil score reader")
	}

	p := &Protocol{
		self:      self,
		transport: transport,
		validator: validator,
		scores:    scores,
		logger:    slog.Default(),
		clock:     time.Now,
		timeout:   defaultTimeout,
		cacheTTL:  defaultCacheTTL,
		cache:     make(map[string]cachedOutcome),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.timeout <= 0 {
		return nil, errs.Ef(errs.KindHandshake, op, "timeout %v must be positive", p.timeout)
	}
	if p.cacheTTL <= 0 {
		return nil, errs.Ef(errs.KindHandshake, op, "cache ttl %v must be positive", p.cacheTTL)
	}
	return p, nil
}

// InitiateOption adjusts a single handshake.
type InitiateOption func(*initiateConfig)

type initiateConfig struct {
	requiredScore *float64
	useCache      bool
	chain         *delegation.ScopeChain
}

// WithRequiredScore rejects peers whose trust score falls below min.
func WithRequiredScore(min float64) InitiateOption {
	return func(c *initiateConfig) { c.requiredScore = &min }
}

// WithoutCache forces a fresh exchange even when a verified result is
// cached.
func WithoutCache() InitiateOption {
	return func(c *initiateConfig) { c.useCache = false }
}

// WithScopeChain attaches a delegation chain to the presented assertion. The
// chain is verified before dispatch; an expired, revoked, or widened chain
// rejects the handshake without contacting the peer.
func WithScopeChain(chain *delegation.ScopeChain) InitiateOption {
	return func(c *initiateConfig) { c.chain = chain }
}

// Initiate runs one handshake with the peer. Rejection is an outcome, not an
// error; the returned error is non-nil only for timeouts (retryable,
// HandshakeTimeout kind), caller cancellation, and invalid input. Timed-out
// handshakes cancel the in-flight exchange and leave no partial state behind.
func (p *Protocol) Initiate(ctx context.Context, peer did.DID, opts ...InitiateOption) (*Outcome, error) {
	const op = "handshake.Initiate"

	if peer.IsZero() {
		return nil, errs.E(errs.KindHandshake, op, "empty peer DID")
	}

	cfg := initiateConfig{useCache: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.chain != nil {
		if err := p.verifyScopeChain(cfg.chain); err != nil {
			return p.finish(Outcome{
				State:   StateRejected,
				PeerDID: peer,
				Reason:  "delegation chain invalid: " + err.Error(),
			}, cfg), nil
		}
	}

	if cfg.useCache {
		if cached, ok := p.cachedVerified(peer); ok {
			return cached, nil
		}
	}

	// Pending -> Sent: build and dispatch the assertion.
	assertion := Assertion{
		Nonce:           uuid.New().String(),
		InitiatorDID:    p.self,
		ProtocolVersion: ProtocolVersion,
		Chain:           cfg.chain,
		Timestamp:       p.clock().UTC(),
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type exchangeResult struct {
		resp *Response
		err  error
	}
	ch := make(chan exchangeResult, 1)
	go func() {
		resp, err := p.transport.Exchange(exchangeCtx, peer, assertion)
		ch <- exchangeResult{resp, err}
	}()

	// Sent -> AwaitingResponse: the only suspension point.
	var res exchangeResult
	select {
	case <-exchangeCtx.Done():
		return p.abort(exchangeCtx.Err(), peer, cfg, op)
	case res = <-ch:
	}

	if res.err != nil {
		if exchangeCtx.Err() != nil {
			return p.abort(exchangeCtx.Err(), peer, cfg, op)
		}
		return p.finish(Outcome{
			State:   StateRejected,
			PeerDID: peer,
			Reason:  "transport failure: " + res.err.Error(),
		}, cfg), nil
	}

	return p.verify(peer, assertion, res.resp, cfg), nil
}

// abort maps an interrupted exchange to its terminal result. A cancelled
// caller context is not a timeout: it returns a plain handshake error with no
// terminal state, while an expired deadline records TimedOut and reports the
// retryable timeout kind.
func (p *Protocol) abort(cause error, peer did.DID, cfg initiateConfig, op string) (*Outcome, error) {
	if errors.Is(cause, context.Canceled) {
		return nil, errs.Ef(errs.KindHandshake, op, "handshake with %s cancelled before completion", peer)
	}
	outcome := p.finish(Outcome{
		State:   StateTimedOut,
		PeerDID: peer,
		Reason:  "no response before deadline",
	}, cfg)
	return outcome, errs.Ef(errs.KindHandshakeTimeout, op,
		"handshake with %s exceeded %.2fs timeout", peer, p.timeout.Seconds())
}

// verifyScopeChain checks a chain attached to the outgoing assertion: it must
// terminate at the initiator and hold under the current clock and revocation
// state.
func (p *Protocol) verifyScopeChain(chain *delegation.ScopeChain) error {
	const op = "handshake.verifyScopeChain"

	if len(chain.Links) == 0 {
		return errs.E(errs.KindDelegation, op, "chain has no links")
	}
	if !chain.Leaf().Equal(p.self) {
		return errs.Ef(errs.KindDelegation, op, "chain leaf %s is not the initiator %s", chain.Leaf(), p.self)
	}
	return chain.Verify(p.clock().UTC(), p.revocations)
}

// verify runs the response checks in order and produces the terminal
// outcome.
func (p *Protocol) verify(peer did.DID, assertion Assertion, resp *Response, cfg initiateConfig) *Outcome {
	reject := func(reason string) *Outcome {
		return p.finish(Outcome{State: StateRejected, PeerDID: peer, Reason: reason}, cfg)
	}

	if resp == nil {
		return reject("empty response")
	}
	if resp.Nonce != assertion.Nonce {
		return reject("nonce mismatch")
	}
	if !compatibleVersion(resp.ProtocolVersion) {
		return reject("incompatible protocol version " + resp.ProtocolVersion)
	}
	if !resp.PeerDID.Equal(peer) {
		return reject("response identity " + resp.PeerDID.String() + " is not the requested peer")
	}

	status, cred, err := p.validator.Validate(resp.CredentialToken)
	if err != nil || status != identity.StatusValid {
		return reject("credential " + string(status))
	}
	if !cred.Subject.Equal(peer) {
		return reject("credential subject " + cred.Subject.String() + " is not the peer")
	}

	score := p.scores.Score(peer)
	if cfg.requiredScore != nil && score.Aggregate < *cfg.requiredScore {
		out := reject("trust score below required threshold")
		out.PeerScore = score.Aggregate
		return out
	}

	if p.policies != nil {
		verdict := p.policies.Evaluate(peer, map[string]any{
			"action": map[string]any{"type": "handshake", "initiator": p.self.String()},
		})
		if !verdict.Allowed {
			return reject("denied by policy " + verdict.PolicyName)
		}
	}

	return p.finish(Outcome{
		State:     StateVerified,
		PeerDID:   peer,
		PeerScore: score.Aggregate,
	}, cfg)
}

// finish stamps, caches, and audits a terminal outcome.
func (p *Protocol) finish(outcome Outcome, cfg initiateConfig) *Outcome {
	outcome.CompletedAt = p.clock().UTC()

	if outcome.State == StateVerified && cfg.useCache {
		p.mu.Lock()
		p.cache[outcome.PeerDID.String()] = cachedOutcome{
			outcome: outcome,
			expires: outcome.CompletedAt.Add(p.cacheTTL),
		}
		p.mu.Unlock()
	}

	if p.auditor != nil {
		data := map[string]any{
			"state":  string(outcome.State),
			"score":  outcome.PeerScore,
			"reason": outcome.Reason,
		}
		if _, err := p.auditor.Log(audit.EventTrustHandshake, outcome.PeerDID.String(), "initiate", string(outcome.State), "", data); err != nil {
			p.logger.Warn("audit append failed for handshake", "peer", outcome.PeerDID, "error", err)
		}
	}

	return &outcome
}

func (p *Protocol) cachedVerified(peer did.DID) (*Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.cache[peer.String()]
	if !ok {
		return nil, false
	}
	if p.clock().After(entry.expires) {
		delete(p.cache, peer.String())
		return nil, false
	}
	out := entry.outcome
	out.Cached = true
	return &out, true
}

func compatibleVersion(v string) bool {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return false
	}
	return parsed.Major() == protocolSemver.Major()
}
