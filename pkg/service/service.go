// Package service is the facade collaborators (CLI, dashboard, proxy) call
// into: behavioral signal recording, score queries, audit queries, and policy
// management, backed by the governance core.
package service

import (
	"context"
	"log/slog"

	"github.com/trustplane/trustplane/pkg/audit"
	"github.com/trustplane/trustplane/pkg/did"
	"github.com/trustplane/trustplane/pkg/errs"
	"github.com/trustplane/trustplane/pkg/handshake"
	"github.com/trustplane/trustplane/pkg/identity"
	"github.com/trustplane/trustplane/pkg/policy"
	"github.com/trustplane/trustplane/pkg/reward"
)

// Service wires the governance components behind one call surface.
type Service struct {
	identities *identity.Store
	scores     ScoringProvider
	auditChain *audit.Chain
	policies   *policy.Engine
	handshakes *handshake.Protocol
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHandshakeProtocol enables Handshake calls through the facade.
func WithHandshakeProtocol(p *handshake.Protocol) Option {
	return func(s *Service) { s.handshakes = p }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New assembles the facade. All four core components are required.
func New(identities *identity.Store, scores ScoringProvider, auditChain *audit.Chain, policies *policy.Engine, opts ...Option) (*Service, error) {
	const op = "service.New"

	if identities == nil {
		return nil, errs.E(errs.KindGovernance, op, "nil identity store")
	}
	if scores == nil {
		return nil, errs.E(errs.KindGovernance, op, "nil scoring provider")
	}
	if auditChain == nil {
		return nil, errs.E(errs.KindGovernance, op, "nil audit chain")
	}
	if policies == nil {
		return nil, errs.E(errs.KindGovernance, op, "nil policy engine")
	}

	s := &Service{
		identities: identities,
		scores:     scores,
		auditChain: auditChain,
		policies:   policies,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// signal routes a behavioral observation to the provider's dimension,
// falling back to the overall axis when the configured model lacks the
// specific one.
func (s *Service) signal(agent did.DID, dim reward.Dimension, value float64, metadata map[string]any) error {
	if !s.scores.HasDimension(dim) && s.scores.HasDimension(reward.DimOverall) {
		dim = reward.DimOverall
	}
	_, err := s.scores.RecordSignal(agent, dim, value, metadata)
	return err
}

// RecordTaskOutcome reports a completed (or failed) collaborative task.
// Task outcomes feed output quality only; collaboration reliability is owned
// by handshake outcomes so one event never moves both dimensions.
func (s *Service) RecordTaskOutcome(agent did.DID, success bool, metadata map[string]any) error {
	value := reward.MaxScore
	if !success {
		value = reward.MinScore
	}
	return s.signal(agent, reward.DimOutputQuality, value, metadata)
}

// RecordPolicyViolation reports a detected violation and logs it as a
// violation event.
func (s *Service) RecordPolicyViolation(agent did.DID, policyName, detail string) error {
	data := map[string]any{"policy": policyName, "detail": detail}
	if _, err := s.auditChain.Log(audit.EventViolation, agent.String(), "policy_violation", "recorded", policyName, data); err != nil {
		return err
	}
	return s.signal(agent, reward.DimPolicyCompliance, reward.MinScore, data)
}

// RecordHandshakeOutcome reports a completed handshake's effect on the
// peer's collaboration reliability.
func (s *Service) RecordHandshakeOutcome(agent did.DID, verified bool) error {
	value := reward.MaxScore
	if !verified {
		value = reward.MinScore
	}
	return s.signal(agent, reward.DimCollaboration, value, nil)
}

// RecordSecurityEvent reports a security-boundary event. Severe events score
// zero; informational ones stay neutral.
func (s *Service) RecordSecurityEvent(agent did.DID, description string, severe bool) error {
	value := reward.Baseline
	if severe {
		value = reward.MinScore
	}
	data := map[string]any{"description": description, "severe": severe}
	if _, err := s.auditChain.Log(audit.EventSecurity, agent.String(), "security_event", "recorded", "", data); err != nil {
		return err
	}
	return s.signal(agent, reward.DimSecurityPosture, value, data)
}

// GetScore returns the agent's current trust score.
func (s *Service) GetScore(agent did.DID) *reward.TrustScore {
	return s.scores.Score(agent)
}

// AgentsBelowThreshold lists agents scoring under the given aggregate.
func (s *Service) AgentsBelowThreshold(threshold float64) []did.DID {
	return s.scores.AgentsBelow(threshold)
}

// RecomputeScores applies pending decay across all agents.
func (s *Service) RecomputeScores() {
	s.scores.RecomputeAll()
}

// SubscribeRevocation registers an observer for threshold crossings and
// returns its unsubscribe function.
func (s *Service) SubscribeRevocation(obs reward.Observer) func() {
	return s.scores.Subscribe(obs)
}

// QueryAudit filters audit entries by agent and/or event type. Empty values
// match everything.
func (s *Service) QueryAudit(agentDID string, eventType audit.EventType) []*audit.Entry {
	return s.auditChain.Query(agentDID, eventType)
}

// VerifyAuditChain recomputes every entry hash and reports the first
// mismatch.
func (s *Service) VerifyAuditChain() error {
	return s.auditChain.Verify()
}

// LoadPolicy installs or replaces one policy.
func (s *Service) LoadPolicy(p policy.Policy) error {
	return s.policies.LoadPolicy(p)
}

// LoadPolicyBundle installs every policy in a bundle file.
func (s *Service) LoadPolicyBundle(path string) error {
	return s.policies.LoadBundleFile(path)
}

// EvaluatePolicy runs the agent's request context through the policy set.
func (s *Service) EvaluatePolicy(agent did.DID, context map[string]any) policy.Result {
	return s.policies.Evaluate(agent, context)
}

// Identities exposes the identity store for credential lifecycle calls.
func (s *Service) Identities() *identity.Store {
	return s.identities
}

// Handshake initiates a trust handshake with the peer. Requires the protocol
// to be configured.
func (s *Service) Handshake(ctx context.Context, peer did.DID, opts ...handshake.InitiateOption) (*handshake.Outcome, error) {
	if s.handshakes == nil {
		return nil, errs.E(errs.KindHandshake, "service.Handshake", "handshake protocol not configured")
	}
	return s.handshakes.Initiate(ctx, peer, opts...)
}
