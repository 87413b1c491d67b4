package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/trustplane/trustplane/pkg/audit"
	"github.com/trustplane/trustplane/pkg/did"
	"github.com/trustplane/trustplane/pkg/errs"
	"github.com/trustplane/trustplane/pkg/handshake"
	"github.com/trustplane/trustplane/pkg/observability"
	"github.com/trustplane/trustplane/pkg/policy"
	"github.com/trustplane/trustplane/pkg/ratelimit"
	"github.com/trustplane/trustplane/pkg/service"
)

// responderCredentialTTL bounds the credential minted for each inbound
// handshake response.
const responderCredentialTTL = 5 * time.Minute

type server struct {
	svc       *service.Service
	self      did.DID
	transport *httpTransport
	obs       *observability.Provider
	logger    *slog.Logger
	started   time.Time
}

func newServer(svc *service.Service, self did.DID, transport *httpTransport, obs *observability.Provider, logger *slog.Logger) *server {
	return &server{
		svc:       svc,
		self:      self,
		transport: transport,
		obs:       obs,
		logger:    logger,
		started:   time.Now(),
	}
}

// routes builds the full handler tree. Everything under /v1 sits behind the
// rate limiter; health stays outside so probes never consume tokens.
func (s *server) routes(checker ratelimit.Checker) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/identities", s.handleCreateIdentity)
	api.HandleFunc("POST /v1/credentials", s.handleIssueCredential)
	api.HandleFunc("POST /v1/credentials/validate", s.handleValidateCredential)
	api.HandleFunc("POST /v1/credentials/revoke", s.handleRevokeCredential)
	api.HandleFunc("POST /v1/credentials/rotate", s.handleRotateCredential)
	api.HandleFunc("GET /v1/scores/{did}", s.handleGetScore)
	api.HandleFunc("GET /v1/scores", s.handleScoresBelow)
	api.HandleFunc("POST /v1/signals/task", s.handleTaskSignal)
	api.HandleFunc("POST /v1/signals/violation", s.handleViolationSignal)
	api.HandleFunc("POST /v1/signals/security", s.handleSecuritySignal)
	api.HandleFunc("GET /v1/audit", s.handleQueryAudit)
	api.HandleFunc("GET /v1/audit/verify", s.handleVerifyAudit)
	api.HandleFunc("POST /v1/policies", s.handleLoadPolicy)
	api.HandleFunc("POST /v1/policies/evaluate", s.handleEvaluatePolicy)
	api.HandleFunc("POST /v1/handshake", s.handleInitiateHandshake)
	api.HandleFunc("POST /v1/handshake/respond", s.handleRespondHandshake)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.handleHealth)
	root.Handle("/v1/", ratelimit.Middleware(checker, s.logger, api))
	return root
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"did":    s.self.String(),
		"uptime": time.Since(s.started).String(),
	})
}

func (s *server) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string   `json:"name"`
		Sponsor      string   `json:"sponsor"`
		Capabilities []string `json:"capabilities"`
	}
	if !decode(w, r, &req) {
		return
	}
	ident, err := s.svc.Identities().CreateIdentity(req.Name, req.Sponsor, req.Capabilities)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ident)
}

func (s *server) handleIssueCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DID          string   `json:"did"`
		Capabilities []string `json:"capabilities"`
		TTLSeconds   float64  `json:"ttl_seconds"`
	}
	if !decode(w, r, &req) {
		return
	}
	subject, err := did.Parse(req.DID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cred, err := s.svc.Identities().IssueCredential(subject, req.Capabilities, secondsToDuration(req.TTLSeconds))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *server) handleValidateCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &req) {
		return
	}
	status, cred, err := s.svc.Identities().Validate(req.Token)
	if err != nil && cred == nil {
		// Malformed tokens still report a status rather than an error body.
		writeJSON(w, http.StatusOK, map[string]any{"status": status})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "credential": cred})
}

func (s *server) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CredentialID string `json:"credential_id"`
		Reason       string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.Identities().Revoke(req.CredentialID, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": req.CredentialID})
}

func (s *server) handleRotateCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CredentialID string `json:"credential_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	cred, err := s.svc.Identities().RotateCredential(req.CredentialID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *server) handleGetScore(w http.ResponseWriter, r *http.Request) {
	agent, err := did.Parse(r.PathValue("did"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.GetScore(agent))
}

func (s *server) handleScoresBelow(w http.ResponseWriter, r *http.Request) {
	var threshold float64
	if _, err := fmt.Sscanf(r.URL.Query().Get("below"), "%g", &threshold); err != nil {
		http.Error(w, `{"error":"below query parameter required"}`, http.StatusBadRequest)
		return
	}
	agents := s.svc.AgentsBelowThreshold(threshold)
	writeJSON(w, http.StatusOK, map[string]any{"threshold": threshold, "agents": agents})
}

func (s *server) handleTaskSignal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentDID string         `json:"agent_did"`
		Success  bool           `json:"success"`
		Metadata map[string]any `json:"metadata"`
	}
	if !decode(w, r, &req) {
		return
	}
	agent, err := did.Parse(req.AgentDID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.svc.RecordTaskOutcome(agent, req.Success, req.Metadata); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.GetScore(agent))
}

func (s *server) handleViolationSignal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentDID string `json:"agent_did"`
		Policy   string `json:"policy"`
		Detail   string `json:"detail"`
	}
	if !decode(w, r, &req) {
		return
	}
	agent, err := did.Parse(req.AgentDID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.svc.RecordPolicyViolation(agent, req.Policy, req.Detail); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.GetScore(agent))
}

func (s *server) handleSecuritySignal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentDID    string `json:"agent_did"`
		Description string `json:"description"`
		Severe      bool   `json:"severe"`
	}
	if !decode(w, r, &req) {
		return
	}
	agent, err := did.Parse(req.AgentDID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.svc.RecordSecurityEvent(agent, req.Description, req.Severe); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.GetScore(agent))
}

func (s *server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	eventType := audit.EventType(r.URL.Query().Get("event"))
	entries := s.svc.QueryAudit(agent, eventType)
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "entries": entries})
}

func (s *server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.VerifyAuditChain(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *server) handleLoadPolicy(w http.ResponseWriter, r *http.Request) {
	var p policy.Policy
	if !decode(w, r, &p) {
		return
	}
	if err := s.svc.LoadPolicy(p); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"loaded": p.Name})
}

func (s *server) handleEvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentDID string         `json:"agent_did"`
		Context  map[string]any `json:"context"`
	}
	if !decode(w, r, &req) {
		return
	}
	agent, err := did.Parse(req.AgentDID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.EvaluatePolicy(agent, req.Context))
}

func (s *server) handleInitiateHandshake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PeerDID       string   `json:"peer_did"`
		PeerURL       string   `json:"peer_url"`
		RequiredScore *float64 `json:"required_score"`
		Fresh         bool     `json:"fresh"`
	}
	if !decode(w, r, &req) {
		return
	}
	peer, err := did.Parse(req.PeerDID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.PeerURL != "" {
		s.transport.SetEndpoint(peer, req.PeerURL)
	}

	var opts []handshake.InitiateOption
	if req.RequiredScore != nil {
		opts = append(opts, handshake.WithRequiredScore(*req.RequiredScore))
	}
	if req.Fresh {
		opts = append(opts, handshake.WithoutCache())
	}

	start := time.Now()
	outcome, err := s.svc.Handshake(r.Context(), peer, opts...)
	if outcome != nil {
		s.obs.RecordHandshake(r.Context(), string(outcome.State), time.Since(start))
	}
	if err != nil {
		if errs.IsKind(err, errs.KindHandshakeTimeout) {
			writeJSON(w, http.StatusGatewayTimeout, map[string]any{
				"error":   err.Error(),
				"outcome": outcome,
			})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleRespondHandshake answers a peer's assertion with the daemon's own
// identity and a short-lived credential proving it.
func (s *server) handleRespondHandshake(w http.ResponseWriter, r *http.Request) {
	var assertion handshake.Assertion
	if !decode(w, r, &assertion) {
		return
	}
	if assertion.Nonce == "" || assertion.InitiatorDID.IsZero() {
		http.Error(w, `{"error":"incomplete assertion"}`, http.StatusBadRequest)
		return
	}

	// A presented delegation chain must terminate at the initiator and hold
	// under the current revocation state; a dead chain fails the exchange.
	if assertion.Chain != nil {
		if len(assertion.Chain.Links) == 0 || !assertion.Chain.Leaf().Equal(assertion.InitiatorDID) {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error": "delegation chain does not terminate at the initiator",
			})
			return
		}
		if err := assertion.Chain.Verify(time.Now().UTC(), s.svc.Identities().Revocations()); err != nil {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": err.Error()})
			return
		}
	}

	cred, err := s.svc.Identities().IssueCredential(s.self, []string{"handshake"}, responderCredentialTTL)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, handshake.Response{
		Nonce:           assertion.Nonce,
		PeerDID:         s.self,
		CredentialToken: cred.Token,
		ProtocolVersion: handshake.ProtocolVersion,
		Timestamp:       time.Now().UTC(),
	})
}

// writeError maps the error taxonomy to HTTP status codes.
func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.IsKind(err, errs.KindHandshakeTimeout):
		status = http.StatusGatewayTimeout
	case errs.IsKind(err, errs.KindIdentity),
		errs.IsKind(err, errs.KindDelegation),
		errs.IsKind(err, errs.KindGovernance),
		errs.IsKind(err, errs.KindHandshake):
		status = http.StatusBadRequest
	case errs.IsKind(err, errs.KindTrust):
		status = http.StatusForbidden
	case errs.IsKind(err, errs.KindStorage):
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// httpTransport exchanges handshake messages over HTTP. Peer endpoints are
// registered per initiation since DIDs carry no network location.
type httpTransport struct {
	client *http.Client

	mu        sync.RWMutex
	endpoints map[string]string
}

func newHTTPTransport() *httpTransport {
	return &httpTransport{
		client:    &http.Client{},
		endpoints: make(map[string]string),
	}
}

// SetEndpoint maps a peer DID to the base URL its daemon listens on.
func (t *httpTransport) SetEndpoint(peer did.DID, baseURL string) {
	t.mu.Lock()
	t.endpoints[peer.String()] = baseURL
	t.mu.Unlock()
}

func (t *httpTransport) Exchange(ctx context.Context, peer did.DID, assertion handshake.Assertion) (*handshake.Response, error) {
	t.mu.RLock()
	base, ok := t.endpoints[peer.String()]
	t.mu.RUnlock()
	if !ok {
		return nil, errors.New("no endpoint registered for " + peer.String())
	}

	body, err := json.Marshal(assertion)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/handshake/respond", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ratelimit.HeaderAgentDID, assertion.InitiatorDID.String())

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned %s", httpResp.Status)
	}
	var resp handshake.Response
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, 1<<20)).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
