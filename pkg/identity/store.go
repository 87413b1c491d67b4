// Package identity implements decentralized agent identities and the
// time-bounded credential lifecycle: issuance, key rotation, revocation, and
// validation. Credentials are EdDSA-signed JWTs carrying a capability claim;
// signing keys live in the kms keystore so material survives restarts.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/trustplane/trustplane/pkg/audit"
	"github.com/trustplane/trustplane/pkg/crypto"
	"github.com/trustplane/trustplane/pkg/did"
	"github.com/trustplane/trustplane/pkg/errs"
	"github.com/trustplane/trustplane/pkg/kms"
)

const (
	// didMethod is the method used for identities minted by this store.
	didMethod = "trustplane"

	// issuerOwner is the kms owner holding the credential-signing keys.
	issuerOwner = "trustplane-issuer"

	// credentialIssuer is the iss claim on issued credentials.
	credentialIssuer = "trustplane"

	// maxTokenLength bounds credential input so oversized or adversarial
	// tokens fail fast instead of being parsed.
	maxTokenLength = 16 * 1024
)

// Status is the outcome of credential validation.
type Status string

const (
	StatusValid     Status = "valid"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
	StatusMalformed Status = "malformed"
)

// AgentIdentity is an agent's cryptographic identity. The capability set is
// fixed at creation; key rotation supersedes the record rather than editing
// it in place.
type AgentIdentity struct {
	DID          did.DID       `json:"did"`
	PublicKey    string        `json:"public_key"` // hex, agent's own key
	KeyVersion   int           `json:"key_version"`
	Capabilities CapabilitySet `json:"capabilities"`
	Sponsor      string        `json:"sponsor,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Credential is a time-bounded, signed grant of capabilities to a DID.
type Credential struct {
	ID           string        `json:"id"`
	Subject      did.DID       `json:"subject"`
	Capabilities CapabilitySet `json:"capabilities"`
	IssuedAt     time.Time     `json:"issued_at"`
	TTL          time.Duration `json:"ttl"`
	KeyVersion   int           `json:"key_version"`
	Token        string        `json:"token"`
}

// ExpiresAt returns the instant the credential stops being valid.
func (c *Credential) ExpiresAt() time.Time { return c.IssuedAt.Add(c.TTL) }

// IsExpired reports whether now is at or past expiry. Expiry is independent
// of revocation status.
func (c *Credential) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt())
}

// credentialClaims is the JWT claim set carried by credentials.
type credentialClaims struct {
	jwt.RegisteredClaims
	Capabilities []string `json:"caps"`
}

// KeyManager is the key primitive the store depends on.
type KeyManager interface {
	kms.Manager
	ActiveSigner(owner string) (*crypto.Ed25519Signer, int, error)
	Signer(owner string, version int) (*crypto.Ed25519Signer, error)
}

// Store issues and validates identities and credentials.
type Store struct {
	mu          sync.RWMutex
	keys        KeyManager
	identities  map[string]*AgentIdentity
	credentials map[string]*Credential
	revocations *RevocationList
	audit       audit.Recorder
	logger      *slog.Logger
	clock       func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithAudit attaches the audit recorder every lifecycle change is reported to.
func WithAudit(rec audit.Recorder) StoreOption {
	return func(s *Store) { s.audit = rec }
}

// WithRevocationList installs a preloaded (possibly durable) revocation list.
func WithRevocationList(l *RevocationList) StoreOption {
	return func(s *Store) { s.revocations = l }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) { s.clock = clock }
}

// NewStore creates an identity store. The issuer signing key is created on
// first use and reused across restarts.
func NewStore(keys KeyManager, opts ...StoreOption) (*Store, error) {
	s := &Store{
		keys:        keys,
		identities:  make(map[string]*AgentIdentity),
		credentials: make(map[string]*Credential),
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.revocations == nil {
		s.revocations = NewRevocationList(nil)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if _, err := keys.ActiveVersion(issuerOwner); err != nil {
		if _, err := keys.Generate(issuerOwner); err != nil {
			return nil, fmt.Errorf("identity: provision issuer key: %w", err)
		}
	}
	return s, nil
}

// Revocations exposes the store's revocation list.
func (s *Store) Revocations() *RevocationList { return s.revocations }

// CreateIdentity mints a new agent identity with a fixed capability set.
// The DID is derived from name; duplicate names are rejected.
func (s *Store) CreateIdentity(name, sponsor string, capabilities []string) (*AgentIdentity, error) {
	const op = "identity.CreateIdentity"

	d, err := did.New(didMethod, name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.identities[d.String()]; exists {
		return nil, errs.Ef(errs.KindIdentity, op, "identity %s already exists", d)
	}

	version, err := s.keys.Generate(d.String())
	if err != nil {
		return nil, err
	}
	pub, err := s.keys.PublicKey(d.String(), version)
	if err != nil {
		return nil, err
	}

	ident := &AgentIdentity{
		DID:          d,
		PublicKey:    pub,
		KeyVersion:   version,
		Capabilities: NewCapabilitySet(capabilities...),
		Sponsor:      sponsor,
		CreatedAt:    s.clock().UTC(),
	}
	s.identities[d.String()] = ident

	s.record(audit.EventIdentity, d.String(), "identity_created", "success", map[string]any{
		"sponsor":      sponsor,
		"capabilities": ident.Capabilities.List(),
	})
	return ident, nil
}

// Identity returns the current identity record for a DID.
func (s *Store) Identity(d did.DID) (*AgentIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ident, ok := s.identities[d.String()]
	if !ok {
		return nil, errs.Ef(errs.KindIdentity, "identity.Identity", "unknown identity %s", d)
	}
	return ident, nil
}

// IssueCredential issues a time-bounded capability grant to a DID. The
// requested capabilities must be a subset of the identity's own grant.
func (s *Store) IssueCredential(d did.DID, capabilities []string, ttl time.Duration) (*Credential, error) {
	const op = "identity.IssueCredential"

	if ttl <= 0 {
		return nil, errs.E(errs.KindIdentity, op, "ttl must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ident, ok := s.identities[d.String()]
	if !ok {
		return nil, errs.Ef(errs.KindIdentity, op, "unknown identity %s", d)
	}

	caps := NewCapabilitySet(capabilities...)
	if !caps.SubsetOf(ident.Capabilities) {
		return nil, errs.Ef(errs.KindIdentity, op, "requested capabilities exceed grant of %s", d)
	}

	now := s.clock().UTC()
	claims := credentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   d.String(),
			Issuer:    credentialIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Capabilities: caps.List(),
	}

	signer, version, err := s.keys.ActiveSigner(issuerOwner)
	if err != nil {
		return nil, err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = "v" + strconv.Itoa(version)
	signed, err := token.SignedString(signer.PrivateKey())
	if err != nil {
		return nil, errs.Wrapf(errs.KindIdentity, op, "sign credential", err)
	}

	cred := &Credential{
		ID:           claims.ID,
		Subject:      d,
		Capabilities: caps,
		IssuedAt:     now,
		TTL:          ttl,
		KeyVersion:   version,
		Token:        signed,
	}
	s.credentials[cred.ID] = cred

	s.record(audit.EventCredential, d.String(), "credential_issued", "success", map[string]any{
		"credential_id": cred.ID,
		"ttl_seconds":   ttl.Seconds(),
		"capabilities":  caps.List(),
	})
	return cred, nil
}

// RotateKey generates new key material for an agent. The previous identity
// record is superseded, and old issuer keys remain in the keystore so
// already-issued credentials keep verifying until they expire.
func (s *Store) RotateKey(d did.DID) (*AgentIdentity, error) {
	const op = "identity.RotateKey"

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.identities[d.String()]
	if !ok {
		return nil, errs.Ef(errs.KindIdentity, op, "unknown identity %s", d)
	}

	version, err := s.keys.Rotate(d.String())
	if err != nil {
		return nil, err
	}
	pub, err := s.keys.PublicKey(d.String(), version)
	if err != nil {
		return nil, err
	}

	rotated := &AgentIdentity{
		DID:          old.DID,
		PublicKey:    pub,
		KeyVersion:   version,
		Capabilities: old.Capabilities.Clone(),
		Sponsor:      old.Sponsor,
		CreatedAt:    old.CreatedAt,
	}
	s.identities[d.String()] = rotated

	s.record(audit.EventIdentity, d.String(), "key_rotated", "success", map[string]any{
		"key_version": version,
	})
	return rotated, nil
}

// Revoke adds a credential to the revocation list. Revocation is monotonic.
func (s *Store) Revoke(credentialID, reason string) error {
	if err := s.revocations.Revoke(credentialID, reason, s.clock()); err != nil {
		return err
	}

	subject := ""
	s.mu.RLock()
	if cred, ok := s.credentials[credentialID]; ok {
		subject = cred.Subject.String()
	}
	s.mu.RUnlock()

	s.record(audit.EventRevocation, subject, "credential_revoked", "success", map[string]any{
		"credential_id": credentialID,
		"reason":        reason,
	})
	return nil
}

// RotateCredential invalidates a credential and issues a replacement with
// the same subject, capabilities, and TTL.
func (s *Store) RotateCredential(credentialID string) (*Credential, error) {
	s.mu.RLock()
	old, ok := s.credentials[credentialID]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.Ef(errs.KindIdentity, "identity.RotateCredential", "unknown credential %q", credentialID)
	}

	if err := s.Revoke(credentialID, "rotated"); err != nil {
		return nil, err
	}
	return s.IssueCredential(old.Subject, old.Capabilities.List(), old.TTL)
}

// Validate checks a credential token. Checks run in order: signature
// integrity, expiry, revocation. Expiry is reported independent of
// revocation status. Malformed and adversarial input of any shape yields
// StatusMalformed with a typed error, never a panic.
func (s *Store) Validate(token string) (Status, *Credential, error) {
	const op = "identity.Validate"

	if token == "" {
		return StatusMalformed, nil, errs.E(errs.KindIdentity, op, "empty credential token")
	}
	if len(token) > maxTokenLength {
		return StatusMalformed, nil, errs.Ef(errs.KindIdentity, op, "credential token exceeds %d bytes", maxTokenLength)
	}

	claims := &credentialClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, s.issuerKeyFunc(),
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return StatusMalformed, nil, errs.Wrapf(errs.KindTrustVerification, op, "signature verification failed", err)
		}
		return StatusMalformed, nil, errs.Wrapf(errs.KindIdentity, op, "credential parse failed", err)
	}
	if !parsed.Valid {
		return StatusMalformed, nil, errs.E(errs.KindTrustVerification, op, "credential token invalid")
	}

	if claims.ID == "" || claims.Subject == "" || claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return StatusMalformed, nil, errs.E(errs.KindIdentity, op, "credential is missing required claims")
	}
	subject, err := did.Parse(claims.Subject)
	if err != nil {
		return StatusMalformed, nil, err
	}

	cred := &Credential{
		ID:           claims.ID,
		Subject:      subject,
		Capabilities: NewCapabilitySet(claims.Capabilities...),
		IssuedAt:     claims.IssuedAt.Time,
		TTL:          claims.ExpiresAt.Sub(claims.IssuedAt.Time),
		Token:        token,
	}

	if cred.IsExpired(s.clock()) {
		return StatusExpired, cred, nil
	}
	if s.revocations.IsRevoked(cred.ID) {
		return StatusRevoked, cred, nil
	}
	return StatusValid, cred, nil
}

// issuerKeyFunc resolves the issuer key version named by the token's kid
// header, supporting verification across key rotations.
func (s *Store) issuerKeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || !strings.HasPrefix(kid, "v") {
			return nil, fmt.Errorf("identity: missing or malformed kid header")
		}
		version, err := strconv.Atoi(kid[1:])
		if err != nil {
			return nil, fmt.Errorf("identity: parse kid %q: %w", kid, err)
		}
		signer, err := s.keys.Signer(issuerOwner, version)
		if err != nil {
			return nil, err
		}
		return signer.PublicKeyBytes(), nil
	}
}

func (s *Store) record(et audit.EventType, agentDID, action, outcome string, data map[string]any) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Log(et, agentDID, action, outcome, "", data); err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}
