// Package kms provides key management for identity and credential signing.
//
// Keys are Ed25519, versioned per owner, and persisted to a restricted-mode
// JSON keystore so key material survives restarts. Rotation generates a new
// active version while old versions remain available for verifying
// signatures produced before the rotation.
package kms

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/trustplane/trustplane/pkg/crypto"
	"github.com/trustplane/trustplane/pkg/errs"
)

// Manager is the key-management primitive the identity store depends on.
type Manager interface {
	// Generate creates version 1 for a new owner. Fails if the owner exists.
	Generate(owner string) (version int, err error)

	// Rotate generates a new active key version for the owner.
	// Old versions remain usable for verification.
	Rotate(owner string) (version int, err error)

	// Sign signs data with the owner's active key, returning the hex
	// signature and the key version that produced it.
	Sign(owner string, data []byte) (sig string, version int, err error)

	// Verify verifies a hex signature against a specific key version.
	Verify(owner string, version int, data []byte, sig string) (bool, error)

	// PublicKey returns the hex-encoded public key of a version.
	PublicKey(owner string, version int) (string, error)

	// ActiveVersion returns the owner's current active key version.
	ActiveVersion(owner string) (int, error)
}

// ownerRecord is the on-disk state for one key owner.
type ownerRecord struct {
	ActiveVersion int               `json:"active_version"`
	Seeds         map[string]string `json:"seeds"` // version -> base64 32-byte seed
}

// keystore is the on-disk JSON format.
type keystore struct {
	Owners map[string]*ownerRecord `json:"owners"`
}

// LocalKMS is a file-backed Manager. Safe for concurrent use.
type LocalKMS struct {
	mu      sync.RWMutex
	path    string
	store   keystore
	signers map[string]map[int]*crypto.Ed25519Signer // decoded cache
}

// NewLocalKMS loads or creates a keystore at the given path.
func NewLocalKMS(keystorePath string) (*LocalKMS, error) {
	k := &LocalKMS{
		path:    keystorePath,
		store:   keystore{Owners: make(map[string]*ownerRecord)},
		signers: make(map[string]map[int]*crypto.Ed25519Signer),
	}

	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(keystorePath), 0700); err != nil {
			return nil, errs.Wrapf(errs.KindStorage, "kms.NewLocalKMS", "create keystore dir", err)
		}
		if err := k.persist(); err != nil {
			return nil, err
		}
		return k, nil
	}

	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, errs.Wrapf(errs.KindStorage, "kms.NewLocalKMS", "read keystore", err)
	}
	if err := json.Unmarshal(data, &k.store); err != nil {
		return nil, errs.Wrapf(errs.KindStorage, "kms.NewLocalKMS", "parse keystore", err)
	}
	if k.store.Owners == nil {
		k.store.Owners = make(map[string]*ownerRecord)
	}

	for owner, rec := range k.store.Owners {
		for vStr, encoded := range rec.Seeds {
			v, err := strconv.Atoi(vStr)
			if err != nil {
				return nil, errs.Ef(errs.KindStorage, "kms.NewLocalKMS", "invalid key version %q for %s", vStr, owner)
			}
			seed, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, errs.Wrapf(errs.KindStorage, "kms.NewLocalKMS", fmt.Sprintf("decode seed %s v%d", owner, v), err)
			}
			if err := k.cacheSigner(owner, v, seed); err != nil {
				return nil, err
			}
		}
		if _, ok := k.signers[owner][rec.ActiveVersion]; !ok {
			return nil, errs.Ef(errs.KindStorage, "kms.NewLocalKMS", "active version %d missing for %s", rec.ActiveVersion, owner)
		}
	}

	return k, nil
}

// Generate creates version 1 for a new owner.
func (k *LocalKMS) Generate(owner string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.store.Owners[owner]; exists {
		return 0, errs.Ef(errs.KindIdentity, "kms.Generate", "key owner %q already exists", owner)
	}
	k.store.Owners[owner] = &ownerRecord{Seeds: make(map[string]string)}
	return k.addVersionLocked(owner)
}

// Rotate generates a new active version for an existing owner.
func (k *LocalKMS) Rotate(owner string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.store.Owners[owner]; !exists {
		return 0, errs.Ef(errs.KindIdentity, "kms.Rotate", "unknown key owner %q", owner)
	}
	return k.addVersionLocked(owner)
}

// addVersionLocked mints the next version, persists, and caches the signer.
// Caller holds k.mu.
func (k *LocalKMS) addVersionLocked(owner string) (int, error) {
	rec := k.store.Owners[owner]
	newVersion := rec.ActiveVersion + 1

	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return 0, errs.Wrapf(errs.KindStorage, "kms.addVersion", "generate seed", err)
	}

	rec.Seeds[strconv.Itoa(newVersion)] = base64.StdEncoding.EncodeToString(seed)
	rec.ActiveVersion = newVersion
	if err := k.cacheSigner(owner, newVersion, seed); err != nil {
		return 0, err
	}

	if err := k.persist(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (k *LocalKMS) cacheSigner(owner string, version int, seed []byte) error {
	signer, err := crypto.NewEd25519SignerFromSeed(seed, fmt.Sprintf("%s/v%d", owner, version))
	if err != nil {
		return errs.Wrapf(errs.KindStorage, "kms.cacheSigner", "decode seed", err)
	}
	if k.signers[owner] == nil {
		k.signers[owner] = make(map[int]*crypto.Ed25519Signer)
	}
	k.signers[owner][version] = signer
	return nil
}

// Sign signs data with the owner's active key.
func (k *LocalKMS) Sign(owner string, data []byte) (string, int, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	rec, ok := k.store.Owners[owner]
	if !ok {
		return "", 0, errs.Ef(errs.KindIdentity, "kms.Sign", "unknown key owner %q", owner)
	}
	signer := k.signers[owner][rec.ActiveVersion]
	return signer.Sign(data), rec.ActiveVersion, nil
}

// Verify verifies a signature against a specific historical key version.
func (k *LocalKMS) Verify(owner string, version int, data []byte, sig string) (bool, error) {
	signer, err := k.signer(owner, version)
	if err != nil {
		return false, err
	}
	return crypto.Verify(signer.PublicKey(), sig, data)
}

// PublicKey returns the hex public key for an owner/version pair.
func (k *LocalKMS) PublicKey(owner string, version int) (string, error) {
	signer, err := k.signer(owner, version)
	if err != nil {
		return "", err
	}
	return signer.PublicKey(), nil
}

// ActiveVersion returns the owner's active key version.
func (k *LocalKMS) ActiveVersion(owner string) (int, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	rec, ok := k.store.Owners[owner]
	if !ok {
		return 0, errs.Ef(errs.KindIdentity, "kms.ActiveVersion", "unknown key owner %q", owner)
	}
	return rec.ActiveVersion, nil
}

// ActiveSigner returns the signer for the owner's active version, for callers
// that sign through external libraries (JWT issuance).
func (k *LocalKMS) ActiveSigner(owner string) (*crypto.Ed25519Signer, int, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	rec, ok := k.store.Owners[owner]
	if !ok {
		return nil, 0, errs.Ef(errs.KindIdentity, "kms.ActiveSigner", "unknown key owner %q", owner)
	}
	return k.signers[owner][rec.ActiveVersion], rec.ActiveVersion, nil
}

// Signer returns the signer for a specific owner/version pair.
func (k *LocalKMS) Signer(owner string, version int) (*crypto.Ed25519Signer, error) {
	return k.signer(owner, version)
}

func (k *LocalKMS) signer(owner string, version int) (*crypto.Ed25519Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	versions, ok := k.signers[owner]
	if !ok {
		return nil, errs.Ef(errs.KindIdentity, "kms.signer", "unknown key owner %q", owner)
	}
	signer, ok := versions[version]
	if !ok {
		return nil, errs.Ef(errs.KindIdentity, "kms.signer", "unknown key version %d for %q", version, owner)
	}
	return signer, nil
}

// persist writes the keystore with restricted permissions. Caller holds k.mu.
func (k *LocalKMS) persist() error {
	data, err := json.MarshalIndent(k.store, "", "  ")
	if err != nil {
		return errs.Wrapf(errs.KindStorage, "kms.persist", "marshal keystore", err)
	}
	if err := os.WriteFile(k.path, data, 0600); err != nil {
		return errs.Wrapf(errs.KindStorage, "kms.persist", "write keystore", err)
	}
	return nil
}
