package kms

import (
	"path/filepath"
	"testing"
)

func newTestKMS(t *testing.T) (*LocalKMS, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keystore.json")
	k, err := NewLocalKMS(path)
	if err != nil {
		t.Fatalf("new kms: %v", err)
	}
	return k, path
}

func TestGenerateSignVerify(t *testing.T) {
	k, _ := newTestKMS(t)

	v, err := k.Generate("did:trustplane:alpha")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if v != 1 {
		t.Errorf("first version should be 1, got %d", v)
	}

	sig, version, err := k.Sign("did:trustplane:alpha", []byte("payload"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := k.Verify("did:trustplane:alpha", version, []byte("payload"), sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Error("signature should verify")
	}
}

func TestRotateKeepsOldVersionsVerifiable(t *testing.T) {
	k, _ := newTestKMS(t)
	owner := "did:trustplane:rotator"

	if _, err := k.Generate(owner); err != nil {
		t.Fatalf("generate: %v", err)
	}
	sigV1, v1, err := k.Sign(owner, []byte("before rotation"))
	if err != nil {
		t.Fatalf("sign v1: %v", err)
	}

	v2, err := k.Rotate(owner)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if v2 != v1+1 {
		t.Errorf("rotation should increment version: %d -> %d", v1, v2)
	}

	// Old signature still verifies against the retained key.
	ok, err := k.Verify(owner, v1, []byte("before rotation"), sigV1)
	if err != nil || !ok {
		t.Errorf("old version signature should still verify (ok=%v err=%v)", ok, err)
	}

	// New signatures use the new version.
	_, version, _ := k.Sign(owner, []byte("after"))
	if version != v2 {
		t.Errorf("active signing should use version %d, got %d", v2, version)
	}
}

func TestKeystoreSurvivesRestart(t *testing.T) {
	k, path := newTestKMS(t)
	owner := "issuer"

	if _, err := k.Generate(owner); err != nil {
		t.Fatalf("generate: %v", err)
	}
	sig, version, _ := k.Sign(owner, []byte("durable"))

	// Reload from disk.
	k2, err := NewLocalKMS(path)
	if err != nil {
		t.Fatalf("reload kms: %v", err)
	}
	ok, err := k2.Verify(owner, version, []byte("durable"), sig)
	if err != nil || !ok {
		t.Errorf("reloaded keystore should verify old signature (ok=%v err=%v)", ok, err)
	}

	active, err := k2.ActiveVersion(owner)
	if err != nil || active != version {
		t.Errorf("active version should survive restart, got %d (%v)", active, err)
	}
}

func TestUnknownOwnerErrors(t *testing.T) {
	k, _ := newTestKMS(t)

	if _, _, err := k.Sign("nobody", []byte("x")); err == nil {
		t.Error("signing for unknown owner should fail")
	}
	if _, err := k.Rotate("nobody"); err == nil {
		t.Error("rotating unknown owner should fail")
	}
	if _, err := k.Generate("twice"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := k.Generate("twice"); err == nil {
		t.Error("double generate should fail")
	}
}
