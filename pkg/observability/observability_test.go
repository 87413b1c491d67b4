package observability

import (
	"context"
	"testing"
	"time"
)

// A disabled provider must be safe to use everywhere a real one is.
func TestDisabledProviderIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx := context.Background()
	p.RecordHandshake(ctx, "verified", 120*time.Millisecond)
	p.RecordRateLimitDenial(ctx, "did:trustplane:noisy")
	p.RecordAuditAppend(ctx, "trust_handshake")
	p.RecordRevocation(ctx, "did:trustplane:doomed")

	_, span := p.StartSpan(ctx, "handshake.initiate")
	span.End()

	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "trustplane" {
		t.Errorf("service name = %q", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 || !cfg.Enabled {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
