// Command trustplaned runs the trust and governance daemon: identity and
// credential lifecycle, trust scoring, policy evaluation, handshakes, and the
// audit chain, behind a rate-limited HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trustplane/trustplane/pkg/audit"
	"github.com/trustplane/trustplane/pkg/config"
	"github.com/trustplane/trustplane/pkg/did"
	"github.com/trustplane/trustplane/pkg/handshake"
	"github.com/trustplane/trustplane/pkg/identity"
	"github.com/trustplane/trustplane/pkg/kms"
	"github.com/trustplane/trustplane/pkg/observability"
	"github.com/trustplane/trustplane/pkg/policy"
	"github.com/trustplane/trustplane/pkg/ratelimit"
	"github.com/trustplane/trustplane/pkg/reward"
	"github.com/trustplane/trustplane/pkg/service"
	"github.com/trustplane/trustplane/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "trustplaned:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx := context.Background()

	// The provider is a no-op unless an OTLP endpoint is configured, so the
	// instrumented paths below never need to branch.
	obsCfg := observability.DefaultConfig()
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = true
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer obs.Shutdown(ctx)

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	auditStore, err := store.NewAuditStore(db)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	persisted, err := auditStore.LoadEntries(ctx)
	if err != nil {
		return fmt.Errorf("load audit entries: %w", err)
	}
	chain, err := audit.Replay(persisted, audit.WithSink(&meteredSink{sink: auditStore, obs: obs}))
	if err != nil {
		return fmt.Errorf("replay audit chain: %w", err)
	}
	logger.Info("audit chain restored", "entries", chain.Len(), "root_hash", chain.RootHash())

	revStore, err := store.NewRevocationStore(db)
	if err != nil {
		return fmt.Errorf("revocation store: %w", err)
	}
	revs, err := revStore.LoadRevocations(ctx)
	if err != nil {
		return fmt.Errorf("load revocations: %w", err)
	}

	keys, err := kms.NewLocalKMS(cfg.KeystorePath)
	if err != nil {
		return fmt.Errorf("keystore: %w", err)
	}

	identities, err := identity.NewStore(keys,
		identity.WithAudit(chain),
		identity.WithRevocationList(identity.LoadRevocationList(revs, revStore)),
		identity.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("identity store: %w", err)
	}

	scores, err := service.NewProviderRegistry().Resolve(cfg.ScoringProvider,
		reward.WithAudit(chain),
		reward.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("scoring provider: %w", err)
	}
	logger.Info("scoring provider ready", "provider", cfg.ScoringProvider)

	policies, err := policy.NewEngine(policy.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}
	if cfg.PolicyBundlePath != "" {
		if err := policies.LoadBundleFile(cfg.PolicyBundlePath); err != nil {
			return fmt.Errorf("policy bundle: %w", err)
		}
		logger.Info("policy bundle loaded", "path", cfg.PolicyBundlePath, "policies", policies.Policies())
	}

	// The daemon's own identity answers inbound handshakes.
	self, err := identities.CreateIdentity("trustplaned", "", []string{"handshake", "govern"})
	if err != nil {
		return fmt.Errorf("daemon identity: %w", err)
	}
	logger.Info("daemon identity created", "did", self.DID)

	transport := newHTTPTransport()
	protocol, err := handshake.New(self.DID, transport, identities, scores,
		handshake.WithTimeout(cfg.HandshakeTimeout),
		handshake.WithPolicy(policies),
		handshake.WithRevocations(identities.Revocations()),
		handshake.WithAudit(chain),
		handshake.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("handshake protocol: %w", err)
	}

	svc, err := service.New(identities, scores, chain, policies,
		service.WithHandshakeProtocol(protocol),
		service.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("service: %w", err)
	}

	unsubscribe := svc.SubscribeRevocation(func(agent did.DID, score float64) {
		logger.Warn("trust score crossed revocation threshold", "agent", agent, "score", score)
		obs.RecordRevocation(ctx, agent.String())
	})
	defer unsubscribe()

	checker, closeChecker, err := newRateLimitChecker(cfg)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	defer closeChecker()

	srv := newServer(svc, self.DID, transport, obs, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(&meteredChecker{checker: checker, obs: obs}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("trustplaned listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// newRateLimitChecker picks the Redis-backed bucket when a Redis address is
// configured, otherwise the in-process one.
func newRateLimitChecker(cfg *config.Config) (ratelimit.Checker, func(), error) {
	rlCfg := ratelimit.Config{
		Capacity:     cfg.RateLimitCap,
		RefillRate:   cfg.RateLimitRefill,
		LowWaterMark: cfg.RateLimitLowWater,
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		limiter, err := ratelimit.NewRedisLimiter(client, rlCfg)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return limiter, func() { client.Close() }, nil
	}

	limiter, err := ratelimit.NewLimiter(rlCfg)
	if err != nil {
		return nil, nil, err
	}
	return limiter, limiter.Close, nil
}

// meteredSink counts every durable audit append on its way to the store.
type meteredSink struct {
	sink audit.Sink
	obs  *observability.Provider
}

func (m *meteredSink) AppendEntry(e *audit.Entry) error {
	if err := m.sink.AppendEntry(e); err != nil {
		return err
	}
	m.obs.RecordAuditAppend(context.Background(), string(e.EventType))
	return nil
}

// meteredChecker counts rate-limit denials without changing the decision.
type meteredChecker struct {
	checker ratelimit.Checker
	obs     *observability.Provider
}

func (m *meteredChecker) Check(ctx context.Context, key string) (ratelimit.Result, error) {
	res, err := m.checker.Check(ctx, key)
	if err == nil && !res.Allowed {
		m.obs.RecordRateLimitDenial(ctx, key)
	}
	return res, err
}

func logLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
