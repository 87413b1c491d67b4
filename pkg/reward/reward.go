// Package reward maintains multi-dimensional, EMA-smoothed trust scores per
// agent. Scores decay toward a neutral baseline during inactivity and emit
// edge-triggered revocation notifications when the aggregate crosses below a
// configured threshold.
package reward

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/trustplane/trustplane/pkg/audit"
	"github.com/trustplane/trustplane/pkg/did"
	"github.com/trustplane/trustplane/pkg/errs"
)

// Dimension names one scored axis of agent behavior.
type Dimension string

const (
	DimPolicyCompliance  Dimension = "policy_compliance"
	DimOutputQuality     Dimension = "output_quality"
	DimCollaboration     Dimension = "collaboration_reliability"
	DimSecurityPosture   Dimension = "security_posture"
	DimDelegationHygiene Dimension = "delegation_hygiene"

	// DimOverall is the single axis used by the degraded community
	// configuration.
	DimOverall Dimension = "overall"
)

// Score bounds and defaults.
const (
	MinScore     = 0.0
	MaxScore     = 1000.0
	DefaultScore = 800.0 // midpoint-high starting trust for unseen agents
	Baseline     = 500.0 // neutral value decay pulls toward
)

// TrustScore is the scored state of one agent. Returned values are snapshots;
// the engine owns the live state.
type TrustScore struct {
	AgentDID    did.DID               `json:"agent_did"`
	Dimensions  map[Dimension]float64 `json:"dimensions"`
	Aggregate   float64               `json:"aggregate"`
	SignalCount uint64                `json:"signal_count"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// DecayStrategy pulls a dimension value toward the baseline as time passes
// without signals. Implementations must be safe for concurrent use.
type DecayStrategy interface {
	Apply(value float64, elapsed time.Duration) float64
}

// LinearDecay moves a value toward Target by PerHour points per hour of
// inactivity, never overshooting.
type LinearDecay struct {
	PerHour float64
	Target  float64
}

func (d LinearDecay) Apply(value float64, elapsed time.Duration) float64 {
	if elapsed <= 0 || d.PerHour <= 0 {
		return value
	}
	shift := d.PerHour * elapsed.Hours()
	switch {
	case value > d.Target:
		return math.Max(d.Target, value-shift)
	case value < d.Target:
		return math.Min(d.Target, value+shift)
	default:
		return value
	}
}

// Observer is notified when an agent's aggregate score crosses below the
// revocation threshold. Callbacks run synchronously inside the triggering
// update and must return promptly.
type Observer func(agent did.DID, score float64)

// Config controls smoothing, weighting, and revocation behavior.
type Config struct {
	// Alpha is the EMA weight on the newest signal, in (0, 1].
	Alpha float64
	// Dimensions lists the scored axes. Weights maps each to its share of
	// the aggregate; missing entries weigh equally.
	Dimensions []Dimension
	Weights    map[Dimension]float64
	// RevocationThreshold is the aggregate value below which observers
	// fire (edge-triggered).
	RevocationThreshold float64
	// Decay is applied lazily on read and update based on elapsed time
	// since the last signal. Nil disables decay.
	Decay DecayStrategy
}

// DefaultConfig is the full five-dimension scoring model.
func DefaultConfig() Config {
	return Config{
		Alpha: 0.3,
		Dimensions: []Dimension{
			DimPolicyCompliance,
			DimOutputQuality,
			DimCollaboration,
			DimSecurityPosture,
			DimDelegationHygiene,
		},
		RevocationThreshold: 500,
		Decay:               LinearDecay{PerHour: 5, Target: Baseline},
	}
}

// CommunityConfig is the degraded single-dimension model: one axis, heavier
// smoothing, same interface and thresholds.
func CommunityConfig() Config {
	return Config{
		Alpha:               0.5,
		Dimensions:          []Dimension{DimOverall},
		RevocationThreshold: 500,
		Decay:               LinearDecay{PerHour: 5, Target: Baseline},
	}
}

// agentState serializes updates for one agent. Different agents never
// contend with each other.
type agentState struct {
	mu            sync.Mutex
	score         TrustScore
	belowNotified bool
}

// Engine owns all TrustScore state. Construct with New; pass the instance
// explicitly rather than sharing a package-level singleton.
type Engine struct {
	cfg     Config
	weights map[Dimension]float64
	clock   func() time.Time
	logger  *slog.Logger
	auditor audit.Recorder

	mu     sync.RWMutex
	agents map[string]*agentState

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	obsNext   uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithAudit emits a reward_signal entry for every recorded signal and a
// revocation entry for every threshold crossing.
func WithAudit(rec audit.Recorder) Option {
	return func(e *Engine) { e.auditor = rec }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// New validates cfg and builds an engine. Invalid configuration fails here,
// not at first use.
func New(cfg Config, opts ...Option) (*Engine, error) {
	const op = "reward.New"

	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		return nil, errs.Ef(errs.KindTrust, op, "alpha %v outside (0, 1]", cfg.Alpha)
	}
	if len(cfg.Dimensions) == 0 {
		return nil, errs.E(errs.KindTrust, op, "no dimensions configured")
	}
	if cfg.RevocationThreshold < MinScore || cfg.RevocationThreshold > MaxScore {
		return nil, errs.Ef(errs.KindTrust, op, "revocation threshold %v outside [%v, %v]", cfg.RevocationThreshold, MinScore, MaxScore)
	}

	weights := make(map[Dimension]float64, len(cfg.Dimensions))
	var total float64
	for _, dim := range cfg.Dimensions {
		w := 1.0
		if cfg.Weights != nil {
			if cw, ok := cfg.Weights[dim]; ok {
				if cw < 0 {
					return nil, errs.Ef(errs.KindTrust, op, "negative weight for dimension %q", dim)
				}
				w = cw
			}
		}
		weights[dim] = w
		total += w
	}
	if total == 0 {
		return nil, errs.E(errs.KindTrust, op, "all dimension weights are zero")
	}
	for dim := range weights {
		weights[dim] /= total
	}

	e := &Engine{
		cfg:       cfg,
		weights:   weights,
		clock:     time.Now,
		logger:    slog.Default(),
		agents:    make(map[string]*agentState),
		observers: make(map[uint64]Observer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Subscribe registers a revocation observer and returns its unsubscribe
// function.
func (e *Engine) Subscribe(obs Observer) func() {
	e.obsMu.Lock()
	id := e.obsNext
	e.obsNext++
	e.observers[id] = obs
	e.obsMu.Unlock()

	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

// RecordSignal applies one behavioral observation to an agent's score. value
// is clamped to [0, 1000]. The dimension update and aggregate recomputation
// are atomic per agent; concurrent signals for distinct agents do not block
// each other.
func (e *Engine) RecordSignal(agent did.DID, dim Dimension, value float64, metadata map[string]any) (*TrustScore, error) {
	const op = "reward.RecordSignal"

	if agent.IsZero() {
		return nil, errs.E(errs.KindTrust, op, "empty agent DID")
	}
	if _, ok := e.weights[dim]; !ok {
		return nil, errs.Ef(errs.KindTrust, op, "unknown dimension %q", dim)
	}
	value = clamp(value)

	state := e.state(agent)
	now := e.clock().UTC()

	state.mu.Lock()
	e.decayLocked(state, now)

	old := state.score.Dimensions[dim]
	state.score.Dimensions[dim] = clamp(e.cfg.Alpha*value + (1-e.cfg.Alpha)*old)
	state.score.Aggregate = e.aggregate(state.score.Dimensions)
	state.score.SignalCount++
	state.score.UpdatedAt = now
	snapshot := snapshotScore(&state.score)

	crossed := e.checkThresholdLocked(state)
	state.mu.Unlock()

	if crossed {
		e.notifyRevocation(agent, snapshot.Aggregate)
	}

	if e.auditor != nil {
		data := map[string]any{
			"dimension": string(dim),
			"value":     value,
			"aggregate": snapshot.Aggregate,
		}
		for k, v := range metadata {
			data[k] = v
		}
		if _, err := e.auditor.Log(audit.EventRewardSignal, agent.String(), "record_signal", "applied", string(dim), data); err != nil {
			e.logger.Warn("audit append failed for reward signal", "agent", agent, "error", err)
		}
	}

	return snapshot, nil
}

// Score returns the agent's current score, applying pending decay. Unseen
// agents get a default-initialized score.
func (e *Engine) Score(agent did.DID) *TrustScore {
	state := e.state(agent)
	now := e.clock().UTC()

	state.mu.Lock()
	e.decayLocked(state, now)
	crossed := e.checkThresholdLocked(state)
	snapshot := snapshotScore(&state.score)
	state.mu.Unlock()

	if crossed {
		e.notifyRevocation(agent, snapshot.Aggregate)
	}
	return snapshot
}

// AgentsBelow returns the DIDs of all known agents whose aggregate score,
// after pending decay, is strictly below threshold. Sorted for determinism.
func (e *Engine) AgentsBelow(threshold float64) []did.DID {
	e.mu.RLock()
	states := make(map[string]*agentState, len(e.agents))
	for k, v := range e.agents {
		states[k] = v
	}
	e.mu.RUnlock()

	now := e.clock().UTC()
	var out []did.DID
	for _, state := range states {
		state.mu.Lock()
		e.decayLocked(state, now)
		if state.score.Aggregate < threshold {
			out = append(out, state.score.AgentDID)
		}
		state.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// RecomputeAll applies pending decay to every known agent, firing revocation
// notifications for any threshold crossings the decay causes.
func (e *Engine) RecomputeAll() {
	e.mu.RLock()
	states := make(map[string]*agentState, len(e.agents))
	for k, v := range e.agents {
		states[k] = v
	}
	e.mu.RUnlock()

	now := e.clock().UTC()
	for _, state := range states {
		state.mu.Lock()
		e.decayLocked(state, now)
		crossed := e.checkThresholdLocked(state)
		agentDID := state.score.AgentDID
		agg := state.score.Aggregate
		state.mu.Unlock()

		if crossed {
			e.notifyRevocation(agentDID, agg)
		}
	}
}

// Threshold returns the configured revocation threshold.
func (e *Engine) Threshold() float64 {
	return e.cfg.RevocationThreshold
}

// Dimensions returns the configured scoring axes.
func (e *Engine) Dimensions() []Dimension {
	return append([]Dimension(nil), e.cfg.Dimensions...)
}

// HasDimension reports whether the engine scores the given axis.
func (e *Engine) HasDimension(dim Dimension) bool {
	_, ok := e.weights[dim]
	return ok
}

// state returns the agent's state, creating default-initialized score state
// on first sight.
func (e *Engine) state(agent did.DID) *agentState {
	key := agent.String()

	e.mu.RLock()
	st, ok := e.agents[key]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.agents[key]; ok {
		return st
	}

	dims := make(map[Dimension]float64, len(e.cfg.Dimensions))
	for _, d := range e.cfg.Dimensions {
		dims[d] = DefaultScore
	}
	st = &agentState{
		score: TrustScore{
			AgentDID:   agent,
			Dimensions: dims,
			Aggregate:  e.aggregate(dims),
			UpdatedAt:  e.clock().UTC(),
		},
	}
	e.agents[key] = st
	return st
}

// decayLocked applies pending decay to every dimension. Caller holds
// state.mu.
func (e *Engine) decayLocked(state *agentState, now time.Time) {
	if e.cfg.Decay == nil {
		return
	}
	elapsed := now.Sub(state.score.UpdatedAt)
	if elapsed <= 0 {
		return
	}
	for dim, v := range state.score.Dimensions {
		state.score.Dimensions[dim] = clamp(e.cfg.Decay.Apply(v, elapsed))
	}
	state.score.Aggregate = e.aggregate(state.score.Dimensions)
	state.score.UpdatedAt = now
}

// checkThresholdLocked updates the edge-trigger latch and reports whether
// this transition crossed below the threshold. At most one notification fires
// per excursion below the threshold; the latch re-arms once the score
// recovers. Caller holds state.mu.
func (e *Engine) checkThresholdLocked(state *agentState) bool {
	if state.score.Aggregate >= e.cfg.RevocationThreshold {
		state.belowNotified = false // re-arm once recovered
		return false
	}
	if state.belowNotified {
		return false // already fired for this excursion
	}
	state.belowNotified = true
	return true
}

func (e *Engine) notifyRevocation(agent did.DID, score float64) {
	e.obsMu.RLock()
	obs := make([]Observer, 0, len(e.observers))
	for _, o := range e.observers {
		obs = append(obs, o)
	}
	e.obsMu.RUnlock()

	e.logger.Info("trust score crossed revocation threshold", "agent", agent, "score", score)
	for _, o := range obs {
		o(agent, score)
	}

	if e.auditor != nil {
		data := map[string]any{"score": score, "threshold": e.cfg.RevocationThreshold}
		if _, err := e.auditor.Log(audit.EventRevocation, agent.String(), "threshold_crossing", "notified", "", data); err != nil {
			e.logger.Warn("audit append failed for revocation trigger", "agent", agent, "error", err)
		}
	}
}

func (e *Engine) aggregate(dims map[Dimension]float64) float64 {
	var sum float64
	for dim, w := range e.weights {
		sum += w * dims[dim]
	}
	return clamp(sum)
}

func snapshotScore(s *TrustScore) *TrustScore {
	dims := make(map[Dimension]float64, len(s.Dimensions))
	for k, v := range s.Dimensions {
		dims[k] = v
	}
	out := *s
	out.Dimensions = dims
	return &out
}

func clamp(v float64) float64 {
	switch {
	case v < MinScore:
		return MinScore
	case v > MaxScore:
		return MaxScore
	default:
		return v
	}
}
