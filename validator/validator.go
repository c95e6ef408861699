// Package validator implements the tiered transfer validation pipeline
// of spec.md §4.8: gossip duplicate-detection, federation query,
// attestation verification, and a tunable confidence score combining
// peer convergence, federation depth, and propagation wait, with an
// age-based expiry ("lazy demurrage") cliff ahead of every other tier.
package validator

import (
	"context"
	"time"

	"github.com/scarcity-net/scarcity/types"
)

// Config holds the validator's tunables (spec.md §4.8).
type Config struct {
	WaitTime        time.Duration
	MinConfidence   float64
	MaxTokenAge     time.Duration
	FederationDepth int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		WaitTime:        5 * time.Second,
		MinConfidence:   0.7,
		MaxTokenAge:     maxTokenAgeDefault(),
		FederationDepth: 3,
	}
}

// maxTokenAgeDefault mirrors gossip.DefaultConfig's MaxNullifierAgeMs
// expression so the validator's cliff and the gossip module's retention
// window stay in the same units and the documented "≈1.5 years" relation
// (spec.md §4.7) holds: the validator's window must not exceed the
// gossip module's retention, or legitimate old transfers could be
// rejected as unconfirmable after their gossip record has already been
// pruned.
func maxTokenAgeDefault() time.Duration {
	const ms = int64(24 * 24 * 24 * 3600 * 1000)
	return time.Duration(ms) * time.Millisecond
}

// GossipChecker is the subset of gossip.Node the validator depends on.
type GossipChecker interface {
	CheckNullifier(nullifier [32]byte) float64
	PeerCount(nullifier [32]byte) int
}

// WitnessChecker is the subset of witness.Client the validator depends on.
type WitnessChecker interface {
	CheckNullifier(ctx context.Context, nullifier [32]byte) (float64, error)
	Verify(ctx context.Context, att types.Attestation) (bool, error)
	FederationDepth() int
}

// Mode selects which of the three pipeline variants to run.
type Mode int

const (
	ModeStandard Mode = iota
	ModeFast
	ModeDeep
)

// Validator runs the tiered pipeline against a configured gossip and
// witness backend.
type Validator struct {
	cfg     Config
	gossip  GossipChecker
	witness WitnessChecker
	now     func() time.Time
}

// New constructs a Validator.
func New(cfg Config, gossip GossipChecker, witness WitnessChecker) *Validator {
	return &Validator{
		cfg:     cfg,
		gossip:  gossip,
		witness: witness,
		now:     time.Now,
	}
}

// gossipDoubleSpendThreshold separates "one peer told me" (likely the
// legitimate first sighting) from "many peers told me" (convergent
// consensus it was spent elsewhere).
const gossipDoubleSpendThreshold = 0.5

// Validate runs the pipeline selected by mode. Deep mode uses
// extendedWait in place of the configured wait time; it is ignored for
// the other two modes.
func (v *Validator) Validate(ctx context.Context, pkg *types.TransferPackage, mode Mode, extendedWait time.Duration) types.ValidationResult {
	// Tier 1: age gate, the lazy-demurrage cliff. Runs before every
	// other tier regardless of mode.
	if v.now().Sub(time.UnixMilli(pkg.Proof.TimestampMs)) > v.cfg.MaxTokenAge {
		return types.ValidationResult{Valid: false, Confidence: 0, Reason: "expired"}
	}

	// Tier 2: gossip duplicate-detection.
	if v.gossip.CheckNullifier(pkg.Nullifier) > gossipDoubleSpendThreshold {
		return types.ValidationResult{Valid: false, Confidence: 0, Reason: "Double-spend detected via gossip convergence"}
	}

	// Tier 3: federation query.
	fedConfidence, err := v.witness.CheckNullifier(ctx, pkg.Nullifier)
	if err == nil && fedConfidence > 0 {
		return types.ValidationResult{Valid: false, Confidence: 0, Reason: "Double-spend detected via federation"}
	}

	// Tier 4: attestation verification.
	valid, err := v.witness.Verify(ctx, pkg.Proof)
	if err != nil || !valid {
		return types.ValidationResult{Valid: false, Confidence: 0, Reason: "invalid proof"}
	}

	wait := v.cfg.WaitTime
	switch mode {
	case ModeFast:
		wait = 0
	case ModeDeep:
		wait = extendedWait
	}

	if wait > 0 {
		// Tier 5: propagation wait, then re-check gossip with the same
		// threshold. Callers may abandon this wait via ctx; no
		// half-written state results from doing so (spec.md §5).
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return types.ValidationResult{Valid: false, Confidence: 0, Reason: "validation cancelled"}
		}
		if v.gossip.CheckNullifier(pkg.Nullifier) > gossipDoubleSpendThreshold {
			return types.ValidationResult{Valid: false, Confidence: 0, Reason: "Double-spend detected after propagation wait"}
		}
	}

	confidence := v.confidence(pkg.Nullifier, wait)
	if confidence < v.cfg.MinConfidence {
		return types.ValidationResult{Valid: false, Confidence: confidence, Reason: "insufficient confidence"}
	}
	return types.ValidationResult{Valid: true, Confidence: confidence, Reason: ""}
}

// confidence implements peer_score + witness_score + time_score from
// spec.md §4.8, each capped at its own ceiling before summing.
func (v *Validator) confidence(nullifier [32]byte, wait time.Duration) float64 {
	peers := float64(v.gossip.PeerCount(nullifier))
	peerScore := peers / 10
	if peerScore > 0.5 {
		peerScore = 0.5
	}

	depth := v.cfg.FederationDepth
	if v.witness != nil {
		if d := v.witness.FederationDepth(); d > 0 {
			depth = d
		}
	}
	witnessScore := float64(depth) / 3
	if witnessScore > 0.3 {
		witnessScore = 0.3
	}

	timeScore := float64(wait.Milliseconds()) / 10000
	if timeScore > 0.2 {
		timeScore = 0.2
	}

	return peerScore + witnessScore + timeScore
}

// Fast runs fast validation: tiers 1-4 only, wait=0.
func (v *Validator) Fast(ctx context.Context, pkg *types.TransferPackage) types.ValidationResult {
	return v.Validate(ctx, pkg, ModeFast, 0)
}

// Standard runs the full standard pipeline with the configured wait.
func (v *Validator) Standard(ctx context.Context, pkg *types.TransferPackage) types.ValidationResult {
	return v.Validate(ctx, pkg, ModeStandard, 0)
}

// Deep runs standard validation with an extended wait in place of the
// configured one (e.g. 30s).
func (v *Validator) Deep(ctx context.Context, pkg *types.TransferPackage, extendedWait time.Duration) types.ValidationResult {
	return v.Validate(ctx, pkg, ModeDeep, extendedWait)
}
