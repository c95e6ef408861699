// Package types holds the wire and domain data model shared across the
// core: Token, Attestation, TransferPackage, GossipMessage,
// NullifierRecord, PeerReputation, RateBucket, HTLCCondition, and
// BridgePackage, exactly as spec.md §3 defines them. Keeping these in
// one leaf package (rather than letting each subsystem define its own
// near-duplicate) is the same layering lnwire uses for the teacher's
// wire messages: one package of tagged structs that every other
// package imports without creating cycles.
package types

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"golang.org/x/time/rate"
)

// Token is held privately by its owner. Secret lifetime equals token
// lifetime; Secret must never be transmitted over the wire.
type Token struct {
	mu sync.Mutex

	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Secret []byte `json:"-"`
	spent  bool
}

// NewToken constructs a Token with spent=false.
func NewToken(id string, amount int64, secret []byte) *Token {
	return &Token{ID: id, Amount: amount, Secret: secret}
}

// Spent reports whether this token instance has already been spent.
func (t *Token) Spent() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent
}

// MarkSpent transitions the token to spent unconditionally. It does not
// report whether the token was already spent; spend paths that need that
// check use TrySpend below.
func (t *Token) MarkSpent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spent = true
}

// TrySpend atomically checks-and-marks spent, returning false if the
// token was already spent. Every spend path in package token must go
// through this instead of checking Spent() and calling MarkSpent()
// separately, to avoid a window where two concurrent callers both
// observe spent=false.
func (t *Token) TrySpend() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.spent {
		return false
	}
	t.spent = true
	return true
}

// SignatureForm distinguishes the two Attestation sub-forms spec.md §3
// names: per-witness multi-signature, or a single BLS aggregate.
type SignatureForm int

const (
	FormMultiSig SignatureForm = iota
	FormAggregated
)

// Attestation is the threshold-signed {hash, timestamp} tuple a Witness
// federation returns. Raw preserves the federation-native structure for
// later re-verification.
type Attestation struct {
	Hash       [32]byte        `json:"hash"`
	TimestampMs int64          `json:"timestamp"`
	Form        SignatureForm  `json:"form"`
	Signatures  [][]byte       `json:"signatures,omitempty"`
	WitnessIDs  []string       `json:"witness_ids,omitempty"`
	AggregateSig []byte        `json:"aggregate_sig,omitempty"`
	SignerPubKeys [][]byte     `json:"signer_pub_keys,omitempty"`
	NetworkID   string         `json:"network_id,omitempty"`
	Sequence    uint64         `json:"sequence,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Validate enforces the invariant |signatures| == |witness_ids| for the
// multi-sig form, or a populated signer set for the aggregated form.
func (a *Attestation) Validate() error {
	switch a.Form {
	case FormMultiSig:
		if len(a.Signatures) != len(a.WitnessIDs) {
			return errors.Errorf("attestation: %d signatures but %d witness ids",
				len(a.Signatures), len(a.WitnessIDs))
		}
	case FormAggregated:
		if len(a.AggregateSig) == 0 || len(a.SignerPubKeys) == 0 {
			return errors.Errorf("attestation: aggregated form missing signature or signer set")
		}
	default:
		return errors.Errorf("attestation: unknown signature form %d", a.Form)
	}
	return nil
}

// Age returns how old the attestation is relative to now.
func (a *Attestation) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(a.TimestampMs))
}

// HTLCConditionType tags the two HTLCCondition variants.
type HTLCConditionType int

const (
	HTLCHash HTLCConditionType = iota
	HTLCTime
)

// HTLCCondition is the tagged union {type: hash, hashlock} or
// {type: time, timelock_ms}. For time-locked transfers a RefundKey must
// accompany the package.
type HTLCCondition struct {
	Type       HTLCConditionType `json:"type"`
	Hashlock   [32]byte          `json:"hashlock,omitempty"`
	TimelockMs int64             `json:"timelock_ms,omitempty"`
}

// TransferPackage is the wire format between sender and receiver.
type TransferPackage struct {
	TokenID        string         `json:"tokenId"`
	Amount         int64          `json:"amount"`
	Commitment     []byte         `json:"commitment"`
	Nullifier      [32]byte       `json:"nullifier"`
	Proof          Attestation    `json:"proof"`
	OwnershipProof []byte         `json:"ownershipProof,omitempty"`

	// HTLC carries the optional condition for a conditional transfer.
	// A plain transfer leaves this nil.
	HTLC *HTLCCondition `json:"htlc,omitempty"`
	// RefundKey accompanies a time-locked HTLC package; required
	// whenever HTLC.Type == HTLCTime.
	RefundKey []byte `json:"refundKey,omitempty"`

	// GroupID correlates the sibling packages of one split or
	// multi-party distribution, which share one Witness attestation for
	// atomicity; a merge's single output package also carries a fresh
	// GroupID. Empty for a plain transfer.
	GroupID string `json:"groupId,omitempty"`
}

// GossipMessage is the tagged union carried over the peer transport.
type GossipMessage struct {
	Type           string      `json:"type"` // "nullifier" | "ping" | "pong"
	Nullifier      [32]byte    `json:"nullifier,omitempty"`
	Proof          Attestation `json:"proof,omitempty"`
	TimestampMs    int64       `json:"timestamp"`
	OwnershipProof []byte      `json:"ownershipProof,omitempty"`
	PowNonce       uint64      `json:"powNonce,omitempty"`
}

// NullifierRecord is the per-peer local gossip cache entry.
type NullifierRecord struct {
	Nullifier   [32]byte
	Proof       Attestation
	FirstSeenMs int64
	PeerCount   int
}

// PeerDirection distinguishes inbound-accepted from outbound-initiated
// connections for the subnet diversity weighting (spec.md §4.7).
type PeerDirection int

const (
	DirectionInbound PeerDirection = iota
	DirectionOutbound
)

// PeerReputation tracks a gossip peer's standing.
type PeerReputation struct {
	Score          int
	InvalidProofs  int
	Duplicates     int
	ValidMessages  int
	DroppedMessages int
	Subnet         string
	Direction      PeerDirection
}

// RateBucket is a per-peer token bucket, backed by golang.org/x/time/rate
// rather than a hand-rolled refill loop. It takes an explicit nowMs on
// every call instead of reading the wall clock itself, so gossip's
// prune/rate-limit tests can drive it with a fake clock.
type RateBucket struct {
	Capacity     float64
	RefillPerSec float64

	limiter *rate.Limiter
}

// Take consumes one token if available as of nowMs. Returns true if a
// token was available and consumed.
func (b *RateBucket) Take(nowMs int64) bool {
	if b.limiter == nil {
		b.limiter = rate.NewLimiter(rate.Limit(b.RefillPerSec), int(b.Capacity))
	}
	return b.limiter.AllowN(time.UnixMilli(nowMs), 1)
}

// BridgePackage is the cross-federation lock-then-mint envelope.
type BridgePackage struct {
	SourceFederationID  string      `json:"source_federation_id"`
	TargetFederationID  string      `json:"target_federation_id"`
	SourceLockNullifier [32]byte    `json:"source_lock_nullifier"`
	SourceAttestation   Attestation `json:"source_attestation"`
	TargetMintCommitment []byte     `json:"target_mint_commitment"`
	TargetAttestation   Attestation `json:"target_attestation"`
	TokenID             string      `json:"token_id"`
	Amount              int64       `json:"amount"`
}

// ValidationResult is the validator's single return shape (spec.md §7):
// the reason field identifies the tier that rejected, if any.
type ValidationResult struct {
	Valid      bool
	Confidence float64
	Reason     string
}
