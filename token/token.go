// Package token implements the token lifecycle engine of spec.md §4.9:
// mint, transfer, receive, split, merge, multi-party distribution,
// hash- and time-locked HTLC transfers, and the two-phase federation
// bridge. It is the orchestration layer that drives the freebird,
// witness, and gossip adapters in the sequence spec.md §2 describes for
// a transfer, the way htlcswitch.Switch drives link and circuit state
// in the teacher rather than holding any cryptography of its own.
package token

import (
	"context"
	"time"

	"github.com/scarcity-net/scarcity/primitives"
	"github.com/scarcity-net/scarcity/scarcityerr"
	"github.com/scarcity-net/scarcity/types"
)

// FreebirdClient is the subset of freebird.Client the engine depends on.
type FreebirdClient interface {
	Blind(ctx context.Context, recipient []byte) ([]byte, error)
	CreateOwnershipProof(secret []byte) [32]byte
	VerifyOwnershipProof(proof []byte) bool
}

// WitnessClient is the subset of witness.Client the engine depends on.
type WitnessClient interface {
	Timestamp(ctx context.Context, hashHex string) (types.Attestation, error)
	Verify(ctx context.Context, att types.Attestation) (bool, error)
	CheckNullifier(ctx context.Context, nullifier [32]byte) (float64, error)
}

// GossipPublisher is the subset of gossip.Node the engine depends on.
type GossipPublisher interface {
	Publish(nullifier [32]byte, proof types.Attestation) error
}

// Engine orchestrates the token operations of spec.md §4.9 over a
// configured set of adapters. A zero-value gossip field is legal: local
// operations that don't require network propagation (Mint, Receive)
// don't touch it, and Publish calls are skipped with a debug log when
// absent, the same tolerance gossip.Node itself gives a nil transport.
type Engine struct {
	Freebird FreebirdClient
	Witness  WitnessClient
	Gossip   GossipPublisher

	// NetworkID tags this engine's home federation, used as the
	// SourceFederationID on BridgeLock.
	NetworkID string

	now func() time.Time
}

// New constructs a token Engine bound to the given adapters.
func New(freebird FreebirdClient, witness WitnessClient, gossip GossipPublisher, networkID string) *Engine {
	return &Engine{
		Freebird:  freebird,
		Witness:   witness,
		Gossip:    gossip,
		NetworkID: networkID,
		now:       time.Now,
	}
}

func (e *Engine) nowMs() int64 { return e.now().UnixMilli() }

func (e *Engine) publish(nullifier [32]byte, proof types.Attestation) error {
	if e.Gossip == nil {
		log.Debugf("token: no gossip configured, skipping publish of nullifier %x", nullifier)
		return nil
	}
	return e.Gossip.Publish(nullifier, proof)
}

// Mint generates a fresh, unspent token of the given amount.
func (e *Engine) Mint(amount int64) (*types.Token, error) {
	if amount <= 0 {
		return nil, scarcityerr.New(scarcityerr.KindMalformed, "mint: amount must be positive")
	}
	id, err := primitives.RandomID()
	if err != nil {
		return nil, err
	}
	secret, err := primitives.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	return types.NewToken(id, amount, secret), nil
}

// Transfer spends tok to recipient, returning the wire package the
// recipient needs to call Receive. tok is marked spent atomically
// before any adapter I/O: a failure partway through a transfer leaves
// tok consumed rather than reusable, matching the single-use guarantee
// a nullifier exists to enforce — retrying a failed transfer mints a
// new token instead of reattempting the old one.
func (e *Engine) Transfer(ctx context.Context, tok *types.Token, to []byte) (*types.TransferPackage, error) {
	if !tok.TrySpend() {
		return nil, scarcityerr.New(scarcityerr.KindAlreadySpent, "transfer: token already spent")
	}

	nullifier := primitives.DeriveNullifier(tok.Secret, tok.ID, e.nowMs())

	commitment, err := e.Freebird.Blind(ctx, to)
	if err != nil {
		return nil, scarcityerr.Wrap(scarcityerr.KindMalformed, err)
	}
	ownershipProof := e.Freebird.CreateOwnershipProof(tok.Secret)

	hash := primitives.PackageHash(tok.ID, tok.Amount, commitment, nullifier[:])
	att, err := e.Witness.Timestamp(ctx, primitives.HexEncode(hash[:]))
	if err != nil {
		return nil, scarcityerr.Wrap(scarcityerr.KindNetworkUnavailable, err)
	}

	if err := e.publish(nullifier, att); err != nil {
		return nil, err
	}

	return &types.TransferPackage{
		TokenID:        tok.ID,
		Amount:         tok.Amount,
		Commitment:     commitment,
		Nullifier:      nullifier,
		Proof:          att,
		OwnershipProof: ownershipProof[:],
	}, nil
}

// verifyPackage runs the two checks every receive path shares: the
// attestation must verify, and a present ownership proof must pass
// structural/adapter acceptance.
func (e *Engine) verifyPackage(ctx context.Context, pkg *types.TransferPackage) error {
	ok, err := e.Witness.Verify(ctx, pkg.Proof)
	if err != nil {
		return scarcityerr.Wrap(scarcityerr.KindInvalidAttestation, err)
	}
	if !ok {
		return scarcityerr.New(scarcityerr.KindInvalidAttestation, "receive: attestation did not verify")
	}
	if len(pkg.OwnershipProof) > 0 && !e.Freebird.VerifyOwnershipProof(pkg.OwnershipProof) {
		return scarcityerr.New(scarcityerr.KindInvalidDLEQ, "receive: ownership proof rejected")
	}
	return nil
}

// Receive admits a transfer package as recipientSecret's new token. If
// pkg carries a hash-locked HTLC condition, preimage must satisfy it;
// pass nil preimage for a plain or time-locked package. The protocol
// does not prevent the recipient from transferring the resulting token
// further (spec.md §4.9).
func (e *Engine) Receive(ctx context.Context, pkg *types.TransferPackage, recipientSecret, preimage []byte) (*types.Token, error) {
	if err := e.verifyPackage(ctx, pkg); err != nil {
		return nil, err
	}

	if pkg.HTLC != nil {
		switch pkg.HTLC.Type {
		case types.HTLCHash:
			if len(preimage) == 0 {
				return nil, scarcityerr.New(scarcityerr.KindMalformed, "receive: hash-locked package requires a preimage")
			}
			if primitives.SHA256(preimage) != pkg.HTLC.Hashlock {
				return nil, scarcityerr.New(scarcityerr.KindMalformed, "receive: preimage does not match hashlock")
			}
		case types.HTLCTime:
			if e.nowMs() >= pkg.HTLC.TimelockMs {
				return nil, scarcityerr.New(scarcityerr.KindExpired, "receive: timelock has passed, use RefundHTLC")
			}
		}
	}

	return types.NewToken(pkg.TokenID, pkg.Amount, recipientSecret), nil
}

// RefundHTLC reclaims a time-locked package for the refund key once its
// timelock has passed. It is the only valid outcome for a time-locked
// package that expires unclaimed.
func (e *Engine) RefundHTLC(ctx context.Context, pkg *types.TransferPackage, refundSecret []byte) (*types.Token, error) {
	if pkg.HTLC == nil || pkg.HTLC.Type != types.HTLCTime {
		return nil, scarcityerr.New(scarcityerr.KindMalformed, "refund: package is not a time-locked HTLC")
	}
	if len(pkg.RefundKey) == 0 {
		return nil, scarcityerr.New(scarcityerr.KindMalformed, "refund: package carries no refund key")
	}
	if e.nowMs() < pkg.HTLC.TimelockMs {
		return nil, scarcityerr.New(scarcityerr.KindMalformed, "refund: timelock has not yet passed")
	}
	if err := e.verifyPackage(ctx, pkg); err != nil {
		return nil, err
	}
	return types.NewToken(pkg.TokenID, pkg.Amount, refundSecret), nil
}

// TransferHTLC spends tok into a hash- or time-locked package. For a
// time-locked condition refundKey is required; for a hash-locked
// condition it is ignored.
func (e *Engine) TransferHTLC(ctx context.Context, tok *types.Token, to []byte, condition types.HTLCCondition, refundKey []byte) (*types.TransferPackage, error) {
	if condition.Type == types.HTLCTime && len(refundKey) == 0 {
		return nil, scarcityerr.New(scarcityerr.KindMalformed, "transferHTLC: time-locked transfer requires a refund key")
	}

	pkg, err := e.Transfer(ctx, tok, to)
	if err != nil {
		return nil, err
	}
	pkg.HTLC = &condition
	if condition.Type == types.HTLCTime {
		pkg.RefundKey = refundKey
	}
	return pkg, nil
}

// validateSplit checks the shared precondition of Split and
// TransferMultiParty: equal-length positive amounts summing exactly to
// the source amount.
func validateSplit(sourceAmount int64, amounts []int64, recipients [][]byte) error {
	if len(amounts) != len(recipients) {
		return scarcityerr.New(scarcityerr.KindMalformed, "split: amounts and recipients length mismatch")
	}
	if len(amounts) == 0 {
		return scarcityerr.New(scarcityerr.KindMalformed, "split: no outputs requested")
	}
	var sum int64
	for _, a := range amounts {
		if a <= 0 {
			return scarcityerr.New(scarcityerr.KindMalformed, "split: all amounts must be positive")
		}
		sum += a
	}
	if sum != sourceAmount {
		return scarcityerr.Errorf(scarcityerr.KindMalformed, "split: amounts sum to %d, want %d", sum, sourceAmount)
	}
	return nil
}

// splitInternal implements both Split and TransferMultiParty: one
// source nullifier, one joint attestation over all output package
// hashes, N output packages sharing a GroupID.
func (e *Engine) splitInternal(ctx context.Context, tok *types.Token, amounts []int64, recipients [][]byte) ([]*types.TransferPackage, error) {
	if err := validateSplit(tok.Amount, amounts, recipients); err != nil {
		return nil, err
	}
	if !tok.TrySpend() {
		return nil, scarcityerr.New(scarcityerr.KindAlreadySpent, "split: token already spent")
	}

	nullifier := primitives.DeriveNullifier(tok.Secret, tok.ID, e.nowMs())
	ownershipProof := e.Freebird.CreateOwnershipProof(tok.Secret)
	groupID, err := primitives.RandomID()
	if err != nil {
		return nil, err
	}

	pkgs := make([]*types.TransferPackage, len(amounts))
	var jointInput []byte
	for i, amount := range amounts {
		outID, err := primitives.RandomID()
		if err != nil {
			return nil, err
		}
		commitment, err := e.Freebird.Blind(ctx, recipients[i])
		if err != nil {
			return nil, scarcityerr.Wrap(scarcityerr.KindMalformed, err)
		}
		h := primitives.PackageHash(outID, amount, commitment, nullifier[:])
		jointInput = append(jointInput, h[:]...)

		pkgs[i] = &types.TransferPackage{
			TokenID:        outID,
			Amount:         amount,
			Commitment:     commitment,
			Nullifier:      nullifier,
			OwnershipProof: ownershipProof[:],
			GroupID:        groupID,
		}
	}

	jointHash := primitives.SHA256(jointInput)
	att, err := e.Witness.Timestamp(ctx, primitives.HexEncode(jointHash[:]))
	if err != nil {
		return nil, scarcityerr.Wrap(scarcityerr.KindNetworkUnavailable, err)
	}
	for _, pkg := range pkgs {
		pkg.Proof = att
	}

	if err := e.publish(nullifier, att); err != nil {
		return nil, err
	}
	return pkgs, nil
}

// Split spends tok into len(amounts) output packages, all covered by a
// single joint attestation so the split is atomic from a verifier's
// point of view: any one output's proof is the same proof covering
// every sibling.
func (e *Engine) Split(ctx context.Context, tok *types.Token, amounts []int64, recipients [][]byte) ([]*types.TransferPackage, error) {
	return e.splitInternal(ctx, tok, amounts, recipients)
}

// Part is one recipient slot of a multi-party transfer.
type Part struct {
	PublicKey []byte
	Amount    int64
}

// TransferMultiParty spends tok across N recipient slots under a single
// source nullifier and joint attestation, the same construction Split
// uses with amounts expressed as Parts instead of parallel slices.
func (e *Engine) TransferMultiParty(ctx context.Context, tok *types.Token, parts []Part) ([]*types.TransferPackage, error) {
	amounts := make([]int64, len(parts))
	recipients := make([][]byte, len(parts))
	for i, p := range parts {
		amounts[i] = p.Amount
		recipients[i] = p.PublicKey
	}
	return e.splitInternal(ctx, tok, amounts, recipients)
}

// Merge combines several unspent source tokens into one target package
// payable to recipient. Every source is checked unspent up front, then
// every nullifier is derived via TrySpend before the Witness is asked to
// timestamp any of them or a single nullifier is published: a source
// that fails its TrySpend (found already spent between the initial
// check and this loop) aborts the merge, but any sources earlier in the
// same loop are left marked spent — acceptable only because this engine
// does not run a token's TrySpend concurrently across goroutines, so the
// failure path itself indicates a caller bug, not a race this code needs
// to survive. Once every nullifier is staged, the publish loop below can
// still fail partway (ordinarily only if a source nullifier was already
// published through some other path); any sources published before the
// failing one stay published even though the target package is never
// returned to the caller. Both gaps are tolerated under the same
// single-threaded contract; a caller must not retry a failed Merge
// assuming its sources are untouched.
func (e *Engine) Merge(ctx context.Context, tokens []*types.Token, recipient []byte) (*types.TransferPackage, error) {
	if len(tokens) == 0 {
		return nil, scarcityerr.New(scarcityerr.KindMalformed, "merge: no source tokens")
	}
	for _, t := range tokens {
		if t.Spent() {
			return nil, scarcityerr.New(scarcityerr.KindAlreadySpent, "merge: a source token is already spent")
		}
	}

	nowMs := e.nowMs()
	var total int64
	nullifiers := make([][32]byte, len(tokens))
	for i, t := range tokens {
		if !t.TrySpend() {
			return nil, scarcityerr.Errorf(scarcityerr.KindAlreadySpent,
				"merge: token %s became spent mid-merge, %d of %d sources already consumed",
				t.ID, i, len(tokens))
		}
		nullifiers[i] = primitives.DeriveNullifier(t.Secret, t.ID, nowMs)
		total += t.Amount
	}

	targetID, err := primitives.RandomID()
	if err != nil {
		return nil, err
	}
	commitment, err := e.Freebird.Blind(ctx, recipient)
	if err != nil {
		return nil, scarcityerr.Wrap(scarcityerr.KindMalformed, err)
	}

	var jointInput []byte
	for _, n := range nullifiers {
		h := primitives.PackageHash(targetID, total, commitment, n[:])
		jointInput = append(jointInput, h[:]...)
	}
	jointHash := primitives.SHA256(jointInput)
	att, err := e.Witness.Timestamp(ctx, primitives.HexEncode(jointHash[:]))
	if err != nil {
		return nil, scarcityerr.Wrap(scarcityerr.KindNetworkUnavailable, err)
	}

	groupID, err := primitives.RandomID()
	if err != nil {
		return nil, err
	}

	for _, n := range nullifiers {
		if err := e.publish(n, att); err != nil {
			log.Errorf("merge: failed to publish source nullifier %x: %v", n, err)
			return nil, err
		}
	}

	return &types.TransferPackage{
		TokenID:    targetID,
		Amount:     total,
		Commitment: commitment,
		Nullifier:  nullifiers[0],
		Proof:      att,
		GroupID:    groupID,
	}, nil
}

// SourceNullifierProof is what a target federation requires before
// BridgeMint will admit a bridged token: independent evidence, checkable
// against the source federation's own Witness, that SourceLockNullifier
// was genuinely locked there. Closing this gap is what keeps a bridge
// mint from being mintable twice against one lock.
type SourceNullifierProof struct {
	Nullifier   [32]byte
	Attestation types.Attestation
}

// BridgeLock is phase one of the federation crossing (spec.md §4.9): it
// spends tok in the home federation into a commitment that encodes the
// target-federation recipient, and returns the package the caller
// carries to the target federation's BridgeMint.
func (e *Engine) BridgeLock(ctx context.Context, tok *types.Token, targetFederationID string, targetRecipient []byte) (*types.BridgePackage, error) {
	if !tok.TrySpend() {
		return nil, scarcityerr.New(scarcityerr.KindAlreadySpent, "bridgeLock: token already spent")
	}

	nullifier := primitives.DeriveNullifier(tok.Secret, tok.ID, e.nowMs())
	commitment, err := e.Freebird.Blind(ctx, targetRecipient)
	if err != nil {
		return nil, scarcityerr.Wrap(scarcityerr.KindMalformed, err)
	}
	hash := primitives.PackageHash(tok.ID, tok.Amount, commitment, nullifier[:])
	att, err := e.Witness.Timestamp(ctx, primitives.HexEncode(hash[:]))
	if err != nil {
		return nil, scarcityerr.Wrap(scarcityerr.KindNetworkUnavailable, err)
	}
	if err := e.publish(nullifier, att); err != nil {
		return nil, err
	}

	return &types.BridgePackage{
		SourceFederationID:  e.NetworkID,
		TargetFederationID:  targetFederationID,
		SourceLockNullifier: nullifier,
		SourceAttestation:   att,
		TokenID:             tok.ID,
		Amount:              tok.Amount,
	}, nil
}

// BridgeMint is phase two, run against the target federation's engine.
// sourceWitness must be a Witness client configured against the source
// federation's gateway(s); BridgeMint uses it to confirm proof
// independently of whatever the caller claims, rather than trusting
// bridgePkg.SourceAttestation at face value.
func (e *Engine) BridgeMint(ctx context.Context, bridgePkg *types.BridgePackage, proof SourceNullifierProof, sourceWitness WitnessClient, recipientSecret []byte) (*types.Token, error) {
	if proof.Nullifier != bridgePkg.SourceLockNullifier {
		return nil, scarcityerr.New(scarcityerr.KindMalformed, "bridgeMint: proof nullifier does not match lock package")
	}
	if proof.Attestation.Hash != bridgePkg.SourceAttestation.Hash {
		return nil, scarcityerr.New(scarcityerr.KindMalformed, "bridgeMint: proof attestation does not match lock package")
	}

	ok, err := sourceWitness.Verify(ctx, proof.Attestation)
	if err != nil {
		return nil, scarcityerr.Wrap(scarcityerr.KindInvalidAttestation, err)
	}
	if !ok {
		return nil, scarcityerr.New(scarcityerr.KindInvalidAttestation, "bridgeMint: source lock attestation did not verify")
	}

	confidence, err := sourceWitness.CheckNullifier(ctx, proof.Nullifier)
	if err != nil {
		return nil, scarcityerr.Wrap(scarcityerr.KindNetworkUnavailable, err)
	}
	if confidence <= 0 {
		return nil, scarcityerr.New(scarcityerr.KindInvalidAttestation,
			"bridgeMint: source federation does not confirm the lock nullifier was timestamped")
	}

	commitment, err := e.Freebird.Blind(ctx, recipientSecret)
	if err != nil {
		return nil, scarcityerr.Wrap(scarcityerr.KindMalformed, err)
	}
	mintHash := primitives.PackageHash(bridgePkg.TokenID, bridgePkg.Amount, commitment, bridgePkg.SourceLockNullifier[:])
	mintAtt, err := e.Witness.Timestamp(ctx, primitives.HexEncode(mintHash[:]))
	if err != nil {
		return nil, scarcityerr.Wrap(scarcityerr.KindNetworkUnavailable, err)
	}

	bridgePkg.TargetMintCommitment = commitment
	bridgePkg.TargetAttestation = mintAtt

	return types.NewToken(bridgePkg.TokenID, bridgePkg.Amount, recipientSecret), nil
}
