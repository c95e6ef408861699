package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scarcity-net/scarcity/types"
)

type fakeGossip struct {
	checkResult float64
	peerCount   int
}

func (g fakeGossip) CheckNullifier([32]byte) float64 { return g.checkResult }
func (g fakeGossip) PeerCount([32]byte) int          { return g.peerCount }

type fakeWitness struct {
	checkResult    float64
	checkErr       error
	verifyResult   bool
	verifyErr      error
	federationDepth int
}

func (w fakeWitness) CheckNullifier(context.Context, [32]byte) (float64, error) {
	return w.checkResult, w.checkErr
}
func (w fakeWitness) Verify(context.Context, types.Attestation) (bool, error) {
	return w.verifyResult, w.verifyErr
}
func (w fakeWitness) FederationDepth() int { return w.federationDepth }

func testPackage(tsMs int64) *types.TransferPackage {
	return &types.TransferPackage{
		TokenID: "tok", Amount: 10,
		Proof: types.Attestation{TimestampMs: tsMs},
	}
}

func newTestValidator(cfg Config, g GossipChecker, w WitnessChecker, at time.Time) *Validator {
	v := New(cfg, g, w)
	v.now = func() time.Time { return at }
	return v
}

func TestValidateRejectsExpiredPackage(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.MaxTokenAge = time.Hour
	v := newTestValidator(cfg, fakeGossip{}, fakeWitness{verifyResult: true}, now)

	pkg := testPackage(now.Add(-2 * time.Hour).UnixMilli())
	result := v.Fast(context.Background(), pkg)

	require.False(t, result.Valid)
	require.Equal(t, "expired", result.Reason)
}

func TestValidateRejectsOnGossipConvergence(t *testing.T) {
	now := time.Now()
	v := newTestValidator(DefaultConfig(), fakeGossip{checkResult: 0.9}, fakeWitness{verifyResult: true}, now)
	pkg := testPackage(now.UnixMilli())

	result := v.Fast(context.Background(), pkg)

	require.False(t, result.Valid)
	require.Contains(t, result.Reason, "gossip")
}

func TestValidateRejectsOnFederationDoubleSpend(t *testing.T) {
	now := time.Now()
	v := newTestValidator(DefaultConfig(), fakeGossip{}, fakeWitness{checkResult: 1.0, verifyResult: true}, now)
	pkg := testPackage(now.UnixMilli())

	result := v.Fast(context.Background(), pkg)

	require.False(t, result.Valid)
	require.Contains(t, result.Reason, "federation")
}

func TestValidateRejectsInvalidAttestation(t *testing.T) {
	now := time.Now()
	v := newTestValidator(DefaultConfig(), fakeGossip{}, fakeWitness{verifyResult: false}, now)
	pkg := testPackage(now.UnixMilli())

	result := v.Fast(context.Background(), pkg)

	require.False(t, result.Valid)
	require.Equal(t, "invalid proof", result.Reason)
}

func TestValidateIgnoresFederationCheckErrorAndProceeds(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.MinConfidence = 0
	v := newTestValidator(cfg, fakeGossip{}, fakeWitness{checkErr: errors.New("unreachable"), verifyResult: true}, now)
	pkg := testPackage(now.UnixMilli())

	result := v.Fast(context.Background(), pkg)

	require.True(t, result.Valid)
}

func TestFastModeSkipsPropagationWait(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.MinConfidence = 0
	cfg.WaitTime = time.Hour
	v := newTestValidator(cfg, fakeGossip{peerCount: 5}, fakeWitness{verifyResult: true, federationDepth: 3}, now)
	pkg := testPackage(now.UnixMilli())

	done := make(chan types.ValidationResult, 1)
	go func() { done <- v.Fast(context.Background(), pkg) }()

	select {
	case result := <-done:
		require.True(t, result.Valid)
	case <-time.After(time.Second):
		t.Fatal("Fast mode should not wait")
	}
}

func TestValidateCancelledDuringPropagationWait(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.WaitTime = time.Hour
	v := newTestValidator(cfg, fakeGossip{}, fakeWitness{verifyResult: true}, now)
	pkg := testPackage(now.UnixMilli())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := v.Standard(ctx, pkg)

	require.False(t, result.Valid)
	require.Equal(t, "validation cancelled", result.Reason)
}

func TestConfidenceCapsEachTermBeforeSumming(t *testing.T) {
	v := newTestValidator(DefaultConfig(), fakeGossip{peerCount: 1000}, fakeWitness{federationDepth: 100}, time.Now())

	c := v.confidence([32]byte{}, 10*time.Minute)

	require.Equal(t, 0.5+0.3+0.2, c)
}

func TestDeepModeUsesExtendedWaitForTimeScore(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.MinConfidence = 0
	cfg.WaitTime = 0
	v := newTestValidator(cfg, fakeGossip{}, fakeWitness{verifyResult: true}, now)
	pkg := testPackage(now.UnixMilli())

	result := v.Deep(context.Background(), pkg, 5*time.Millisecond)

	// peer term 0, witness term 0.3 (default depth 3), so anything above
	// 0.3 comes from the extended wait's time term.
	require.True(t, result.Valid)
	require.Greater(t, result.Confidence, 0.3)
}
