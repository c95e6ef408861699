package types_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scarcity-net/scarcity/types"
)

func TestTrySpendOnlyOneCallerWins(t *testing.T) {
	tok := types.NewToken("tok-1", 10, []byte("secret"))

	const n = 50
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins[i] = tok.TrySpend()
		}(i)
	}
	wg.Wait()

	count := 0
	for _, w := range wins {
		if w {
			count++
		}
	}
	require.Equal(t, 1, count)
	require.True(t, tok.Spent())
}

func TestTrySpendFailsOnceMarked(t *testing.T) {
	tok := types.NewToken("tok-1", 10, []byte("secret"))
	tok.MarkSpent()

	require.False(t, tok.TrySpend())
}

func TestAttestationValidateMultiSigRequiresMatchingLengths(t *testing.T) {
	att := types.Attestation{
		Form:       types.FormMultiSig,
		Signatures: [][]byte{[]byte("a"), []byte("b")},
		WitnessIDs: []string{"w1"},
	}
	require.Error(t, att.Validate())

	att.WitnessIDs = []string{"w1", "w2"}
	require.NoError(t, att.Validate())
}

func TestAttestationValidateAggregatedRequiresSignatureAndSigners(t *testing.T) {
	att := types.Attestation{Form: types.FormAggregated}
	require.Error(t, att.Validate())

	att.AggregateSig = []byte("sig")
	att.SignerPubKeys = [][]byte{[]byte("pk")}
	require.NoError(t, att.Validate())
}

func TestAttestationAge(t *testing.T) {
	now := time.Now()
	att := types.Attestation{TimestampMs: now.Add(-10 * time.Minute).UnixMilli()}

	age := att.Age(now)

	require.InDelta(t, 10*time.Minute, age, float64(time.Second))
}

func TestRateBucketAllowsUpToBurstThenDenies(t *testing.T) {
	bucket := &types.RateBucket{Capacity: 2, RefillPerSec: 1}
	now := int64(1_000_000)

	require.True(t, bucket.Take(now))
	require.True(t, bucket.Take(now))
	require.False(t, bucket.Take(now))
}

func TestRateBucketRefillsOverTime(t *testing.T) {
	bucket := &types.RateBucket{Capacity: 1, RefillPerSec: 1}
	now := int64(1_000_000)

	require.True(t, bucket.Take(now))
	require.False(t, bucket.Take(now))
	require.True(t, bucket.Take(now+1500))
}
