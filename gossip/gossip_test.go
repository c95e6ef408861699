package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scarcity-net/scarcity/primitives"
	"github.com/scarcity-net/scarcity/scarcityerr"
	"github.com/scarcity-net/scarcity/types"
)

type alwaysValidWitness struct{}

func (alwaysValidWitness) Verify(context.Context, types.Attestation) (bool, error) { return true, nil }

type rejectingWitness struct{}

func (rejectingWitness) Verify(context.Context, types.Attestation) (bool, error) { return false, nil }

type fakeTransport struct {
	peers       []string
	sent        map[string][]types.GossipMessage
	disconnects []string
}

func newFakeTransport(peers ...string) *fakeTransport {
	return &fakeTransport{peers: peers, sent: make(map[string][]types.GossipMessage)}
}

func (t *fakeTransport) SendToPeer(peerID string, msg types.GossipMessage) error {
	t.sent[peerID] = append(t.sent[peerID], msg)
	return nil
}

func (t *fakeTransport) Broadcast(msg types.GossipMessage) {
	for _, p := range t.peers {
		t.sent[p] = append(t.sent[p], msg)
	}
}

func (t *fakeTransport) KnownPeers() []string { return t.peers }

func (t *fakeTransport) Disconnect(peerID string) error {
	t.disconnects = append(t.disconnects, peerID)
	return nil
}

func testAttestation(nullifier [32]byte, tsMs int64) types.Attestation {
	return types.Attestation{
		Hash:        primitives.SHA256(nullifier[:]),
		TimestampMs: tsMs,
		Form:        types.FormMultiSig,
		Signatures:  [][]byte{[]byte("a"), []byte("b")},
		WitnessIDs:  []string{"w1", "w2"},
	}
}

func newTestNode(cfg Config, witness WitnessVerifier, transport PeerTransport, at time.Time) *Node {
	n := New(cfg, witness, transport)
	n.now = func() time.Time { return at }
	return n
}

func TestReceiveDropsMessageFromUnregisteredPeer(t *testing.T) {
	n := newTestNode(DefaultConfig(), alwaysValidWitness{}, nil, time.Now())
	nullifier := primitives.SHA256([]byte("n1"))
	msg := types.GossipMessage{Type: "nullifier", Nullifier: nullifier, Proof: testAttestation(nullifier, n.nowMs())}

	n.Receive(context.Background(), "stranger", msg)

	require.Equal(t, 0, n.SeenSetSize())
}

func TestReceiveAcceptsAndRebroadcastsNewNullifier(t *testing.T) {
	transport := newFakeTransport("bob", "carol")
	n := newTestNode(DefaultConfig(), alwaysValidWitness{}, transport, time.Now())
	n.RegisterPeer("alice", types.DirectionInbound, nil)

	nullifier := primitives.SHA256([]byte("n1"))
	msg := types.GossipMessage{Type: "nullifier", Nullifier: nullifier, Proof: testAttestation(nullifier, n.nowMs())}
	n.Receive(context.Background(), "alice", msg)

	require.Equal(t, 1, n.SeenSetSize())
	require.Equal(t, 1, n.PeerCount(nullifier))
	require.Len(t, transport.sent["bob"], 1)
	require.Len(t, transport.sent["carol"], 1)

	score, ok := n.PeerScore("alice")
	require.True(t, ok)
	require.Equal(t, 1, score)
}

func TestReceiveDuplicateIncrementsPeerCountAndPenalizesSender(t *testing.T) {
	n := newTestNode(DefaultConfig(), alwaysValidWitness{}, nil, time.Now())
	n.RegisterPeer("alice", types.DirectionInbound, nil)
	n.RegisterPeer("bob", types.DirectionInbound, nil)

	nullifier := primitives.SHA256([]byte("n1"))
	msg := types.GossipMessage{Type: "nullifier", Nullifier: nullifier, Proof: testAttestation(nullifier, n.nowMs())}

	n.Receive(context.Background(), "alice", msg)
	n.Receive(context.Background(), "bob", msg)

	require.Equal(t, 2, n.PeerCount(nullifier))

	bobScore, ok := n.PeerScore("bob")
	require.True(t, ok)
	require.Equal(t, -1, bobScore)
}

func TestReceiveRejectsFutureTimestamp(t *testing.T) {
	n := newTestNode(DefaultConfig(), alwaysValidWitness{}, nil, time.Now())
	n.RegisterPeer("alice", types.DirectionInbound, nil)

	nullifier := primitives.SHA256([]byte("n1"))
	futureMs := n.nowMs() + (n.cfg.MaxTimestampFutureS+60)*1000
	msg := types.GossipMessage{Type: "nullifier", Nullifier: nullifier, Proof: testAttestation(nullifier, futureMs)}

	n.Receive(context.Background(), "alice", msg)

	require.Equal(t, 0, n.SeenSetSize())
	score, _ := n.PeerScore("alice")
	require.Equal(t, -5, score)
}

func TestReceiveRejectsStaleTimestamp(t *testing.T) {
	n := newTestNode(DefaultConfig(), alwaysValidWitness{}, nil, time.Now())
	n.RegisterPeer("alice", types.DirectionInbound, nil)

	nullifier := primitives.SHA256([]byte("n1"))
	staleMs := n.nowMs() - n.cfg.MaxNullifierAgeMs - 1000
	msg := types.GossipMessage{Type: "nullifier", Nullifier: nullifier, Proof: testAttestation(nullifier, staleMs)}

	n.Receive(context.Background(), "alice", msg)

	require.Equal(t, 0, n.SeenSetSize())
}

func TestReceiveRejectsInvalidAttestation(t *testing.T) {
	n := newTestNode(DefaultConfig(), rejectingWitness{}, nil, time.Now())
	n.RegisterPeer("alice", types.DirectionInbound, nil)

	nullifier := primitives.SHA256([]byte("n1"))
	msg := types.GossipMessage{Type: "nullifier", Nullifier: nullifier, Proof: testAttestation(nullifier, n.nowMs())}
	n.Receive(context.Background(), "alice", msg)

	require.Equal(t, 0, n.SeenSetSize())
	score, _ := n.PeerScore("alice")
	require.Equal(t, -10, score)
}

func TestReceiveRateLimitsAndDropsExcess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitBurst = 2
	cfg.RateLimitPerSec = 0.001
	n := newTestNode(cfg, alwaysValidWitness{}, nil, time.Now())
	n.RegisterPeer("spammer", types.DirectionInbound, nil)

	for i := 0; i < 5; i++ {
		nullifier := primitives.SHA256(primitives.BE64(uint64(i)))
		msg := types.GossipMessage{Type: "nullifier", Nullifier: nullifier, Proof: testAttestation(nullifier, n.nowMs())}
		n.Receive(context.Background(), "spammer", msg)
	}

	require.LessOrEqual(t, n.SeenSetSize(), 2)
	require.Greater(t, n.DroppedMessages("spammer"), 0)
}

func TestMaybeDisconnectEvictsPeerAtScoreThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PeerScoreThreshold = -5
	transport := newFakeTransport()
	n := newTestNode(cfg, rejectingWitness{}, transport, time.Now())
	n.RegisterPeer("alice", types.DirectionInbound, nil)

	for i := 0; i < 5; i++ {
		nullifier := primitives.SHA256(primitives.BE64(uint64(i)))
		msg := types.GossipMessage{Type: "nullifier", Nullifier: nullifier, Proof: testAttestation(nullifier, n.nowMs())}
		n.Receive(context.Background(), "alice", msg)
	}

	require.Contains(t, transport.disconnects, "alice")
	_, ok := n.PeerScore("alice")
	require.False(t, ok, "evicted peer's reputation should be purged")
}

func TestPublishRejectsRepublishingSameNullifier(t *testing.T) {
	n := newTestNode(DefaultConfig(), alwaysValidWitness{}, nil, time.Now())
	nullifier := primitives.SHA256([]byte("n1"))
	att := testAttestation(nullifier, n.nowMs())

	require.NoError(t, n.Publish(nullifier, att))

	err := n.Publish(nullifier, att)
	require.Error(t, err)
	require.True(t, scarcityerr.Is(err, scarcityerr.KindDoubleSpend))
}

func TestCheckNullifierReturnsPeerFraction(t *testing.T) {
	transport := newFakeTransport("bob", "carol", "dave")
	n := newTestNode(DefaultConfig(), alwaysValidWitness{}, transport, time.Now())
	n.RegisterPeer("alice", types.DirectionInbound, nil)
	n.RegisterPeer("bob", types.DirectionInbound, nil)

	nullifier := primitives.SHA256([]byte("n1"))
	msg := types.GossipMessage{Type: "nullifier", Nullifier: nullifier, Proof: testAttestation(nullifier, n.nowMs())}

	require.Equal(t, 0.0, n.CheckNullifier(nullifier))

	n.Receive(context.Background(), "alice", msg)
	n.Receive(context.Background(), "bob", msg)

	frac := n.CheckNullifier(nullifier)
	require.Greater(t, frac, 0.0)
	require.LessOrEqual(t, frac, 1.0)
}

func TestPruneRemovesExpiredAndCapsToMaxNullifiers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNullifierAgeMs = 1000
	cfg.MaxNullifiers = 2
	base := time.Now()
	n := newTestNode(cfg, alwaysValidWitness{}, nil, base)

	old := primitives.SHA256([]byte("old"))
	n.seenSet[primitives.HexEncode(old[:])] = &types.NullifierRecord{
		Nullifier: old, FirstSeenMs: n.nowMs() - 5000,
	}
	for i := 0; i < 3; i++ {
		id := primitives.SHA256(primitives.BE64(uint64(i)))
		n.seenSet[primitives.HexEncode(id[:])] = &types.NullifierRecord{
			Nullifier: id, FirstSeenMs: n.nowMs() - int64(i),
		}
	}
	require.Equal(t, 4, n.SeenSetSize())

	n.prune()

	require.LessOrEqual(t, n.SeenSetSize(), cfg.MaxNullifiers)
	_, stillPresent := n.seenSet[primitives.HexEncode(old[:])]
	require.False(t, stillPresent)
}
