// Package gossip implements the nullifier gossip core of spec.md §4.7:
// the anti-spam, duplicate-detection, and epidemic-propagation engine
// every node runs. The seen-set and peer-stats tables are owned
// exclusively by Node; nothing outside this package mutates them
// (spec.md §5). Pruning runs on a timer inside the module; its
// single-threaded semantics preclude locking beyond the mutex guarding
// the maps themselves against the pruning goroutine.
package gossip

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/scarcity-net/scarcity/primitives"
	"github.com/scarcity-net/scarcity/scarcityerr"
	"github.com/scarcity-net/scarcity/types"
)

// Config enumerates every tunable named in spec.md §4.7.
type Config struct {
	MaxNullifiers          int
	PruneIntervalMs        int64
	MaxNullifierAgeMs      int64
	PeerScoreThreshold     int
	MaxTimestampFutureS    int64
	RequireOwnershipProof  bool
	RateLimitPerSec        float64
	RateLimitBurst         float64
}

// DefaultConfig returns the documented defaults. MaxNullifierAgeMs
// is the "24*24*24*3600*1000 ms" expression verbatim, which evaluates
// to 49,766,400,000 ms = 576 days (≈1.58 years); the expression, not a
// rounded prose figure, is authoritative.
func DefaultConfig() Config {
	return Config{
		MaxNullifiers:         100000,
		PruneIntervalMs:       3600000,
		MaxNullifierAgeMs:     24 * 24 * 24 * 3600 * 1000,
		PeerScoreThreshold:    -50,
		MaxTimestampFutureS:   5,
		RequireOwnershipProof: false,
		RateLimitPerSec:       10,
		RateLimitBurst:        20,
	}
}

// WitnessVerifier is the subset of the witness adapter gossip depends
// on, kept as an interface so gossip can be tested without a live
// federation (discovery/gossiper_test.go uses the same seam with a mock
// notifier in the teacher).
type WitnessVerifier interface {
	Verify(ctx context.Context, att types.Attestation) (bool, error)
}

// PeerTransport is the subset of transport.Transport gossip depends on.
type PeerTransport interface {
	SendToPeer(peerID string, msg types.GossipMessage) error
	Broadcast(msg types.GossipMessage)
	KnownPeers() []string
	Disconnect(peerID string) error
}

// clock abstracts time.Now for deterministic tests.
type clock func() time.Time

var metrics = struct {
	seenSetSize      prometheus.Gauge
	peerEvictions    prometheus.Counter
	rateLimitDrops   prometheus.Counter
	doubleSpendLocal prometheus.Counter
}{
	seenSetSize: prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scarcity", Subsystem: "gossip", Name: "seen_set_size",
		Help: "Number of nullifier records currently held in the seen set.",
	}),
	peerEvictions: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scarcity", Subsystem: "gossip", Name: "peer_evictions_total",
		Help: "Peers disconnected for falling at or below the reputation threshold.",
	}),
	rateLimitDrops: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scarcity", Subsystem: "gossip", Name: "rate_limited_drops_total",
		Help: "Inbound messages dropped by the per-peer leaky bucket.",
	}),
	doubleSpendLocal: prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scarcity", Subsystem: "gossip", Name: "local_double_spends_total",
		Help: "Local publish() calls rejected because the nullifier was already in the seen set.",
	}),
}

func init() {
	prometheus.MustRegister(metrics.seenSetSize, metrics.peerEvictions,
		metrics.rateLimitDrops, metrics.doubleSpendLocal)
}

// Node is one node's gossip engine.
type Node struct {
	cfg       Config
	witness   WitnessVerifier
	transport PeerTransport
	now       clock

	mu       sync.Mutex
	seenSet  map[string]*types.NullifierRecord
	peerRep  map[string]*types.PeerReputation
	buckets  map[string]*types.RateBucket
	subnets  *SubnetTracker

	quit chan struct{}
	wg   sync.WaitGroup
}

// New constructs a gossip Node. transport may be nil for a node that
// only ever calls Publish/CheckNullifier locally (e.g. in tests).
func New(cfg Config, witness WitnessVerifier, transport PeerTransport) *Node {
	return &Node{
		cfg:       cfg,
		witness:   witness,
		transport: transport,
		now:       time.Now,
		seenSet:   make(map[string]*types.NullifierRecord),
		peerRep:   make(map[string]*types.PeerReputation),
		buckets:   make(map[string]*types.RateBucket),
		subnets:   NewSubnetTracker(),
		quit:      make(chan struct{}),
	}
}

// Start launches the background pruning sweeper.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.pruneLoop()
}

// Stop halts the pruning sweeper.
func (n *Node) Stop() {
	close(n.quit)
	n.wg.Wait()
}

func (n *Node) nowMs() int64 { return n.now().UnixMilli() }

// RegisterPeer begins tracking a peer's reputation and rate bucket. It
// must be called (typically from the transport's peer-joined callback)
// before messages from that peer are accepted.
func (n *Node) RegisterPeer(peerID string, direction types.PeerDirection, addr net.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.peerRep[peerID] = &types.PeerReputation{Direction: direction}
	n.buckets[peerID] = &types.RateBucket{
		Capacity:     n.cfg.RateLimitBurst,
		RefillPerSec: n.cfg.RateLimitPerSec,
	}
	if addr != nil {
		n.subnets.Add(peerID, addr, direction)
	}
}

// UnregisterPeer purges a peer's stats, e.g. on transport peer:left.
func (n *Node) UnregisterPeer(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.purgePeerLocked(peerID)
}

func (n *Node) purgePeerLocked(peerID string) {
	delete(n.peerRep, peerID)
	delete(n.buckets, peerID)
	n.subnets.Remove(peerID)
}

// Receive runs the inbound receive pipeline of spec.md §4.7 on a message
// from peerID, in the documented order. Messages from unregistered peers
// and non-nullifier messages are dropped without penalty; rate-limited
// messages are counted in the peer's DroppedMessages; timestamp,
// ownership-proof, attestation and duplicate rejections lower the
// sender's score. No error is returned to keep the broadcast loop
// alive (spec.md §7).
func (n *Node) Receive(ctx context.Context, peerID string, msg types.GossipMessage) {
	n.mu.Lock()
	bucket, hasBucket := n.buckets[peerID]
	if !hasBucket {
		n.mu.Unlock()
		log.Debugf("gossip: message from unregistered peer %s dropped", peerID)
		return
	}
	allowed := bucket.Take(n.nowMs())
	if !allowed {
		if rep, ok := n.peerRep[peerID]; ok {
			rep.DroppedMessages++
		}
		n.mu.Unlock()
		metrics.rateLimitDrops.Inc()
		log.Debugf("gossip: rate limit dropped message from %s", peerID)
		return
	}
	n.mu.Unlock()

	if msg.Type != "nullifier" {
		return
	}
	if msg.Nullifier == ([32]byte{}) {
		return
	}

	now := n.nowMs()
	futureLimit := now + n.cfg.MaxTimestampFutureS*1000
	if msg.Proof.TimestampMs > futureLimit {
		n.penalize(peerID, -5)
		log.Debugf("gossip: rejecting future-timestamped nullifier from %s: %s",
			peerID, spew.Sdump(msg.Proof))
		return
	}
	if msg.Proof.TimestampMs < now-n.cfg.MaxNullifierAgeMs {
		n.penalize(peerID, -2)
		return
	}

	if n.cfg.RequireOwnershipProof && len(msg.OwnershipProof) == 0 {
		n.penalize(peerID, -5)
		return
	}

	ok, err := n.witness.Verify(ctx, msg.Proof)
	if err != nil || !ok {
		n.penalize(peerID, -10)
		return
	}

	key := primitives.HexEncode(msg.Nullifier[:])

	n.mu.Lock()
	record, exists := n.seenSet[key]
	if !exists {
		record = &types.NullifierRecord{
			Nullifier:   msg.Nullifier,
			Proof:       msg.Proof,
			FirstSeenMs: now,
			PeerCount:   1,
		}
		n.seenSet[key] = record
		metrics.seenSetSize.Set(float64(len(n.seenSet)))
	} else {
		record.PeerCount++
	}
	n.mu.Unlock()

	if !exists {
		n.rewardLocked(peerID, 1)
		if n.transport != nil {
			for _, pid := range n.transport.KnownPeers() {
				if pid == peerID {
					continue
				}
				if err := n.transport.SendToPeer(pid, msg); err != nil {
					log.Debugf("gossip: rebroadcast to %s failed: %v", pid, err)
				}
			}
		}
	} else {
		n.penalize(peerID, -1)
	}

	n.maybeDisconnect(peerID)
}

func (n *Node) penalize(peerID string, delta int) {
	n.mu.Lock()
	if rep, ok := n.peerRep[peerID]; ok {
		rep.Score += delta
		if delta < 0 {
			rep.InvalidProofs++
		}
	}
	n.mu.Unlock()
	n.maybeDisconnect(peerID)
}

func (n *Node) rewardLocked(peerID string, delta int) {
	n.mu.Lock()
	if rep, ok := n.peerRep[peerID]; ok {
		rep.Score += delta
		if rep.Score > 100 {
			rep.Score = 100
		}
		rep.ValidMessages++
	}
	n.mu.Unlock()
}

func (n *Node) maybeDisconnect(peerID string) {
	n.mu.Lock()
	rep, ok := n.peerRep[peerID]
	shouldDisconnect := ok && rep.Score <= n.cfg.PeerScoreThreshold
	n.mu.Unlock()

	if !shouldDisconnect {
		return
	}

	if n.transport != nil {
		if err := n.transport.Disconnect(peerID); err != nil {
			log.Debugf("gossip: disconnect of %s failed: %v", peerID, err)
		}
	}

	n.mu.Lock()
	n.purgePeerLocked(peerID)
	n.mu.Unlock()

	metrics.peerEvictions.Inc()
	log.Infof("gossip: evicted peer %s for score threshold breach", peerID)
}

// Publish records a local spend's nullifier and broadcasts it. It is the
// sender's own double-spend alarm: publishing an already-seen nullifier
// is rejected with KindDoubleSpend instead of incrementing peer_count.
func (n *Node) Publish(nullifier [32]byte, proof types.Attestation) error {
	key := primitives.HexEncode(nullifier[:])

	n.mu.Lock()
	if _, exists := n.seenSet[key]; exists {
		n.mu.Unlock()
		metrics.doubleSpendLocal.Inc()
		return scarcityerr.New(scarcityerr.KindDoubleSpend,
			"nullifier already published by this node")
	}
	n.seenSet[key] = &types.NullifierRecord{
		Nullifier:   nullifier,
		Proof:       proof,
		FirstSeenMs: n.nowMs(),
		PeerCount:   1,
	}
	metrics.seenSetSize.Set(float64(len(n.seenSet)))
	n.mu.Unlock()

	if n.transport != nil {
		n.transport.Broadcast(types.GossipMessage{
			Type:        "nullifier",
			Nullifier:   nullifier,
			Proof:       proof,
			TimestampMs: proof.TimestampMs,
		})
	}
	return nil
}

// CheckNullifier returns "fraction of my peers that told me about it":
// absent ⇒ 0; present ⇒ min(peer_count / max(connected peers, 1), 1.0).
// Age is intentionally not a factor — an old legitimate transfer must
// not be mistaken for a double-spend.
func (n *Node) CheckNullifier(nullifier [32]byte) float64 {
	key := primitives.HexEncode(nullifier[:])

	n.mu.Lock()
	record, exists := n.seenSet[key]
	peerCount := 1
	if n.transport != nil {
		if c := len(n.transport.KnownPeers()); c > peerCount {
			peerCount = c
		}
	}
	n.mu.Unlock()

	if !exists {
		return 0
	}
	frac := float64(record.PeerCount) / float64(peerCount)
	if frac > 1.0 {
		frac = 1.0
	}
	return frac
}

// PeerCount returns the raw peer_count tally for a nullifier record (0
// if absent), the input the validator's confidence model uses for its
// peer_score term, as distinct from CheckNullifier's normalized
// fraction used for double-spend gating.
func (n *Node) PeerCount(nullifier [32]byte) int {
	key := primitives.HexEncode(nullifier[:])
	n.mu.Lock()
	defer n.mu.Unlock()
	if record, ok := n.seenSet[key]; ok {
		return record.PeerCount
	}
	return 0
}

// SeenSetSize reports the current number of tracked nullifiers, used by
// property tests asserting the pruning bound.
func (n *Node) SeenSetSize() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.seenSet)
}

// PeerScore exposes a peer's current reputation score for tests and
// diagnostics.
func (n *Node) PeerScore(peerID string) (int, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	rep, ok := n.peerRep[peerID]
	if !ok {
		return 0, false
	}
	return rep.Score, true
}

// DroppedMessages exposes a peer's rate-limit drop count.
func (n *Node) DroppedMessages(peerID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	rep, ok := n.peerRep[peerID]
	if !ok {
		return 0
	}
	return rep.DroppedMessages
}

func (n *Node) pruneLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(time.Duration(n.cfg.PruneIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.prune()
		case <-n.quit:
			return
		}
	}
}

// prune removes entries older than MaxNullifierAgeMs, then, if the map
// still exceeds MaxNullifiers, evicts the oldest by FirstSeenMs until it
// fits. This hard cap protects availability at the cost of a
// theoretical window where very old legitimate entries are forgotten
// before their validator window closes (spec.md §4.7).
func (n *Node) prune() {
	cutoff := n.nowMs() - n.cfg.MaxNullifierAgeMs

	n.mu.Lock()
	defer n.mu.Unlock()

	for key, rec := range n.seenSet {
		if rec.FirstSeenMs < cutoff {
			delete(n.seenSet, key)
		}
	}

	if len(n.seenSet) <= n.cfg.MaxNullifiers {
		metrics.seenSetSize.Set(float64(len(n.seenSet)))
		return
	}

	type entry struct {
		key string
		ts  int64
	}
	entries := make([]entry, 0, len(n.seenSet))
	for key, rec := range n.seenSet {
		entries = append(entries, entry{key, rec.FirstSeenMs})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts < entries[j].ts })

	excess := len(n.seenSet) - n.cfg.MaxNullifiers
	for i := 0; i < excess; i++ {
		delete(n.seenSet, entries[i].key)
	}
	metrics.seenSetSize.Set(float64(len(n.seenSet)))
}
