package harness

import (
	"context"
	"sync"
	"time"

	"github.com/go-errors/errors"

	"github.com/scarcity-net/scarcity/gossip"
	"github.com/scarcity-net/scarcity/primitives"
	"github.com/scarcity-net/scarcity/token"
	"github.com/scarcity-net/scarcity/types"
	"github.com/scarcity-net/scarcity/validator"
)

// FakeWitness is an in-memory stand-in for witness.Client suitable for
// self-test scenarios that must not reach a real gateway: it always
// timestamps successfully, verifies anything it timestamped, and tracks
// which nullifiers a test has explicitly marked as seen elsewhere so
// CheckNullifier can model a federation-confirmed double-spend.
type FakeWitness struct {
	mu        sync.Mutex
	confirmed map[[32]byte]bool
	depth     int
}

// NewFakeWitness constructs a FakeWitness with the documented default
// federation depth.
func NewFakeWitness() *FakeWitness {
	return &FakeWitness{confirmed: make(map[[32]byte]bool), depth: 3}
}

func (w *FakeWitness) Timestamp(_ context.Context, hashHex string) (types.Attestation, error) {
	hashBytes, err := primitives.HexDecode(hashHex)
	if err != nil {
		return types.Attestation{}, err
	}
	var h [32]byte
	copy(h[:], hashBytes)
	return types.Attestation{
		Hash:        h,
		TimestampMs: time.Now().UnixMilli(),
		Form:        types.FormMultiSig,
		Signatures:  [][]byte{[]byte("s1"), []byte("s2")},
		WitnessIDs:  []string{"w1", "w2"},
	}, nil
}

func (w *FakeWitness) Verify(_ context.Context, att types.Attestation) (bool, error) {
	return att.Validate() == nil, nil
}

// MarkConfirmed flags nullifier as independently confirmed by the
// federation, the condition CheckNullifier reports back.
func (w *FakeWitness) MarkConfirmed(nullifier [32]byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.confirmed[nullifier] = true
}

func (w *FakeWitness) CheckNullifier(_ context.Context, nullifier [32]byte) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.confirmed[nullifier] {
		return 1.0, nil
	}
	return 0, nil
}

func (w *FakeWitness) FederationDepth() int { return w.depth }

// FakeFreebird is a deterministic in-memory stand-in for freebird.Client.
type FakeFreebird struct{}

func (FakeFreebird) Blind(_ context.Context, recipient []byte) ([]byte, error) {
	h := primitives.SHA256(recipient, []byte("blind"))
	return h[:], nil
}

func (FakeFreebird) CreateOwnershipProof(secret []byte) [32]byte {
	return primitives.SHA256(secret, []byte("OWNERSHIP_PROOF"))
}

func (FakeFreebird) VerifyOwnershipProof(proof []byte) bool {
	return len(proof) == 32
}

// NodeHarness bundles one simulated participant's gossip node,
// validator, and token engine, all wired to the mesh's loopback
// transport instead of a real WebSocket relay.
type NodeHarness struct {
	ID        string
	Gossip    *gossip.Node
	Validator *validator.Validator
	Engine    *token.Engine

	transport *meshTransport
}

// Mesh is an in-process peer mesh: Broadcast/SendToPeer calls are
// delivered synchronously into the target node's gossip.Node.Receive
// instead of crossing a real WebSocket or WebRTC channel, the same
// in-memory substitution the teacher's mock notifier makes for chain
// events in contractcourt's tests.
type Mesh struct {
	mu           sync.Mutex
	nodes        map[string]*NodeHarness
	disconnected map[string]map[string]bool
}

// NewMesh constructs an empty mesh.
func NewMesh() *Mesh {
	return &Mesh{
		nodes:        make(map[string]*NodeHarness),
		disconnected: make(map[string]map[string]bool),
	}
}

// AddNode constructs and registers a new simulated participant. cfg sets
// the gossip configuration (gossip.DefaultConfig() when nil); the
// validator always uses validator.DefaultConfig().
func (m *Mesh) AddNode(id string, witness *FakeWitness, cfg *gossip.Config) *NodeHarness {
	gossipCfg := gossip.DefaultConfig()
	if cfg != nil {
		gossipCfg = *cfg
	}

	mt := &meshTransport{id: id, mesh: m}
	gossipNode := gossip.New(gossipCfg, witness, mt)
	gossipNode.Start()

	nh := &NodeHarness{
		ID:        id,
		Gossip:    gossipNode,
		Validator: validator.New(validator.DefaultConfig(), gossipNode, witness),
		Engine:    token.New(FakeFreebird{}, witness, gossipNode, id),
		transport: mt,
	}

	m.mu.Lock()
	existing := make([]*NodeHarness, 0, len(m.nodes))
	for _, other := range m.nodes {
		existing = append(existing, other)
	}
	m.nodes[id] = nh
	m.mu.Unlock()

	// A freshly joined node forms a full mesh with every existing node,
	// the way RegisterPeer+peer:joined would fire symmetrically on a real
	// relay-mediated connection.
	for _, other := range existing {
		nh.Gossip.RegisterPeer(other.ID, types.DirectionOutbound, nil)
		other.Gossip.RegisterPeer(id, types.DirectionInbound, nil)
	}

	return nh
}

// Connect registers a and b as peers of each other, for nodes added
// before the peer relationship should exist, or to reconnect after a
// Sever.
func (m *Mesh) Connect(a, b *NodeHarness) {
	m.mu.Lock()
	delete(m.disconnected[a.ID], b.ID)
	delete(m.disconnected[b.ID], a.ID)
	m.mu.Unlock()

	a.Gossip.RegisterPeer(b.ID, types.DirectionOutbound, nil)
	b.Gossip.RegisterPeer(a.ID, types.DirectionInbound, nil)
}

// Stop tears down every node's background prune loop.
func (m *Mesh) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, nh := range m.nodes {
		nh.Gossip.Stop()
	}
}

// Sever cuts the simulated link between a and b in both directions,
// modeling a partition or a reputation-triggered disconnect.
func (m *Mesh) Sever(a, b string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.severLocked(a, b)
}

func (m *Mesh) severLocked(a, b string) {
	if m.disconnected[a] == nil {
		m.disconnected[a] = make(map[string]bool)
	}
	if m.disconnected[b] == nil {
		m.disconnected[b] = make(map[string]bool)
	}
	m.disconnected[a][b] = true
	m.disconnected[b][a] = true
}

func (m *Mesh) severedLocked(a, b string) bool {
	return m.disconnected[a][b] || m.disconnected[b][a]
}

func (m *Mesh) deliver(from, to string, msg types.GossipMessage) error {
	m.mu.Lock()
	if m.severedLocked(from, to) {
		m.mu.Unlock()
		return errors.Errorf("harness: %s is disconnected from %s", from, to)
	}
	target, ok := m.nodes[to]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("harness: unknown peer %s", to)
	}
	target.Gossip.Receive(context.Background(), from, msg)
	return nil
}

// meshTransport implements gossip.PeerTransport (and the identical
// subset token.Engine's GossipPublisher does not need directly, since
// the engine talks to gossip.Node, not the transport).
type meshTransport struct {
	id   string
	mesh *Mesh
}

func (t *meshTransport) SendToPeer(peerID string, msg types.GossipMessage) error {
	return t.mesh.deliver(t.id, peerID, msg)
}

func (t *meshTransport) Broadcast(msg types.GossipMessage) {
	for _, id := range t.KnownPeers() {
		if err := t.SendToPeer(id, msg); err != nil {
			log.Debugf("harness: broadcast from %s to %s failed: %v", t.id, id, err)
		}
	}
}

func (t *meshTransport) KnownPeers() []string {
	t.mesh.mu.Lock()
	defer t.mesh.mu.Unlock()
	var out []string
	for id := range t.mesh.nodes {
		if id == t.id || t.mesh.severedLocked(t.id, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (t *meshTransport) Disconnect(peerID string) error {
	t.mesh.Sever(t.id, peerID)
	return nil
}
