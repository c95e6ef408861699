// Package transport implements the hybrid WebSocket/WebRTC peer
// transport described in spec.md §4.6: a single peer-addressable
// message bus routed through an untrusted relay, with an optional
// upgrade to a direct WebRTC data channel that the gossip layer above
// must never observe.
//
// One goroutine pumps frames off the relay socket and another drains an
// outgoing queue, mirroring peer.go's readHandler/writeHandler/
// queueHandler split in the teacher. The peer table and ready flag are
// shared between these goroutines, the WebRTC upgrade goroutines and
// callers, and are guarded by a mutex.
package transport

import (
	"container/list"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/scarcity-net/scarcity/types"
)

// connectTimeout is the hard ceiling from connect() to a welcome frame
// (spec.md §4.6 point 4).
const connectTimeout = 10 * time.Second

// closeRaceTimeout bounds how long Close waits for the relay socket's
// own close handshake before giving up (spec.md §5).
const closeRaceTimeout = 2 * time.Second

// frame is the wire envelope every message over the relay carries
// (spec.md §6).
type frame struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TargetPeerID string          `json:"targetPeerId,omitempty"`
	FromPeerID   string          `json:"fromPeerId,omitempty"`
	PeerID       string          `json:"peerId,omitempty"`
}

type outgoingFrame struct {
	f        frame
	sentChan chan struct{} // may be nil
}

// P2PMessage is delivered to listeners as {...payload, fromPeerId}.
type P2PMessage struct {
	FromPeerID string
	Payload    types.GossipMessage
}

// peerHandle is a non-owning reference to a remote peer; it becomes
// dead (Send fails) once the transport closes.
type peerHandle struct {
	id        string
	direction types.PeerDirection
	dataChan  *webrtc.DataChannel // nil until/unless the WebRTC upgrade succeeds
	pc        *webrtc.PeerConnection
}

// Transport is the hybrid WebSocket/WebRTC peer bus.
type Transport struct {
	relayURL       string
	upgradeDelay   time.Duration
	selfID         string

	conn *websocket.Conn

	mu    sync.Mutex
	peers map[string]*peerHandle
	ready bool

	outgoingQueue chan outgoingFrame
	quit          chan struct{}
	wg            sync.WaitGroup

	onPeerJoined func(peerID string)
	onPeerLeft   func(peerID string)
	onP2P        func(P2PMessage)
}

// New constructs a Transport bound to relayURL. upgradeDelay is how long
// after a peer join to attempt the WebRTC upgrade (spec.md §4.6 point 3).
func New(relayURL string, upgradeDelay time.Duration) *Transport {
	return &Transport{
		relayURL:      relayURL,
		upgradeDelay:  upgradeDelay,
		peers:         make(map[string]*peerHandle),
		outgoingQueue: make(chan outgoingFrame, 64),
		quit:          make(chan struct{}),
	}
}

// OnPeerJoined/OnPeerLeft/OnP2PMessage register the transport's event
// listeners. Must be called before Connect.
func (t *Transport) OnPeerJoined(fn func(peerID string)) { t.onPeerJoined = fn }
func (t *Transport) OnPeerLeft(fn func(peerID string))   { t.onPeerLeft = fn }
func (t *Transport) OnP2PMessage(fn func(P2PMessage))    { t.onP2P = fn }

// SelfID returns this node's relay-assigned peer id, valid after
// Connect returns successfully.
func (t *Transport) SelfID() string { return t.selfID }

// Connect opens the WebSocket to the relay and blocks until a welcome
// frame is received or connectTimeout elapses.
func (t *Transport) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.relayURL, nil)
	if err != nil {
		return errors.Wrap(err, 1)
	}
	t.conn = conn

	welcome := make(chan string, 1)
	failed := make(chan error, 1)

	t.wg.Add(1)
	go t.readPump(welcome, failed)

	t.wg.Add(1)
	go t.writePump()

	select {
	case peerID := <-welcome:
		t.selfID = peerID
		t.mu.Lock()
		t.ready = true
		t.mu.Unlock()
		log.Infof("transport: connected, assigned peer id %s", peerID)
		return nil
	case err := <-failed:
		return err
	case <-time.After(connectTimeout):
		t.Close()
		return errors.Errorf("transport: ready not reached within %s", connectTimeout)
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}
}

func (t *Transport) readPump(welcome chan<- string, failed chan<- error) {
	defer t.wg.Done()
	gotWelcome := false

	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			if !gotWelcome {
				failed <- errors.Wrap(err, 1)
			}
			t.handleDisconnect()
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Debugf("transport: malformed frame: %v", err)
			continue
		}

		switch f.Type {
		case "welcome":
			gotWelcome = true
			welcome <- f.PeerID

		case "peer:joined":
			t.handlePeerJoined(f.PeerID)

		case "peer:left":
			t.handlePeerLeft(f.PeerID)

		case "p2p":
			t.handleP2P(f)

		default:
			log.Debugf("transport: unhandled frame type %q", f.Type)
		}
	}
}

func (t *Transport) handlePeerJoined(peerID string) {
	t.mu.Lock()
	if _, exists := t.peers[peerID]; !exists {
		t.peers[peerID] = &peerHandle{id: peerID, direction: types.DirectionInbound}
	}
	t.mu.Unlock()

	if t.onPeerJoined != nil {
		t.onPeerJoined(peerID)
	}

	if t.upgradeDelay > 0 {
		go t.attemptUpgradeAfterDelay(peerID)
	}
}

func (t *Transport) handlePeerLeft(peerID string) {
	t.mu.Lock()
	if ph, ok := t.peers[peerID]; ok {
		if ph.pc != nil {
			ph.pc.Close()
		}
		delete(t.peers, peerID)
	}
	t.mu.Unlock()

	if t.onPeerLeft != nil {
		t.onPeerLeft(peerID)
	}
}

func (t *Transport) handleP2P(f frame) {
	var msg types.GossipMessage
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		log.Debugf("transport: malformed p2p payload from %s: %v", f.FromPeerID, err)
		return
	}
	if t.onP2P != nil {
		t.onP2P(P2PMessage{FromPeerID: f.FromPeerID, Payload: msg})
	}
}

func (t *Transport) handleDisconnect() {
	t.mu.Lock()
	for id, ph := range t.peers {
		if ph.pc != nil {
			ph.pc.Close()
		}
		delete(t.peers, id)
	}
	t.ready = false
	t.mu.Unlock()
}

// attemptUpgradeAfterDelay tries to establish a WebRTC data channel to
// peerID upgradeDelay after it joined, signaling through the relay. On
// any failure it leaves the peer on the WebSocket path; the gossip
// layer never observes which path carried a given message.
func (t *Transport) attemptUpgradeAfterDelay(peerID string) {
	select {
	case <-time.After(t.upgradeDelay):
	case <-t.quit:
		return
	}

	t.mu.Lock()
	ph, ok := t.peers[peerID]
	t.mu.Unlock()
	if !ok {
		return
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		log.Debugf("transport: webrtc init failed for %s: %v", peerID, err)
		return
	}

	dc, err := pc.CreateDataChannel("scarcity-gossip", nil)
	if err != nil {
		log.Debugf("transport: webrtc data channel failed for %s: %v", peerID, err)
		pc.Close()
		return
	}

	established := make(chan struct{})
	dc.OnOpen(func() {
		t.mu.Lock()
		if cur, ok := t.peers[peerID]; ok {
			cur.pc = pc
			cur.dataChan = dc
		}
		t.mu.Unlock()
		close(established)
		log.Debugf("transport: webrtc upgrade established with %s", peerID)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return
	}

	offerBytes, _ := json.Marshal(offer)
	t.sendFrame(frame{Type: "webrtc:offer", TargetPeerID: peerID, Payload: offerBytes}, nil)

	select {
	case <-established:
	case <-time.After(10 * time.Second):
		pc.Close()
	case <-t.quit:
		pc.Close()
	}
}

// SendToPeer routes payload to peerID through the WebRTC data channel if
// established, otherwise through the WebSocket relay. Either path is
// transparent to the caller.
func (t *Transport) SendToPeer(peerID string, msg types.GossipMessage) error {
	t.mu.Lock()
	ph, ok := t.peers[peerID]
	ready := t.ready
	t.mu.Unlock()

	if !ready {
		return errors.Errorf("transport: not connected")
	}
	if !ok {
		return errors.Errorf("transport: unknown peer %s", peerID)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, 1)
	}

	if ph.dataChan != nil {
		if err := ph.dataChan.Send(payload); err == nil {
			return nil
		}
		// Fall through to WebSocket on WebRTC send failure.
	}

	return t.sendFrame(frame{Type: "p2p", TargetPeerID: peerID, Payload: payload}, nil)
}

// Broadcast sends payload to every known peer, skipping individual send
// failures (spec.md §5: partial broadcast failure is tolerated).
func (t *Transport) Broadcast(msg types.GossipMessage) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		if err := t.SendToPeer(id, msg); err != nil {
			log.Debugf("transport: broadcast to %s failed: %v", id, err)
		}
	}
}

// Disconnect severs the local connection to peerID: it tears down any
// WebRTC peer connection, removes the peer wrapper, and notifies the
// relay so it stops routing frames to this node for that peer. It does
// not wait for the relay's acknowledgement.
func (t *Transport) Disconnect(peerID string) error {
	t.mu.Lock()
	ph, ok := t.peers[peerID]
	if ok {
		if ph.pc != nil {
			ph.pc.Close()
		}
		delete(t.peers, peerID)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return t.sendFrame(frame{Type: "disconnect", TargetPeerID: peerID}, nil)
}

// KnownPeers returns the currently tracked peer ids.
func (t *Transport) KnownPeers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

// PeerAddr is a best-effort remote address lookup for subnet tallying
// (spec.md §4.7); the relay protocol does not expose per-peer IPs
// directly, so this always reports the relay's own remote address as a
// stand-in for peers reached purely over the WebSocket fallback.
func (t *Transport) PeerAddr() net.Addr {
	if t.conn == nil {
		return nil
	}
	return t.conn.RemoteAddr()
}

func (t *Transport) sendFrame(f frame, sentChan chan struct{}) error {
	select {
	case t.outgoingQueue <- outgoingFrame{f: f, sentChan: sentChan}:
		return nil
	case <-t.quit:
		return errors.Errorf("transport: not connected")
	}
}

// writePump drains outgoingQueue the way peer.go's queueHandler drains
// its pending-message list, so a slow relay never blocks callers of
// SendToPeer/Broadcast for longer than the queue's capacity.
func (t *Transport) writePump() {
	defer t.wg.Done()

	pending := list.New()
	for {
		for {
			elem := pending.Front()
			if elem == nil {
				break
			}
			of := elem.Value.(outgoingFrame)
			data, err := json.Marshal(of.f)
			if err != nil {
				pending.Remove(elem)
				continue
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debugf("transport: write failed: %v", err)
				return
			}
			if of.sentChan != nil {
				close(of.sentChan)
			}
			pending.Remove(elem)
		}

		select {
		case <-t.quit:
			return
		case of := <-t.outgoingQueue:
			pending.PushBack(of)
		}
	}
}

// Close tears down the transport: all peer wrappers are cleared and any
// in-flight sends fail with "not connected". No retries happen at this
// layer.
func (t *Transport) Close() error {
	select {
	case <-t.quit:
		return nil // already closed
	default:
		close(t.quit)
	}

	t.handleDisconnect()

	done := make(chan struct{})
	go func() {
		if t.conn != nil {
			t.conn.Close()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(closeRaceTimeout):
		log.Warnf("transport: close race timed out after %s", closeRaceTimeout)
	}

	t.wg.Wait()
	return nil
}
