package gossip

import (
	"fmt"
	"net"
	"sync"

	"github.com/scarcity-net/scarcity/types"
)

// SubnetTracker tallies peers per IPv4 /24 or IPv6 /48, the optional
// "peer diversity" surface of spec.md §4.7. It does not filter
// connections; it only reports a diversity count and lets callers weigh
// outbound-initiated peers higher in confidence reporting.
type SubnetTracker struct {
	mu      sync.Mutex
	peerKey map[string]string // peerID -> subnet key
	tally   map[string]int    // subnet key -> peer count
	outbound map[string]bool  // peerID -> was outbound-initiated
}

// NewSubnetTracker constructs an empty tracker.
func NewSubnetTracker() *SubnetTracker {
	return &SubnetTracker{
		peerKey:  make(map[string]string),
		tally:    make(map[string]int),
		outbound: make(map[string]bool),
	}
}

// Add records peerID's subnet membership and connection direction.
func (s *SubnetTracker) Add(peerID string, addr net.Addr, direction types.PeerDirection) {
	key := subnetKey(addr)
	if key == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerKey[peerID] = key
	s.tally[key]++
	s.outbound[peerID] = direction == types.DirectionOutbound
}

// Remove purges peerID's subnet membership.
func (s *SubnetTracker) Remove(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.peerKey[peerID]; ok {
		s.tally[key]--
		if s.tally[key] <= 0 {
			delete(s.tally, key)
		}
		delete(s.peerKey, peerID)
	}
	delete(s.outbound, peerID)
}

// Diversity returns the number of distinct subnets currently
// represented among tracked peers.
func (s *SubnetTracker) Diversity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tally)
}

// IsOutbound reports whether peerID was an outbound-initiated
// connection, used to weight it higher in confidence reporting.
func (s *SubnetTracker) IsOutbound(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outbound[peerID]
}

func subnetKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
	}
	// IPv6: /48 is the first 6 bytes.
	mask := net.CIDRMask(48, 128)
	return ip.Mask(mask).String() + "/48"
}
