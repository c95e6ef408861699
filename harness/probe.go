// Package harness wires the adapters and core modules into a runnable
// node and gives self-test scenarios an in-memory mesh to run against,
// the way lnd's top-level lnd.go wires channeldb, the wallet, and the
// switch together and the itest suite drives several such instances
// against each other. Loading configuration and owning a process
// lifecycle is a CLI concern and stays out of scope; this package wires
// already-constructed adapters and runs scenarios against them.
package harness

import (
	"context"

	"github.com/scarcity-net/scarcity/freebird"
	"github.com/scarcity-net/scarcity/transport"
	"github.com/scarcity-net/scarcity/witness"
)

// ProbeFreebird runs the Freebird adapter's lazy issuer discovery
// eagerly at startup so unreachable issuers are logged once up front
// instead of silently degrading on the first real Blind call. It never
// returns an error: an unreachable issuer is exactly the graceful
// degradation path spec.md §7 describes, not a startup failure.
func ProbeFreebird(ctx context.Context, c *freebird.Client) {
	c.Init(ctx)
}

// ProbeWitness runs the Witness adapter's gateway config discovery
// eagerly, the same best-effort non-fatal check ProbeFreebird performs.
func ProbeWitness(ctx context.Context, c *witness.Client) {
	c.DiscoverConfig(ctx)
}

// ProbeTransport attempts to connect the peer transport and reports
// whether the relay accepted the connection. Unlike the adapter probes,
// a transport that cannot connect is a real startup failure: there is
// no fallback transport to degrade to.
func ProbeTransport(ctx context.Context, t *transport.Transport) error {
	return t.Connect(ctx)
}
