package freebird

import "github.com/btcsuite/btclog"

// log is the package-level logger used by Freebird, disabled by default
// until the caller wires one in with UseLogger. The pattern matches the
// teacher's package-scoped logging (discovery, htlcswitch).
var log btclog.Logger

func init() {
	UseLogger(btclog.Disabled)
}

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
