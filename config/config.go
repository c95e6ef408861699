// Package config holds the persisted configuration shapes consumed by
// the external CLI/wallet (spec.md §6): the witness, freebird,
// hypertoken (peer transport), and tor sections. Loading these from a
// config file on disk is a CLI concern and stays out of scope; this
// package only owns the struct shapes, JSON (de)serialization, and
// construction from the environment variables spec.md §6 names.
package config

import "os"

// Witness configures the Witness timestamping adapter (§4.5).
type Witness struct {
	GatewayURLs       []string `json:"gateway_urls"`
	NetworkID         string   `json:"network_id"`
	QuorumThreshold   int      `json:"quorum_threshold"`
	SignerPubKeysHex  []string `json:"signer_pubkeys_hex,omitempty"`
	FederationDepth   int      `json:"federation_depth"`
}

// Freebird configures the VOPRF issuance adapter (§4.4).
type Freebird struct {
	IssuerURLs   []string `json:"issuer_urls"`
	VerifierURL  string   `json:"verifier_url"`
}

// Hypertoken configures the hybrid peer transport (§4.6). The name
// mirrors the relay protocol's own terminology for the gossip overlay.
type Hypertoken struct {
	RelayURL        string `json:"relay_url"`
	UpgradeDelayMs  int64  `json:"upgrade_delay_ms"`
	ConnectTimeoutS int    `json:"connect_timeout_s"`
}

// Tor configures the process-wide SOCKS5 hook (§4.4, §9). Once set at
// init time it is read-once: implementers must not mutate it mid-run.
type Tor struct {
	Enabled    bool   `json:"enabled"`
	SOCKS5Addr string `json:"socks5_addr"`
}

// Config is the full persisted shape: {witness, freebird, hypertoken, tor}.
type Config struct {
	Witness    Witness    `json:"witness"`
	Freebird   Freebird   `json:"freebird"`
	Hypertoken Hypertoken `json:"hypertoken"`
	Tor        Tor        `json:"tor"`
}

// FromEnv builds a Config from the environment variables spec.md §6
// names. Any variable that is unset leaves the corresponding field at
// its zero value; the adapters treat an empty URL list as "no reachable
// issuer/gateway" and take the fallback path (§4.4, §4.5, §7).
func FromEnv() Config {
	var cfg Config
	if v := os.Getenv("FREEBIRD_ISSUER_URL"); v != "" {
		cfg.Freebird.IssuerURLs = []string{v}
	}
	if v := os.Getenv("FREEBIRD_VERIFIER_URL"); v != "" {
		cfg.Freebird.VerifierURL = v
	}
	if v := os.Getenv("WITNESS_GATEWAY_URL"); v != "" {
		cfg.Witness.GatewayURLs = []string{v}
		cfg.Witness.QuorumThreshold = 1
		cfg.Witness.FederationDepth = 3
	}
	if v := os.Getenv("HYPERTOKEN_RELAY_URL"); v != "" {
		cfg.Hypertoken.RelayURL = v
		cfg.Hypertoken.UpgradeDelayMs = 2000
		cfg.Hypertoken.ConnectTimeoutS = 10
	}
	return cfg
}
