package config_test

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scarcity-net/scarcity/config"
)

func TestConfigRoundTrip(t *testing.T) {
	cfg := config.Config{
		Witness: config.Witness{
			GatewayURLs:      []string{"https://witness.example"},
			NetworkID:        "mainnet",
			QuorumThreshold:  2,
			SignerPubKeysHex: []string{"aa", "bb"},
			FederationDepth:  3,
		},
		Freebird: config.Freebird{
			IssuerURLs:  []string{"https://issuer.example"},
			VerifierURL: "https://verifier.example",
		},
		Hypertoken: config.Hypertoken{
			RelayURL:        "wss://relay.example",
			UpgradeDelayMs:  2000,
			ConnectTimeoutS: 10,
		},
		Tor: config.Tor{
			Enabled:    true,
			SOCKS5Addr: "127.0.0.1:9050",
		},
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	var got config.Config
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, cfg, got)
}

func TestFromEnvLeavesUnsetFieldsAtZeroValue(t *testing.T) {
	for _, k := range []string{"FREEBIRD_ISSUER_URL", "FREEBIRD_VERIFIER_URL", "WITNESS_GATEWAY_URL", "HYPERTOKEN_RELAY_URL"} {
		require.NoError(t, os.Unsetenv(k))
	}

	cfg := config.FromEnv()
	require.Equal(t, config.Config{}, cfg)
}

func TestFromEnvPopulatesConfiguredSections(t *testing.T) {
	t.Setenv("FREEBIRD_ISSUER_URL", "https://issuer.example")
	t.Setenv("FREEBIRD_VERIFIER_URL", "https://verifier.example")
	t.Setenv("WITNESS_GATEWAY_URL", "https://witness.example")
	t.Setenv("HYPERTOKEN_RELAY_URL", "wss://relay.example")

	cfg := config.FromEnv()

	require.Equal(t, []string{"https://issuer.example"}, cfg.Freebird.IssuerURLs)
	require.Equal(t, "https://verifier.example", cfg.Freebird.VerifierURL)

	require.Equal(t, []string{"https://witness.example"}, cfg.Witness.GatewayURLs)
	require.Equal(t, 1, cfg.Witness.QuorumThreshold)
	require.Equal(t, 3, cfg.Witness.FederationDepth)

	require.Equal(t, "wss://relay.example", cfg.Hypertoken.RelayURL)
	require.Equal(t, int64(2000), cfg.Hypertoken.UpgradeDelayMs)
	require.Equal(t, 10, cfg.Hypertoken.ConnectTimeoutS)
}
