// Package witness implements the adapter to the Witness timestamping
// federation described in spec.md §4.5: submit a package hash for
// threshold-signed timestamping, verify an attestation (preferring the
// gateway, falling back to local BLS verification or a structural
// check), and look up whether a nullifier has already been timestamped.
// When two or more gateways are configured, checkNullifier and verify
// query all of them and require the configured quorum to agree.
package witness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/go-errors/errors"

	"github.com/scarcity-net/scarcity/blsverify"
	"github.com/scarcity-net/scarcity/primitives"
	"github.com/scarcity-net/scarcity/torutil"
	"github.com/scarcity-net/scarcity/types"
)

// federationDepthDefault is used when the Witness config does not
// discover a depth from the gateway's own /v1/config response.
const federationDepthDefault = 3

// Client is the Witness adapter.
type Client struct {
	gatewayURLs     []string
	networkID       string
	quorumThreshold int
	signerPubKeys   [][]byte // for local BLS/ECDSA verification, if configured

	httpClient func(url string) *http.Client

	mu              sync.Mutex
	federationDepth int
}

// New constructs a Witness adapter. signerPubKeys, if non-nil, enables
// the local BLS verification path when a gateway is unreachable and the
// attestation is BLS-aggregated.
func New(gatewayURLs []string, networkID string, quorumThreshold int, signerPubKeys [][]byte) *Client {
	return &Client{
		gatewayURLs:     gatewayURLs,
		networkID:       networkID,
		quorumThreshold: quorumThreshold,
		signerPubKeys:   signerPubKeys,
		federationDepth: federationDepthDefault,
		httpClient: func(url string) *http.Client {
			return torutil.HTTPClient(url, 10*time.Second)
		},
	}
}

// FederationDepth returns the discovered (or default) federation depth
// used by the validator's witness_score term.
func (c *Client) FederationDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.federationDepth
}

type gatewayConfig struct {
	NetworkID string `json:"network_id"`
	Threshold int    `json:"threshold"`
	Witnesses []struct {
		ID       string `json:"id"`
		Endpoint string `json:"endpoint"`
		PubKey   string `json:"pubkey,omitempty"`
	} `json:"witnesses"`
}

// DiscoverConfig fetches GET {gateway}/v1/config from the first
// configured gateway and, on success, updates the federation depth used
// by the validator from the number of advertised witnesses. On any
// failure it leaves the default depth untouched (graceful degradation).
func (c *Client) DiscoverConfig(ctx context.Context) {
	if len(c.gatewayURLs) == 0 {
		return
	}
	gateway := c.gatewayURLs[0]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gateway+"/v1/config", nil)
	if err != nil {
		return
	}
	resp, err := c.httpClient(gateway).Do(req)
	if err != nil {
		log.Debugf("witness: config discovery failed for %s: %v", gateway, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return
	}

	var cfg gatewayConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(cfg.Witnesses) > 0 {
		c.federationDepth = len(cfg.Witnesses)
	}
}

type timestampRequest struct {
	Hash string `json:"hash"`
}

type wireAttestationEnvelope struct {
	Attestation struct {
		Attestation struct {
			Hash      string `json:"hash"`
			Timestamp int64  `json:"timestamp"`
			NetworkID string `json:"network_id"`
			Sequence  uint64 `json:"sequence"`
		} `json:"attestation"`
		Signatures json.RawMessage `json:"signatures"`
	} `json:"attestation"`
}

// multiSigWire is one accepted shape of the "signatures" field.
type multiSigWire struct {
	Type       string   `json:"type"`
	Signatures []string `json:"signatures"`
	WitnessIDs []string `json:"witness_ids"`
}

// aggregatedWire is the other accepted shape.
type aggregatedWire struct {
	Type          string   `json:"type"`
	AggregateSig  string   `json:"aggregate_sig"`
	SignerPubKeys []string `json:"signer_pub_keys"`
}

// Timestamp submits hashHex to the first configured gateway and
// normalizes the response into the canonical Attestation form,
// preserving the federation-native envelope under Raw.
func (c *Client) Timestamp(ctx context.Context, hashHex string) (types.Attestation, error) {
	if len(c.gatewayURLs) == 0 {
		return c.fallbackAttestation(hashHex), nil
	}

	gateway := c.gatewayURLs[0]
	body, _ := json.Marshal(timestampRequest{Hash: hashHex})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gateway+"/v1/timestamp", bytes.NewReader(body))
	if err != nil {
		return types.Attestation{}, errors.Wrap(err, 1)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient(gateway).Do(req)
	if err != nil {
		log.Debugf("witness: gateway %s unreachable, using fallback attestation: %v", gateway, err)
		return c.fallbackAttestation(hashHex), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return c.fallbackAttestation(hashHex), nil
	}

	raw, err := decodeAttestationBody(resp.Body)
	if err != nil {
		return types.Attestation{}, err
	}
	return c.normalizeAttestation(raw)
}

func decodeAttestationBody(r interface{ Read([]byte) (int, error) }) (json.RawMessage, error) {
	dec := json.NewDecoder(r)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, 1)
	}
	return raw, nil
}

func (c *Client) normalizeAttestation(raw json.RawMessage) (types.Attestation, error) {
	var envelope wireAttestationEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return types.Attestation{}, errors.Wrap(err, 1)
	}

	hashBytes, err := primitives.HexDecode(envelope.Attestation.Attestation.Hash)
	if err != nil || len(hashBytes) != 32 {
		return types.Attestation{}, errors.Errorf("witness: malformed attestation hash")
	}
	var hashArr [32]byte
	copy(hashArr[:], hashBytes)

	att := types.Attestation{
		Hash:        hashArr,
		TimestampMs: envelope.Attestation.Attestation.Timestamp,
		NetworkID:   envelope.Attestation.Attestation.NetworkID,
		Sequence:    envelope.Attestation.Attestation.Sequence,
		Raw:         raw,
	}

	var multi multiSigWire
	if err := json.Unmarshal(envelope.Attestation.Signatures, &multi); err == nil && multi.Type != "aggregated" && len(multi.Signatures) > 0 {
		att.Form = types.FormMultiSig
		att.WitnessIDs = multi.WitnessIDs
		for _, s := range multi.Signatures {
			sigBytes, _ := primitives.HexDecode(s)
			att.Signatures = append(att.Signatures, sigBytes)
		}
		return att, nil
	}

	var agg aggregatedWire
	if err := json.Unmarshal(envelope.Attestation.Signatures, &agg); err == nil && len(agg.AggregateSig) > 0 {
		att.Form = types.FormAggregated
		att.AggregateSig, _ = primitives.HexDecode(agg.AggregateSig)
		for _, k := range agg.SignerPubKeys {
			kb, _ := primitives.HexDecode(k)
			att.SignerPubKeys = append(att.SignerPubKeys, kb)
		}
		return att, nil
	}

	return types.Attestation{}, errors.Errorf("witness: unrecognized signatures envelope shape")
}

func (c *Client) fallbackAttestation(hashHex string) types.Attestation {
	hashBytes, _ := primitives.HexDecode(hashHex)
	var hashArr [32]byte
	copy(hashArr[:], hashBytes)
	return types.Attestation{
		Hash:        hashArr,
		TimestampMs: time.Now().UnixMilli(),
		Form:        types.FormMultiSig,
		Signatures:  [][]byte{[]byte("fallback-1"), []byte("fallback-2")},
		WitnessIDs:  []string{"fallback-1", "fallback-2"},
		NetworkID:   c.networkID,
	}
}

type verifyRequest struct {
	Attestation json.RawMessage `json:"attestation"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

// Verify checks an attestation, preferring the gateway's own /v1/verify,
// falling back to local BLS verification (if the attestation is
// aggregated and signer keys are configured), and finally to a
// structural check.
func (c *Client) Verify(ctx context.Context, att types.Attestation) (bool, error) {
	if err := att.Validate(); err != nil {
		return false, nil
	}

	if len(c.gatewayURLs) >= 2 {
		return c.quorumVerify(ctx, att)
	}

	if len(c.gatewayURLs) == 1 {
		ok, err := c.verifyWithGateway(ctx, c.gatewayURLs[0], att)
		if err == nil {
			return ok, nil
		}
		log.Debugf("witness: gateway verify failed, degrading: %v", err)
	}

	if att.Form == types.FormAggregated && len(c.signerPubKeys) > 0 {
		msg := blsverify.SerializeMessage(att.Hash, att.TimestampMs, att.NetworkID, att.Sequence)
		ok, err := blsverify.VerifyAggregate(msg, att.AggregateSig, c.signerPubKeys)
		if err == nil {
			return ok, nil
		}
		log.Debugf("witness: local BLS verify failed: %v", err)
	}

	if att.Form == types.FormMultiSig && len(c.signerPubKeys) > 0 {
		msg := blsverify.SerializeMessage(att.Hash, att.TimestampMs, att.NetworkID, att.Sequence)
		if verifyMultiSigECDSA(msg, att.Signatures, c.signerPubKeys) >= c.quorumThreshold {
			return true, nil
		}
		log.Debugf("witness: local ECDSA multisig verify below quorum")
	}

	return structuralVerify(att), nil
}

// verifyMultiSigECDSA counts how many of sigs verify as a valid secp256k1
// ECDSA signature over msg against any key in pubKeys, each signer key
// counted at most once. Malformed signatures or keys are skipped rather
// than treated as fatal: the attestation may carry signatures from
// witnesses this client's config doesn't know about yet.
func verifyMultiSigECDSA(msg []byte, sigs [][]byte, pubKeys [][]byte) int {
	digest := primitives.SHA256(msg)
	used := make([]bool, len(pubKeys))
	count := 0
	for _, sigBytes := range sigs {
		sig, err := btcecdsa.ParseDERSignature(sigBytes)
		if err != nil {
			continue
		}
		for i, keyBytes := range pubKeys {
			if used[i] {
				continue
			}
			pubKey, err := btcec.ParsePubKey(keyBytes)
			if err != nil {
				continue
			}
			if sig.Verify(digest[:], pubKey) {
				used[i] = true
				count++
				break
			}
		}
	}
	return count
}

func (c *Client) verifyWithGateway(ctx context.Context, gateway string, att types.Attestation) (bool, error) {
	body, err := json.Marshal(verifyRequest{Attestation: att.Raw})
	if err != nil {
		return false, errors.Wrap(err, 1)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gateway+"/v1/verify", bytes.NewReader(body))
	if err != nil {
		return false, errors.Wrap(err, 1)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient(gateway).Do(req)
	if err != nil {
		return false, errors.Wrap(err, 1)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return false, errors.Errorf("verify status %d", resp.StatusCode)
	}
	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return false, errors.Wrap(err, 1)
	}
	return vr.Valid, nil
}

func structuralVerify(att types.Attestation) bool {
	if att.Hash == ([32]byte{}) {
		return false
	}
	if att.TimestampMs == 0 {
		return false
	}
	switch att.Form {
	case types.FormMultiSig:
		if len(att.Signatures) < 2 || len(att.Signatures) != len(att.WitnessIDs) {
			return false
		}
	case types.FormAggregated:
		if len(att.SignerPubKeys) < 2 {
			return false
		}
	}
	age := time.Since(time.UnixMilli(att.TimestampMs))
	return age <= 24*time.Hour
}

// CheckNullifier returns a confidence score in [0,1]: 0 if not seen,
// 1.0 if seen with signature count at or above the quorum threshold,
// else 0.5. A network error yields 0.
func (c *Client) CheckNullifier(ctx context.Context, nullifier [32]byte) (float64, error) {
	if len(c.gatewayURLs) >= 2 {
		return c.quorumCheckNullifier(ctx, nullifier)
	}
	if len(c.gatewayURLs) == 0 {
		return 0, nil
	}
	return c.checkNullifierWithGateway(ctx, c.gatewayURLs[0], nullifier)
}

func (c *Client) checkNullifierWithGateway(ctx context.Context, gateway string, nullifier [32]byte) (float64, error) {
	hexN := primitives.HexEncode(nullifier[:])
	endpoint := fmt.Sprintf("%s/v1/timestamp/%s", gateway, hexN)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, errors.Wrap(err, 1)
	}
	resp, err := c.httpClient(gateway).Do(req)
	if err != nil {
		return 0, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if resp.StatusCode/100 != 2 {
		return 0, nil
	}

	raw, err := decodeAttestationBody(resp.Body)
	if err != nil {
		return 0, nil
	}
	att, err := c.normalizeAttestation(raw)
	if err != nil {
		return 0, nil
	}

	sigCount := len(att.Signatures)
	if att.Form == types.FormAggregated {
		sigCount = len(att.SignerPubKeys)
	}
	if sigCount >= c.quorumThreshold {
		return 1.0, nil
	}
	return 0.5, nil
}

// quorumCheckNullifier queries all gateways in parallel and requires the
// configured threshold to agree; disagreement follows the majority and
// a tie is treated as not-seen.
func (c *Client) quorumCheckNullifier(ctx context.Context, nullifier [32]byte) (float64, error) {
	results := make([]float64, len(c.gatewayURLs))
	var wg sync.WaitGroup
	for i, gw := range c.gatewayURLs {
		wg.Add(1)
		go func(i int, gw string) {
			defer wg.Done()
			v, _ := c.checkNullifierWithGateway(ctx, gw, nullifier)
			results[i] = v
		}(i, gw)
	}
	wg.Wait()

	best := majorityFloat(results)
	agree := 0
	for _, r := range results {
		if r == best {
			agree++
		}
	}
	if agree < c.quorumThreshold {
		log.Warnf("witness: quorum checkNullifier only %d/%d gateways agree, below threshold %d, treating as not-seen",
			agree, len(results), c.quorumThreshold)
		return 0, nil
	}
	return best, nil
}

func (c *Client) quorumVerify(ctx context.Context, att types.Attestation) (bool, error) {
	results := make([]bool, len(c.gatewayURLs))
	var wg sync.WaitGroup
	for i, gw := range c.gatewayURLs {
		wg.Add(1)
		go func(i int, gw string) {
			defer wg.Done()
			ok, err := c.verifyWithGateway(ctx, gw, att)
			if err != nil {
				ok = false
			}
			results[i] = ok
		}(i, gw)
	}
	wg.Wait()

	trueCount := 0
	for _, r := range results {
		if r {
			trueCount++
		}
	}
	falseCount := len(results) - trueCount
	if trueCount == falseCount {
		log.Warnf("witness: quorum verify tie (%d/%d) for hash %x, treating as not-seen",
			trueCount, len(results), att.Hash)
		return false, nil
	}
	return trueCount > falseCount && trueCount >= c.quorumThreshold, nil
}

func majorityFloat(results []float64) float64 {
	tally := make(map[float64]int)
	best := 0.0
	bestCount := -1
	tie := false
	for _, r := range results {
		tally[r]++
		if tally[r] > bestCount {
			bestCount = tally[r]
			best = r
			tie = false
		} else if tally[r] == bestCount && r != best {
			tie = true
		}
	}
	if tie {
		log.Warnf("witness: quorum checkNullifier disagreement %v, treating as not-seen", results)
		return 0
	}
	return best
}
