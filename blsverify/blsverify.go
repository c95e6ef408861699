// Package blsverify implements the BLS12-381 pairing-based aggregate
// signature verification described in spec.md §4.3, used whenever
// Witness returns an aggregated-variant attestation and the caller's
// config carries the federation's signer public keys; otherwise
// verification is delegated to the gateway (§4.5).
package blsverify

import (
	bls12381 "github.com/kilic/bls12-381"

	"github.com/scarcity-net/scarcity/primitives"
)

// PubKeySize and SignatureSize are the wire sizes spec.md §4.3 names:
// 48-byte compressed G1 points for public keys, a 96-byte compressed G2
// point for the aggregate signature.
const (
	PubKeySize    = 48
	SignatureSize = 96
)

// SerializeMessage renders the message bytes that federation signers
// must have signed over: hash || le64(timestampMs) || utf8(networkID) ||
// le64(sequence), per spec.md §4.3.
func SerializeMessage(hash [32]byte, timestampMs int64, networkID string, sequence uint64) []byte {
	out := make([]byte, 0, 32+8+len(networkID)+8)
	out = append(out, hash[:]...)
	out = append(out, primitives.LE64(uint64(timestampMs))...)
	out = append(out, []byte(networkID)...)
	out = append(out, primitives.LE64(sequence)...)
	return out
}

// VerifyAggregate checks e(G1, sig) == e(sum(pubkeys), H(message)) for
// the given aggregate G2 signature and set of G1 signer public keys.
func VerifyAggregate(message []byte, aggregateSig []byte, signerPubKeys [][]byte) (bool, error) {
	if len(aggregateSig) != SignatureSize {
		return false, errMalformed("aggregate signature", len(aggregateSig), SignatureSize)
	}
	if len(signerPubKeys) == 0 {
		return false, errNoSigners()
	}

	g1 := bls12381.NewG1()
	g2 := bls12381.NewG2()

	sig, err := g2.FromCompressed(aggregateSig)
	if err != nil {
		return false, wrapErr("parse aggregate signature", err)
	}

	aggPub := g1.Zero()
	for i, raw := range signerPubKeys {
		if len(raw) != PubKeySize {
			return false, errMalformed("signer public key", len(raw), PubKeySize)
		}
		pk, err := g1.FromCompressed(raw)
		if err != nil {
			return false, wrapErr("parse signer public key", err)
		}
		if i == 0 {
			aggPub = pk
		} else {
			g1.Add(aggPub, aggPub, pk)
		}
	}

	msgPoint, err := bls12381.NewG2().HashToCurve(message, domainSeparationTag)
	if err != nil {
		return false, wrapErr("hash message to curve", err)
	}

	engine := bls12381.NewEngine()
	engine.AddPair(g1.One(), sig)
	engine.AddPairInv(aggPub, msgPoint)

	return engine.Check(), nil
}

// domainSeparationTag is the hash-to-curve DST for Witness's G2
// signature scheme, mirroring the ciphersuite identifier convention
// BLS signature schemes publish (RFC 9380's recommended DST shape).
var domainSeparationTag = []byte("SCARCITY-WITNESS-BLS12381G2-SHA256-v1")
