// Package voprf implements the client side of the verifiable oblivious
// PRF protocol on NIST P-256 described in spec.md §4.2, following the
// contract of RFC 9497 with a DLEQ proof binding the issuer's response
// to its advertised public key.
//
// Curve arithmetic is delegated to cloudflare/circl/group's P-256
// implementation (hash-to-curve, scalar and element operations) rather
// than hand-rolled math/big code, matching how the teacher always reads
// cryptographic primitives off btcec rather than reimplementing curve
// math (discovery/validation.go, lnwallet/script_utils.go).
package voprf

import (
	"crypto/rand"

	"github.com/cloudflare/circl/group"
	"github.com/go-errors/errors"

	"github.com/scarcity-net/scarcity/primitives"
)

// Context is the VOPRF context constant Freebird uses.
var Context = []byte("freebird:v1")

const dleqTag = "DLEQ-P256-v1"

// curve is the group all operations in this package run over.
var curve = group.P256

// BlindState is held by the caller between Blind and Finalize, keyed in
// the adapter by the hex encoding of the blinded element.
type BlindState struct {
	r     group.Scalar
	Input []byte
}

// Blind hashes input to a curve point and blinds it with a fresh random
// scalar, returning the blinded point's canonical encoding and the state
// needed to unblind the eventual token.
func Blind(input, context []byte) ([]byte, *BlindState, error) {
	h := curve.HashToElement(input, context)
	r := curve.RandomNonZeroScalar(rand.Reader)

	blinded := curve.NewElement()
	blinded.Mul(h, r)

	enc, err := blinded.MarshalBinary()
	if err != nil {
		return nil, nil, errors.Wrap(err, 1)
	}
	return enc, &BlindState{r: r, Input: append([]byte(nil), input...)}, nil
}

// Finalize parses a 130-byte issuer token as A(33) || B(33) || proof(64),
// verifies the DLEQ proof against the issuer's advertised public key, and
// returns the unblinded, canonically encoded token B·r⁻¹.
func Finalize(state *BlindState, token []byte, serverPubKey []byte, context []byte) ([]byte, error) {
	if len(token) != 130 {
		return nil, errors.Errorf("voprf: malformed token length %d, want 130", len(token))
	}
	aBytes := token[0:33]
	bBytes := token[33:66]
	proof := token[66:130]

	A := curve.NewElement()
	if err := A.UnmarshalBinary(aBytes); err != nil {
		return nil, errors.Errorf("voprf: malformed A: %v", err)
	}
	B := curve.NewElement()
	if err := B.UnmarshalBinary(bBytes); err != nil {
		return nil, errors.Errorf("voprf: malformed B: %v", err)
	}
	Q := curve.NewElement()
	if err := Q.UnmarshalBinary(serverPubKey); err != nil {
		return nil, errors.Errorf("voprf: malformed server public key: %v", err)
	}

	if !verifyDLEQ(Q, A, B, proof, context) {
		return nil, errors.Errorf("voprf: DLEQ verification failed")
	}

	rInv := curve.NewScalar()
	rInv.Inv(state.r)

	unblinded := curve.NewElement()
	unblinded.Mul(B, rInv)

	return unblinded.MarshalBinary()
}

// verifyDLEQ checks the non-interactive Chaum-Pedersen proof that
// log_G(Q) == log_A(B), per the transcript construction in spec.md §4.2:
// domain-separation tag, big-endian 4-byte tag length prefix, then
// compressed G, Q, A, B, t1, t2, reduced mod curve order.
func verifyDLEQ(Q, A, B group.Element, proof []byte, context []byte) bool {
	if len(proof) != 64 {
		return false
	}
	c := curve.NewScalar()
	if err := c.UnmarshalBinary(proof[0:32]); err != nil {
		return false
	}
	s := curve.NewScalar()
	if err := s.UnmarshalBinary(proof[32:64]); err != nil {
		return false
	}

	G := curve.Generator()

	negC := curve.NewScalar()
	negC.Neg(c)

	// t1 = s*G + (-c)*Q
	sG := curve.NewElement()
	sG.Mul(G, s)
	cQ := curve.NewElement()
	cQ.Mul(Q, negC)
	t1 := curve.NewElement()
	t1.Add(sG, cQ)

	// t2 = s*A + (-c)*B
	sA := curve.NewElement()
	sA.Mul(A, s)
	cB := curve.NewElement()
	cB.Mul(B, negC)
	t2 := curve.NewElement()
	t2.Add(sA, cB)

	challenge := transcriptChallenge(context, G, Q, A, B, t1, t2)
	cBytes, _ := c.MarshalBinary()
	challengeBytes, _ := challenge.MarshalBinary()
	return primitives.ConstantTimeEqual(cBytes, challengeBytes)
}

func transcriptChallenge(context []byte, points ...group.Element) group.Scalar {
	tagLen := primitives.BE64(uint64(len(dleqTag) + len(context)))[4:8]

	parts := make([][]byte, 0, 2+len(points))
	parts = append(parts, tagLen, []byte(dleqTag), context)
	for _, p := range points {
		enc, _ := p.MarshalBinary()
		parts = append(parts, enc)
	}

	digest := primitives.SHA256(parts...)
	return curve.HashToScalar(digest[:], []byte(dleqTag))
}

// Aggregate combines Lagrange-interpolated partial points over scalar
// indices. It is unused by the single-issuer Freebird path and is kept
// for federation-side MPC reference as spec.md §4.2 documents.
func Aggregate(partials []struct {
	Index int
	Value group.Element
}) (group.Element, error) {
	if len(partials) == 0 {
		return nil, errors.Errorf("voprf: no partials to aggregate")
	}
	result := curve.Identity()
	for i, pi := range partials {
		coeff := curve.NewScalar()
		coeff.SetUint64(1)
		for j, pj := range partials {
			if i == j {
				continue
			}
			num := curve.NewScalar()
			num.SetUint64(uint64(pj.Index))
			jIdx := curve.NewScalar()
			jIdx.SetUint64(uint64(pj.Index))
			iIdx := curve.NewScalar()
			iIdx.SetUint64(uint64(pi.Index))
			den := curve.NewScalar()
			den.Sub(jIdx, iIdx)
			denInv := curve.NewScalar()
			denInv.Inv(den)
			num.Mul(num, denInv)
			coeff.Mul(coeff, num)
		}
		term := curve.NewElement()
		term.Mul(pi.Value, coeff)
		result.Add(result, term)
	}
	return result, nil
}
