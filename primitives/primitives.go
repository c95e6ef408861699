// Package primitives implements the cryptographic building blocks shared
// by every other package in this module: secure randomness, the
// domain-separated SHA-256 hashing used for nullifier and package-hash
// derivation, hex codecs, constant-time comparison, and the
// proof-of-work gate the gossip layer uses against spam.
//
// None of these operations touch the network or hold state; callers
// above own all I/O, matching the primitives package's role in the
// teacher (compare zpay32's invoice hashing, which is pure and
// stateless in the same way).
package primitives

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"math/bits"

	"github.com/go-errors/errors"
)

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, 1)
	}
	return b, nil
}

// RandomID returns a 32-byte random value hex-encoded, the form used for
// token IDs and split/merge group IDs (spec.md §3). Token secrets are
// raw RandomBytes(32), not hex.
func RandomID() (string, error) {
	b, err := RandomBytes(32)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// BE64 renders v as a big-endian 8-byte slice, the integer encoding used
// throughout the hash inputs in spec.md §4.1.
func BE64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// LE64 renders v as a little-endian 8-byte slice, used only by the BLS
// message serialization in spec.md §4.3, which must byte-match the
// federation's own little-endian encoding.
func LE64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// SHA256 hashes the concatenation of every part in order. This is the one
// hashing primitive every higher package builds on, so that nullifier
// derivation, package hashing, and DLEQ transcripts all compose it the
// same way instead of each rolling its own concatenation logic.
func SHA256(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HexEncode/HexDecode wrap encoding/hex so call sites don't reach for the
// stdlib package directly and so error wrapping stays consistent.

func HexEncode(b []byte) string { return hex.EncodeToString(b) }

func HexDecode(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, 1)
	}
	return b, nil
}

// ConstantTimeEqual reports whether a and b are byte-equal without
// leaking timing information about the position of the first mismatch.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// DeriveNullifier computes SHA-256(secret || utf8(tokenID) || be64(timestampMs)),
// the single-use spend marker of spec.md §4.1.
func DeriveNullifier(secret []byte, tokenID string, timestampMs int64) [32]byte {
	return SHA256(secret, []byte(tokenID), BE64(uint64(timestampMs)))
}

// PackageHash computes the hash submitted to Witness for timestamping:
// SHA-256(utf8(tokenID) || be64(amount) || commitment || nullifier).
func PackageHash(tokenID string, amount int64, commitment, nullifier []byte) [32]byte {
	return SHA256([]byte(tokenID), BE64(uint64(amount)), commitment, nullifier)
}

// leadingZeroBits counts the number of leading zero bits in b.
func leadingZeroBits(b []byte) int {
	count := 0
	for _, by := range b {
		if by == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(by)
		break
	}
	return count
}

// SolvePoW finds the smallest non-negative nonce such that
// SHA-256(challenge || be64(nonce)) has at least difficulty leading zero
// bits. Difficulty 0 is satisfied by nonce 0 immediately.
//
// This is a bounded synchronous compute interval per spec.md §5: callers
// must not expect it to yield control mid-solve.
func SolvePoW(challenge []byte, difficulty int) uint64 {
	if difficulty <= 0 {
		return 0
	}
	for nonce := uint64(0); ; nonce++ {
		digest := SHA256(challenge, BE64(nonce))
		if leadingZeroBits(digest[:]) >= difficulty {
			return nonce
		}
	}
}

// VerifyPoW recomputes the challenge/nonce digest and checks the leading
// zero bit count against difficulty.
func VerifyPoW(challenge []byte, nonce uint64, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	digest := SHA256(challenge, BE64(nonce))
	return leadingZeroBits(digest[:]) >= difficulty
}
