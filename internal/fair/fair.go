// Package fair implements the commit/reveal fairness scheme: every round's
// outcome is fixed by a secret seed published as a hash before betting opens,
// and revealed at crash time so anyone can recompute the crash point.
package fair

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
)

// SeedBytes is the entropy of a round seed. Seeds are hex-encoded, so the
// published form is twice this length.
const SeedBytes = 32

// GenerateSeed returns a fresh random seed as a 64-character hex string.
// Seeds must never be reused across rounds.
func GenerateSeed() (string, error) {
	b := make([]byte, SeedBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Commit returns the SHA-256 commitment for a seed. The hash is taken over
// the hex string itself, not the decoded bytes, so external verifiers can
// check it with nothing but a string hasher.
func Commit(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}

// CrashPoint derives the crash multiplier for a round. The derivation is a
// strict pure function of (seed, roundNumber, maxCrash):
//
//	digest = SHA-256(seed + ":" + roundNumber)
//	H      = first 13 hex chars of digest as integer (52 bits)
//	r      = H / 2^52
//	crash  = floor((1/r) * 100) / 100, clamped to [1.0, maxCrash]
//
// r == 0 maps to maxCrash. The two-decimal floor and the inverse-uniform
// shape are part of the published protocol; clients re-derive this value
// bit-for-bit, so the formula must not change.
func CrashPoint(seed string, roundNumber int64, maxCrash float64) float64 {
	data := seed + ":" + strconv.FormatInt(roundNumber, 10)
	digest := sha256.Sum256([]byte(data))
	hexDigest := hex.EncodeToString(digest[:])

	h, err := strconv.ParseUint(hexDigest[:13], 16, 64)
	if err != nil {
		// 13 hex chars always parse into 52 bits.
		panic(fmt.Sprintf("fair: digest prefix unparsable: %v", err))
	}
	r := float64(h) / math.Pow(2, 52)

	if r == 0 {
		return maxCrash
	}
	crash := math.Floor((1/r)*100) / 100
	if crash < 1 {
		crash = 1.0
	}
	if crash > maxCrash {
		crash = maxCrash
	}
	return crash
}

// Verify recomputes the commitment for a revealed seed and reports whether
// it matches the one published before the round.
func Verify(seed, commitment string) bool {
	return Commit(seed) == commitment
}
