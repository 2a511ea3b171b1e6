package fair

import (
	"encoding/hex"
	"testing"
)

func TestGenerateSeedShapeAndUniqueness(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		seed, err := GenerateSeed()
		if err != nil {
			t.Fatalf("generate seed: %v", err)
		}
		if len(seed) != SeedBytes*2 {
			t.Fatalf("seed length %d, want %d", len(seed), SeedBytes*2)
		}
		if _, err := hex.DecodeString(seed); err != nil {
			t.Fatalf("seed %q is not hex: %v", seed, err)
		}
		if seen[seed] {
			t.Fatalf("seed %q repeated", seed)
		}
		seen[seed] = true
	}
}

func TestCommitMatchesRevealedSeed(t *testing.T) {
	seed, err := GenerateSeed()
	if err != nil {
		t.Fatalf("generate seed: %v", err)
	}
	commitment := Commit(seed)
	if !Verify(seed, commitment) {
		t.Fatalf("commitment did not verify against its own seed")
	}
	if Verify(seed+"00", commitment) {
		t.Fatalf("tampered seed verified")
	}
}

func TestCommitKnownVector(t *testing.T) {
	// sha256("abc"), a fixed vector so the commitment format never drifts.
	got := Commit("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("Commit(abc) = %s, want %s", got, want)
	}
}

func TestCrashPointDeterministic(t *testing.T) {
	first := CrashPoint("abc", 1, 120)
	for i := 0; i < 100; i++ {
		if got := CrashPoint("abc", 1, 120); got != first {
			t.Fatalf("call %d returned %v, first call returned %v", i, got, first)
		}
	}
}

func TestCrashPointBounds(t *testing.T) {
	seeds := []string{"abc", "", "deadbeef", "0000000000000", "ffffffffffffffff"}
	for _, seed := range seeds {
		for round := int64(1); round <= 200; round++ {
			got := CrashPoint(seed, round, 120)
			if got < 1.0 || got > 120 {
				t.Fatalf("CrashPoint(%q, %d) = %v out of [1, 120]", seed, round, got)
			}
		}
	}
}

func TestCrashPointTwoDecimalGranularity(t *testing.T) {
	for round := int64(1); round <= 50; round++ {
		got := CrashPoint("granularity", round, 120)
		scaled := got * 100
		if scaled != float64(int64(scaled)) {
			t.Fatalf("round %d: crash %v is not a whole number of cents", round, got)
		}
	}
}

func TestCrashPointVariesByRoundNumber(t *testing.T) {
	distinct := map[float64]bool{}
	for round := int64(1); round <= 50; round++ {
		distinct[CrashPoint("same-seed", round, 120)] = true
	}
	if len(distinct) < 2 {
		t.Fatalf("50 rounds with one seed produced a single crash point; domain separation broken")
	}
}
