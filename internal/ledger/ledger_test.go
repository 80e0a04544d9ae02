package ledger

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"aisledger/internal/features"
)

var testT0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func draft(win int64) Draft {
	start := testT0.Add(time.Duration(win) * 5 * time.Minute)
	return Draft{
		WindowID:    win,
		WindowStart: start,
		WindowEnd:   start.Add(5 * time.Minute),
		FeatureDigest: FeatureDigest(features.Vector{
			WindowID: win,
			Values:   map[string]float64{features.F1UniqueMMSI: float64(win)},
		}),
		Verdict:      VerdictApproved,
		Actions:      nil,
		AnomalyScore: 0.5,
	}
}

func buildChain(t *testing.T, n int, priv ed25519.PrivateKey) *Chain {
	t.Helper()
	c := NewChain(priv)
	for i := 0; i < n; i++ {
		if _, err := c.Append(draft(int64(i))); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
	return c
}

func TestAppendLinksEntries(t *testing.T) {
	c := buildChain(t, 3, nil)

	first, err := c.At(0)
	if err != nil {
		t.Fatalf("At failed: %v", err)
	}
	if first.PreviousHash != ([32]byte{}) {
		t.Error("genesis entry must have zero previous hash")
	}
	for i := uint64(1); i < 3; i++ {
		e, _ := c.At(i)
		prev, _ := c.At(i - 1)
		if e.PreviousHash != prev.Hash {
			t.Errorf("entry %d not linked to predecessor", i)
		}
		if e.Ordinal != i {
			t.Errorf("entry %d ordinal = %d", i, e.Ordinal)
		}
	}
	if err := c.Verify(nil); err != nil {
		t.Errorf("Verify failed on honest chain: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	c := buildChain(t, 3, nil)

	c.entries[1].AnomalyScore = 99
	err := c.Verify(nil)
	if !errors.Is(err, ErrHashMismatch) {
		t.Errorf("expected ErrHashMismatch, got %v", err)
	}

	// Re-hash the tampered entry: now the next link breaks instead.
	c.entries[1].Hash = c.entries[1].computeHash()
	err = c.Verify(nil)
	if !errors.Is(err, ErrBrokenLink) {
		t.Errorf("expected ErrBrokenLink, got %v", err)
	}
}

func TestVerifyDetectsBadGenesis(t *testing.T) {
	c := buildChain(t, 1, nil)
	c.entries[0].PreviousHash[0] = 1
	c.entries[0].Hash = c.entries[0].computeHash()
	if err := c.Verify(nil); !errors.Is(err, ErrGenesisPrevHash) {
		t.Errorf("expected ErrGenesisPrevHash, got %v", err)
	}
}

func TestSignatures(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	c := buildChain(t, 3, priv)

	if err := c.Verify(pub); err != nil {
		t.Fatalf("Verify with signatures failed: %v", err)
	}

	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	if err := c.Verify(otherPub); !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected ErrBadSignature under wrong key, got %v", err)
	}

	c.entries[2].Signature[0] ^= 0xff
	if err := c.Verify(pub); !errors.Is(err, ErrBadSignature) {
		t.Errorf("expected ErrBadSignature for flipped byte, got %v", err)
	}
}

func TestUnsignedChainSkipsSignatureCheck(t *testing.T) {
	c := buildChain(t, 2, nil)
	if c.Latest().Signature != nil {
		t.Error("chain without key must not sign")
	}
	if err := c.Verify(nil); err != nil {
		t.Errorf("nil public key should skip signature checks: %v", err)
	}
}

func TestResume(t *testing.T) {
	c := buildChain(t, 3, nil)

	resumed, err := Resume(c.Entries(), nil)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	e, err := resumed.Append(draft(3))
	if err != nil {
		t.Fatalf("Append after resume failed: %v", err)
	}
	if e.Ordinal != 3 || e.PreviousHash != c.Entries()[2].Hash {
		t.Errorf("resumed append not linked: %+v", e)
	}
	if err := resumed.Verify(nil); err != nil {
		t.Errorf("Verify failed after resume: %v", err)
	}
}

func TestResumeRejectsCorrupt(t *testing.T) {
	c := buildChain(t, 2, nil)
	c.entries[0].WindowID = 42
	if _, err := Resume(c.Entries(), nil); err == nil {
		t.Error("Resume must reject a tampered sequence")
	}
}

func TestAtOutOfRange(t *testing.T) {
	c := buildChain(t, 1, nil)
	if _, err := c.At(5); !errors.Is(err, ErrOrdinalRange) {
		t.Errorf("expected ErrOrdinalRange, got %v", err)
	}
}

func TestLatestEmpty(t *testing.T) {
	if NewChain(nil).Latest() != nil {
		t.Error("empty chain must have no latest entry")
	}
}

func TestFeatureDigestDeterministic(t *testing.T) {
	v := features.Vector{WindowID: 1, Values: map[string]float64{
		features.F1UniqueMMSI:  3,
		features.F2NewMMSIRate: 0.25,
	}}
	if FeatureDigest(v) != FeatureDigest(v.Clone()) {
		t.Error("digest must be stable across map iteration order")
	}

	changed := v.Clone()
	changed.Values[features.F2NewMMSIRate] = 0.26
	if FeatureDigest(v) == FeatureDigest(changed) {
		t.Error("digest must change with values")
	}
}

func TestVerdictBoundToHash(t *testing.T) {
	c := buildChain(t, 1, nil)
	e := c.Latest()
	e.Verdict = VerdictRejected
	if err := c.Verify(nil); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("verdict flip must break the hash, got %v", err)
	}
}
