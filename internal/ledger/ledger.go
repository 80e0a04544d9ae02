// Package ledger implements the hash-chained audit log of window
// decisions. Each committed window becomes an entry binding the feature
// digest, the policy verdict, and the anomaly score to the previous
// entry's hash, signed by the authority key. The chain is append-only:
// tampering with any entry breaks every later link.
package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"aisledger/internal/features"
	"aisledger/internal/signer"
)

// domainSep namespaces entry hashes against other sha256 uses.
const domainSep = "aisledger-entry-v1"

var (
	ErrEmptyChain      = errors.New("ledger: chain is empty")
	ErrOrdinalRange    = errors.New("ledger: ordinal out of range")
	ErrHashMismatch    = errors.New("ledger: entry hash mismatch")
	ErrBrokenLink      = errors.New("ledger: broken chain link")
	ErrGenesisPrevHash = errors.New("ledger: genesis entry has non-zero previous hash")
	ErrBadSignature    = errors.New("ledger: entry signature invalid")
)

// Verdict is the gate outcome recorded for a window.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

// Entry is one committed window decision.
type Entry struct {
	Ordinal      uint64   `json:"ordinal"`
	PreviousHash [32]byte `json:"previous_hash"`
	Hash         [32]byte `json:"hash"`

	WindowID      int64     `json:"window_id"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	FeatureDigest [32]byte  `json:"feature_digest"`

	Verdict      Verdict  `json:"verdict"`
	Actions      []string `json:"actions,omitempty"`
	AnomalyScore float64  `json:"anomaly_score"`

	CreatedAt time.Time `json:"created_at"`
	Signature []byte    `json:"signature,omitempty"`
}

// FeatureDigest canonically hashes a window's feature vector: feature
// names in sorted order, each followed by its IEEE 754 value.
func FeatureDigest(v features.Vector) [32]byte {
	names := make([]string, 0, len(v.Values))
	for name := range v.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v.WindowID))
	h.Write(buf[:])
	for _, name := range names {
		h.Write([]byte(name))
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v.Values[name]))
		h.Write(buf[:])
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// computeHash binds every entry field under the domain separator.
func (e *Entry) computeHash() [32]byte {
	h := sha256.New()
	h.Write([]byte(domainSep))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], e.Ordinal)
	h.Write(buf[:])

	h.Write(e.PreviousHash[:])

	binary.BigEndian.PutUint64(buf[:], uint64(e.WindowID))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.WindowStart.UnixNano()))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.WindowEnd.UnixNano()))
	h.Write(buf[:])

	h.Write(e.FeatureDigest[:])
	h.Write([]byte(e.Verdict))
	for _, a := range e.Actions {
		h.Write([]byte{0})
		h.Write([]byte(a))
	}

	binary.BigEndian.PutUint64(buf[:], math.Float64bits(e.AnomalyScore))
	h.Write(buf[:])

	binary.BigEndian.PutUint64(buf[:], uint64(e.CreatedAt.UnixNano()))
	h.Write(buf[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HexHash returns the entry hash as lowercase hex.
func (e *Entry) HexHash() string { return hex.EncodeToString(e.Hash[:]) }

// Chain is an in-memory ledger with an optional signing key. Entries are
// persisted by the store; the chain only enforces linkage and signing.
type Chain struct {
	entries []*Entry
	priv    ed25519.PrivateKey
}

// NewChain starts an empty chain. priv may be nil for verify-only use.
func NewChain(priv ed25519.PrivateKey) *Chain {
	return &Chain{priv: priv}
}

// Resume rebuilds a chain from previously persisted entries, verifying
// linkage before accepting them.
func Resume(entries []*Entry, priv ed25519.PrivateKey) (*Chain, error) {
	c := &Chain{entries: entries, priv: priv}
	if err := c.Verify(nil); err != nil {
		return nil, err
	}
	return c, nil
}

// Draft is the unbound part of an entry an Append call commits.
type Draft struct {
	WindowID      int64
	WindowStart   time.Time
	WindowEnd     time.Time
	FeatureDigest [32]byte
	Verdict       Verdict
	Actions       []string
	AnomalyScore  float64
}

// Append commits a draft as the next entry, linking and signing it.
func (c *Chain) Append(d Draft) (*Entry, error) {
	e := &Entry{
		Ordinal:       uint64(len(c.entries)),
		WindowID:      d.WindowID,
		WindowStart:   d.WindowStart.UTC(),
		WindowEnd:     d.WindowEnd.UTC(),
		FeatureDigest: d.FeatureDigest,
		Verdict:       d.Verdict,
		Actions:       d.Actions,
		AnomalyScore:  d.AnomalyScore,
		CreatedAt:     time.Now().UTC(),
	}
	if e.Ordinal > 0 {
		e.PreviousHash = c.entries[e.Ordinal-1].Hash
	}
	e.Hash = e.computeHash()
	if c.priv != nil {
		e.Signature = signer.SignEntry(c.priv, e.Hash[:])
	}
	c.entries = append(c.entries, e)
	return e, nil
}

// Verify recomputes every hash and checks linkage. With a non-nil public
// key it also checks every entry signature.
func (c *Chain) Verify(pub ed25519.PublicKey) error {
	return VerifyEntries(c.entries, pub)
}

// VerifyEntries checks a persisted entry sequence: hashes, linkage, the
// zero genesis previous hash, and (with pub set) signatures.
func VerifyEntries(entries []*Entry, pub ed25519.PublicKey) error {
	for i, e := range entries {
		if e.computeHash() != e.Hash {
			return fmt.Errorf("%w: entry %d", ErrHashMismatch, i)
		}
		if i == 0 {
			if e.PreviousHash != ([32]byte{}) {
				return ErrGenesisPrevHash
			}
		} else if e.PreviousHash != entries[i-1].Hash {
			return fmt.Errorf("%w: entry %d", ErrBrokenLink, i)
		}
		if pub != nil && !signer.VerifyEntry(pub, e.Hash[:], e.Signature) {
			return fmt.Errorf("%w: entry %d", ErrBadSignature, i)
		}
	}
	return nil
}

// Latest returns the newest entry, or nil on an empty chain.
func (c *Chain) Latest() *Entry {
	if len(c.entries) == 0 {
		return nil
	}
	return c.entries[len(c.entries)-1]
}

// At returns the entry at an ordinal.
func (c *Chain) At(ordinal uint64) (*Entry, error) {
	if ordinal >= uint64(len(c.entries)) {
		return nil, ErrOrdinalRange
	}
	return c.entries[ordinal], nil
}

// Len returns the number of committed entries.
func (c *Chain) Len() int { return len(c.entries) }

// Entries exposes the underlying sequence for persistence.
func (c *Chain) Entries() []*Entry { return c.entries }
