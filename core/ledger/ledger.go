package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnavailable is returned when the storage medium rejects an append. The
// orchestrator treats it as fatal for the current cycle.
var ErrUnavailable = errors.New("ledger unavailable")

// TamperedError reports the first record whose hash chain does not verify.
type TamperedError struct {
	Seq uint64
}

func (e TamperedError) Error() string {
	return fmt.Sprintf("ledger chain tampered at seq %d", e.Seq)
}

// Record is one tamper-evident ledger entry. Hash commits to the payload and
// the previous record's hash, forming a verifiable chain from genesis.
type Record struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Signature string          `json:"signature"`
}

// Ledger maintains the hash chain over an append-only store. Append is the
// only mutator and is serialized.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	lastHash []byte
	seq      uint64
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	now      func() time.Time
}

// genesisHash anchors the chain before the first record.
var genesisHash = make([]byte, sha256.Size)

// New creates a Ledger over the store, generating a fresh signing key. An
// existing chain in the store is replayed to recover the head.
func New(store Store) (*Ledger, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return NewWithKey(store, priv, pub)
}

// NewWithKey creates a Ledger using the provided key pair.
func NewWithKey(store Store, priv ed25519.PrivateKey, pub ed25519.PublicKey) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger: nil store")
	}
	l := &Ledger{store: store, lastHash: genesisHash, priv: priv, pub: pub, now: time.Now}
	recs, err := store.Records()
	if err != nil {
		return nil, fmt.Errorf("replay store: %w", err)
	}
	if n := len(recs); n > 0 {
		head := recs[n-1]
		h, err := hex.DecodeString(head.Hash)
		if err != nil {
			return nil, fmt.Errorf("corrupt head hash: %w", err)
		}
		l.lastHash = h
		l.seq = head.Seq
	}
	return l, nil
}

// Append serializes the payload, chains it to the previous record, signs it
// and persists it. Store failures are wrapped in ErrUnavailable.
func (l *Ledger) Append(ctx context.Context, kind string, payload any) (Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal payload: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	hash := chainHash(raw, l.lastHash)
	rec := Record{
		Seq:       l.seq + 1,
		Timestamp: l.now().UTC(),
		Kind:      kind,
		Payload:   raw,
		PrevHash:  hex.EncodeToString(l.lastHash),
		Hash:      hex.EncodeToString(hash),
		Signature: hex.EncodeToString(ed25519.Sign(l.priv, hash)),
	}
	if err := l.store.Append(rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	l.lastHash = hash
	l.seq = rec.Seq
	return rec, nil
}

// VerifyChain checks sequence numbers and the hash chain of an exported
// record set. Signatures are not checked, so it works without the signing
// key, e.g. on a ledger file from another process.
func VerifyChain(recs []Record) error {
	prev := genesisHash
	for i, rec := range recs {
		if rec.Seq != uint64(i)+1 {
			return TamperedError{Seq: rec.Seq}
		}
		if rec.PrevHash != hex.EncodeToString(prev) {
			return TamperedError{Seq: rec.Seq}
		}
		want := chainHash(rec.Payload, prev)
		if rec.Hash != hex.EncodeToString(want) {
			return TamperedError{Seq: rec.Seq}
		}
		prev = want
	}
	return nil
}

// Verify recomputes the chain from genesis and checks every signature. It
// returns a TamperedError with the offending sequence number on the first
// mismatch.
func (l *Ledger) Verify() error {
	recs, err := l.store.Records()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := VerifyChain(recs); err != nil {
		return err
	}
	prev := genesisHash
	for _, rec := range recs {
		want := chainHash(rec.Payload, prev)
		sig, err := hex.DecodeString(rec.Signature)
		if err != nil || !ed25519.Verify(l.pub, want, sig) {
			return TamperedError{Seq: rec.Seq}
		}
		prev = want
	}
	l.mu.Lock()
	head := hex.EncodeToString(l.lastHash)
	l.mu.Unlock()
	if head != hex.EncodeToString(prev) {
		return TamperedError{Seq: l.seq}
	}
	return nil
}

// Export returns an ordered copy of all records.
func (l *Ledger) Export() ([]Record, error) {
	recs, err := l.store.Records()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return recs, nil
}

// PublicKey returns the verification key for external verifiers.
func (l *Ledger) PublicKey() ed25519.PublicKey { return l.pub }

func chainHash(payload, prev []byte) []byte {
	h := sha256.New()
	h.Write(payload)
	h.Write(prev)
	return h.Sum(nil)
}
