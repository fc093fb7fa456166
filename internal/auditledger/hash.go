package auditledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Supported digest algorithms.
const (
	AlgorithmSHA256  = "sha256"
	AlgorithmSHA3    = "sha3-256"
	AlgorithmBLAKE2b = "blake2b-256"
)

// TimestampLayout is the fixed created_at encoding fed into the digest.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

const fieldDelimiter = "|"

// Hasher computes record signatures with a fixed digest algorithm.
type Hasher struct {
	algorithm string
	newHash   func() hash.Hash
}

// NewHasher returns a Hasher for the named algorithm. An empty name selects
// SHA-256.
func NewHasher(algorithm string) (*Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", AlgorithmSHA256:
		return &Hasher{algorithm: AlgorithmSHA256, newHash: sha256.New}, nil
	case AlgorithmSHA3:
		return &Hasher{algorithm: AlgorithmSHA3, newHash: sha3.New256}, nil
	case AlgorithmBLAKE2b:
		return &Hasher{algorithm: AlgorithmBLAKE2b, newHash: func() hash.Hash {
			h, _ := blake2b.New256(nil) // only fails for oversized keys
			return h
		}}, nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

// DefaultHasher is the SHA-256 hasher.
func DefaultHasher() *Hasher {
	h, _ := NewHasher(AlgorithmSHA256)
	return h
}

// Algorithm reports the digest name.
func (h *Hasher) Algorithm() string {
	return h.algorithm
}

// Sign computes the signature hash of r from its stored fields. SignatureHash
// and Metadata do not take part. Each field is written as "<byte length>:<value>"
// so text cannot move across a field boundary without changing the digest.
func (h *Hasher) Sign(r *AuditRecord) (string, error) {
	changes, err := CanonicalJSON(r.Changes)
	if err != nil {
		return "", fmt.Errorf("canonicalize changes: %w", err)
	}

	fields := []string{
		r.EventType,
		r.Action,
		Deref(r.TenantID),
		Deref(r.UserID),
		Deref(r.ResourceType),
		Deref(r.ResourceID),
		string(changes),
		Deref(r.PreviousHash),
		strconv.FormatUint(r.Sequence, 10),
		FormatTimestamp(r.CreatedAt),
	}

	d := h.newHash()
	_, _ = d.Write(encodeFields(fields))
	return hex.EncodeToString(d.Sum(nil)), nil
}

// encodeFields length-prefixes each field and joins them with fieldDelimiter.
func encodeFields(fields []string) []byte {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteString(fieldDelimiter)
		}
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
	}
	return []byte(b.String())
}

// Valid reports whether r's stored signature matches a recomputation.
func (h *Hasher) Valid(r *AuditRecord) bool {
	sig, err := h.Sign(r)
	return err == nil && sig == r.SignatureHash
}

// FormatTimestamp renders t in the digest's timestamp encoding.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// CanonicalJSON encodes v deterministically: map keys sorted at every depth,
// no HTML escaping, no trailing newline. A nil map encodes as {}.
func CanonicalJSON(v any) ([]byte, error) {
	switch m := v.(type) {
	case Changes:
		if m == nil {
			return []byte("{}"), nil
		}
	case Metadata:
		if m == nil {
			return []byte("{}"), nil
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
