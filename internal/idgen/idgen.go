// Package idgen provides ID generation for ledger and settlement records.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "wd_", "ord_", "inv_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Sortable returns a ULID whose lexical order follows creation time.
// Movements use it so that ordering by ID matches insertion order.
func Sortable() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Derived builds a stable prefixed ID from the given parts. The same parts
// always produce the same ID, which lets a client-supplied idempotency key
// map onto a single record.
func Derived(prefix string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return prefix + hex.EncodeToString(h.Sum(nil)[:12])
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Token returns a random lowercase alphanumeric string of length n,
// suitable for memo tags and link tokens.
func Token(n int) string {
	n64 := big.NewInt(int64(len(tokenAlphabet)))
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, n64)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		out[i] = tokenAlphabet[v.Int64()]
	}
	return string(out)
}
