// Package contenthash fingerprints frame content. Values are rendered to
// RFC 8785 canonical JSON and hashed with domain-separated BLAKE3, so equal
// content yields equal fingerprints regardless of key order or whitespace.
package contenthash

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// domainKey is a 32-byte BLAKE3 key. The bytes are the ASCII domain name,
// zero-padded, so the same input hashes differently per domain.
type domainKey [32]byte

var (
	handlesDomainKey = domainKey{
		'f', 'r', 'a', 'm', 'e', 's', 't', 'a', 'c', 'k', '.', 'h', 'a', 'n', 'd', 'l',
		'e', 's', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	inputsDomainKey = domainKey{
		'f', 'r', 'a', 'm', 'e', 's', 't', 'a', 'c', 'k', '.', 'i', 'n', 'p', 'u', 't',
		's', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	packDomainKey = domainKey{
		'f', 'r', 'a', 'm', 'e', 's', 't', 'a', 'c', 'k', '.', 'p', 'a', 'c', 'k', 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// String returns the lowercase hex encoding.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return hash, fmt.Errorf("parsing content hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("content hash is %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}

// Canonicalize returns the RFC 8785 canonical form of JSON input.
func Canonicalize(input []byte) ([]byte, error) {
	return jcs.Transform(input)
}

// Handles fingerprints a frame's context handle list. The result is stored
// as the frame's context_hash.
func Handles(handles any) (Hash, error) {
	return digest(handlesDomainKey, handles)
}

// Inputs fingerprints opaque frame inputs given as raw JSON.
func Inputs(raw json.RawMessage) (Hash, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	canonical, err := Canonicalize(raw)
	if err != nil {
		return Hash{}, fmt.Errorf("canonicalizing inputs: %w", err)
	}
	return keyedHash(inputsDomainKey, canonical), nil
}

// Pack fingerprints the materialized content of a context pack.
func Pack(content any) (Hash, error) {
	return digest(packDomainKey, content)
}

func digest(key domainKey, v any) (Hash, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Hash{}, fmt.Errorf("encoding content: %w", err)
	}
	canonical, err := Canonicalize(raw)
	if err != nil {
		return Hash{}, fmt.Errorf("canonicalizing content: %w", err)
	}
	return keyedHash(key, canonical), nil
}

func keyedHash(key domainKey, data []byte) Hash {
	// NewKeyed only fails on a wrong key length, which domainKey rules out.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("contenthash: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
