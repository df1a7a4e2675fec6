// Package integrity provides content hashing for hypothesis deduplication and
// Merkle digests for integrated results. All functions are pure and
// deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"unicode"
)

// Hash version prefix. Bump it when Normalize changes so stored hashes from
// an older normalization never compare equal by accident.
const hashV1Prefix = "c1:"

// Normalize folds text to a canonical form: lower case, punctuation dropped,
// runs of whitespace collapsed to one space, trimmed.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			space = true
		}
	}
	return b.String()
}

// ContentHash returns the versioned SHA-256 digest of a candidate's
// normalized title and summary. Fields are length-prefixed so text
// containing separators cannot collide.
func ContentHash(title, summary string) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // bounded by request and output limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(Normalize(title))
	writeField(Normalize(summary))
	return hashV1Prefix + hex.EncodeToString(h.Sum(nil))
}

// ResultLeaf hashes one completed hypothesis for the result digest: its
// content hash followed by the raw phase outputs, each length-prefixed.
func ResultLeaf(contentHash string, outputs ...string) string {
	h := sha256.New()
	h.Write([]byte{0x00})
	for _, s := range append([]string{contentHash}, outputs...) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // bounded by output limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix separates internal Merkle nodes from leaf hashes (RFC 6962).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves must be sorted by the caller for determinism.
// Empty input yields "", a single leaf is its own root, and the last node of
// an odd level is paired with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
