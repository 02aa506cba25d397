// Package content addresses and encodes the immutable byte blocks that
// back file inodes.
package content

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Ref identifies a block by the keyed BLAKE3 hash of its plaintext.
type Ref string

const refPrefix = "blk-"

// blockDomainKey separates block hashes from any other BLAKE3 use.
var blockDomainKey = [32]byte{
	'a', 'g', 'e', 'n', 't', 'f', 's', '.', 'c', 'o', 'n', 't', 'e', 'n', 't', '.',
	'b', 'l', 'o', 'c', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// RefOf computes the reference for data.
func RefOf(data []byte) Ref {
	h, err := blake3.NewKeyed(blockDomainKey[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic("content: blake3 keyed hasher: " + err.Error())
	}
	h.Write(data)
	var sum [32]byte
	h.Sum(sum[:0])
	return Ref(refPrefix + hex.EncodeToString(sum[:]))
}

// ParseRef validates the textual form of a reference.
func ParseRef(s string) (Ref, error) {
	hexPart, ok := strings.CutPrefix(s, refPrefix)
	if !ok {
		return "", fmt.Errorf("content ref %q: missing %q prefix", s, refPrefix)
	}
	if len(hexPart) != 64 {
		return "", fmt.Errorf("content ref %q: expected 64 hex characters, got %d", s, len(hexPart))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", fmt.Errorf("content ref %q: %w", s, err)
	}
	return Ref(s), nil
}

// Short returns an abbreviated form for logs.
func (r Ref) Short() string {
	s := string(r)
	if len(s) > len(refPrefix)+12 {
		return s[:len(refPrefix)+12]
	}
	return s
}
