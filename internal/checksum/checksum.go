// Package checksum computes and verifies algorithm-tagged content digests
// for module payloads. Digests are rendered as "<algo>:<hex>", e.g.
// "sha256:ab12...", so the algorithm travels with the value and can evolve
// without a manifest schema change.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// AlgoSHA256 is the only algorithm currently produced. Verification
// accepts any digest whose algorithm is registered in newHasher.
const AlgoSHA256 = "sha256"

// chunkSize bounds memory while hashing large module archives.
const chunkSize = 64 * 1024

// Digest is an algorithm-tagged content hash in "<algo>:<hex>" form.
type Digest string

// String returns the digest in its wire form.
func (d Digest) String() string {
	return string(d)
}

// Algorithm returns the algorithm tag of the digest.
func (d Digest) Algorithm() string {
	algo, _, _ := strings.Cut(string(d), ":")
	return algo
}

// Parse validates raw as an algorithm-tagged digest.
func Parse(raw string) (Digest, error) {
	algo, hexPart, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || algo == "" || hexPart == "" {
		return "", fmt.Errorf("invalid digest %q: want <algo>:<hex>", raw)
	}
	if _, err := newHasher(algo); err != nil {
		return "", err
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", raw, err)
	}
	return Digest(algo + ":" + strings.ToLower(hexPart)), nil
}

func newHasher(algo string) (hash.Hash, error) {
	switch algo {
	case AlgoSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
}

// Compute streams the file at path through SHA-256 in fixed-size chunks
// and returns its digest.
func Compute(path string) (Digest, error) {
	return computeWith(path, AlgoSHA256)
}

func computeWith(path string, algo string) (Digest, error) {
	hasher, err := newHasher(algo)
	if err != nil {
		return "", err
	}
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(hasher, file, buf); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return Digest(algo + ":" + hex.EncodeToString(hasher.Sum(nil))), nil
}

// Verify recomputes the digest of the file at path using the algorithm
// named by expected and reports whether the values match. An unreadable
// file or an unparsable expected digest verifies false.
func Verify(path string, expected Digest) bool {
	parsed, err := Parse(string(expected))
	if err != nil {
		return false
	}
	actual, err := computeWith(path, parsed.Algorithm())
	if err != nil {
		return false
	}
	return actual == parsed
}
