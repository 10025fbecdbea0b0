package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// AlgorithmSHA256 is the default content checksum algorithm.
	AlgorithmSHA256 = "sha256"
	// AlgorithmBLAKE2b256 is a faster alternative for large files.
	AlgorithmBLAKE2b256 = "blake2b-256"
)

// ErrUnsupportedAlgorithm indicates an unknown checksum algorithm name.
var ErrUnsupportedAlgorithm = errors.New("crypto: unsupported checksum algorithm")

// NormalizeAlgorithm maps user input to a canonical algorithm name.
// An empty value selects AlgorithmSHA256.
func NormalizeAlgorithm(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", AlgorithmSHA256, "sha-256":
		return AlgorithmSHA256, nil
	case AlgorithmBLAKE2b256, "blake2b":
		return AlgorithmBLAKE2b256, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
}

// NewHasher returns a streaming hash for the named algorithm.
func NewHasher(algorithm string) (hash.Hash, error) {
	alg, err := NormalizeAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}

	switch alg {
	case AlgorithmBLAKE2b256:
		h, err := blake2b.New256(nil)
		if err != nil {
			return nil, fmt.Errorf("create blake2b hasher: %w", err)
		}
		return h, nil
	default:
		return sha256.New(), nil
	}
}

// SumHex returns the lowercase hex digest accumulated by h.
func SumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// ReaderChecksum hashes r to EOF and returns the hex digest and byte count.
func ReaderChecksum(r io.Reader, algorithm string) (string, int64, error) {
	h, err := NewHasher(algorithm)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hash content: %w", err)
	}
	return SumHex(h), n, nil
}

// FileChecksum hashes the file at path.
func FileChecksum(path, algorithm string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	sum, _, err := ReaderChecksum(file, algorithm)
	return sum, err
}

// EqualChecksum compares two hex digests case-insensitively.
func EqualChecksum(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// FormatChecksum returns a short display form: the first 16 hex chars grouped in fours.
func FormatChecksum(checksum string) string {
	clean := strings.ToUpper(strings.ReplaceAll(checksum, " ", ""))
	if len(clean) > 16 {
		clean = clean[:16]
	}
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
