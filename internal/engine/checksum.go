package engine

import (
	"crypto/md5"
	"crypto/sha1"
	_ "crypto/sha256" // registers the hash behind digest.SHA256
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"
)

// Algorithm names a checksum manifest.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// DefaultAlgorithms are enabled when a request names none.
var DefaultAlgorithms = []Algorithm{MD5}

// noAlgorithms disables every checksum manifest when listed alone.
const noAlgorithms Algorithm = "none"

var hashers = map[Algorithm]func() hash.Hash{
	MD5:    md5.New,
	SHA1:   sha1.New,
	SHA256: digest.SHA256.Hash,
	BLAKE3: func() hash.Hash { return blake3.New() },
}

// KnownAlgorithms lists every supported algorithm in manifest order.
func KnownAlgorithms() []Algorithm {
	return []Algorithm{MD5, SHA1, SHA256, BLAKE3}
}

// ParseAlgorithms validates names and removes duplicates, keeping order.
func ParseAlgorithms(names []string) ([]Algorithm, error) {
	if len(names) == 0 {
		return slices.Clone(DefaultAlgorithms), nil
	}
	seen := make(map[Algorithm]bool, len(names))
	out := make([]Algorithm, 0, len(names))
	for _, n := range names {
		alg := Algorithm(strings.ToLower(strings.TrimSpace(n)))
		if alg == noAlgorithms {
			continue
		}
		if _, ok := hashers[alg]; !ok {
			return nil, fmt.Errorf("unknown checksum algorithm %q", n)
		}
		if !seen[alg] {
			seen[alg] = true
			out = append(out, alg)
		}
	}
	return out, nil
}

// Digests maps an algorithm to a lowercase hex digest.
type Digests map[Algorithm]string

// DigestFile hashes path once, feeding every algorithm in algs.
func DigestFile(path string, algs []Algorithm) (Digests, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hs := make([]hash.Hash, len(algs))
	writers := make([]io.Writer, len(algs))
	for i, alg := range algs {
		newHash, ok := hashers[alg]
		if !ok {
			return nil, fmt.Errorf("unknown checksum algorithm %q", alg)
		}
		hs[i] = newHash()
		writers[i] = hs[i]
	}

	if _, err := io.Copy(io.MultiWriter(writers...), f); err != nil {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}

	out := make(Digests, len(algs))
	for i, alg := range algs {
		out[alg] = hex.EncodeToString(hs[i].Sum(nil))
	}
	return out, nil
}
