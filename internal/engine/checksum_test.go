package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestFileKnownVectors(t *testing.T) {
	p := filepath.Join(t.TempDir(), "abc")
	require.NoError(t, os.WriteFile(p, []byte("abc"), 0o644))

	got, err := DigestFile(p, KnownAlgorithms())
	require.NoError(t, err)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", got[MD5])
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", got[SHA1])
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", got[SHA256])
	assert.Equal(t, "6437b3ac38465133ffb63b75273a8db548c558465d79db03fd359c6cd5bd9d85", got[BLAKE3])
}

func TestParseAlgorithms(t *testing.T) {
	algs, err := ParseAlgorithms(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultAlgorithms, algs)

	algs, err = ParseAlgorithms([]string{"SHA1", "md5", "sha1"})
	require.NoError(t, err)
	assert.Equal(t, []Algorithm{SHA1, MD5}, algs)

	algs, err = ParseAlgorithms([]string{"none"})
	require.NoError(t, err)
	assert.Empty(t, algs)

	_, err = ParseAlgorithms([]string{"crc32"})
	assert.Error(t, err)
}
