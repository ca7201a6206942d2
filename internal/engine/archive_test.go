package engine

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSource(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestArchiveBuilderAddEntry(t *testing.T) {
	dir := t.TempDir()
	container := filepath.Join(dir, "export.tar.zst")
	b := NewArchiveBuilder(container, 0, 0)

	first := writeSource(t, dir, "a", []byte("first entry"))
	second := writeSource(t, dir, "b", bytes.Repeat([]byte("x"), 4096))

	stats, err := b.AddEntry(first, "Root (c:1)/OBJ.txt")
	require.NoError(t, err)
	info, err := os.Stat(container)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, int64(11), stats.SourceBytes)
	assert.Equal(t, info.Size(), stats.ContainerBytes)

	stats, err = b.AddEntry(second, "Root (c:1)/Child (o:2)/OBJ.bin")
	require.NoError(t, err)
	info, err = os.Stat(container)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, int64(11+4096), stats.SourceBytes)
	assert.Equal(t, info.Size(), stats.ContainerBytes)
	assert.Equal(t, stats, b.Stats())

	entries, err := ListEntries(container)
	require.NoError(t, err)
	assert.Equal(t, []EntryInfo{
		{Name: "Root (c:1)/OBJ.txt", Size: 11},
		{Name: "Root (c:1)/Child (o:2)/OBJ.bin", Size: 4096},
	}, entries)

	got, err := ExtractEntry(container, "Root (c:1)/OBJ.txt")
	require.NoError(t, err)
	assert.Equal(t, "first entry", string(got))

	_, err = ExtractEntry(container, "missing")
	assert.Error(t, err)
}

func TestArchiveBuilderRejectsEntryReachingLimit(t *testing.T) {
	dir := t.TempDir()
	container := filepath.Join(dir, "export.tar.zst")
	b := NewArchiveBuilder(container, 1000, 0)

	big := writeSource(t, dir, "big", randomBytes(t, 1200))
	stats, err := b.AddEntry(big, "big.bin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSourceLimitExceeded))

	var limitErr *SourceLimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, int64(1000), limitErr.Limit)
	assert.Equal(t, int64(0), limitErr.Current)
	assert.Equal(t, int64(1200), limitErr.Entry)

	assert.Equal(t, Stats{}, stats)
	_, statErr := os.Stat(container)
	assert.True(t, os.IsNotExist(statErr), "nothing may be written for a rejected entry")
}

func TestArchiveBuilderLimitIsExclusive(t *testing.T) {
	dir := t.TempDir()
	b := NewArchiveBuilder(filepath.Join(dir, "c.tar.zst"), 1000, 0)

	_, err := b.AddEntry(writeSource(t, dir, "400", make([]byte, 400)), "400")
	require.NoError(t, err)

	_, err = b.AddEntry(writeSource(t, dir, "600", make([]byte, 600)), "600")
	assert.ErrorIs(t, err, ErrSourceLimitExceeded, "400+600 reaches the limit")

	stats, err := b.AddEntry(writeSource(t, dir, "599", make([]byte, 599)), "599")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, int64(999), stats.SourceBytes)
	assert.Less(t, stats.SourceBytes, int64(1000))
}

func TestArchiveBuilderRejectsEscapingName(t *testing.T) {
	dir := t.TempDir()
	b := NewArchiveBuilder(filepath.Join(dir, "c.tar.zst"), 0, 0)

	_, err := b.AddEntry(writeSource(t, dir, "f", []byte("x")), "../outside")
	require.Error(t, err)
	assert.Equal(t, 0, b.Stats().Count)
}

func TestArchiveBuilderMissingSource(t *testing.T) {
	dir := t.TempDir()
	b := NewArchiveBuilder(filepath.Join(dir, "c.tar.zst"), 0, 0)

	_, err := b.AddEntry(filepath.Join(dir, "nope"), "nope")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSourceLimitExceeded))
}
