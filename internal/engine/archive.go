package engine

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/BadgerOps/repoexport/internal/safety"
)

// ErrSourceLimitExceeded is matched by SourceLimitError.
var ErrSourceLimitExceeded = errors.New("source size limit exceeded")

// SourceLimitError rejects an entry whose bytes would bring the cumulative
// source size to or past the limit.
type SourceLimitError struct {
	Limit   int64
	Current int64
	Entry   int64
}

func (e *SourceLimitError) Error() string {
	return fmt.Sprintf("source size limit exceeded: %d + %d >= %d", e.Current, e.Entry, e.Limit)
}

func (e *SourceLimitError) Is(target error) bool {
	return target == ErrSourceLimitExceeded
}

// Stats are the running totals of an ArchiveBuilder.
type Stats struct {
	Count          int   `json:"count"`
	SourceBytes    int64 `json:"source_bytes"`
	ContainerBytes int64 `json:"container_bytes"`
}

// ArchiveBuilder appends files to a .tar.zst container. Each entry is written
// as its own zstd frame and the file is closed after every entry, so the
// container on disk is always a readable archive of every entry added so far.
type ArchiveBuilder struct {
	path        string
	sourceLimit int64
	level       zstd.EncoderLevel
	stats       Stats
}

// NewArchiveBuilder creates a builder for the container at path. A
// sourceLimit of zero disables the limit.
func NewArchiveBuilder(path string, sourceLimit int64, level zstd.EncoderLevel) *ArchiveBuilder {
	if level == 0 {
		level = zstd.SpeedDefault
	}
	return &ArchiveBuilder{path: path, sourceLimit: sourceLimit, level: level}
}

func (b *ArchiveBuilder) Path() string { return b.path }

func (b *ArchiveBuilder) Stats() Stats { return b.stats }

// AddEntry appends the file src to the container as name. It fails with a
// *SourceLimitError, without writing, when the limit would be reached. Any
// other error leaves the container truncated back to its previous size.
func (b *ArchiveBuilder) AddEntry(src, name string) (Stats, error) {
	clean, err := safety.CleanRelativePath(name)
	if err != nil {
		return b.stats, fmt.Errorf("archive entry name: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return b.stats, fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return b.stats, fmt.Errorf("stat %s: %w", src, err)
	}
	size := info.Size()

	if b.sourceLimit > 0 && b.stats.SourceBytes+size >= b.sourceLimit {
		return b.stats, &SourceLimitError{Limit: b.sourceLimit, Current: b.stats.SourceBytes, Entry: size}
	}

	out, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return b.stats, fmt.Errorf("opening container: %w", err)
	}
	before, err := out.Seek(0, io.SeekEnd)
	if err != nil {
		_ = out.Close()
		return b.stats, fmt.Errorf("seeking container: %w", err)
	}

	if err := b.writeFrame(out, in, filepath.ToSlash(clean), info); err != nil {
		_ = out.Truncate(before)
		_ = out.Close()
		return b.stats, fmt.Errorf("appending %s: %w", clean, err)
	}
	if err := out.Close(); err != nil {
		return b.stats, fmt.Errorf("closing container: %w", err)
	}

	onDisk, err := os.Stat(b.path)
	if err != nil {
		return b.stats, fmt.Errorf("stat container: %w", err)
	}

	b.stats.Count++
	b.stats.SourceBytes += size
	b.stats.ContainerBytes = onDisk.Size()
	return b.stats, nil
}

// writeFrame writes one tar member inside one zstd frame. The tar writer is
// flushed but not closed: the end-of-archive blocks are never written, which
// tar readers accept as a clean end of stream.
func (b *ArchiveBuilder) writeFrame(out *os.File, in io.Reader, name string, info os.FileInfo) error {
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(b.level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}

	tw := tar.NewWriter(enc)
	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     info.Size(),
		Mode:     0o644,
		ModTime:  info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		_ = enc.Close()
		return err
	}
	if _, err := io.Copy(tw, in); err != nil {
		_ = enc.Close()
		return err
	}
	if err := tw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return out.Sync()
}

// EntryInfo describes one member of a container.
type EntryInfo struct {
	Name string
	Size int64
}

// ListEntries reads a container written by ArchiveBuilder (or reassembled
// from its parts) and returns its members in order.
func ListEntries(path string) ([]EntryInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()

	var entries []EntryInfo
	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		entries = append(entries, EntryInfo{Name: hdr.Name, Size: hdr.Size})
	}
	return entries, nil
}

// ExtractEntry returns the content of the named member.
func ExtractEntry(path, name string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%s: no entry %q", path, name)
		}
		if err != nil {
			return nil, err
		}
		if hdr.Name == name {
			return io.ReadAll(tr)
		}
	}
}
