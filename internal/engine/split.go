package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	shellScriptName = "reassemble.sh"
	batchScriptName = "reassemble.bat"
)

// SplitResult describes a container that was split into parts.
type SplitResult struct {
	// Original is the base name of the removed container.
	Original string
	// Parts are absolute paths in suffix order.
	Parts []string
	// Scripts are the absolute paths of reassemble.sh and reassemble.bat.
	Scripts []string
}

// Splitter cuts a container into fixed-size parts with an external
// byte-splitting utility (GNU split).
type Splitter struct {
	Binary   string
	PartSize int64
	Logger   *slog.Logger
}

// Split writes <container>.001, .002, ... next to the container, writes the
// reassembly scripts, and removes the container once the parts are verified.
func (s *Splitter) Split(ctx context.Context, containerPath string) (*SplitResult, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if s.PartSize <= 0 {
		return nil, fmt.Errorf("split part size must be positive")
	}

	bin, err := exec.LookPath(s.Binary)
	if err != nil {
		return nil, fmt.Errorf("split utility %q not found: %w", s.Binary, err)
	}

	info, err := os.Stat(containerPath)
	if err != nil {
		return nil, fmt.Errorf("stat container: %w", err)
	}

	dir := filepath.Dir(containerPath)
	name := filepath.Base(containerPath)

	cmd := exec.CommandContext(ctx, bin,
		"-a", "3",
		"--numeric-suffixes=1",
		"-b", strconv.FormatInt(s.PartSize, 10),
		name, name+".",
	)
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s failed on %s: %w: %s", s.Binary, name, err, strings.TrimSpace(string(output)))
	}

	parts, err := filepath.Glob(containerPath + ".[0-9][0-9][0-9]")
	if err != nil {
		return nil, err
	}
	sort.Strings(parts)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%s produced no parts for %s", s.Binary, name)
	}

	var total int64
	for _, p := range parts {
		pi, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat part: %w", err)
		}
		total += pi.Size()
	}
	if total != info.Size() {
		return nil, fmt.Errorf("parts of %s hold %d bytes, container has %d", name, total, info.Size())
	}

	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = filepath.Base(p)
	}
	scripts, err := writeReassemblyScripts(dir, name, names)
	if err != nil {
		return nil, err
	}

	if err := os.Remove(containerPath); err != nil {
		return nil, fmt.Errorf("removing unsplit container: %w", err)
	}

	logger.Info("container split", "container", name, "parts", len(parts), "part_size", s.PartSize)
	return &SplitResult{Original: name, Parts: parts, Scripts: scripts}, nil
}

// writeReassemblyScripts writes a POSIX shell and a Windows batch script that
// concatenate parts, in order, back into original.
func writeReassemblyScripts(dir, original string, parts []string) ([]string, error) {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = `"` + p + `"`
	}

	var sh strings.Builder
	sh.WriteString("#!/bin/sh\n")
	sh.WriteString("set -e\n")
	sh.WriteString(`cd "$(dirname "$0")"` + "\n")
	fmt.Fprintf(&sh, "cat %s > \"%s\"\n", strings.Join(quoted, " "), original)
	fmt.Fprintf(&sh, "echo \"Created %s\"\n", original)

	var bat strings.Builder
	bat.WriteString("@echo off\r\n")
	bat.WriteString("cd /d \"%~dp0\"\r\n")
	fmt.Fprintf(&bat, "copy /b %s \"%s\"\r\n", strings.Join(quoted, "+"), original)
	fmt.Fprintf(&bat, "echo Created %s\r\n", original)

	shPath := filepath.Join(dir, shellScriptName)
	if err := os.WriteFile(shPath, []byte(sh.String()), 0o755); err != nil {
		return nil, fmt.Errorf("writing %s: %w", shellScriptName, err)
	}
	batPath := filepath.Join(dir, batchScriptName)
	if err := os.WriteFile(batPath, []byte(bat.String()), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", batchScriptName, err)
	}
	return []string{batPath, shPath}, nil
}
