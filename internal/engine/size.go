package engine

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultScale is the number of bytes in one configured size unit (MiB).
const DefaultScale = 1024 * 1024

// SizeLimits is the size configuration of one export, expressed in units of
// Scale bytes. Zero limits are disabled. Since a zero limit in a request is
// also "unset" and picks up the configured default, NoSourceLimit and NoSplit
// turn a limit off explicitly.
type SizeLimits struct {
	Scale          int64  `yaml:"scale" json:"scale"`
	SourceLimit    int64  `yaml:"source_limit" json:"source_limit"`
	SplitThreshold int64  `yaml:"split_threshold" json:"split_threshold"`
	NoSourceLimit  bool   `yaml:"no_source_limit" json:"no_source_limit"`
	NoSplit        bool   `yaml:"no_split" json:"no_split"`
	Splitter       string `yaml:"splitter" json:"splitter"`
}

// ResolvedLimits holds SizeLimits converted to absolute byte counts.
type ResolvedLimits struct {
	SourceBytes int64
	SplitBytes  int64
	Splitter    string
}

// Resolve converts the limits to bytes. A zero Scale means DefaultScale.
func (l SizeLimits) Resolve() (ResolvedLimits, error) {
	scale := l.Scale
	if scale == 0 {
		scale = DefaultScale
	}
	if scale < 0 {
		return ResolvedLimits{}, fmt.Errorf("negative size scale: %d", l.Scale)
	}
	if l.SourceLimit < 0 || l.SplitThreshold < 0 {
		return ResolvedLimits{}, fmt.Errorf("size limits must not be negative")
	}
	if l.SourceLimit > math.MaxInt64/scale {
		return ResolvedLimits{}, fmt.Errorf("source limit %d x %d bytes overflows", l.SourceLimit, scale)
	}
	if l.SplitThreshold > math.MaxInt64/scale {
		return ResolvedLimits{}, fmt.Errorf("split threshold %d x %d bytes overflows", l.SplitThreshold, scale)
	}

	splitter := l.Splitter
	if splitter == "" {
		splitter = "split"
	}
	res := ResolvedLimits{
		SourceBytes: l.SourceLimit * scale,
		SplitBytes:  l.SplitThreshold * scale,
		Splitter:    splitter,
	}
	if l.NoSourceLimit {
		res.SourceBytes = 0
	}
	if l.NoSplit {
		res.SplitBytes = 0
	}
	return res, nil
}

// ShouldSplit reports whether a container of size bytes must be split.
func (r ResolvedLimits) ShouldSplit(size int64) bool {
	return r.SplitBytes > 0 && size > r.SplitBytes
}

var sizeUnits = map[string]int64{
	"":  1,
	"B": 1,
	"K": 1 << 10, "KB": 1 << 10, "KIB": 1 << 10,
	"M": 1 << 20, "MB": 1 << 20, "MIB": 1 << 20,
	"G": 1 << 30, "GB": 1 << 30, "GIB": 1 << 30,
	"T": 1 << 40, "TB": 1 << 40, "TIB": 1 << 40,
}

// ParseSize parses a size like "25GB", "4 GiB" or "1.5g" into bytes. Units
// are binary and case-insensitive; a plain number is bytes.
func ParseSize(s string) (int64, error) {
	in := strings.ToUpper(strings.TrimSpace(s))
	if in == "" {
		return 0, fmt.Errorf("empty size string")
	}

	split := strings.LastIndexFunc(in, func(r rune) bool {
		return (r >= '0' && r <= '9') || r == '.'
	}) + 1
	num, unit := in[:split], strings.TrimSpace(in[split:])
	if num == "" {
		return 0, fmt.Errorf("missing number in size %q", s)
	}
	mult, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q in size %q", unit, s)
	}

	if strings.HasPrefix(num, "-") {
		return 0, fmt.Errorf("negative size %q", s)
	}
	if n, err := strconv.ParseInt(num, 10, 64); err == nil {
		if n > math.MaxInt64/mult {
			return 0, fmt.Errorf("size %q overflows", s)
		}
		return n * mult, nil
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in size %q: %w", s, err)
	}
	bytes := f * float64(mult)
	if bytes >= math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(bytes), nil
}
