package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize parses a human-readable size such as "64MB" or "1.5GiB" into
// bytes. SI suffixes (KB, MB, GB) are powers of 1000 and IEC suffixes
// (KiB, MiB, GiB) powers of 1024, case-insensitive. A plain number is
// treated as bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative size: %s", s)
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size too large: %s", s)
	}
	return int64(n), nil
}
