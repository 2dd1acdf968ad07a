package offcache

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
)

// parseSize reads a binary size such as "512", "64kb", "4m" or "1.5GiB".
func parseSize(s string) (int64, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

func humanSize(b uint64) string {
	return units.BytesSize(float64(b))
}
