// Package sharding partitions a textual input artifact into N line-aligned byte
// ranges for a map_reduce job's map tasks.
package sharding

import (
	"bytes"
	"fmt"
)

// Shard is one line-aligned byte range of an input.
type Shard struct {
	Index int
	Data  []byte
}

// ByLines divides data into n roughly equal byte ranges, then widens each range
// forward to the next line boundary (except the last, which runs to end-of-input), so
// every byte belongs to exactly one shard and no line is split across shards. If n
// exceeds the number of lines the surplus shards are empty.
func ByLines(data []byte, n int) ([]Shard, error) {
	if n < 1 {
		return nil, fmt.Errorf("sharding: n must be >= 1, got %d", n)
	}

	total := len(data)
	shards := make([]Shard, n)

	start := 0
	for i := 0; i < n; i++ {
		if i == n-1 {
			shards[i] = Shard{Index: i, Data: data[start:total]}
			continue
		}
		if start >= total {
			shards[i] = Shard{Index: i, Data: data[total:total]}
			continue
		}

		target := (total * (i + 1)) / n
		if target < start {
			target = start
		}
		end := nextLineBoundary(data, target)
		shards[i] = Shard{Index: i, Data: data[start:end]}
		start = end
	}

	return shards, nil
}

// nextLineBoundary returns the smallest index >= from that is either len(data) or the
// index immediately after a '\n'.
func nextLineBoundary(data []byte, from int) int {
	if from >= len(data) {
		return len(data)
	}
	if from > 0 && data[from-1] == '\n' {
		return from
	}
	idx := bytes.IndexByte(data[from:], '\n')
	if idx < 0 {
		return len(data)
	}
	return from + idx + 1
}

// Name returns the deterministic artifact name for shard index i, zero-padded to
// width digits (width is chosen by the caller based on n).
func Name(index, width int) string {
	return fmt.Sprintf("shard-%0*d", width, index)
}
