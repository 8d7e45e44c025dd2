package rpc

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Partition maps key onto one of n partitions. Equal keys always land on
// the same partition.
func Partition(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// PartitionSubject names the subject of partition p under base.
func PartitionSubject(base string, p int) string {
	return fmt.Sprintf("%s.%d", base, p)
}
