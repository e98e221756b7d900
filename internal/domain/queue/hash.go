package queue

import (
	"hash/fnv"
	"strconv"
)

// ShardFor computes the deterministic partition index for chatID under n
// partitions. shard(c,N) = hash(chatIdAsString) mod N using a
// well-distributed, non-cryptographic hash (FNV-1a).
//
// Because (h mod 2N) mod N == h mod N for any h,N, this routing function
// automatically satisfies the halving property required when N doubles:
// shard(c,N) == shard(c,2N) or shard(c,N)+N == shard(c,2N), never anything
// else — bounded movement when growing capacity.
func ShardFor(chatID int64, n int) int {
	if n <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.FormatInt(chatID, 10)))
	return int(h.Sum64() % uint64(n))
}
