package sharding

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// ShardCount is the fixed number of stream partitions.
const ShardCount = 1024

// SubjectPrefix roots every change record subject.
const SubjectPrefix = "cdc"

// GetShardID calculates the deterministic shard ID for a record key.
func GetShardID(key string) int {
	checksum := crc32.ChecksumIEEE([]byte(key))
	return int(checksum % ShardCount)
}

// CDCSubject returns the subject for a change record.
// Format: cdc.{collection}.{shard_id}
func CDCSubject(collection, key string) string {
	return fmt.Sprintf("%s.%s.%d", SubjectPrefix, collection, GetShardID(key))
}

// ParseSubject splits a change record subject into collection and shard.
func ParseSubject(subject string) (string, int, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != SubjectPrefix || parts[1] == "" {
		return "", 0, false
	}
	shard, err := strconv.Atoi(parts[2])
	if err != nil || shard < 0 || shard >= ShardCount {
		return "", 0, false
	}
	return parts[1], shard, true
}
