package badger

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Key prefixes. Everything of one log shares xxhash(log_id) after the
// prefix byte, so one prefix scan per table finds all of a log's keys.
const (
	prefixRecord     byte = 'r'
	prefixTypeIndex  byte = 't'
	prefixPhases     byte = 'p'
	prefixStatistics byte = 's'
	prefixSummaries  byte = 'm'
	prefixLog        byte = 'l'
)

// logPrefix returns [prefix][xxhash(logID) (8 bytes)].
func logPrefix(prefix byte, logID string) []byte {
	key := make([]byte, 9)
	key[0] = prefix
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(logID))
	return key
}

// typePrefix returns ['t'][xxhash(logID)][xxhash(messageType)].
func typePrefix(logID, messageType string) []byte {
	key := make([]byte, 17)
	copy(key, logPrefix(prefixTypeIndex, logID))
	binary.BigEndian.PutUint64(key[9:17], xxhash.Sum64String(messageType))
	return key
}

// timeKey appends [timestamp (8 bytes)][sequence (8 bytes)] to prefix.
func timeKey(prefix []byte, ts float64, seq uint64) []byte {
	key := make([]byte, len(prefix)+16)
	n := copy(key, prefix)
	binary.BigEndian.PutUint64(key[n:n+8], sortableFloat(ts))
	binary.BigEndian.PutUint64(key[n+8:n+16], seq)
	return key
}

// recordKey creates a sortable key: log hash + timestamp + sequence
// Format: ['r'][log_hash (8 bytes)][timestamp (8 bytes)][sequence (8 bytes)]
func recordKey(logID string, ts float64, seq uint64) []byte {
	return timeKey(logPrefix(prefixRecord, logID), ts, seq)
}

// typeIndexKey points at a record key of one message type.
// Format: ['t'][log_hash (8 bytes)][type_hash (8 bytes)][timestamp (8 bytes)][sequence (8 bytes)]
func typeIndexKey(logID, messageType string, ts float64, seq uint64) []byte {
	return timeKey(typePrefix(logID, messageType), ts, seq)
}

// seekKey is the smallest key under prefix at or after ts.
func seekKey(prefix []byte, ts float64) []byte {
	key := make([]byte, len(prefix)+8)
	n := copy(key, prefix)
	binary.BigEndian.PutUint64(key[n:], sortableFloat(ts))
	return key
}

// seekKeyReverse is the largest possible key under prefix at ts, used to
// start reverse iteration.
func seekKeyReverse(prefix []byte, ts float64) []byte {
	key := make([]byte, len(prefix)+16)
	copy(key, seekKey(prefix, ts))
	for i := len(prefix) + 8; i < len(key); i++ {
		key[i] = 0xFF
	}
	return key
}

// seekKeyLast is past every key under prefix.
func seekKeyLast(prefix []byte) []byte {
	key := make([]byte, len(prefix)+16)
	n := copy(key, prefix)
	for i := n; i < len(key); i++ {
		key[i] = 0xFF
	}
	return key
}

func logKey(logID string) []byte {
	return append([]byte{prefixLog}, logID...)
}

// sortableFloat maps a float64 to a uint64 whose big-endian byte order
// matches numeric order, negatives included.
func sortableFloat(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | 1<<63
}

// parseTimeKey extracts timestamp and sequence from the tail of a record
// or type index key.
func parseTimeKey(key []byte) (float64, uint64) {
	n := len(key) - 16
	bits := binary.BigEndian.Uint64(key[n : n+8])
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits), binary.BigEndian.Uint64(key[n+8:])
}
