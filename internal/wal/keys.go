package wal

import "encoding/binary"

// Keyspace (byte-wise, lexicographically sortable):
//   - wal/m                  last committed sequence (be8)
//   - wal/e/{seq_be8}        one committed transaction
//   - wal/s/{first_seq_be8}  segment start vclock

var (
	prefixEntry   = []byte("wal/e/")
	prefixSegment = []byte("wal/s/")
	keyMeta       = []byte("wal/m")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyEntry builds the entry key for seq.
func KeyEntry(seq uint64) []byte {
	k := make([]byte, 0, len(prefixEntry)+8)
	k = append(k, prefixEntry...)
	return appendBE8(k, seq)
}

// KeySegment builds the segment metadata key for a segment starting at first.
func KeySegment(first uint64) []byte {
	k := make([]byte, 0, len(prefixSegment)+8)
	k = append(k, prefixSegment...)
	return appendBE8(k, first)
}

func seqFromKey(prefix, key []byte) (uint64, bool) {
	if len(key) != len(prefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), true
}
