package wal

import (
	"encoding/binary"
	"hash/crc32"
)

// Entry encoding: uvarint headerLen | header | payload | crc32c(header|payload)
//
// The header carries the commit time in ms (be8); the payload is a BATCH
// frame with the transaction rows.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func EncodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

// DecodeRecord splits a record and verifies its checksum. Header and payload
// alias b.
func DecodeRecord(b []byte) (header, payload []byte, ok bool) {
	if len(b) < 1+4 {
		return nil, nil, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, false
	}
	if uint64(n)+hlen+4 > uint64(len(b)) {
		return nil, nil, false
	}
	header = b[n : n+int(hlen)]
	payload = b[n+int(hlen) : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, nil, false
	}
	return header, payload, true
}
