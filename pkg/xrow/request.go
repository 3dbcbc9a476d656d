package xrow

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldReqSpace protowire.Number = 1
	fieldReqKey   protowire.Number = 2
	fieldReqValue protowire.Number = 3
)

// Request is the body of a DML row: a key/value change within a space.
type Request struct {
	Space uint32
	Key   []byte
	Value []byte
}

// EncodeRequest appends the encoded request to dst.
func EncodeRequest(dst []byte, r Request) []byte {
	b := protowire.AppendTag(dst, fieldReqSpace, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Space))
	b = protowire.AppendTag(b, fieldReqKey, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Key)
	if r.Value != nil {
		b = protowire.AppendTag(b, fieldReqValue, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	return b
}

// DecodeRequest decodes a row body. Key and Value alias b.
func DecodeRequest(b []byte) (Request, error) {
	var r Request
	var haveKey bool
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case fieldReqSpace:
			r.Space = uint32(v)
		case fieldReqKey:
			r.Key = raw
			haveKey = true
		case fieldReqValue:
			r.Value = raw
		}
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	if !haveKey {
		return Request{}, fmt.Errorf("%w: request without key", ErrMalformed)
	}
	return r, nil
}

// VersionID packs a semantic version the way peers advertise it.
func VersionID(major, minor, patch uint32) uint32 {
	return major<<16 | minor<<8 | patch
}

// Version is the protocol version this build advertises.
var Version = VersionID(2, 0, 0)
