package xrow

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/rzbill/relayd/pkg/id"
	"github.com/rzbill/relayd/pkg/vclock"
)

// Type identifies a frame on the wire.
type Type uint32

const (
	TypeInsert  Type = 2
	TypeReplace Type = 3
	TypeUpdate  Type = 4
	TypeDelete  Type = 5

	TypeBatch             Type = 64
	TypeVClock            Type = 65
	TypeJoin              Type = 66
	TypeJoinResponse      Type = 67
	TypeSubscribe         Type = 68
	TypeSubscribeResponse Type = 69
)

// IsDML reports whether t is a data-changing row type.
func (t Type) IsDML() bool { return t >= TypeInsert && t <= TypeDelete }

func (t Type) String() string {
	switch t {
	case TypeInsert:
		return "INSERT"
	case TypeReplace:
		return "REPLACE"
	case TypeUpdate:
		return "UPDATE"
	case TypeDelete:
		return "DELETE"
	case TypeBatch:
		return "BATCH"
	case TypeVClock:
		return "VCLOCK"
	case TypeJoin:
		return "JOIN"
	case TypeJoinResponse:
		return "JOIN_RESPONSE"
	case TypeSubscribe:
		return "SUBSCRIBE"
	case TypeSubscribeResponse:
		return "SUBSCRIBE_RESPONSE"
	default:
		return fmt.Sprintf("TYPE(%d)", uint32(t))
	}
}

// Field numbers shared by all frames.
const (
	fieldType      protowire.Number = 1
	fieldSync      protowire.Number = 2
	fieldReplicaID protowire.Number = 3
	fieldLSN       protowire.Number = 4
	fieldTimestamp protowire.Number = 5
	fieldBody      protowire.Number = 6
	fieldVClock    protowire.Number = 7
	fieldInstance  protowire.Number = 8
	fieldVersion   protowire.Number = 9
	fieldCount     protowire.Number = 10
	fieldBSize     protowire.Number = 11
	fieldRow       protowire.Number = 12
	fieldFilter    protowire.Number = 13

	fieldComponentID  protowire.Number = 1
	fieldComponentLSN protowire.Number = 2
)

var (
	ErrMalformed  = errors.New("xrow: malformed frame")
	ErrUnexpected = errors.New("xrow: unexpected frame type")
)

// Header is the envelope every frame starts with.
type Header struct {
	Type Type
	Sync uint64
}

// Row is one replicated change. Body is owned by whoever decoded or copied
// the row; rows handed out by a WAL reader alias the reader's buffers.
type Row struct {
	Type      Type
	Sync      uint64
	ReplicaID uint32
	LSN       int64
	Timestamp int64
	Body      []byte
}

// Copy returns a deep copy of r.
func (r *Row) Copy() Row {
	c := *r
	c.Body = append([]byte(nil), r.Body...)
	return c
}

// Size is the encoded size of r in bytes.
func (r *Row) Size() int {
	n := protowire.SizeTag(fieldType) + protowire.SizeVarint(uint64(r.Type))
	if r.Sync != 0 {
		n += protowire.SizeTag(fieldSync) + protowire.SizeVarint(r.Sync)
	}
	n += protowire.SizeTag(fieldReplicaID) + protowire.SizeVarint(uint64(r.ReplicaID))
	n += protowire.SizeTag(fieldLSN) + protowire.SizeVarint(uint64(r.LSN))
	n += protowire.SizeTag(fieldTimestamp) + protowire.SizeVarint(uint64(r.Timestamp))
	n += protowire.SizeTag(fieldBody) + protowire.SizeBytes(len(r.Body))
	return n
}

func appendHeader(b []byte, t Type, sync uint64) []byte {
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t))
	if sync != 0 {
		b = protowire.AppendTag(b, fieldSync, protowire.VarintType)
		b = protowire.AppendVarint(b, sync)
	}
	return b
}

// EncodeRow appends the encoded row to dst.
func EncodeRow(dst []byte, r *Row) []byte {
	b := appendHeader(dst, r.Type, r.Sync)
	b = protowire.AppendTag(b, fieldReplicaID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ReplicaID))
	b = protowire.AppendTag(b, fieldLSN, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.LSN))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Timestamp))
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, r.Body)
	return b
}

// DecodeRow decodes a single row frame. Body aliases b.
func DecodeRow(b []byte) (Row, error) {
	var r Row
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case fieldType:
			r.Type = Type(v)
		case fieldSync:
			r.Sync = v
		case fieldReplicaID:
			r.ReplicaID = uint32(v)
		case fieldLSN:
			r.LSN = int64(v)
		case fieldTimestamp:
			r.Timestamp = int64(v)
		case fieldBody:
			r.Body = raw
		}
		return nil
	})
	if err != nil {
		return Row{}, err
	}
	if !r.Type.IsDML() {
		return Row{}, fmt.Errorf("%w: %s is not a row", ErrUnexpected, r.Type)
	}
	return r, nil
}

// PeekHeader decodes only the envelope of a frame.
func PeekHeader(b []byte) (Header, error) {
	var h Header
	seen := false
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case fieldType:
			h.Type = Type(v)
			seen = true
		case fieldSync:
			h.Sync = v
		}
		return nil
	})
	if err != nil {
		return Header{}, err
	}
	if !seen {
		return Header{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return h, nil
}

// walk iterates the top-level fields of b. For varint fields v carries the
// value; for bytes fields raw carries the payload.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			if err := fn(num, typ, v, nil); err != nil {
				return err
			}
			b = b[m:]
		case protowire.BytesType:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			if err := fn(num, typ, 0, raw); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}

func appendVClock(b []byte, v vclock.VClock) []byte {
	v.Range(func(rid uint32, lsn int64) {
		var c []byte
		c = protowire.AppendTag(c, fieldComponentID, protowire.VarintType)
		c = protowire.AppendVarint(c, uint64(rid))
		c = protowire.AppendTag(c, fieldComponentLSN, protowire.VarintType)
		c = protowire.AppendVarint(c, uint64(lsn))
		b = protowire.AppendTag(b, fieldVClock, protowire.BytesType)
		b = protowire.AppendBytes(b, c)
	})
	return b
}

func followComponent(v *vclock.VClock, raw []byte) error {
	var rid, lsn uint64
	err := walk(raw, func(num protowire.Number, typ protowire.Type, val uint64, _ []byte) error {
		switch num {
		case fieldComponentID:
			rid = val
		case fieldComponentLSN:
			lsn = val
		}
		return nil
	})
	if err != nil {
		return err
	}
	if rid >= vclock.MaxReplicas {
		return fmt.Errorf("%w: replica id %d", ErrMalformed, rid)
	}
	if lsn > math.MaxInt64 {
		return fmt.Errorf("%w: lsn %d", ErrMalformed, lsn)
	}
	if err := v.Follow(uint32(rid), int64(lsn)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// EncodeVClock appends a VCLOCK frame. Replicas send it as their ack; the
// primary uses it as the join stage marker.
func EncodeVClock(dst []byte, sync uint64, v vclock.VClock) []byte {
	b := appendHeader(dst, TypeVClock, sync)
	return appendVClock(b, v)
}

// DecodeVClock decodes a VCLOCK frame.
func DecodeVClock(b []byte) (vclock.VClock, error) {
	var v vclock.VClock
	var t Type
	err := walk(b, func(num protowire.Number, typ protowire.Type, val uint64, raw []byte) error {
		switch num {
		case fieldType:
			t = Type(val)
		case fieldVClock:
			return followComponent(&v, raw)
		}
		return nil
	})
	if err != nil {
		return vclock.VClock{}, err
	}
	if t != TypeVClock {
		return vclock.VClock{}, fmt.Errorf("%w: want %s, got %s", ErrUnexpected, TypeVClock, t)
	}
	return v, nil
}

// Batch is one transaction worth of rows sent as a single frame.
type Batch struct {
	Sync  uint64
	Count int
	BSize int
	Rows  []Row
}

// EncodeBatch appends a BATCH frame carrying rows with the aggregate count
// and byte size.
func EncodeBatch(dst []byte, sync uint64, rows []Row, bsize int) []byte {
	b := appendHeader(dst, TypeBatch, sync)
	b = protowire.AppendTag(b, fieldCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(rows)))
	b = protowire.AppendTag(b, fieldBSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(bsize))
	var scratch []byte
	for i := range rows {
		scratch = EncodeRow(scratch[:0], &rows[i])
		b = protowire.AppendTag(b, fieldRow, protowire.BytesType)
		b = protowire.AppendBytes(b, scratch)
	}
	return b
}

// DecodeBatch decodes a BATCH frame. Row bodies alias b.
func DecodeBatch(b []byte) (Batch, error) {
	var out Batch
	var t Type
	err := walk(b, func(num protowire.Number, typ protowire.Type, val uint64, raw []byte) error {
		switch num {
		case fieldType:
			t = Type(val)
		case fieldSync:
			out.Sync = val
		case fieldCount:
			out.Count = int(val)
		case fieldBSize:
			out.BSize = int(val)
		case fieldRow:
			r, err := DecodeRow(raw)
			if err != nil {
				return err
			}
			out.Rows = append(out.Rows, r)
		}
		return nil
	})
	if err != nil {
		return Batch{}, err
	}
	if t != TypeBatch {
		return Batch{}, fmt.Errorf("%w: want %s, got %s", ErrUnexpected, TypeBatch, t)
	}
	if out.Count != len(out.Rows) {
		return Batch{}, fmt.Errorf("%w: batch count %d, rows %d", ErrMalformed, out.Count, len(out.Rows))
	}
	return out, nil
}

// JoinRequest asks the primary for a full copy of its data.
type JoinRequest struct {
	Sync       uint64
	InstanceID id.ID
	Version    uint32
}

// JoinResponse opens the join stream with the assigned replica id and the
// vclock of the snapshot that follows.
type JoinResponse struct {
	Sync      uint64
	ReplicaID uint32
	VClock    vclock.VClock
}

// SubscribeRequest asks the primary to stream WAL rows after VClock.
type SubscribeRequest struct {
	Sync       uint64
	InstanceID id.ID
	VClock     vclock.VClock
	Version    uint32
	Filter     string
}

// SubscribeResponse carries the primary vclock at subscribe time.
type SubscribeResponse struct {
	Sync   uint64
	VClock vclock.VClock
}

func (r *JoinRequest) Encode(dst []byte) []byte {
	b := appendHeader(dst, TypeJoin, r.Sync)
	b = protowire.AppendTag(b, fieldInstance, protowire.BytesType)
	b = protowire.AppendBytes(b, r.InstanceID[:])
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(r.Version))
}

func (r *JoinResponse) Encode(dst []byte) []byte {
	b := appendHeader(dst, TypeJoinResponse, r.Sync)
	b = protowire.AppendTag(b, fieldReplicaID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.ReplicaID))
	return appendVClock(b, r.VClock)
}

func (r *SubscribeRequest) Encode(dst []byte) []byte {
	b := appendHeader(dst, TypeSubscribe, r.Sync)
	b = protowire.AppendTag(b, fieldInstance, protowire.BytesType)
	b = protowire.AppendBytes(b, r.InstanceID[:])
	b = appendVClock(b, r.VClock)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Version))
	if r.Filter != "" {
		b = protowire.AppendTag(b, fieldFilter, protowire.BytesType)
		b = protowire.AppendString(b, r.Filter)
	}
	return b
}

func (r *SubscribeResponse) Encode(dst []byte) []byte {
	b := appendHeader(dst, TypeSubscribeResponse, r.Sync)
	return appendVClock(b, r.VClock)
}

// DecodeJoinRequest decodes a JOIN frame.
func DecodeJoinRequest(b []byte) (JoinRequest, error) {
	var r JoinRequest
	var t Type
	err := walk(b, func(num protowire.Number, typ protowire.Type, val uint64, raw []byte) error {
		switch num {
		case fieldType:
			t = Type(val)
		case fieldSync:
			r.Sync = val
		case fieldInstance:
			v, err := id.FromBytes(raw)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			r.InstanceID = v
		case fieldVersion:
			r.Version = uint32(val)
		}
		return nil
	})
	if err != nil {
		return JoinRequest{}, err
	}
	if t != TypeJoin {
		return JoinRequest{}, fmt.Errorf("%w: want %s, got %s", ErrUnexpected, TypeJoin, t)
	}
	return r, nil
}

// DecodeJoinResponse decodes a JOIN_RESPONSE frame.
func DecodeJoinResponse(b []byte) (JoinResponse, error) {
	var r JoinResponse
	var t Type
	err := walk(b, func(num protowire.Number, typ protowire.Type, val uint64, raw []byte) error {
		switch num {
		case fieldType:
			t = Type(val)
		case fieldSync:
			r.Sync = val
		case fieldReplicaID:
			r.ReplicaID = uint32(val)
		case fieldVClock:
			return followComponent(&r.VClock, raw)
		}
		return nil
	})
	if err != nil {
		return JoinResponse{}, err
	}
	if t != TypeJoinResponse {
		return JoinResponse{}, fmt.Errorf("%w: want %s, got %s", ErrUnexpected, TypeJoinResponse, t)
	}
	return r, nil
}

// DecodeSubscribeRequest decodes a SUBSCRIBE frame.
func DecodeSubscribeRequest(b []byte) (SubscribeRequest, error) {
	var r SubscribeRequest
	var t Type
	err := walk(b, func(num protowire.Number, typ protowire.Type, val uint64, raw []byte) error {
		switch num {
		case fieldType:
			t = Type(val)
		case fieldSync:
			r.Sync = val
		case fieldInstance:
			v, err := id.FromBytes(raw)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			r.InstanceID = v
		case fieldVClock:
			return followComponent(&r.VClock, raw)
		case fieldVersion:
			r.Version = uint32(val)
		case fieldFilter:
			r.Filter = string(raw)
		}
		return nil
	})
	if err != nil {
		return SubscribeRequest{}, err
	}
	if t != TypeSubscribe {
		return SubscribeRequest{}, fmt.Errorf("%w: want %s, got %s", ErrUnexpected, TypeSubscribe, t)
	}
	return r, nil
}

// DecodeSubscribeResponse decodes a SUBSCRIBE_RESPONSE frame.
func DecodeSubscribeResponse(b []byte) (SubscribeResponse, error) {
	var r SubscribeResponse
	var t Type
	err := walk(b, func(num protowire.Number, typ protowire.Type, val uint64, raw []byte) error {
		switch num {
		case fieldType:
			t = Type(val)
		case fieldSync:
			r.Sync = val
		case fieldVClock:
			return followComponent(&r.VClock, raw)
		}
		return nil
	})
	if err != nil {
		return SubscribeResponse{}, err
	}
	if t != TypeSubscribeResponse {
		return SubscribeResponse{}, fmt.Errorf("%w: want %s, got %s", ErrUnexpected, TypeSubscribeResponse, t)
	}
	return r, nil
}
