package id

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ID is a 128-bit instance identifier encoded as 16 bytes big-endian:
// [8 bytes ms_timestamp][8 bytes entropy]. It names a server instance in a
// replica set independently of the numeric replica id assigned on join.
type ID [16]byte

// Nil is the zero ID.
var Nil ID

var ErrMalformed = errors.New("id: malformed instance id")

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// String returns the 32-char hex form.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// IsZero reports whether i is Nil.
func (i ID) IsZero() bool { return i == Nil }

// Compare returns -1, 0, 1 based on lexical comparison.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler so IDs render as hex in JSON.
func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Parse reads the hex form produced by String.
func Parse(s string) (ID, error) {
	var out ID
	if len(s) != 32 {
		return out, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return out, nil
}

// FromBytes copies a 16-byte slice into an ID.
func FromBytes(b []byte) (ID, error) {
	var out ID
	if len(b) != 16 {
		return out, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Generator produces IDs whose time prefix never goes backwards within the
// process.
type Generator struct {
	mu     sync.Mutex
	lastMs int64
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator { return &Generator{} }

// NowMs returns current time in milliseconds since Unix epoch.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// entropy fills the low half of an ID.
var entropy = func(b []byte) { _, _ = rand.Read(b) }

// Next returns a new ID. If the clock goes backwards the last seen
// millisecond is reused; the random tail keeps IDs distinct.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	g.lastMs = ms

	var out ID
	binary.BigEndian.PutUint64(out[0:8], uint64(ms))
	entropy(out[8:16])
	return out
}

// New returns an ID from a process-wide generator.
func New() ID { return defaultGenerator.Next() }

var defaultGenerator = NewGenerator()
