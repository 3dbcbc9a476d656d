package space

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/relayd/internal/storage/pebble"
)

// Meta holds space metadata and limits.
type Meta struct {
	ID            uint32 `json:"id"`
	Name          string `json:"name"`
	CreatedAtMs   int64  `json:"createdAtMs"`
	KeyMaxBytes   int    `json:"keyMaxBytes"`
	ValueMaxBytes int    `json:"valueMaxBytes"`
}

var (
	ErrKeyTooLarge   = errors.New("space: key too large")
	ErrValueTooLarge = errors.New("space: value too large")
	ErrEmptyKey      = errors.New("space: empty key")
)

// Defaults returns the limits applied to new spaces.
func Defaults() Meta {
	return Meta{
		KeyMaxBytes:   4 << 10, // 4 KiB
		ValueMaxBytes: 1 << 20, // 1 MiB
	}
}

var (
	metaPrefix = []byte("space/m/")
	dataPrefix = []byte("space/d/")
)

func metaKey(id uint32) []byte {
	k := make([]byte, 0, len(metaPrefix)+4)
	k = append(k, metaPrefix...)
	return binary.BigEndian.AppendUint32(k, id)
}

// DataKey builds the key holding a tuple of space id.
// Layout: space/d/{id_be4}/{key}
func DataKey(id uint32, key []byte) []byte {
	k := make([]byte, 0, len(dataPrefix)+5+len(key))
	k = append(k, dataPrefix...)
	k = binary.BigEndian.AppendUint32(k, id)
	k = append(k, '/')
	return append(k, key...)
}

// DataPrefix returns the prefix covering every tuple of every space.
func DataPrefix() []byte { return append([]byte(nil), dataPrefix...) }

// ParseDataKey splits a data key into space id and user key.
func ParseDataKey(k []byte) (uint32, []byte, bool) {
	if len(k) < len(dataPrefix)+5 || string(k[:len(dataPrefix)]) != string(dataPrefix) {
		return 0, nil, false
	}
	rest := k[len(dataPrefix):]
	if rest[4] != '/' {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(rest[:4]), rest[5:], true
}

// Ensure creates a space meta record if absent, returning the effective
// meta. The record is written into b when given so it commits with the
// caller's transaction; otherwise it is written directly.
func Ensure(db *pebblestore.DB, b *pebble.Batch, id uint32) (Meta, error) {
	key := metaKey(id)
	if raw, err := db.Get(key); err == nil && len(raw) > 0 {
		var m Meta
		if err := json.Unmarshal(raw, &m); err == nil {
			return m, nil
		}
	}
	m := Defaults()
	m.ID = id
	m.Name = fmt.Sprintf("space%d", id)
	m.CreatedAtMs = time.Now().UnixMilli()
	raw, err := json.Marshal(m)
	if err != nil {
		return Meta{}, err
	}
	if b != nil {
		return m, b.Set(key, raw, nil)
	}
	return m, db.Set(key, raw)
}

// List returns all known spaces ordered by id.
func List(db *pebblestore.DB) ([]Meta, error) {
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: metaPrefix, UpperBound: pebblestore.PrefixEnd(metaPrefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []Meta
	for ok := iter.First(); ok; ok = iter.Next() {
		var m Meta
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// Validate checks a key/value pair against the space limits.
func (m Meta) Validate(key, value []byte) error {
	switch {
	case len(key) == 0:
		return ErrEmptyKey
	case m.KeyMaxBytes > 0 && len(key) > m.KeyMaxBytes:
		return fmt.Errorf("%w: %d > %d", ErrKeyTooLarge, len(key), m.KeyMaxBytes)
	case m.ValueMaxBytes > 0 && len(value) > m.ValueMaxBytes:
		return fmt.Errorf("%w: %d > %d", ErrValueTooLarge, len(value), m.ValueMaxBytes)
	}
	return nil
}
