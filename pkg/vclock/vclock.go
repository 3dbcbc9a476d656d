package vclock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxReplicas bounds the number of components a VClock can carry.
const MaxReplicas = 32

// VClock is a vector of per-replica LSN counters. It is a value type:
// assignment copies it, so a VClock can be handed across goroutines without
// sharing memory.
type VClock struct {
	lsn [MaxReplicas]int64
}

// Order is the result of a component-wise comparison.
type Order int

const (
	Equal Order = iota
	Less
	Greater
	Incomparable
)

func (o Order) String() string {
	switch o {
	case Equal:
		return "equal"
	case Less:
		return "less"
	case Greater:
		return "greater"
	default:
		return "incomparable"
	}
}

var (
	ErrReplicaID = errors.New("vclock: replica id out of range")
	ErrBackwards = errors.New("vclock: lsn goes backwards")
)

// New returns a VClock built from id/lsn pairs, e.g. New(1, 5, 2, 3).
func New(pairs ...int64) VClock {
	var v VClock
	for i := 0; i+1 < len(pairs); i += 2 {
		id := pairs[i]
		if id >= 0 && id < MaxReplicas {
			v.lsn[id] = pairs[i+1]
		}
	}
	return v
}

// Get returns the LSN for replica id (0 for ids out of range).
func (v VClock) Get(id uint32) int64 {
	if id >= MaxReplicas {
		return 0
	}
	return v.lsn[id]
}

// Follow moves component id to lsn. It refuses to move backwards.
func (v *VClock) Follow(id uint32, lsn int64) error {
	if id >= MaxReplicas {
		return ErrReplicaID
	}
	if lsn < v.lsn[id] {
		return fmt.Errorf("%w: replica %d at %d, got %d", ErrBackwards, id, v.lsn[id], lsn)
	}
	v.lsn[id] = lsn
	return nil
}

// Reset clears component id.
func (v *VClock) Reset(id uint32) {
	if id < MaxReplicas {
		v.lsn[id] = 0
	}
}

// Sum returns the signature: the sum of all components.
func (v VClock) Sum() int64 {
	var s int64
	for _, l := range v.lsn {
		s += l
	}
	return s
}

// IsZero reports whether all components are zero.
func (v VClock) IsZero() bool { return v == VClock{} }

// Equal reports component-wise equality.
func (v VClock) Equal(o VClock) bool { return v == o }

// Merge raises every component of v to at least the one in o.
func (v *VClock) Merge(o VClock) {
	for i := range v.lsn {
		if o.lsn[i] > v.lsn[i] {
			v.lsn[i] = o.lsn[i]
		}
	}
}

// Compare orders a relative to b component-wise.
func Compare(a, b VClock) Order {
	le, ge := true, true
	for i := range a.lsn {
		if a.lsn[i] < b.lsn[i] {
			ge = false
		}
		if a.lsn[i] > b.lsn[i] {
			le = false
		}
		if !le && !ge {
			return Incomparable
		}
	}
	switch {
	case le && ge:
		return Equal
	case le:
		return Less
	default:
		return Greater
	}
}

// Range calls fn for every non-zero component in id order.
func (v VClock) Range(fn func(id uint32, lsn int64)) {
	for i, l := range v.lsn {
		if l != 0 {
			fn(uint32(i), l)
		}
	}
}

// String renders the clock as {1: 5, 2: 3}.
func (v VClock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	v.Range(func(id uint32, lsn int64) {
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(strconv.FormatUint(uint64(id), 10))
		b.WriteString(": ")
		b.WriteString(strconv.FormatInt(lsn, 10))
	})
	b.WriteByte('}')
	return b.String()
}

// Parse reads the String form back. Whitespace is ignored.
func Parse(s string) (VClock, error) {
	var v VClock
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return v, fmt.Errorf("vclock: malformed %q", s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return v, nil
	}
	for _, part := range strings.Split(body, ",") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			return VClock{}, fmt.Errorf("vclock: malformed component %q", part)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(kv[0]), 10, 32)
		if err != nil {
			return VClock{}, fmt.Errorf("vclock: bad id %q: %w", kv[0], err)
		}
		lsn, err := strconv.ParseInt(strings.TrimSpace(kv[1]), 10, 64)
		if err != nil {
			return VClock{}, fmt.Errorf("vclock: bad lsn %q: %w", kv[1], err)
		}
		if err := v.Follow(uint32(id), lsn); err != nil {
			return VClock{}, err
		}
	}
	return v, nil
}
