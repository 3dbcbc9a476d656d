package gc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/relayd/internal/storage/pebble"
	"github.com/rzbill/relayd/pkg/log"
	"github.com/rzbill/relayd/pkg/vclock"
)

var prefixConsumer = []byte("gc/c/")

// ErrUnknownConsumer is returned by Unregister for a name with no pin.
var ErrUnknownConsumer = errors.New("gc: unknown consumer")

// Log is the part of the WAL the registry drives.
type Log interface {
	Collect(ctx context.Context, signature int64) (int, error)
	VClock() vclock.VClock
}

// Registry tracks named GC pins. Each pin holds back WAL collection at its
// signature; the log is collected up to the smallest pin.
type Registry struct {
	db     *pebblestore.DB
	log    Log
	logger log.Logger

	mu        sync.Mutex
	consumers map[string]*Consumer
}

// Consumer is a single pin. Its signature only moves forward.
type Consumer struct {
	r         *Registry
	name      string
	signature int64
}

// Pin is a read-only view of a consumer.
type Pin struct {
	Name      string `json:"name"`
	Signature int64  `json:"signature"`
}

func keyConsumer(name string) []byte {
	k := make([]byte, 0, len(prefixConsumer)+len(name))
	k = append(k, prefixConsumer...)
	return append(k, name...)
}

// Open loads persisted pins.
func Open(db *pebblestore.DB, l Log, logger log.Logger) (*Registry, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Registry{db: db, log: l, logger: logger.WithComponent("gc"), consumers: make(map[string]*Consumer)}
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefixConsumer, UpperBound: pebblestore.PrefixEnd(prefixConsumer)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		if len(iter.Value()) < 8 {
			continue
		}
		name := string(iter.Key()[len(prefixConsumer):])
		sig := int64(binary.BigEndian.Uint64(iter.Value()))
		r.consumers[name] = &Consumer{r: r, name: name, signature: sig}
	}
	return r, iter.Error()
}

// Register returns the pin for name, creating it at signature if absent.
// An existing pin is reused and raised to signature if that is larger; it
// is never lowered.
func (r *Registry) Register(ctx context.Context, name string, signature int64) (*Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.consumers[name]; ok {
		if signature > c.signature {
			if err := r.persist(ctx, name, signature); err != nil {
				return nil, err
			}
			c.signature = signature
		}
		return c, nil
	}
	if err := r.persist(ctx, name, signature); err != nil {
		return nil, err
	}
	c := &Consumer{r: r, name: name, signature: signature}
	r.consumers[name] = c
	r.logger.Info("gc consumer registered", log.Str("name", name), log.Int64("signature", signature))
	return c, nil
}

// Lookup returns the pin for name.
func (r *Registry) Lookup(name string) (*Consumer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consumers[name]
	return c, ok
}

// Unregister drops the pin for name and collects anything it was holding.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	if _, ok := r.consumers[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConsumer, name)
	}
	b := r.db.NewBatch()
	defer b.Close()
	if err := b.Delete(keyConsumer(name), nil); err != nil {
		r.mu.Unlock()
		return err
	}
	if err := r.db.CommitBatch(ctx, b); err != nil {
		r.mu.Unlock()
		return err
	}
	delete(r.consumers, name)
	r.mu.Unlock()
	r.logger.Info("gc consumer unregistered", log.Str("name", name))
	_, err := r.Collect(ctx)
	return err
}

// Pins lists all consumers sorted by name.
func (r *Registry) Pins() []Pin {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Pin, 0, len(r.consumers))
	for _, c := range r.consumers {
		out = append(out, Pin{Name: c.name, Signature: c.signature})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Collect deletes WAL segments no pin needs. With no pins the log is
// collected up to its current signature.
func (r *Registry) Collect(ctx context.Context) (int, error) {
	r.mu.Lock()
	sig, ok := r.minLocked()
	r.mu.Unlock()
	if !ok {
		sig = r.log.VClock().Sum()
	}
	return r.log.Collect(ctx, sig)
}

func (r *Registry) minLocked() (int64, bool) {
	first := true
	var min int64
	for _, c := range r.consumers {
		if first || c.signature < min {
			min = c.signature
			first = false
		}
	}
	return min, !first
}

func (r *Registry) persist(ctx context.Context, name string, signature int64) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(signature))
	b := r.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyConsumer(name), v[:], nil); err != nil {
		return err
	}
	return r.db.CommitBatch(ctx, b)
}

func (c *Consumer) Name() string { return c.name }

// Signature returns the pin's current signature.
func (c *Consumer) Signature() int64 {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	return c.signature
}

// Advance moves the pin forward to signature and collects the WAL. Calls
// with a signature at or below the current one are ignored.
func (c *Consumer) Advance(ctx context.Context, signature int64) error {
	c.r.mu.Lock()
	if signature <= c.signature {
		c.r.mu.Unlock()
		return nil
	}
	if err := c.r.persist(ctx, c.name, signature); err != nil {
		c.r.mu.Unlock()
		return err
	}
	c.signature = signature
	c.r.mu.Unlock()
	_, err := c.r.Collect(ctx)
	return err
}
