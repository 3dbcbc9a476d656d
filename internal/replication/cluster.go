package replication

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/relayd/internal/storage/pebble"
	"github.com/rzbill/relayd/pkg/id"
	"github.com/rzbill/relayd/pkg/log"
	"github.com/rzbill/relayd/pkg/vclock"
)

var (
	// ErrClusterFull is returned when every replica id is taken.
	ErrClusterFull = errors.New("replication: no free replica id")
	// ErrUnknownReplica is returned when a replica subscribes without having
	// joined.
	ErrUnknownReplica = errors.New("replication: unknown replica")
)

var (
	keyInstanceUUID = []byte("cluster/uuid")
	keyInstanceID   = []byte("cluster/id")
	prefixMember    = []byte("cluster/r/")
)

// Member is a registered instance.
type Member struct {
	ID   uint32 `json:"id"`
	UUID id.ID  `json:"uuid"`
}

// Cluster persists this instance's identity and, on a primary, the replica
// ids assigned to every instance that joined. Id 0 is reserved for snapshot
// rows.
type Cluster struct {
	db     *pebblestore.DB
	logger log.Logger

	mu     sync.Mutex
	self   id.ID
	selfID uint32
	byUUID map[id.ID]uint32
}

// OpenCluster loads the cluster state, generating the instance UUID on
// first start.
func OpenCluster(db *pebblestore.DB, logger log.Logger) (*Cluster, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := &Cluster{db: db, logger: logger.WithComponent("cluster"), byUUID: make(map[id.ID]uint32)}

	raw, err := db.Get(keyInstanceUUID)
	switch {
	case errors.Is(err, pebblestore.ErrNotFound):
		c.self = id.New()
		if err := db.Set(keyInstanceUUID, c.self.Bytes()); err != nil {
			return nil, err
		}
		c.logger.Info("instance uuid generated", log.Str("uuid", c.self.String()))
	case err != nil:
		return nil, err
	default:
		if c.self, err = id.FromBytes(raw); err != nil {
			return nil, fmt.Errorf("replication: instance uuid: %w", err)
		}
	}
	if raw, err := db.Get(keyInstanceID); err == nil && len(raw) == 4 {
		c.selfID = binary.BigEndian.Uint32(raw)
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return nil, err
	}

	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefixMember, UpperBound: pebblestore.PrefixEnd(prefixMember)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		u, err := id.FromBytes(iter.Key()[len(prefixMember):])
		if err != nil || len(iter.Value()) != 4 {
			continue
		}
		c.byUUID[u] = binary.BigEndian.Uint32(iter.Value())
	}
	return c, iter.Error()
}

func keyMember(u id.ID) []byte {
	return append(append([]byte(nil), prefixMember...), u[:]...)
}

// Self returns this instance's UUID.
func (c *Cluster) Self() id.ID { return c.self }

// SelfID returns this instance's replica id, or 0 before it is assigned.
func (c *Cluster) SelfID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// SetSelfID persists the replica id of this instance and records it as a
// member.
func (c *Cluster) SetSelfID(ctx context.Context, replicaID uint32) error {
	if replicaID == 0 || replicaID >= vclock.MaxReplicas {
		return fmt.Errorf("replication: replica id %d out of range", replicaID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyInstanceID, binary.BigEndian.AppendUint32(nil, replicaID), nil); err != nil {
		return err
	}
	if err := b.Set(keyMember(c.self), binary.BigEndian.AppendUint32(nil, replicaID), nil); err != nil {
		return err
	}
	if err := c.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	c.selfID = replicaID
	c.byUUID[c.self] = replicaID
	return nil
}

// Register returns the replica id of u, assigning the lowest free one if u
// is new.
func (c *Cluster) Register(ctx context.Context, u id.ID) (uint32, error) {
	if u.IsZero() {
		return 0, fmt.Errorf("replication: nil instance uuid")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rid, ok := c.byUUID[u]; ok {
		return rid, nil
	}
	used := make(map[uint32]bool, len(c.byUUID))
	for _, rid := range c.byUUID {
		used[rid] = true
	}
	var rid uint32
	for cand := uint32(1); cand < vclock.MaxReplicas; cand++ {
		if !used[cand] {
			rid = cand
			break
		}
	}
	if rid == 0 {
		return 0, ErrClusterFull
	}
	if err := c.db.Set(keyMember(u), binary.BigEndian.AppendUint32(nil, rid)); err != nil {
		return 0, err
	}
	c.byUUID[u] = rid
	c.logger.Info("replica registered", log.Str("uuid", u.String()), log.Uint32("replica_id", rid))
	return rid, nil
}

// Lookup returns the replica id of u.
func (c *Cluster) Lookup(u id.ID) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rid, ok := c.byUUID[u]
	return rid, ok
}

// Members returns every registered instance ordered by id.
func (c *Cluster) Members() []Member {
	c.mu.Lock()
	out := make([]Member, 0, len(c.byUUID))
	for u, rid := range c.byUUID {
		out = append(out, Member{ID: rid, UUID: u})
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
