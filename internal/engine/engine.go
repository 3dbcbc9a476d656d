package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/relayd/internal/space"
	pebblestore "github.com/rzbill/relayd/internal/storage/pebble"
	"github.com/rzbill/relayd/internal/wal"
	"github.com/rzbill/relayd/pkg/log"
	"github.com/rzbill/relayd/pkg/vclock"
	"github.com/rzbill/relayd/pkg/xrow"
)

var (
	ErrNotFound   = errors.New("engine: key not found")
	ErrNoInstance = errors.New("engine: instance id not assigned")
)

// Options configures an Engine.
type Options struct {
	// InstanceID tags local writes. Zero means not yet assigned (a replica
	// before join); local writes are refused until SetInstanceID.
	InstanceID uint32
	Logger     log.Logger
}

// Engine is a key/value store whose every change goes through the WAL in
// the same Pebble batch as the data.
type Engine struct {
	db     *pebblestore.DB
	wal    *wal.WAL
	logger log.Logger

	mu         sync.Mutex
	instanceID uint32
}

// Open builds an engine over db and w.
func Open(db *pebblestore.DB, w *wal.WAL, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	return &Engine{db: db, wal: w, logger: opts.Logger.WithComponent("engine"), instanceID: opts.InstanceID}
}

// WAL returns the underlying log.
func (e *Engine) WAL() *wal.WAL { return e.wal }

// VClock returns the vclock of the last committed change.
func (e *Engine) VClock() vclock.VClock { return e.wal.VClock() }

func (e *Engine) InstanceID() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instanceID
}

// SetInstanceID assigns the id used for local writes.
func (e *Engine) SetInstanceID(id uint32) {
	e.mu.Lock()
	e.instanceID = id
	e.mu.Unlock()
}

// Put stores value under key in space and returns the LSN of the change.
func (e *Engine) Put(ctx context.Context, spaceID uint32, key, value []byte) (int64, error) {
	return e.local(ctx, xrow.TypeReplace, xrow.Request{Space: spaceID, Key: key, Value: value})
}

// Delete removes key from space and returns the LSN of the change.
func (e *Engine) Delete(ctx context.Context, spaceID uint32, key []byte) (int64, error) {
	return e.local(ctx, xrow.TypeDelete, xrow.Request{Space: spaceID, Key: key})
}

// Get returns a copy of the value for key in space.
func (e *Engine) Get(spaceID uint32, key []byte) ([]byte, error) {
	v, err := e.db.Get(space.DataKey(spaceID, key))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (e *Engine) local(ctx context.Context, t xrow.Type, req xrow.Request) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.instanceID == 0 {
		return 0, ErrNoInstance
	}
	meta, err := space.Ensure(e.db, nil, req.Space)
	if err != nil {
		return 0, err
	}
	if err := meta.Validate(req.Key, req.Value); err != nil {
		return 0, err
	}
	lsn := e.wal.VClock().Get(e.instanceID) + 1
	row := xrow.Row{
		Type:      t,
		ReplicaID: e.instanceID,
		LSN:       lsn,
		Timestamp: time.Now().UnixMilli(),
		Body:      xrow.EncodeRequest(nil, req),
	}
	if _, err := e.wal.Write(ctx, []xrow.Row{row}, func(b *pebble.Batch) error {
		return applyRequest(b, t, req)
	}); err != nil {
		return 0, err
	}
	return lsn, nil
}

// Apply commits replicated rows as one transaction. Rows already covered by
// the local vclock are skipped; it returns the number of rows applied.
func (e *Engine) Apply(ctx context.Context, rows []xrow.Row) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.wal.VClock()
	fresh := make([]xrow.Row, 0, len(rows))
	reqs := make([]xrow.Request, 0, len(rows))
	for _, r := range rows {
		if r.LSN <= cur.Get(r.ReplicaID) {
			continue
		}
		req, err := xrow.DecodeRequest(r.Body)
		if err != nil {
			return 0, fmt.Errorf("engine: row %d/%d: %w", r.ReplicaID, r.LSN, err)
		}
		if err := cur.Follow(r.ReplicaID, r.LSN); err != nil {
			return 0, err
		}
		fresh = append(fresh, r)
		reqs = append(reqs, req)
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	_, err := e.wal.Write(ctx, fresh, func(b *pebble.Batch) error {
		for i := range fresh {
			if _, err := space.Ensure(e.db, b, reqs[i].Space); err != nil {
				return err
			}
			if err := applyRequest(b, fresh[i].Type, reqs[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(fresh), nil
}

// LoadSnapshotRow stores a row received during initial join. Snapshot rows
// bypass the WAL; the joined vclock is adopted with FinishSnapshot.
func (e *Engine) LoadSnapshotRow(ctx context.Context, r *xrow.Row) error {
	req, err := xrow.DecodeRequest(r.Body)
	if err != nil {
		return err
	}
	b := e.db.NewBatch()
	defer b.Close()
	if _, err := space.Ensure(e.db, b, req.Space); err != nil {
		return err
	}
	if err := applyRequest(b, r.Type, req); err != nil {
		return err
	}
	return e.db.CommitBatch(ctx, b)
}

// FinishSnapshot moves the local WAL to the vclock of the loaded snapshot.
func (e *Engine) FinishSnapshot(ctx context.Context, v vclock.VClock) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wal.Checkpoint(ctx, v)
}

func applyRequest(b *pebble.Batch, t xrow.Type, req xrow.Request) error {
	key := space.DataKey(req.Space, req.Key)
	switch t {
	case xrow.TypeInsert, xrow.TypeReplace, xrow.TypeUpdate:
		return b.Set(key, req.Value, nil)
	case xrow.TypeDelete:
		return b.Delete(key, nil)
	default:
		return fmt.Errorf("engine: unsupported row type %s", t)
	}
}
