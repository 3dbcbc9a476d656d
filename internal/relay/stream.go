package relay

import (
	"context"

	"github.com/rzbill/relayd/internal/metrics"
	"github.com/rzbill/relayd/pkg/xrow"
)

const (
	modeInitialJoin = "initial_join"
	modeFinalJoin   = "final_join"
	modeSubscribe   = "subscribe"
)

// keep applies self-origin suppression and the row filter.
func (r *Relay) keep(row *xrow.Row) bool {
	if row.ReplicaID != 0 && row.ReplicaID == r.peer.ID {
		metrics.RelayRowsFiltered.WithLabelValues("self").Inc()
		return false
	}
	if !r.filter.match(row) {
		metrics.RelayRowsFiltered.WithLabelValues("filter").Inc()
		return false
	}
	return true
}

func (r *Relay) sendRow(ctx context.Context, row *xrow.Row, mode string) error {
	frame := *row
	frame.Sync = r.peer.Sync
	return r.send(ctx, xrow.EncodeRow(nil, &frame), 1, mode)
}

// rowStream sends every replayed row as its own frame. Final join uses it.
type rowStream struct {
	ctx     context.Context
	r       *Relay
	sendErr error
}

func (s *rowStream) BeginTx() {}

func (s *rowStream) Row(row *xrow.Row) error {
	if !s.r.keep(row) {
		return nil
	}
	if err := s.r.sendRow(s.ctx, row, modeFinalJoin); err != nil {
		s.sendErr = err
		return err
	}
	return nil
}

func (s *rowStream) CommitTx() error { return nil }

// rowBatch holds the kept rows of one transaction. Rows are deep copies.
type rowBatch struct {
	rows  []xrow.Row
	bsize int
}

func (b *rowBatch) reset() {
	for i := range b.rows {
		b.rows[i] = xrow.Row{}
	}
	b.rows = b.rows[:0]
	b.bsize = 0
}

func (b *rowBatch) add(row *xrow.Row) {
	c := row.Copy()
	b.rows = append(b.rows, c)
	b.bsize += c.Size()
}

// batchStream accumulates each transaction and sends it as one BATCH frame
// on commit. Subscribe uses it.
type batchStream struct {
	ctx     context.Context
	r       *Relay
	batch   rowBatch
	sendErr error
}

func (s *batchStream) BeginTx() { s.batch.reset() }

func (s *batchStream) Row(row *xrow.Row) error {
	if s.r.keep(row) {
		s.batch.add(row)
	}
	return nil
}

func (s *batchStream) CommitTx() error {
	if len(s.batch.rows) == 0 {
		return nil
	}
	frame := xrow.EncodeBatch(nil, s.r.peer.Sync, s.batch.rows, s.batch.bsize)
	n := len(s.batch.rows)
	s.batch.reset()
	if err := s.r.send(s.ctx, frame, n, modeSubscribe); err != nil {
		s.sendErr = err
		return err
	}
	metrics.RelayBatchesSent.Inc()
	metrics.RelayBatchBytes.Observe(float64(len(frame)))
	return nil
}
