package relay

import (
	"context"
	"fmt"

	"github.com/rzbill/relayd/pkg/log"
	"github.com/rzbill/relayd/pkg/vclock"
	"github.com/rzbill/relayd/pkg/xrow"
)

// InitialJoin streams every row of snap to the replica, one frame per row,
// in the caller's goroutine. No acks are read.
func (r *Relay) InitialJoin(ctx context.Context, snap Snapshot) (err error) {
	r.enter(StateInitialJoin, modeInitialJoin)
	defer func() { r.close(modeInitialJoin, err) }()

	return snap.Rows(ctx, func(row *xrow.Row) error {
		return r.sendRow(ctx, row, modeInitialJoin)
	})
}

// FinalJoin replays the WAL from start up to stop in a dedicated goroutine
// and waits for it. Rows originating from the replica itself are not sent.
// The replay must end exactly at stop.
func (r *Relay) FinalJoin(ctx context.Context, src Source, start, stop vclock.VClock) error {
	r.enter(StateFinalJoin, modeFinalJoin)
	done := make(chan error, 1)
	go func() { done <- r.finalJoin(ctx, src, start, stop) }()
	err := <-done
	r.close(modeFinalJoin, err)
	return err
}

func (r *Relay) finalJoin(ctx context.Context, src Source, start, stop vclock.VClock) error {
	cur, err := src.NewCursor(start, r.opts.ForceRecovery)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWALReplay, err)
	}
	r.logger.Debug("final join replay",
		log.Str("start", start.String()), log.Str("stop", stop.String()))
	stream := &rowStream{ctx: ctx, r: r}
	if err := cur.Replay(ctx, &stop, stream); err != nil {
		if stream.sendErr != nil {
			return stream.sendErr
		}
		return fmt.Errorf("%w: %w", ErrWALReplay, err)
	}
	if got := cur.VClock(); !got.Equal(stop) {
		return fmt.Errorf("%w: %w: at %s, want %s", ErrWALReplay, ErrStopNotReached, got, stop)
	}
	return nil
}
