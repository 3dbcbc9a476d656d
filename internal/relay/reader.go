package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/rzbill/relayd/pkg/log"
	"github.com/rzbill/relayd/pkg/vclock"
	"github.com/rzbill/relayd/pkg/xrow"
)

// readAcks decodes vclock acks from the replica and publishes the latest one
// on acks. It runs until ctx is cancelled or a read fails. A failure is
// recorded only if no other failure was recorded first, and then cancels
// the main loop through cancel.
func (r *Relay) readAcks(ctx context.Context, cancel context.CancelFunc, acks chan vclock.VClock) {
	timeout := 4 * r.opts.Timeout
	for {
		frame, err := r.conn.Recv(ctx, timeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				err = fmt.Errorf("%w: no ack for %s", ErrHeartbeatTimeout, timeout)
			}
			r.fail(err, cancel)
			return
		}
		v, err := xrow.DecodeVClock(frame)
		if err != nil {
			r.fail(fmt.Errorf("%w: %v", ErrConnectionProtocol, err), cancel)
			return
		}
		r.logger.Debug("ack received", log.Str("vclock", v.String()))
		publishAck(acks, v)
	}
}

// publishAck replaces any unconsumed ack with v.
func publishAck(acks chan vclock.VClock, v vclock.VClock) {
	for {
		select {
		case acks <- v:
			return
		default:
		}
		// The channel is full; drop the stale value and retry.
		select {
		case <-acks:
		default:
		}
	}
}
