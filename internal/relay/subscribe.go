package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/relayd/internal/metrics"
	"github.com/rzbill/relayd/pkg/log"
	"github.com/rzbill/relayd/pkg/vclock"
	"github.com/rzbill/relayd/pkg/xrow"
)

// Subscribe streams the WAL from the replica's vclock until ctx is
// cancelled or the relay fails. It runs the main loop in a dedicated
// goroutine, with a second goroutine reading acks, and waits for both.
//
// Status updates and GC advances go to the coordinator through pipe. The
// returned error is the first failure recorded; cancellation alone is not
// a failure.
func (r *Relay) Subscribe(ctx context.Context, src Source, pipe *Pipe) error {
	r.enter(StateSubscribe, modeSubscribe)
	done := make(chan error, 1)
	go func() { done <- r.subscribe(ctx, src, pipe) }()
	err := <-done
	r.close(modeSubscribe, err)
	return err
}

func (r *Relay) subscribe(ctx context.Context, src Source, pipe *Pipe) error {
	cur, err := src.NewCursor(r.peer.VClock, r.opts.ForceRecovery)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWALReplay, err)
	}
	cur.OnClose(func(signature int64) {
		if r.exiting.Load() {
			return
		}
		pipe.pushGC(GCMsg{Signature: signature})
	})
	watch := src.Watch()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	readerCtx, cancelReader := context.WithCancel(loopCtx)
	acks := make(chan vclock.VClock, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.readAcks(readerCtx, cancel, acks)
	}()

	r.recvVClock = r.peer.VClock
	r.lastSend = time.Now()
	stream := &batchStream{ctx: loopCtx, r: r}
	interval := r.opts.heartbeat()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for loopCtx.Err() == nil {
		select {
		case v := <-acks:
			r.recvVClock = v
		case <-pipe.acks():
			r.statusInFlight = false
		case <-watch.C():
		case <-timer.C:
		case <-loopCtx.Done():
		}
		if loopCtx.Err() != nil {
			break
		}

		select {
		case v := <-acks:
			r.recvVClock = v
		default:
		}
		select {
		case <-pipe.acks():
			r.statusInFlight = false
		default:
		}
		if ev := watch.Events(); ev != 0 && !r.exiting.Load() {
			if err := cur.Replay(loopCtx, nil, stream); err != nil {
				if loopCtx.Err() == nil {
					if stream.sendErr == nil {
						err = fmt.Errorf("%w: %w", ErrWALReplay, err)
					}
					r.fail(err, cancel)
				}
				break
			}
		}
		r.reportStatus(pipe, cur.VClock())
		if err := r.heartbeat(loopCtx, cur.VClock()); err != nil {
			if loopCtx.Err() == nil {
				r.fail(err, cancel)
			}
			break
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}

	r.exiting.Store(true)
	r.state.Store(int32(StateExiting))
	cancelReader()
	wg.Wait()
	watch.Close()
	if r.opts.ExitDelay > 0 {
		time.Sleep(r.opts.ExitDelay)
	}
	return r.errs.get()
}

// reportStatus pushes the vclock chosen by the report policy unless a
// status is in flight, the value is unchanged, or it would regress.
func (r *Relay) reportStatus(pipe *Pipe, replayed vclock.VClock) {
	if r.statusInFlight {
		return
	}
	v := r.policy.Report(r.recvVClock, replayed)
	if v.Equal(r.lastStatus) || v.Sum() < r.lastStatus.Sum() {
		return
	}
	if !pipe.pushStatus(StatusMsg{VClock: v}) {
		return
	}
	r.statusInFlight = true
	r.lastStatus = v
	metrics.RelayStatusSent.Inc()
	r.logger.Debug("status sent", log.Str("vclock", v.String()))
}

// heartbeat sends the replay position as a VCLOCK frame when nothing has
// been sent for a heartbeat interval.
func (r *Relay) heartbeat(ctx context.Context, replayed vclock.VClock) error {
	if time.Since(r.lastSend) < r.opts.Timeout {
		return nil
	}
	return r.send(ctx, xrow.EncodeVClock(nil, r.peer.Sync, replayed), 0, modeSubscribe)
}
