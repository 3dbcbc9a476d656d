// Package relay implements the per-replica worker that streams the WAL to
// one replica.
//
// A Relay runs in one of three modes. InitialJoin sends a snapshot row by
// row. FinalJoin replays the WAL between two vclocks. Subscribe tails the
// WAL indefinitely, batching each transaction into one frame, while a
// second goroutine reads the replica's vclock acks. Rows that originated
// on the replica itself are never sent back to it.
//
// A subscribed relay talks to the coordinator only through a Pipe: status
// updates are single-flight and GC advances are fire-and-forget. The first
// failure of either goroutine ends the relay and is returned to the caller.
package relay
