// Package wal implements the write-ahead log that replication tails.
//
// Each committed transaction is stored as one Pebble entry keyed by a
// monotonically increasing sequence. Entries are grouped into segments; a
// segment records the vclock at which it starts so readers can locate the
// segment holding the first row they still need, and garbage collection
// can delete whole segments once every consumer has moved past them.
//
// Writers call Write with the transaction rows and an optional mutation of
// the same Pebble batch, which makes data and log updates atomic. Readers
// are created with NewReader at a vclock and pull rows with Replay;
// Watch delivers coalesced write/rotate notifications so a reader knows when
// to replay again.
package wal
