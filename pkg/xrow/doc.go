// Package xrow encodes the frames exchanged between a primary and its
// replicas.
//
// Every frame is a flat protobuf-wire message whose first fields are the
// frame type and the request sync id. Rows carry a DML change tagged with
// the originating replica id and its LSN; a BATCH frame carries all rows of
// one transaction. VCLOCK frames serve as replica acknowledgments and as
// join stage markers.
package xrow
