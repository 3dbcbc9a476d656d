// Package replica is the replica side of replication. An Applier joins a
// primary once, loading its snapshot and the WAL rows written during the
// join, then subscribes and applies every transaction batch while sending
// its vclock back as acknowledgement.
package replica
