// Package replication is the primary side of replication: it assigns
// replica ids, accepts join and subscribe requests, runs one relay per
// replica, and owns the coordinator that collects replica progress and
// advances GC pins.
package replication
