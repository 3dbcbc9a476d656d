// Package client provides the admin commands of the `relayd` binary.
//
// The commands talk to the HTTP admin API of a running instance. The base
// URL is supplied by the embedding application through a BaseURLFunc; the
// standalone binary reads RELAYD_API and defaults to
// http://127.0.0.1:8080.
//
// Usage
//
//	relayd put user:1 alice
//	relayd get user:1
//	relayd delete user:1 --space 513
//
//	relayd instance            # id, role, vclock
//	relayd replicas            # on a primary
//	relayd applier             # on a replica
//	relayd gc                  # WAL pins held by replicas
//
//	relayd wal segments
//	relayd wal dump --from 10 --limit 5
//
// A replica refuses writes until it has joined and received its id.
package client
