// Package runtime wires storage, the WAL, the engine, GC pins and the
// cluster identity into a single relayd instance. It exposes Open/Close,
// a basic health check, and accessors used by the servers.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	lsn, _ := rt.Engine().Put(context.Background(), 512, []byte("k"), []byte("v"))
package runtime
