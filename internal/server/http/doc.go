// Package httpserver provides the admin HTTP API: health, instance and
// replication status, key/value reads and writes, a WAL browser, and
// Prometheus metrics at /metrics.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()})
//	svc := replication.NewService(rt.Engine(), rt.GC(), rt.Cluster(), rt.ReplicationOptions())
//	s := httpserver.New(rt, svc, nil, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
