// Package pebblestore wraps the single Pebble database of a relayd
// instance. The WAL, GC pins, cluster registry and engine data all live in
// it under disjoint key prefixes, so one batch can commit a transaction's
// rows together with the data they change.
//
// The fsync mode decides when a committed batch is durable: always syncs
// every commit, interval lets Pebble group commits within FsyncInterval,
// never leaves syncing to the OS. ParseFsyncMode maps the config strings.
//
//	mode, _ := pebblestore.ParseFsyncMode(cfg.Storage.Fsync)
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: config.StoreDir(cfg.DataDir),
//	    Fsync:   mode,
//	    Metrics: metrics.StorageHook{},
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	w, _ := wal.Open(db, wal.Options{})
//	reg, _ := gc.Open(db, w, logger)
//
// Snapshots (NewSnapshot) back the initial join stream.
package pebblestore
