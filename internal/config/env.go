package config

import (
	"os"
	"strconv"
)

// FromEnv overlays RELAYD_* environment variables onto cfg. Malformed
// values are ignored.
func FromEnv(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("RELAYD_DATA_DIR", &cfg.DataDir)
	str("RELAYD_ROLE", &cfg.Role)
	str("RELAYD_UPSTREAM", &cfg.Upstream)
	str("RELAYD_GRPC", &cfg.GRPCAddr)
	str("RELAYD_HTTP", &cfg.HTTPAddr)
	str("RELAYD_FSYNC", &cfg.Storage.Fsync)
	num("RELAYD_FSYNC_INTERVAL_MS", &cfg.Storage.FsyncIntervalMs)
	if v := os.Getenv("RELAYD_WAL_SEGMENT_SIZE"); v != "" {
		var b ByteSize
		if b.set(v) == nil {
			cfg.WAL.SegmentSize = b
		}
	}
	num("RELAYD_REPLICATION_TIMEOUT_MS", &cfg.Replication.TimeoutMs)
	flag("RELAYD_FORCE_RECOVERY", &cfg.Replication.ForceRecovery)
	num("RELAYD_GC_BACKLOG", &cfg.Replication.GCBacklog)
	str("RELAYD_FILTER", &cfg.Replication.Filter)
	flag("RELAYD_LEGACY_ACK", &cfg.Replication.LegacyAck)
	num("RELAYD_FAULT_SEND_DELAY_MS", &cfg.Replication.Fault.SendDelayMs)
	num("RELAYD_FAULT_EXIT_DELAY_MS", &cfg.Replication.Fault.ExitDelayMs)
	num("RELAYD_FAULT_REPORT_INTERVAL_MS", &cfg.Replication.Fault.ReportIntervalMs)
	str("RELAYD_LOG_LEVEL", &cfg.Log.Level)
	str("RELAYD_LOG_FORMAT", &cfg.Log.Format)
}
