package main

import (
	"os"
	"path/filepath"
	"testing"

	cfgpkg "github.com/rzbill/relayd/internal/config"
)

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	yml := "grpcAddr: \":4000\"\nhttpAddr: \":4001\"\nreplication:\n  timeoutMs: 300\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RELAYD_HTTP", ":5001")

	cmd := newStartCommand("start", "", cfgpkg.RoleReplica)
	if err := cmd.Flags().Parse([]string{"--config", path, "--replication-timeout-ms", "700"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.GRPCAddr != ":4000" {
		t.Errorf("grpc from file: got %q", cfg.GRPCAddr)
	}
	if cfg.HTTPAddr != ":5001" {
		t.Errorf("http from env: got %q", cfg.HTTPAddr)
	}
	if cfg.Replication.TimeoutMs != 700 {
		t.Errorf("timeout from flag: got %d", cfg.Replication.TimeoutMs)
	}
	if cfg.Storage.Fsync != "always" {
		t.Errorf("unset flag must not override defaults: fsync %q", cfg.Storage.Fsync)
	}
}
