// Package config provides loading and environment overlay for relayd
// configuration. It exposes a Default() baseline, JSON and YAML loading,
// and a RELAYD_* environment overlay.
//
// Example:
//
//	cfg, err := config.Load("/etc/relayd.yaml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
package config
