// Package metrics declares the Prometheus collectors exported on /metrics
// and adapters feeding storage and WAL observations into them.
package metrics
