// Package gc keeps WAL segments alive for the consumers that still need
// them. Every replica owns a named pin holding the signature (vclock sum) of
// the rows it has durably received; segments wholly below the smallest pin
// are deleted. Pins are persisted and survive restarts and disconnects.
package gc
