// Package id provides 128-bit instance identifiers.
//
// # Format
//
// The ID is 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes entropy].
// The time prefix keeps IDs roughly sortable by creation; the random tail
// makes IDs generated on different hosts distinct.
//
// Every server instance owns one ID for its lifetime. Replicas present it in
// JOIN and SUBSCRIBE requests and the primary maps it to a numeric replica id.
//
// Usage
//
//	g := id.NewGenerator()
//	instance := g.Next()
//	s := instance.String()    // 32-char hex
//	back, _ := id.Parse(s)
package id
