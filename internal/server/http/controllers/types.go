package controllers

// Common request/response types for HTTP controllers

// DefaultSpace is used when a request names no space.
const DefaultSpace uint32 = 512

// putReq represents a request to store a value.
type putReq struct {
	Space uint32 `json:"space"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// writeResp reports the LSN assigned to a local write.
type writeResp struct {
	LSN    int64  `json:"lsn"`
	VClock string `json:"vclock"`
}

// instanceResp describes the local instance.
type instanceResp struct {
	UUID     string `json:"uuid"`
	ID       uint32 `json:"id"`
	Role     string `json:"role"`
	VClock   string `json:"vclock"`
	Segments int    `json:"wal_segments"`
}

// segmentJSON is one retained WAL segment.
type segmentJSON struct {
	First     uint64 `json:"first_seq"`
	Start     string `json:"start_vclock"`
	Signature int64  `json:"signature"`
}

// rowJSON is one WAL row.
type rowJSON struct {
	Type      string `json:"type"`
	ReplicaID uint32 `json:"replica_id"`
	LSN       int64  `json:"lsn"`
	Space     uint32 `json:"space"`
	Key       string `json:"key"`
	Value     string `json:"value,omitempty"`
}

// entryJSON is one WAL transaction.
type entryJSON struct {
	Seq         uint64    `json:"seq"`
	TimestampMs int64     `json:"ts_ms"`
	Rows        []rowJSON `json:"rows"`
}

// pinJSON is one GC pin.
type pinJSON struct {
	Name      string `json:"name"`
	Signature int64  `json:"signature"`
}
