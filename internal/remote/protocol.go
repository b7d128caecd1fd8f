// Package remote serves logs over websocket and reads them back on the
// client side through a per-bucket cache.
package remote

// Request ops.
const (
	OpGetBucket = "get_bucket"
	OpFindStart = "find_start"
)

// Message types.
const (
	TypeWelcome   = "welcome"
	TypeBucket    = "bucket"
	TypeFindStart = "find_start"
	TypeFeed      = "feed"
	TypeError     = "error"
)

// Request is sent by clients.
type Request struct {
	ID          uint64  `json:"id"`
	Op          string  `json:"op"`
	Instrument  string  `json:"instrument"`
	BucketIndex int64   `json:"bucket_index,omitempty"`
	Timestamp   float64 `json:"timestamp,omitempty"`
}

// InstrumentInfo is announced per instrument in the welcome message.
type InstrumentInfo struct {
	EntryCount int64 `json:"entry_count"`
}

// Message is sent by the server. Payload holds encoded entries and is
// base64 on the wire.
type Message struct {
	ID              uint64                    `json:"id,omitempty"`
	Type            string                    `json:"type"`
	Instrument      string                    `json:"instrument,omitempty"`
	BucketIndex     int64                     `json:"bucket_index,omitempty"`
	FirstEntryIndex int64                     `json:"first_entry_index,omitempty"`
	Payload         []byte                    `json:"payload,omitempty"`
	BucketSize      int64                     `json:"bucket_size,omitempty"`
	Instruments     map[string]InstrumentInfo `json:"instruments,omitempty"`
	Error           string                    `json:"error,omitempty"`
}
