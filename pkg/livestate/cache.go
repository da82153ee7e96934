// Package livestate holds the last known state per entity as a flat
// field map with a TTL. It is written only by the event processor and
// read by low-latency consumers; expiry is silent, so readers must treat
// absence as "unknown", not "empty".
package livestate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTTL bounds staleness: entries not refreshed within
// 24 hours disappear.
const DefaultTTL = 24 * time.Hour

// Reserved field names stamped by the processor on every merge.
const (
	FieldLastUpdated   = "lastUpdated"
	FieldSourceEventID = "sourceEventId"
)

// Cache is a keyed, TTL-bound, last-write-wins projection.
type Cache interface {
	// Merge overlays fields onto the entry for key (incoming fields win)
	// and re-applies the TTL. The write must be atomic per key.
	Merge(ctx context.Context, key string, fields map[string]string) error

	// Get returns the current entry, or nil when the key is unknown or
	// has expired.
	Get(ctx context.Context, key string) (map[string]string, error)
}

// Flatten converts an envelope payload into cache fields. Nested maps
// are stored as compact JSON so the hash stays flat; scalar values keep
// their natural string form.
func Flatten(payload map[string]any) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(t)
			if err != nil {
				out[k] = fmt.Sprintf("%v", t)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
