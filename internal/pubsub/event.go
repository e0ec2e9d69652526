// Package pubsub fans out bus count changes. A Redis broker carries them
// across processes; an in-process broker with the same behaviour takes over
// whenever Redis is unreachable.
package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ChannelPrefix prefixes every per-bus channel name.
const ChannelPrefix = "bus_count:"

// ChannelName returns the channel count changes for busID are published on.
func ChannelName(busID string) string { return ChannelPrefix + busID }

// CountEvent is the message published on every count change. Seq numbers
// the changes of one bus in the order they were persisted; subscribers use
// it to drop changes a snapshot already covers and never forward it.
type CountEvent struct {
	BusID string `json:"id_bus"`
	Count int    `json:"count"`
	Seq   uint64 `json:"seq,omitempty"`
}

// Encode returns the JSON wire form.
func (e CountEvent) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}

var errMalformed = errors.New("malformed count event")

// DecodeCountEvent parses a published message. Both fields must be present
// and the count must not be negative.
func DecodeCountEvent(b []byte) (CountEvent, error) {
	var raw struct {
		BusID *string `json:"id_bus"`
		Count *int    `json:"count"`
		Seq   uint64  `json:"seq"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return CountEvent{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if raw.BusID == nil || raw.Count == nil || *raw.Count < 0 {
		return CountEvent{}, fmt.Errorf("%w: %s", errMalformed, b)
	}
	return CountEvent{BusID: *raw.BusID, Count: *raw.Count, Seq: raw.Seq}, nil
}
