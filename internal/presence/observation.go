package presence

import (
	"errors"
	"math"
	"strings"
	"time"
)

// ErrNoIdentifier is returned by Normalize for observations without an
// identifier.
var ErrNoIdentifier = errors.New("presence: observation has no identifier")

// RawObservation is the loosely typed record produced by a radio bridge.
// Every field except Identifier may be missing. Numbers arrive as JSON
// numbers of either kind.
type RawObservation struct {
	Identifier string   `json:"identifier"`
	Name       *string  `json:"name,omitempty"`
	RSSI       *float64 `json:"rssi,omitempty"`
	TxPower    *float64 `json:"tx_power,omitempty"`
	Timestamp  *float64 `json:"ts,omitempty"` // unix seconds
}

// Observation is one validated proximity reading.
type Observation struct {
	Identifier     string
	Name           string
	RSSI           *int // dBm
	ReferencePower *int // advertised 1 m power, dBm
	// Timestamp is when the bridge says it heard the advertisement. The
	// tracker ages entities by its own clock instead.
	Timestamp time.Time
}

// Normalize validates raw once at the ingestion boundary. Missing or
// non-finite numeric fields become nil and a missing timestamp becomes now.
func Normalize(raw RawObservation, now time.Time) (Observation, error) {
	id := strings.TrimSpace(raw.Identifier)
	if id == "" {
		return Observation{}, ErrNoIdentifier
	}
	obs := Observation{
		Identifier:     id,
		RSSI:           toInt(raw.RSSI),
		ReferencePower: toInt(raw.TxPower),
		Timestamp:      now,
	}
	if raw.Name != nil {
		obs.Name = strings.TrimSpace(*raw.Name)
	}
	if raw.Timestamp != nil && *raw.Timestamp > 0 && !math.IsInf(*raw.Timestamp, 0) {
		sec, frac := math.Modf(*raw.Timestamp)
		obs.Timestamp = time.Unix(int64(sec), int64(frac*1e9))
	}
	return obs, nil
}

func toInt(f *float64) *int {
	if f == nil || math.IsNaN(*f) || math.IsInf(*f, 0) {
		return nil
	}
	v := int(*f)
	return &v
}
