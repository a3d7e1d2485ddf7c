package types

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// TimestampKey is reserved in a sample's flattened form for the read instant.
const TimestampKey = "ts"

// Sample is one reading across all due registers at one instant.
// A nil value means the device had no value for that register.
type Sample struct {
	Timestamp time.Time
	Values    map[string]*float64
}

// NewSample keeps exactly the requested registers, missing ones become nil.
func NewSample(ts time.Time, registers []string, values map[string]*float64) Sample {
	s := Sample{
		Timestamp: ts,
		Values:    make(map[string]*float64, len(registers)),
	}
	for _, name := range registers {
		s.Values[name] = values[name]
	}
	return s
}

// Registers returns the register names of the sample in sorted order.
func (s Sample) Registers() []string {
	return slices.Sorted(maps.Keys(s.Values))
}

// Flatten returns the sample as a single map with the timestamp under TimestampKey.
func (s Sample) Flatten() map[string]any {
	out := make(map[string]any, len(s.Values)+1)
	for name, v := range s.Values {
		if v == nil {
			out[name] = nil
			continue
		}
		out[name] = *v
	}
	out[TimestampKey] = s.Timestamp.UTC().Format(time.RFC3339)
	return out
}

func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Flatten())
}

// Float returns a pointer to v, handy for building values maps.
func Float(v float64) *float64 {
	return &v
}
