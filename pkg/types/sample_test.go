package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSampleKeepsOnlyRequestedRegisters(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewSample(ts, []string{"voltage_l1", "frequency"}, map[string]*float64{
		"voltage_l1": Float(230.1),
		"current_l1": Float(4.2),
	})

	assert.Equal(t, []string{"frequency", "voltage_l1"}, s.Registers())
	assert.Nil(t, s.Values["frequency"])
	require.NotNil(t, s.Values["voltage_l1"])
	assert.InDelta(t, 230.1, *s.Values["voltage_l1"], 1e-9)
}

func TestSampleJSONUsesTimestampKey(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewSample(ts, []string{"a", "b"}, map[string]*float64{"a": Float(1.5)})

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ts":"2024-05-01T12:00:00Z","a":1.5,"b":null}`, string(raw))
}
