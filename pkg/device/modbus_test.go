package device

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/NotCoffee418/modbus_meter_logger/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	values map[uint16]float32
	failAt map[uint16]bool
	reads  []uint16
}

func (f *fakeClient) ReadInputRegisters(addr, qty uint16) ([]byte, error) {
	f.reads = append(f.reads, addr)
	if f.failAt[addr] {
		return nil, errors.New("modbus: exception '2' (illegal data address)")
	}
	out := make([]byte, 2*qty)
	binary.BigEndian.PutUint32(out, math.Float32bits(f.values[addr]))
	return out, nil
}

func (f *fakeClient) ReadHoldingRegisters(addr, qty uint16) ([]byte, error) {
	return nil, errors.New("not used")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestModbusMeter_ReadInputValues(t *testing.T) {
	client := &fakeClient{values: map[uint16]float32{
		0x0000: 231.5,
		0x0046: 49.98,
		0x0048: float32(math.NaN()),
	}}
	m := newModbusMeter(client, nil, sdm120Registers, discardLogger())

	values, err := m.ReadInputValues(context.Background(), []string{"voltage", "frequency", "energy_import", "unknown"})
	require.NoError(t, err)

	require.NotNil(t, values["voltage"])
	assert.InDelta(t, 231.5, *values["voltage"], 1e-4)
	require.NotNil(t, values["frequency"])
	assert.InDelta(t, 49.98, *values["frequency"], 1e-4)
	assert.Nil(t, values["energy_import"], "NaN is reported as no value")
	assert.Contains(t, values, "unknown")
	assert.Nil(t, values["unknown"])

	assert.Equal(t, []uint16{0x0000, 0x0046, 0x0048}, client.reads)
}

func TestModbusMeter_ReadFailureFailsWholeRead(t *testing.T) {
	client := &fakeClient{failAt: map[uint16]bool{0x0006: true}}
	m := newModbusMeter(client, nil, sdm120Registers, discardLogger())

	_, err := m.ReadInputValues(context.Background(), []string{"voltage", "current"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "current")
}

func TestModbusMeter_ProbeAfterFailure(t *testing.T) {
	client := &fakeClient{failAt: map[uint16]bool{0x0000: true}}
	m := newModbusMeter(client, nil, sdm120Registers, discardLogger())

	probes := 0
	probeErr := errors.New("no ping response")
	m.probe = func() error {
		probes++
		return probeErr
	}

	_, err := m.ReadInputValues(context.Background(), []string{"voltage"})
	require.Error(t, err)
	assert.Zero(t, probes, "healthy devices are not probed")

	_, err = m.ReadInputValues(context.Background(), []string{"voltage"})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, 1, probes)
	assert.Len(t, client.reads, 1, "no register read while unreachable")

	probeErr = nil
	delete(client.failAt, 0x0000)
	_, err = m.ReadInputValues(context.Background(), []string{"voltage"})
	require.NoError(t, err)

	_, err = m.ReadInputValues(context.Background(), []string{"voltage"})
	require.NoError(t, err)
	assert.Equal(t, 2, probes, "recovered devices are not probed")
}

func TestValidateModbus(t *testing.T) {
	valid := config.ModbusConfig{
		SerialInterface: "/dev/ttyUSB0",
		Baudrate:        9600,
		ByteSize:        8,
		Parity:          "e",
		StopBits:        1,
		SlaveAddr:       1,
	}
	require.NoError(t, validateModbus(valid))

	bad := valid
	bad.SerialInterface = ""
	bad.Parity = "X"
	bad.SlaveAddr = 300
	err := validateModbus(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serial_if")
	assert.Contains(t, err.Error(), "serial_if_par")
	assert.Contains(t, err.Error(), "slave_addr")
}

func TestDecodeFloat32(t *testing.T) {
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, math.Float32bits(-12.25))
	v, ok := decodeFloat32(raw)
	assert.True(t, ok)
	assert.Equal(t, -12.25, v)

	_, ok = decodeFloat32(raw[:2])
	assert.False(t, ok)

	binary.BigEndian.PutUint32(raw, math.Float32bits(float32(math.Inf(1))))
	_, ok = decodeFloat32(raw)
	assert.False(t, ok)
}
