package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sdmConfig = `
[device]
name = "hall-1"
model = "sdm630"

[modbus]
serial_if = "/dev/ttyUSB1"
serial_if_baud = 19200
slave_addr = 7

[measurement]
poll_interval = 15
send_interval = 120
burst_poll_interval = 2
burst_duration = 90
max_iterations = 10

[db]
adapter = "postgrest"

[db.postgrest]
url = "http://db.local:3000"
user = "Bearer"
token = "secret"
table = "smartmeter"

[cycle_intervals]
voltage_l1 = 1
energy_import = 6
frequency = false
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDeviceConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "hall.toml", sdmConfig)

	cfg, err := LoadDeviceConfig(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path())
	assert.Equal(t, "hall-1", cfg.Device.Name)
	assert.Equal(t, "sdm630", cfg.Device.Model)
	assert.Equal(t, 19200, cfg.Modbus.Baudrate)
	assert.Equal(t, 8, cfg.Modbus.ByteSize)
	assert.Equal(t, "N", cfg.Modbus.Parity)
	assert.Equal(t, 7, cfg.Modbus.SlaveAddr)
	assert.Equal(t, time.Second, cfg.Modbus.Timeout())

	m := cfg.Measurement
	assert.Equal(t, 15*time.Second, m.Poll())
	assert.Equal(t, 2*time.Minute, m.Send())
	assert.Equal(t, 2*time.Second, m.BurstPoll())
	assert.Equal(t, 2*time.Second, m.BurstSend(), "burst send defaults to burst poll")
	assert.Equal(t, 90*time.Second, m.Burst())
	assert.Equal(t, time.Second, m.Tick())
	assert.Equal(t, 10, m.MaxIterations)

	assert.Equal(t, AdapterPostgrest, cfg.Db.Adapter)
	assert.Equal(t, "smartmeter", cfg.Db.Postgrest.Table)

	cycles, err := cfg.RegisterCycles()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"voltage_l1": 1, "energy_import": 6}, cycles)
}

func TestLoadDeviceConfig_NameFromFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "garage.toml", "[device]\nmodel = \"sdm120\"\n")

	cfg, err := LoadDeviceConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "garage", cfg.Device.Name)
	assert.Equal(t, AdapterSQLite, cfg.Db.Adapter)
	assert.False(t, cfg.HasCycleIntervals())

	_, err = cfg.RegisterCycles()
	assert.ErrorIs(t, err, ErrNoCycleIntervals)
}

func TestLoadDeviceConfig_Invalid(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"no model":        "[device]\nname = \"x\"\n",
		"unknown adapter": "[device]\nmodel = \"sdm120\"\n[db]\nadapter = \"mongo\"\n",
		"postgres no dsn": "[device]\nmodel = \"sdm120\"\n[db]\nadapter = \"postgres\"\n",
		"negative poll":   "[device]\nmodel = \"sdm120\"\n[measurement]\npoll_interval = -1\n",
		"broken toml":     "[device\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, dir, name+".toml", content)
			_, err := LoadDeviceConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestRegisterCycles_RejectsBadValues(t *testing.T) {
	cfg := &DeviceConfig{CycleIntervals: map[string]any{"a": int64(-2)}}
	_, err := cfg.RegisterCycles()
	assert.Error(t, err)

	cfg = &DeviceConfig{CycleIntervals: map[string]any{"a": "often"}}
	_, err = cfg.RegisterCycles()
	assert.Error(t, err)

	cfg = &DeviceConfig{CycleIntervals: map[string]any{"a": false, "b": int64(0)}}
	_, err = cfg.RegisterCycles()
	assert.ErrorIs(t, err, ErrNoCycleIntervals)

	cfg = &DeviceConfig{CycleIntervals: map[string]any{"a": true}}
	cycles, err := cfg.RegisterCycles()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, cycles)
}

func TestWriteCycleIntervals(t *testing.T) {
	path := writeFile(t, t.TempDir(), "new.toml", "[device]\nmodel = \"sdm120\"\n")

	err := WriteCycleIntervals(path, []string{"voltage", "current"})
	require.ErrorIs(t, err, ErrCycleIntervalsGenerated)

	cfg, err := LoadDeviceConfig(path)
	require.NoError(t, err)
	cycles, err := cfg.RegisterCycles()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"voltage": 1, "current": 1}, cycles)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "# Disable a register with false.")
}

func TestDiscoverDeviceConfigs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.toml", "")
	writeFile(t, dir, "a.toml", "")
	writeFile(t, dir, "notes.txt", "")
	writeFile(t, dir, filepath.Join("basement", "c.toml"), "")

	paths, err := DiscoverDeviceConfigs(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.toml"),
		filepath.Join(dir, "b.toml"),
		filepath.Join(dir, "basement", "c.toml"),
	}, paths)
}

func TestLoadAppConfig_CreatesDefault(t *testing.T) {
	t.Setenv("METER_LOGGER_DATA_DIR", "/tmp/meter-data")
	path := filepath.Join(t.TempDir(), "meter_logger.toml")

	cfg, err := LoadAppConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "/tmp/meter-data/error.log", cfg.ErrorLogFile)
	assert.FileExists(t, path)

	writeFile(t, filepath.Dir(path), "meter_logger.toml", "log_level = \"debug\"\nlisten_address = \"\"\n")
	cfg, err = LoadAppConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Empty(t, cfg.ListenAddress)
	assert.Equal(t, "/tmp/meter-data/error.log", cfg.ErrorLogFile)
}
