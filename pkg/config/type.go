package config

import "time"

// AppConfig is the process wide configuration in meter_logger.toml.
type AppConfig struct {
	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`
	// Empty disables the live API.
	ListenAddress   string `toml:"listen_address"`
	DeviceConfigDir string `toml:"device_config_dir"`
	ErrorLogFile    string `toml:"error_log_file"`
}

// DeviceConfig is the configuration of one metering device, one file per device.
type DeviceConfig struct {
	Device      DeviceSection     `toml:"device"`
	Modbus      ModbusConfig      `toml:"modbus"`
	P1          P1Config          `toml:"p1"`
	Measurement MeasurementConfig `toml:"measurement"`
	Db          DbConfig          `toml:"db"`

	// Register name -> number of normal ticks between two reads.
	// `false` disables a register. Generated on first start when missing.
	CycleIntervals map[string]any `toml:"cycle_intervals"`

	// Path the config was loaded from.
	path string
}

type DeviceSection struct {
	Name  string `toml:"name"`
	Model string `toml:"model"`
}

type ModbusConfig struct {
	SerialInterface string `toml:"serial_if"`
	Baudrate        int    `toml:"serial_if_baud"`
	ByteSize        int    `toml:"serial_if_byte"`
	Parity          string `toml:"serial_if_par"`
	StopBits        int    `toml:"serial_if_stop"`
	SlaveAddr       int    `toml:"slave_addr"`
	TimeoutMs       int    `toml:"timeout_ms"`
	// Modbus TCP is used instead of RTU when set, e.g. "192.168.1.20:502".
	TCPAddress string `toml:"tcp_address"`
}

func (m ModbusConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

type P1Config struct {
	SerialDevice string `toml:"serial_device"`
	Baudrate     uint   `toml:"baudrate"`
}

// MeasurementConfig holds the cadences in seconds.
type MeasurementConfig struct {
	PollInterval       int `toml:"poll_interval"`
	SendInterval       int `toml:"send_interval"`
	BurstPollInterval  int `toml:"burst_poll_interval"`
	BurstSendInterval  int `toml:"burst_send_interval"`
	BurstDuration      int `toml:"burst_duration"`
	BaseTick           int `toml:"base_tick"`
	MaxIterations      int `toml:"max_iterations"`
	MaxBufferedSamples int `toml:"max_buffered_samples"`
}

type DbAdapter string

const (
	AdapterSQLite    DbAdapter = "sqlite"
	AdapterPostgres  DbAdapter = "postgres"
	AdapterPostgrest DbAdapter = "postgrest"
)

type DbConfig struct {
	Adapter   DbAdapter       `toml:"adapter"`
	SQLite    SQLiteConfig    `toml:"sqlite"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Postgrest PostgrestConfig `toml:"postgrest"`
}

type SQLiteConfig struct {
	// Defaults to the data dir.
	Path string `toml:"path"`
}

type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

type PostgrestConfig struct {
	URL       string `toml:"url"`
	User      string `toml:"user"`
	Token     string `toml:"token"`
	Table     string `toml:"table"`
	TimeoutMs int    `toml:"timeout_ms"`
}

func (p PostgrestConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (m MeasurementConfig) Poll() time.Duration      { return seconds(m.PollInterval) }
func (m MeasurementConfig) Send() time.Duration      { return seconds(m.SendInterval) }
func (m MeasurementConfig) BurstPoll() time.Duration { return seconds(m.BurstPollInterval) }
func (m MeasurementConfig) BurstSend() time.Duration { return seconds(m.BurstSendInterval) }
func (m MeasurementConfig) Burst() time.Duration     { return seconds(m.BurstDuration) }
func (m MeasurementConfig) Tick() time.Duration      { return seconds(m.BaseTick) }
