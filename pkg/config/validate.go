package config

import (
	"errors"
	"fmt"

	"github.com/NotCoffee418/modbus_meter_logger/pkg/pathing"
)

// ApplyDefaults fills zero values. It must run before Validate.
func ApplyDefaults(cfg *DeviceConfig) {
	m := &cfg.Measurement
	if m.PollInterval == 0 {
		m.PollInterval = 10
	}
	if m.SendInterval == 0 {
		m.SendInterval = 60
	}
	if m.BurstPollInterval == 0 {
		m.BurstPollInterval = 1
	}
	if m.BurstSendInterval == 0 {
		m.BurstSendInterval = m.BurstPollInterval
	}
	if m.BurstDuration == 0 {
		m.BurstDuration = 300
	}
	if m.BaseTick == 0 {
		m.BaseTick = 1
	}

	mb := &cfg.Modbus
	if mb.Baudrate == 0 {
		mb.Baudrate = 9600
	}
	if mb.ByteSize == 0 {
		mb.ByteSize = 8
	}
	if mb.Parity == "" {
		mb.Parity = "N"
	}
	if mb.StopBits == 0 {
		mb.StopBits = 1
	}
	if mb.SlaveAddr == 0 {
		mb.SlaveAddr = 1
	}
	if mb.TimeoutMs == 0 {
		mb.TimeoutMs = 1000
	}

	if cfg.P1.Baudrate == 0 {
		cfg.P1.Baudrate = 115200
	}

	db := &cfg.Db
	if db.Adapter == "" {
		db.Adapter = AdapterSQLite
	}
	if db.SQLite.Path == "" {
		db.SQLite.Path = pathing.GetMeterDbPath()
	}
	if db.Postgrest.TimeoutMs == 0 {
		db.Postgrest.TimeoutMs = 10_000
	}
}

// Validate checks a device configuration. It does not mutate it.
func Validate(cfg *DeviceConfig) error {
	var errs []error

	if cfg.Device.Model == "" {
		errs = append(errs, errors.New("device.model is required"))
	}

	m := cfg.Measurement
	for name, v := range map[string]int{
		"measurement.poll_interval":        m.PollInterval,
		"measurement.send_interval":        m.SendInterval,
		"measurement.burst_poll_interval":  m.BurstPollInterval,
		"measurement.burst_send_interval":  m.BurstSendInterval,
		"measurement.max_iterations":       m.MaxIterations,
		"measurement.max_buffered_samples": m.MaxBufferedSamples,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if m.BurstDuration < 1 {
		errs = append(errs, errors.New("measurement.burst_duration must be >= 1"))
	}
	if m.BaseTick < 1 {
		errs = append(errs, errors.New("measurement.base_tick must be >= 1"))
	}

	switch cfg.Db.Adapter {
	case AdapterSQLite:
		if cfg.Db.SQLite.Path == "" {
			errs = append(errs, errors.New("db.sqlite.path is required"))
		}
	case AdapterPostgres:
		if cfg.Db.Postgres.DSN == "" {
			errs = append(errs, errors.New("db.postgres.dsn is required"))
		}
	case AdapterPostgrest:
		if cfg.Db.Postgrest.URL == "" {
			errs = append(errs, errors.New("db.postgrest.url is required"))
		}
		if cfg.Db.Postgrest.Table == "" {
			errs = append(errs, errors.New("db.postgrest.table is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("db.adapter %q is not supported", cfg.Db.Adapter))
	}

	return errors.Join(errs...)
}
