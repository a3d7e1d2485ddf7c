package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/NotCoffee418/modbus_meter_logger/pkg/config"
	"github.com/goburrow/modbus"
	probing "github.com/prometheus-community/pro-bing"
)

// registerReader is the part of a modbus client the meter needs.
type registerReader interface {
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
}

// ModbusMeter reads float32 registers of an energy meter over Modbus RTU or TCP.
type ModbusMeter struct {
	mu      sync.Mutex
	client  registerReader
	closer  io.Closer
	catalog map[string]register
	keys    []string
	log     *slog.Logger

	// probe checks reachability after a failed read, nil for serial lines.
	probe     func() error
	unhealthy bool
}

func newModbusMeter(client registerReader, closer io.Closer, catalog map[string]register, log *slog.Logger) *ModbusMeter {
	return &ModbusMeter{
		client:  client,
		closer:  closer,
		catalog: catalog,
		keys:    catalogKeys(catalog),
		log:     log,
	}
}

func modbusOpener(catalog map[string]register) func(*config.DeviceConfig, *slog.Logger) (Meter, error) {
	return func(cfg *config.DeviceConfig, log *slog.Logger) (Meter, error) {
		if err := validateModbus(cfg.Modbus); err != nil {
			return nil, err
		}
		if cfg.Modbus.TCPAddress != "" {
			return openModbusTCP(cfg.Modbus, catalog, log)
		}
		return openModbusRTU(cfg.Modbus, catalog, log)
	}
}

func validateModbus(cfg config.ModbusConfig) error {
	var errs []error
	if cfg.TCPAddress == "" && cfg.SerialInterface == "" {
		errs = append(errs, errors.New("modbus.serial_if or modbus.tcp_address is required"))
	}
	switch strings.ToUpper(cfg.Parity) {
	case "N", "E", "O":
	default:
		errs = append(errs, fmt.Errorf("modbus.serial_if_par must be N, E or O, got %q", cfg.Parity))
	}
	if cfg.ByteSize < 5 || cfg.ByteSize > 8 {
		errs = append(errs, fmt.Errorf("modbus.serial_if_byte must be 5..8, got %d", cfg.ByteSize))
	}
	if cfg.StopBits != 1 && cfg.StopBits != 2 {
		errs = append(errs, fmt.Errorf("modbus.serial_if_stop must be 1 or 2, got %d", cfg.StopBits))
	}
	if cfg.SlaveAddr < 1 || cfg.SlaveAddr > 247 {
		errs = append(errs, fmt.Errorf("modbus.slave_addr must be 1..247, got %d", cfg.SlaveAddr))
	}
	if len(errs) > 0 {
		return fmt.Errorf("device: %w", errors.Join(errs...))
	}
	return nil
}

func openModbusRTU(cfg config.ModbusConfig, catalog map[string]register, log *slog.Logger) (*ModbusMeter, error) {
	handler := modbus.NewRTUClientHandler(cfg.SerialInterface)
	handler.BaudRate = cfg.Baudrate
	handler.DataBits = cfg.ByteSize
	handler.Parity = strings.ToUpper(cfg.Parity)
	handler.StopBits = cfg.StopBits
	handler.SlaveId = byte(cfg.SlaveAddr)
	handler.Timeout = cfg.Timeout()

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("device: open %s: %w", cfg.SerialInterface, err)
	}
	log.Info("connected to modbus rtu device", "port", cfg.SerialInterface, "slave", cfg.SlaveAddr)

	return newModbusMeter(modbus.NewClient(handler), handler, catalog, log), nil
}

func openModbusTCP(cfg config.ModbusConfig, catalog map[string]register, log *slog.Logger) (*ModbusMeter, error) {
	host, _, err := net.SplitHostPort(cfg.TCPAddress)
	if err != nil {
		return nil, fmt.Errorf("device: modbus.tcp_address: %w", err)
	}

	handler := modbus.NewTCPClientHandler(cfg.TCPAddress)
	handler.Timeout = cfg.Timeout()
	handler.SlaveId = byte(cfg.SlaveAddr)
	// goburrow reconnects lazily on the next request after an error.
	handler.IdleTimeout = time.Minute

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("device: connect %s: %w", cfg.TCPAddress, err)
	}
	log.Info("connected to modbus tcp device", "address", cfg.TCPAddress, "slave", cfg.SlaveAddr)

	m := newModbusMeter(modbus.NewClient(handler), handler, catalog, log)
	m.probe = func() error { return ping(host) }
	return m, nil
}

func (m *ModbusMeter) InputKeys() []string {
	return append([]string(nil), m.keys...)
}

// ReadInputValues reads the named registers one by one.
// Any transport error fails the whole read.
func (m *ModbusMeter) ReadInputValues(ctx context.Context, names []string) (map[string]*float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Fail fast instead of waiting for a timeout per register.
	if m.unhealthy && m.probe != nil {
		if err := m.probe(); err != nil {
			return nil, errors.Join(ErrUnreachable, err)
		}
	}

	out := make(map[string]*float64, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reg, ok := m.catalog[name]
		if !ok {
			out[name] = nil
			continue
		}

		raw, err := m.read(reg)
		if err != nil {
			m.unhealthy = true
			return nil, fmt.Errorf("device: read %s at 0x%04X: %w", name, reg.Address, err)
		}

		if v, ok := decodeFloat32(raw); ok {
			out[name] = &v
		} else {
			out[name] = nil
		}
	}

	m.unhealthy = false
	return out, nil
}

func (m *ModbusMeter) read(reg register) ([]byte, error) {
	if reg.Kind == holdingRegister {
		return m.client.ReadHoldingRegisters(reg.Address, 2)
	}
	return m.client.ReadInputRegisters(reg.Address, 2)
}

func (m *ModbusMeter) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

func ping(host string) error {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return err
	}

	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(false) // UDP-based, no root needed

	if err := pinger.Run(); err != nil {
		return err
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return fmt.Errorf("no ping response from %s", host)
	}
	return nil
}
