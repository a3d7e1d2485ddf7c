package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NotCoffee418/modbus_meter_logger/pkg/config"
	"github.com/jacobsa/go-serial/serial"
	"github.com/sigurn/crc16"
)

// OBIS values of a DSMR P1 telegram, all numeric.
var p1Patterns = map[string]*regexp.Regexp{
	"current_consumption":     regexp.MustCompile(`1-0:1\.7\.0\((\d+\.\d+)\*kW\)`),
	"current_production":      regexp.MustCompile(`1-0:2\.7\.0\((\d+\.\d+)\*kW\)`),
	"l1_consumption":          regexp.MustCompile(`1-0:21\.7\.0\((\d+\.\d+)\*kW\)`),
	"l2_consumption":          regexp.MustCompile(`1-0:41\.7\.0\((\d+\.\d+)\*kW\)`),
	"l3_consumption":          regexp.MustCompile(`1-0:61\.7\.0\((\d+\.\d+)\*kW\)`),
	"l1_production":           regexp.MustCompile(`1-0:22\.7\.0\((\d+\.\d+)\*kW\)`),
	"l2_production":           regexp.MustCompile(`1-0:42\.7\.0\((\d+\.\d+)\*kW\)`),
	"l3_production":           regexp.MustCompile(`1-0:62\.7\.0\((\d+\.\d+)\*kW\)`),
	"total_consumption_day":   regexp.MustCompile(`1-0:1\.8\.1\((\d+\.\d+)\*kWh\)`),
	"total_consumption_night": regexp.MustCompile(`1-0:1\.8\.2\((\d+\.\d+)\*kWh\)`),
	"total_production_day":    regexp.MustCompile(`1-0:2\.8\.1\((\d+\.\d+)\*kWh\)`),
	"total_production_night":  regexp.MustCompile(`1-0:2\.8\.2\((\d+\.\d+)\*kWh\)`),
	"l1_voltage":              regexp.MustCompile(`1-0:32\.7\.0\((\d+\.\d+)\*V\)`),
	"l2_voltage":              regexp.MustCompile(`1-0:52\.7\.0\((\d+\.\d+)\*V\)`),
	"l3_voltage":              regexp.MustCompile(`1-0:72\.7\.0\((\d+\.\d+)\*V\)`),
	"l1_current":              regexp.MustCompile(`1-0:31\.7\.0\((\d+\.\d+)\*A\)`),
	"l2_current":              regexp.MustCompile(`1-0:51\.7\.0\((\d+\.\d+)\*A\)`),
	"l3_current":              regexp.MustCompile(`1-0:71\.7\.0\((\d+\.\d+)\*A\)`),
	"switch_electricity":      regexp.MustCompile(`0-0:96\.3\.10\((\d+)\)`),
	"switch_gas":              regexp.MustCompile(`0-1:24\.4\.0\((\d+)\)`),
	"gas_consumption":         regexp.MustCompile(`0-1:24\.2\.3\(\d{12}[WS]\)\((\d+\.\d+)\*m3\)`),
	"current_tariff":          regexp.MustCompile(`0-0:96\.14\.0\((\d{4})\)`),
}

var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

const (
	// DSMR 5 meters send a telegram every second, DSMR 4 every ten seconds.
	defaultTelegramMaxAge = 12 * time.Second
	defaultReadWait       = 12 * time.Second
	defaultReconnectDelay = 5 * time.Second

	// Serial reads return empty after this many milliseconds without data.
	interCharacterTimeoutMs = 2000
	// Empty reads in a row before the port is reopened.
	defaultQuietReads = 6
)

func p1Keys() []string {
	return slices.Sorted(maps.Keys(p1Patterns))
}

// P1Meter reads DSMR telegrams from the P1 port of a smart meter.
// A background reader consumes every telegram the meter pushes and keeps the
// newest valid one, reads are answered from it.
type P1Meter struct {
	port     string
	baudrate uint
	log      *slog.Logger
	open     func() (io.ReadWriteCloser, error)
	now      func() time.Time

	telegramMaxAge time.Duration
	readWait       time.Duration
	reconnectDelay time.Duration
	quietReads     int

	// readingMutex guards the latest telegram and the last reader error.
	readingMutex sync.Mutex
	latest       string
	receivedAt   time.Time
	lastErr      error
	updated      chan struct{}

	portMu     sync.Mutex
	serialPort io.ReadWriteCloser
	reader     *bufio.Reader

	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

func openP1(cfg *config.DeviceConfig, log *slog.Logger) (Meter, error) {
	if cfg.P1.SerialDevice == "" {
		return nil, errors.New("device: p1.serial_device is required")
	}
	m := newP1Meter(cfg.P1.SerialDevice, cfg.P1.Baudrate, log)
	if _, err := m.ensureConnected(); err != nil {
		return nil, err
	}
	m.start()
	return m, nil
}

func newP1Meter(port string, baudrate uint, log *slog.Logger) *P1Meter {
	m := &P1Meter{
		port:           port,
		baudrate:       baudrate,
		log:            log,
		now:            time.Now,
		telegramMaxAge: defaultTelegramMaxAge,
		readWait:       defaultReadWait,
		reconnectDelay: defaultReconnectDelay,
		quietReads:     defaultQuietReads,
		updated:        make(chan struct{}),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
	m.open = func() (io.ReadWriteCloser, error) {
		return serial.Open(serial.OpenOptions{
			PortName:              m.port,
			BaudRate:              m.baudrate,
			DataBits:              8,
			StopBits:              1,
			MinimumReadSize:       0,
			InterCharacterTimeout: interCharacterTimeoutMs,
		})
	}
	return m
}

func (m *P1Meter) InputKeys() []string {
	return p1Keys()
}

// start runs the background reader until Close.
func (m *P1Meter) start() {
	m.started.Store(true)
	go m.readLoop()
}

// ReadInputValues returns the requested values of the newest telegram.
// Without a telegram younger than the max age it waits for the next one, at
// most readWait, so a silent meter yields an error instead of blocking.
func (m *P1Meter) ReadInputValues(ctx context.Context, names []string) (map[string]*float64, error) {
	timer := time.NewTimer(m.readWait)
	defer timer.Stop()

	for {
		m.readingMutex.Lock()
		telegram, receivedAt, lastErr, updated := m.latest, m.receivedAt, m.lastErr, m.updated
		m.readingMutex.Unlock()

		if telegram != "" && m.now().Sub(receivedAt) <= m.telegramMaxAge {
			return parseTelegram(telegram, names), nil
		}

		select {
		case <-updated:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.done:
			return nil, ErrNotConnected
		case <-timer.C:
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrNoTelegram, lastErr)
			}
			return nil, ErrNoTelegram
		}
	}
}

// Close stops the background reader and closes the port.
func (m *P1Meter) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.disconnect()
	})
	if !m.started.Load() {
		return nil
	}
	select {
	case <-m.stopped:
	case <-time.After(2 * interCharacterTimeoutMs * time.Millisecond):
		m.log.Warn("p1 reader did not stop in time", "port", m.port)
	}
	return nil
}

func (m *P1Meter) readLoop() {
	defer close(m.stopped)

	quiet := 0
	for {
		select {
		case <-m.done:
			return
		default:
		}

		reader, err := m.ensureConnected()
		if err != nil {
			m.setErr(err)
			select {
			case <-m.done:
				return
			case <-time.After(m.reconnectDelay):
			}
			continue
		}

		telegram, err := readTelegram(reader)
		switch {
		case errors.Is(err, io.EOF):
			// Serial reads hit the inter character timeout as EOF.
			quiet++
			if quiet >= m.quietReads {
				m.setErr(fmt.Errorf("device: no data on %s", m.port))
				m.disconnect()
				quiet = 0
			}
			continue
		case err != nil:
			m.setErr(fmt.Errorf("device: read telegram: %w", err))
			m.disconnect()
			continue
		}
		quiet = 0

		if !validateCRC(telegram) {
			m.setErr(ErrInvalidCRC)
			continue
		}
		m.store(telegram)
	}
}

func (m *P1Meter) store(telegram string) {
	m.readingMutex.Lock()
	m.latest = telegram
	m.receivedAt = m.now()
	m.lastErr = nil
	close(m.updated)
	m.updated = make(chan struct{})
	m.readingMutex.Unlock()
}

func (m *P1Meter) setErr(err error) {
	m.readingMutex.Lock()
	changed := m.lastErr == nil || m.lastErr.Error() != err.Error()
	m.lastErr = err
	m.readingMutex.Unlock()

	if changed {
		m.log.Warn("p1 reader error", "port", m.port, "error", err)
	}
}

func (m *P1Meter) ensureConnected() (*bufio.Reader, error) {
	m.portMu.Lock()
	defer m.portMu.Unlock()

	if m.serialPort != nil {
		return m.reader, nil
	}
	select {
	case <-m.done:
		return nil, ErrNotConnected
	default:
	}
	port, err := m.open()
	if err != nil {
		return nil, fmt.Errorf("device: open serial port %s: %w", m.port, err)
	}
	m.serialPort = port
	m.reader = bufio.NewReader(port)
	m.log.Info("connected to p1 port", "port", m.port)
	return m.reader, nil
}

func (m *P1Meter) disconnect() {
	m.portMu.Lock()
	defer m.portMu.Unlock()

	if m.serialPort != nil {
		m.serialPort.Close()
		m.serialPort = nil
		m.reader = nil
		m.log.Info("disconnected from p1 port", "port", m.port)
	}
}

// readTelegram returns the next complete telegram, from '/' up to the '!' line.
func readTelegram(reader *bufio.Reader) (string, error) {
	var buffer strings.Builder
	var inTelegram bool
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}

		if strings.HasPrefix(line, "/") {
			// Start of telegram
			buffer.Reset()
			buffer.WriteString(line)
			inTelegram = true
		} else if inTelegram {
			buffer.WriteString(line)
			if strings.HasPrefix(strings.TrimSpace(line), "!") {
				return buffer.String(), nil
			}
		}
	}
}

// validateCRC checks the CRC16/ARC over everything up to and including '!'.
func validateCRC(telegram string) bool {
	parts := strings.Split(telegram, "!")
	if len(parts) != 2 || len(parts[1]) < 4 {
		return false
	}

	data := parts[0] + "!"
	givenCRC := parts[1][:4]
	calcCRC := fmt.Sprintf("%04X", crc16.Checksum([]byte(data), crcTable))

	return strings.ToUpper(givenCRC) == calcCRC
}

func parseTelegram(telegram string, names []string) map[string]*float64 {
	out := make(map[string]*float64, len(names))
	for _, name := range names {
		out[name] = nil

		pattern, ok := p1Patterns[name]
		if !ok {
			continue
		}
		match := pattern.FindStringSubmatch(telegram)
		if match == nil {
			continue
		}
		value, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			continue
		}
		out[name] = &value
	}
	return out
}
