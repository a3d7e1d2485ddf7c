// Package device holds the closed set of supported metering devices.
// The model is selected once from the configuration, every model is used
// through the Meter interface afterwards.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/NotCoffee418/modbus_meter_logger/pkg/config"
)

var (
	ErrUnknownModel = errors.New("device: unknown model")
	ErrUnreachable  = errors.New("device: not reachable")
	ErrInvalidCRC   = errors.New("device: invalid telegram crc")
	ErrNotConnected = errors.New("device: not connected")
	ErrNoTelegram   = errors.New("device: no recent telegram")
)

// Meter reads named input values from a metering device.
// Names the device does not know are returned with a nil value.
type Meter interface {
	ReadInputValues(ctx context.Context, names []string) (map[string]*float64, error)
	InputKeys() []string
	Close() error
}

type model struct {
	keys []string
	open func(cfg *config.DeviceConfig, log *slog.Logger) (Meter, error)
}

var models = map[string]model{
	"sdm630": {
		keys: catalogKeys(sdm630Registers),
		open: modbusOpener(sdm630Registers),
	},
	"sdm120": {
		keys: catalogKeys(sdm120Registers),
		open: modbusOpener(sdm120Registers),
	},
	"p1_dsmr": {
		keys: p1Keys(),
		open: openP1,
	},
}

// Models returns the supported model names.
func Models() []string {
	return slices.Sorted(maps.Keys(models))
}

// InputKeys returns the registers of a model without touching the hardware.
func InputKeys(modelName string) ([]string, error) {
	m, ok := models[modelName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, modelName)
	}
	return slices.Clone(m.keys), nil
}

// Open connects to the device configured in cfg.
func Open(cfg *config.DeviceConfig, log *slog.Logger) (Meter, error) {
	m, ok := models[cfg.Device.Model]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %v)", ErrUnknownModel, cfg.Device.Model, Models())
	}
	return m.open(cfg, log)
}
