package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/NotCoffee418/modbus_meter_logger/pkg/pathing"
)

var (
	// ErrCycleIntervalsGenerated means the device config had no cycle table.
	// A default table was written and the device must be restarted after review.
	ErrCycleIntervalsGenerated = errors.New("config: cycle intervals generated, review the config and restart")
	ErrNoCycleIntervals        = errors.New("config: no cycle intervals configured")
)

// LoadAppConfig loads meter_logger.toml, creating it with defaults if it does not exist.
func LoadAppConfig(configPath string) (*AppConfig, error) {
	// Create default if not exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultAppConfig()
		cfgFile, err := os.Create(configPath)
		if err != nil {
			return nil, err
		}
		defer cfgFile.Close()
		if err := toml.NewEncoder(cfgFile).Encode(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	// Load existing config
	cfg := DefaultAppConfig()
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", configPath, err)
	}
	return cfg, nil
}

func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		LogLevel:        "info",
		LogJSON:         false,
		ListenAddress:   "0.0.0.0:9040",
		DeviceConfigDir: pathing.GetDeviceConfigDir(),
		ErrorLogFile:    pathing.GetErrorLogPath(),
	}
}

// LoadDeviceConfig decodes one device file, applies defaults and validates it.
// A missing cycle table is not an error here, see HasCycleIntervals.
func LoadDeviceConfig(configPath string) (*DeviceConfig, error) {
	var cfg DeviceConfig
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", configPath, err)
	}
	cfg.path = configPath

	if cfg.Device.Name == "" {
		cfg.Device.Name = strings.TrimSuffix(filepath.Base(configPath), filepath.Ext(configPath))
	}
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", configPath, err)
	}
	return &cfg, nil
}

// DiscoverDeviceConfigs returns every *.toml below dir, subfolders included, sorted by path.
func DiscoverDeviceConfigs(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".toml") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(paths)
	return paths, nil
}

// Path returns the file the config was loaded from.
func (c *DeviceConfig) Path() string {
	return c.path
}

// HasCycleIntervals reports whether the [cycle_intervals] table is present.
func (c *DeviceConfig) HasCycleIntervals() bool {
	return c.CycleIntervals != nil
}

// RegisterCycles returns the enabled registers with their cycle length.
// `false` and 0 disable a register, `true` means every tick.
func (c *DeviceConfig) RegisterCycles() (map[string]int, error) {
	if !c.HasCycleIntervals() {
		return nil, ErrNoCycleIntervals
	}

	out := make(map[string]int, len(c.CycleIntervals))
	for name, raw := range c.CycleIntervals {
		switch v := raw.(type) {
		case bool:
			if v {
				out[name] = 1
			}
		case int64:
			if v < 0 {
				return nil, fmt.Errorf("config: cycle interval of %q must not be negative", name)
			}
			if v > 0 {
				out[name] = int(v)
			}
		default:
			return nil, fmt.Errorf("config: cycle interval of %q must be an integer or false, got %T", name, raw)
		}
	}

	if len(out) == 0 {
		return nil, ErrNoCycleIntervals
	}
	return out, nil
}

// WriteCycleIntervals appends a default cycle table with every register read on
// every tick and returns ErrCycleIntervalsGenerated.
func WriteCycleIntervals(configPath string, registers []string) error {
	table := make(map[string]int, len(registers))
	for _, name := range registers {
		table[name] = 1
	}

	var buf bytes.Buffer
	buf.WriteString("\n# Number of poll cycles between two reads of a register.\n")
	buf.WriteString("# Disable a register with false.\n")
	buf.WriteString("# Generated on first start, review and restart.\n")
	if err := toml.NewEncoder(&buf).Encode(map[string]any{"cycle_intervals": table}); err != nil {
		return err
	}

	file, err := os.OpenFile(configPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.Write(buf.Bytes()); err != nil {
		return err
	}
	return ErrCycleIntervalsGenerated
}
