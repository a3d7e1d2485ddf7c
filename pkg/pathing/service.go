package pathing

import (
	"os"
	"path/filepath"
)

const (
	configDirEnv = "METER_LOGGER_CONFIG_DIR"
	dataDirEnv   = "METER_LOGGER_DATA_DIR"
)

// EnsureDirs creates the directories the logger writes to.
// Must be called manually on startup.
func EnsureDirs() error {
	// Directories that must exist:
	dirs := []string{
		GetDataDir(),
		GetDeviceConfigDir(),
	}

	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
		}
	}
	return nil
}

func GetAppConfigPath() string {
	return filepath.Join(GetConfigDir(), "meter_logger.toml")
}

// One toml file per metering device, subfolders are allowed.
func GetDeviceConfigDir() string {
	return filepath.Join(GetConfigDir(), "devices")
}

func GetMeterDbPath() string {
	return filepath.Join(GetDataDir(), "meter-samples.db")
}

func GetErrorLogPath() string {
	return filepath.Join(GetDataDir(), "error.log")
}

func GetDataDir() string {
	if dir := os.Getenv(dataDirEnv); dir != "" {
		return dir
	}
	return "/var/lib/modbus_meter_logger"
}

func GetConfigDir() string {
	if dir := os.Getenv(configDirEnv); dir != "" {
		return dir
	}
	return "/etc/modbus_meter_logger"
}
