package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kong/systemctl2mqtt/internal/meta"
	"github.com/kong/systemctl2mqtt/internal/util/viper"
	"github.com/spf13/pflag"
	v "github.com/spf13/viper"
)

var defaultConfigFileName = "config.yaml"

// Returns the expanded default config path depending on what
// environment variables are set. If XDG_CONFIG_HOME is set,
// the default is $XDG_CONFIG_HOME/systemctl2mqtt,
// otherwise the default is os.UserHomeDir()/.config/systemctl2mqtt.
// If these values are not set, an error is returned.
func GetDefaultConfigPath() (string, error) {
	val, set := os.LookupEnv("XDG_CONFIG_HOME")
	if !set || val == "" {
		var err error
		val, err = os.UserHomeDir()
		if err != nil {
			return "", err
		}
		val = filepath.Join(val, ".config")
	}
	val = filepath.Join(val, meta.CLIName)
	return os.ExpandEnv(val), nil
}

func GetDefaultConfigFilePath() (string, error) {
	path, err := GetDefaultConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(path, defaultConfigFileName), nil
}

// GetConfig returns the configuration for this run of the agent. A missing
// file at the default path is not an error, the agent then runs from flags,
// environment and defaults only.
func GetConfig(path string, defaultConfigFilePath string) (*Config, error) {
	path = os.ExpandEnv(path)

	var vip *v.Viper
	_, err := os.Stat(path)
	switch {
	case path != "" && err == nil:
		// If the user provides a valid file path, we should strictly load it or fail immediately
		vip, err = viper.NewViperE(path)
		if err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	case path == "" || path == defaultConfigFilePath:
		vip = viper.NewViper()
		path = ""
	default:
		return nil, fmt.Errorf("the provided config file path %q does not exist", path)
	}

	setDefaults(vip)
	return &Config{Viper: vip, Path: path}, nil
}

// Empty type to represent the _type_ Config. Genesis is to support a key in a Context
type Key struct{}

// Config is a global instance of the Key type
var ConfigKey = Key{}

// Hook provides a generalization of the Viper interface limited to what the
// commands need: typed reads and flag binding
type Hook interface {
	// GetString returns a string value from the configuration
	GetString(key string) string
	// GetBool returns a boolean value from the configuration
	GetBool(key string) bool
	// GetInt returns an integer value from the configuration
	GetInt(key string) int
	// GetStringSlice returns a slice of strings from the configuration
	GetStringSlice(key string) []string
	// IsSet reports whether a value was provided by any source, defaults included
	IsSet(key string) bool
	// Set sets an override for a given key
	Set(k string, v any)
	// BindFlag takes a specific configuration path and
	// binds it to a specific flag
	BindFlag(configPath string, f *pflag.Flag) error
	// The file path used to load this configuration, empty when none was read
	GetPath() string
}

// Config is a Viper implementing the Hook interface
type Config struct {
	*v.Viper
	Path string
}

func (c *Config) BindFlag(configPath string, f *pflag.Flag) error {
	return c.BindPFlag(configPath, f)
}

func (c *Config) GetPath() string {
	return c.Path
}
