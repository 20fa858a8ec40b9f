package viper

import (
	"strings"

	"github.com/kong/systemctl2mqtt/internal/meta"
	v "github.com/spf13/viper"
)

// NewViperE builds a viper reading the given config file. An unreadable or
// malformed file is an error.
func NewViperE(path string) (*v.Viper, error) {
	rv := newViper()
	rv.SetConfigFile(path)
	err := rv.ReadInConfig()
	if err != nil {
		return nil, err
	}
	return rv, nil
}

// NewViper builds a viper that only reads defaults, environment variables and
// bound flags.
func NewViper() *v.Viper {
	return newViper()
}

func newViper() *v.Viper {
	rv := v.New()
	ConfigureEnvVars(rv, meta.CLIName)
	return rv
}

// ConfigureEnvVars maps nested keys like "mqtt.client-id" onto variables like
// SYSTEMCTL2MQTT_MQTT_CLIENT_ID.
func ConfigureEnvVars(rv *v.Viper, prefix string) {
	rv.AutomaticEnv()
	rv.SetEnvPrefix(prefix)
	rv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}
