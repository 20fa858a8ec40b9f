package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/kong/systemctl2mqtt/internal/filter"
	"github.com/kong/systemctl2mqtt/internal/log"
	"github.com/kong/systemctl2mqtt/internal/meta"
	v "github.com/spf13/viper"
)

// Configuration paths. Environment variables use the SYSTEMCTL2MQTT_ prefix
// with '.' and '-' replaced by '_' (mqtt.client-id -> SYSTEMCTL2MQTT_MQTT_CLIENT_ID).
const (
	NameConfigPath           = "name"
	MQTTHostConfigPath       = "mqtt.host"
	MQTTPortConfigPath       = "mqtt.port"
	MQTTClientIDConfigPath   = "mqtt.client-id"
	MQTTUsernameConfigPath   = "mqtt.username"
	MQTTPasswordConfigPath   = "mqtt.password"
	MQTTQoSConfigPath        = "mqtt.qos"
	MQTTTimeoutConfigPath    = "mqtt.timeout"
	HAPrefixConfigPath       = "homeassistant.prefix"
	HASingleDeviceConfigPath = "homeassistant.single-device"
	TopicPrefixConfigPath    = "topic-prefix"
	WhitelistConfigPath      = "whitelist"
	BlacklistConfigPath      = "blacklist"
	EventsConfigPath         = "events"
	StatsConfigPath          = "stats"
	IntervalConfigPath       = "interval"
	TTLConfigPath            = "ttl"
	EventFilterConfigPath    = "event-filter"
	MetricsAddressConfigPath = "metrics-address"
	FailOnErrorConfigPath    = "fail-on-error"
	VerbosityConfigPath      = "verbosity"
	LogLevelConfigPath       = "log.level"
	LogFormatConfigPath      = "log.format"
	LogFileConfigPath        = "log.file"
)

const (
	DefaultMQTTHost      = "localhost"
	DefaultMQTTPort      = 1883
	DefaultMQTTQoS       = 1
	DefaultMQTTTimeout   = 30
	DefaultHAPrefix      = "homeassistant"
	DefaultTopicPrefix   = "systemctl"
	DefaultInterval      = 30
	DefaultTTL           = 24 * 60 * 60
	DefaultLogFormat     = log.FormatAuto
	clientIDSuffix       = "_" + meta.CLIName
	minimumStatsInterval = time.Second
)

func setDefaults(vip *v.Viper) {
	vip.SetDefault(MQTTHostConfigPath, DefaultMQTTHost)
	vip.SetDefault(MQTTPortConfigPath, DefaultMQTTPort)
	vip.SetDefault(MQTTQoSConfigPath, DefaultMQTTQoS)
	vip.SetDefault(MQTTTimeoutConfigPath, DefaultMQTTTimeout)
	vip.SetDefault(HAPrefixConfigPath, DefaultHAPrefix)
	vip.SetDefault(TopicPrefixConfigPath, DefaultTopicPrefix)
	vip.SetDefault(IntervalConfigPath, DefaultInterval)
	vip.SetDefault(TTLConfigPath, DefaultTTL)
	vip.SetDefault(LogFormatConfigPath, DefaultLogFormat)
}

// MQTTSettings describes the broker connection.
type MQTTSettings struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string
	QoS      int
	// Timeout is used for the keepalive and for connect/disconnect waits
	Timeout time.Duration
}

// HomeAssistantSettings controls the discovery payloads.
type HomeAssistantSettings struct {
	Prefix       string
	SingleDevice bool
}

// LogSettings controls the process logger.
type LogSettings struct {
	Level  slog.Level
	Format string
	File   string
}

// Settings is the typed, validated view of the configuration.
type Settings struct {
	// Name is the hostname label used in topics and device names
	Name           string
	MQTT           MQTTSettings
	HomeAssistant  HomeAssistantSettings
	TopicPrefix    string
	Whitelist      []string
	Blacklist      []string
	Events         bool
	Stats          bool
	Interval       time.Duration
	TTL            time.Duration
	EventFilter    string
	MetricsAddress string
	FailOnError    bool
	Log            LogSettings
}

// LoadSettings reads every setting from the hook, fills the host derived
// defaults and validates the result.
func LoadSettings(cfg Hook) (*Settings, error) {
	s := &Settings{
		Name: strings.TrimSpace(cfg.GetString(NameConfigPath)),
		MQTT: MQTTSettings{
			Host:     strings.TrimSpace(cfg.GetString(MQTTHostConfigPath)),
			Port:     cfg.GetInt(MQTTPortConfigPath),
			ClientID: strings.TrimSpace(cfg.GetString(MQTTClientIDConfigPath)),
			Username: cfg.GetString(MQTTUsernameConfigPath),
			Password: cfg.GetString(MQTTPasswordConfigPath),
			QoS:      cfg.GetInt(MQTTQoSConfigPath),
			Timeout:  time.Duration(cfg.GetInt(MQTTTimeoutConfigPath)) * time.Second,
		},
		HomeAssistant: HomeAssistantSettings{
			Prefix:       cfg.GetString(HAPrefixConfigPath),
			SingleDevice: cfg.GetBool(HASingleDeviceConfigPath),
		},
		TopicPrefix:    cfg.GetString(TopicPrefixConfigPath),
		Whitelist:      cfg.GetStringSlice(WhitelistConfigPath),
		Blacklist:      cfg.GetStringSlice(BlacklistConfigPath),
		Events:         cfg.GetBool(EventsConfigPath),
		Stats:          cfg.GetBool(StatsConfigPath),
		Interval:       time.Duration(cfg.GetInt(IntervalConfigPath)) * time.Second,
		TTL:            time.Duration(cfg.GetInt(TTLConfigPath)) * time.Second,
		EventFilter:    strings.TrimSpace(cfg.GetString(EventFilterConfigPath)),
		MetricsAddress: strings.TrimSpace(cfg.GetString(MetricsAddressConfigPath)),
		FailOnError:    cfg.GetBool(FailOnErrorConfigPath),
		Log: LogSettings{
			Level:  log.VerbosityToLevel(cfg.GetInt(VerbosityConfigPath)),
			Format: strings.ToLower(strings.TrimSpace(cfg.GetString(LogFormatConfigPath))),
			File:   strings.TrimSpace(cfg.GetString(LogFileConfigPath)),
		},
	}

	// an explicit level wins over the -v count
	if raw := cfg.GetString(LogLevelConfigPath); cfg.IsSet(LogLevelConfigPath) && raw != "" {
		s.Log.Level = log.ConfigLevelStringToSlogLevel(raw)
	}

	var errs []error

	if s.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve hostname: %w", err))
		}
		s.Name = host
	}
	if s.MQTT.ClientID == "" {
		s.MQTT.ClientID = s.Name + clientIDSuffix
	}

	if err := s.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks ranges and patterns. It does not check that a feature is
// enabled, the agent reports that at startup.
func (s *Settings) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("hostname label must not be empty"))
	}
	if s.MQTT.Host == "" {
		errs = append(errs, errors.New("broker host must not be empty"))
	}
	if s.MQTT.Port < 1 || s.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker port %d out of range 1-65535", s.MQTT.Port))
	}
	if s.MQTT.QoS < 0 || s.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("qos %d must be 0, 1 or 2", s.MQTT.QoS))
	}
	if s.MQTT.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout %s must be positive", s.MQTT.Timeout))
	}
	if s.Interval < minimumStatsInterval {
		errs = append(errs, fmt.Errorf("stats interval %s must be at least %s", s.Interval, minimumStatsInterval))
	}
	if s.TTL < 0 {
		errs = append(errs, fmt.Errorf("destroyed service ttl %s must not be negative", s.TTL))
	}
	if s.TopicPrefix == "" {
		errs = append(errs, errors.New("topic prefix must not be empty"))
	}
	if s.HomeAssistant.Prefix == "" {
		errs = append(errs, errors.New("homeassistant prefix must not be empty"))
	}
	if s.Log.Format != "" && !slices.Contains(log.Formats, s.Log.Format) {
		errs = append(errs, fmt.Errorf("invalid log format %q, must be one of %v", s.Log.Format, log.Formats))
	}
	if _, err := filter.New(s.Whitelist, s.Blacklist); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Policy builds the service filter from the whitelist and blacklist.
func (s *Settings) Policy() (*filter.Policy, error) {
	return filter.New(s.Whitelist, s.Blacklist)
}
