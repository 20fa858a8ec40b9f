package common

import "fmt"

// Represents an enum of valid values for the format of the output for this CLI execution
type OutputFormat int

const (
	JSON OutputFormat = iota
	YAML
	TEXT
)

// OutputFormats lists the accepted values of the --output flag.
var OutputFormats = []string{"json", "yaml", "text"}

const (
	// related to the --output flag
	DefaultOutputFormat = "text"
	OutputFlagName      = "output"
	OutputFlagShort     = "o"
	OutputConfigPath    = OutputFlagName

	// related to the --config-file flag
	ConfigFilePathFlagName = "config-file"

	// agent identity and broker connection
	NameFlagName     = "name"
	HostFlagName     = "host"
	PortFlagName     = "port"
	ClientFlagName   = "client"
	UsernameFlagName = "username"
	PasswordFlagName = "password"
	QoSFlagName      = "qos"
	TimeoutFlagName  = "timeout"

	// topics and discovery
	HAPrefixFlagName       = "homeassistant-prefix"
	HASingleDeviceFlagName = "homeassistant-single-device"
	TopicPrefixFlagName    = "topic-prefix"

	// monitoring
	WhitelistFlagName   = "whitelist"
	BlacklistFlagName   = "blacklist"
	EventsFlagName      = "events"
	StatsFlagName       = "stats"
	IntervalFlagName    = "interval"
	TTLFlagName         = "ttl"
	EventFilterFlagName = "event-filter"
	FailOnErrorFlagName = "fail-on-error"

	MetricsAddressFlagName = "metrics-address"

	// related to logging
	VerbosityFlagName  = "verbosity"
	VerbosityFlagShort = "v"
	LogLevelFlagName   = "log-level"
	LogFormatFlagName  = "log-format"
	LogFileFlagName    = "log-file"
)

func (of OutputFormat) String() string {
	return OutputFormats[of]
}

func OutputFormatStringToIota(format string) (OutputFormat, error) {
	switch format {
	case "json":
		return JSON, nil
	case "yaml":
		return YAML, nil
	case "text", "":
		return TEXT, nil
	default:
		return TEXT, fmt.Errorf("invalid output format %q, must be one of %v", format, OutputFormats)
	}
}
