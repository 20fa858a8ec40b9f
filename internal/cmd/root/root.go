package root

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kong/systemctl2mqtt/internal/build"
	"github.com/kong/systemctl2mqtt/internal/cmd"
	"github.com/kong/systemctl2mqtt/internal/cmd/common"
	"github.com/kong/systemctl2mqtt/internal/cmd/root/services"
	"github.com/kong/systemctl2mqtt/internal/cmd/root/version"
	"github.com/kong/systemctl2mqtt/internal/config"
	"github.com/kong/systemctl2mqtt/internal/iostreams"
	"github.com/kong/systemctl2mqtt/internal/log"
	"github.com/kong/systemctl2mqtt/internal/meta"
	"github.com/kong/systemctl2mqtt/internal/systemctl"
	"github.com/segmentio/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	rootLong = cmd.LongDesc(`
  systemctl2mqtt follows the systemd journal and the process table and
  publishes the state and resource usage of the selected services to an MQTT
  broker, together with Home Assistant discovery payloads.

  At least one of --events or --stats must be enabled.`)

	rootShort = fmt.Sprintf("%s bridges systemd services to MQTT", meta.CLIName)

	rootExample = cmd.Examples(fmt.Sprintf(`
		# Publish state changes and stats of docker and ssh
		%[1]s --events --stats --whitelist docker --whitelist ssh
		# Connect to a remote broker with credentials
		%[1]s --events --host broker.lan --username agent --password secret`, meta.CLIName))

	rootCmd *cobra.Command

	// Stores the global runtime value for the Configuration file path,
	configFilePath string

	currConfig   config.Hook
	streams      *iostreams.IOStreams
	outputFormat = cmd.NewEnum(common.OutputFormats, common.DefaultOutputFormat)
	runner       = systemctl.Runner(systemctl.ExecRunner{})
	logCloser    io.Closer

	buildInfo *build.Info
)

// flagBinding ties a persistent flag to its configuration path.
type flagBinding struct {
	flag string
	path string
}

var flagBindings = []flagBinding{
	{common.NameFlagName, config.NameConfigPath},
	{common.HostFlagName, config.MQTTHostConfigPath},
	{common.PortFlagName, config.MQTTPortConfigPath},
	{common.ClientFlagName, config.MQTTClientIDConfigPath},
	{common.UsernameFlagName, config.MQTTUsernameConfigPath},
	{common.PasswordFlagName, config.MQTTPasswordConfigPath},
	{common.QoSFlagName, config.MQTTQoSConfigPath},
	{common.TimeoutFlagName, config.MQTTTimeoutConfigPath},
	{common.HAPrefixFlagName, config.HAPrefixConfigPath},
	{common.HASingleDeviceFlagName, config.HASingleDeviceConfigPath},
	{common.TopicPrefixFlagName, config.TopicPrefixConfigPath},
	{common.WhitelistFlagName, config.WhitelistConfigPath},
	{common.BlacklistFlagName, config.BlacklistConfigPath},
	{common.EventsFlagName, config.EventsConfigPath},
	{common.StatsFlagName, config.StatsConfigPath},
	{common.IntervalFlagName, config.IntervalConfigPath},
	{common.TTLFlagName, config.TTLConfigPath},
	{common.EventFilterFlagName, config.EventFilterConfigPath},
	{common.FailOnErrorFlagName, config.FailOnErrorConfigPath},
	{common.MetricsAddressFlagName, config.MetricsAddressConfigPath},
	{common.VerbosityFlagName, config.VerbosityConfigPath},
	{common.LogLevelFlagName, config.LogLevelConfigPath},
	{common.LogFormatFlagName, config.LogFormatConfigPath},
	{common.LogFileFlagName, config.LogFileConfigPath},
	{common.OutputFlagName, common.OutputConfigPath},
}

func configHelp(path string) string {
	return fmt.Sprintf("\n- Config path: [ %s ]", path)
}

func addFlags(flags *pflag.FlagSet) {
	flags.String(common.NameFlagName, "",
		"Hostname label used in topics and device names. Defaults to the host name."+configHelp(config.NameConfigPath))
	flags.String(common.HostFlagName, config.DefaultMQTTHost,
		"MQTT broker host."+configHelp(config.MQTTHostConfigPath))
	flags.Int(common.PortFlagName, config.DefaultMQTTPort,
		"MQTT broker port."+configHelp(config.MQTTPortConfigPath))
	flags.String(common.ClientFlagName, "",
		"MQTT client id. Defaults to <name>_"+meta.CLIName+"."+configHelp(config.MQTTClientIDConfigPath))
	flags.String(common.UsernameFlagName, "",
		"MQTT username."+configHelp(config.MQTTUsernameConfigPath))
	flags.String(common.PasswordFlagName, "",
		"MQTT password."+configHelp(config.MQTTPasswordConfigPath))
	flags.Int(common.QoSFlagName, config.DefaultMQTTQoS,
		"MQTT qos for discovery and data messages (0, 1 or 2)."+configHelp(config.MQTTQoSConfigPath))
	flags.Int(common.TimeoutFlagName, config.DefaultMQTTTimeout,
		"MQTT keepalive and connect timeout in seconds."+configHelp(config.MQTTTimeoutConfigPath))
	flags.Int(common.TTLFlagName, config.DefaultTTL,
		"Seconds a service may be missing from the census before it is removed from the broker."+
			configHelp(config.TTLConfigPath))
	flags.String(common.HAPrefixFlagName, config.DefaultHAPrefix,
		"Home Assistant discovery prefix."+configHelp(config.HAPrefixConfigPath))
	flags.Bool(common.HASingleDeviceFlagName, false,
		"Group all services under a single Home Assistant device."+configHelp(config.HASingleDeviceConfigPath))
	flags.String(common.TopicPrefixFlagName, config.DefaultTopicPrefix,
		"Prefix of every agent topic."+configHelp(config.TopicPrefixConfigPath))
	flags.StringSlice(common.WhitelistFlagName, nil,
		"Monitor only services matching this entry. Repeatable. An entry matches the name, the name\n"+
			"with a .service suffix, or as a regular expression anchored at the start."+
			configHelp(config.WhitelistConfigPath))
	flags.StringSlice(common.BlacklistFlagName, nil,
		"Never monitor services matching this entry. Repeatable. Wins over the whitelist."+
			configHelp(config.BlacklistConfigPath))
	flags.Bool(common.EventsFlagName, false,
		"Publish service state changes."+configHelp(config.EventsConfigPath))
	flags.Bool(common.StatsFlagName, false,
		"Publish service cpu and memory usage."+configHelp(config.StatsConfigPath))
	flags.Int(common.IntervalFlagName, config.DefaultInterval,
		"Minimum seconds between two accepted samples of one process."+configHelp(config.IntervalConfigPath))
	flags.String(common.EventFilterFlagName, "",
		"jq expression journal records must satisfy, applied after the whitelist and blacklist."+
			configHelp(config.EventFilterConfigPath))
	flags.Bool(common.FailOnErrorFlagName, false,
		"Stop on the first event or stats processing error instead of logging it."+
			configHelp(config.FailOnErrorConfigPath))
	flags.String(common.MetricsAddressFlagName, "",
		"Serve Prometheus metrics on this address, for example :9090."+configHelp(config.MetricsAddressConfigPath))
	flags.CountP(common.VerbosityFlagName, common.VerbosityFlagShort,
		"Log verbosity, repeat for more (-vvvvv)."+configHelp(config.VerbosityConfigPath))
	flags.String(common.LogLevelFlagName, "",
		"Log level (trace, debug, info, warn, error), overrides -v."+configHelp(config.LogLevelConfigPath))
	flags.String(common.LogFormatFlagName, config.DefaultLogFormat,
		fmt.Sprintf("Log format (%s).", strings.Join(log.Formats, "|"))+configHelp(config.LogFormatConfigPath))
	flags.String(common.LogFileFlagName, "",
		"Write logs to this file, errors are mirrored to stderr."+configHelp(config.LogFileConfigPath))

	// -------------------------------------------------------------------------
	// Add the output flag, which defines the text output format.
	// This requires some extra gymnastics to ensure that the output flag is
	// from a valid set of values.
	flags.VarP(outputFormat, common.OutputFlagName, common.OutputFlagShort,
		fmt.Sprintf(`Configures the output format of the version and services commands.
- Config path: [ %s ]
- Allowed    : [ %s ]`,
			common.OutputConfigPath, strings.Join(outputFormat.Allowed, "|")))
	// -------------------------------------------------------------------------
}

func bindFlags(flags *pflag.FlagSet, cfg config.Hook) error {
	for _, b := range flagBindings {
		f := flags.Lookup(b.flag)
		if f == nil {
			return fmt.Errorf("flag --%s is not defined", b.flag)
		}
		if err := cfg.BindFlag(b.path, f); err != nil {
			return err
		}
	}
	return nil
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     meta.CLIName,
		Short:   rootShort,
		Long:    rootLong,
		Example: rootExample,
		Args:    cobra.NoArgs,
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			ctx, err := buildContext(c.Context())
			if err != nil {
				return err
			}
			c.SetContext(ctx)
			return nil
		},
		RunE: func(c *cobra.Command, args []string) error {
			return runAgent(cmd.BuildHelper(c, args))
		},
	}

	// parses all flags not just the target command
	rootCmd.TraverseChildren = true
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	defaultConfigFile, _ := config.GetDefaultConfigFilePath()
	rootCmd.PersistentFlags().StringVar(&configFilePath, common.ConfigFilePathFlagName, defaultConfigFile,
		"Path to the configuration file to load.")
	addFlags(rootCmd.PersistentFlags())

	return rootCmd
}

// buildContext stores everything commands reach through the Helper.
func buildContext(parent context.Context) (context.Context, error) {
	settings, err := config.LoadSettings(currConfig)
	if err != nil {
		return nil, &cmd.ConfigurationError{Err: err}
	}
	logger, closer, err := log.New(log.Options{
		Level:  settings.Log.Level,
		Format: settings.Log.Format,
		File:   settings.Log.File,
		Stderr: streams.ErrOut,
	})
	if err != nil {
		return nil, &cmd.ConfigurationError{Err: err}
	}
	logCloser = closer

	ctx := context.WithValue(parent, config.ConfigKey, currConfig)
	ctx = context.WithValue(ctx, iostreams.StreamsKey, streams)
	ctx = context.WithValue(ctx, build.InfoKey, buildInfo)
	ctx = context.WithValue(ctx, log.LoggerKey, logger)
	ctx = context.WithValue(ctx, systemctl.RunnerKey, runner)
	return ctx, nil
}

// addCommands adds the root subcommands to the command.
func addCommands() {
	rootCmd.AddCommand(version.NewVersionCmd())
	rootCmd.AddCommand(services.NewServicesCmd())
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd = newRootCmd()
	addCommands()
}

func initConfig() {
	defaultConfigFile, _ := config.GetDefaultConfigFilePath()
	cfg, err := config.GetConfig(configFilePath, defaultConfigFile)
	cobra.CheckErr(err)
	currConfig = cfg

	cobra.CheckErr(bindFlags(rootCmd.PersistentFlags(), cfg))
}

func Execute(ctx context.Context, s *iostreams.IOStreams, bi *build.Info) {
	buildInfo = bi
	cobra.EnableTraverseRunHooks = true
	streams = s
	rootCmd.Version = bi.String()
	rootCmd.SetOut(s.Out)
	rootCmd.SetErr(s.ErrOut)

	err := rootCmd.ExecuteContext(ctx)
	if logCloser != nil {
		_ = logCloser.Close()
	}
	if err == nil {
		return
	}

	var executionError *cmd.ExecutionError
	if errors.As(err, &executionError) {
		printExecutionError(s.ErrOut, executionError)
	}
	os.Exit(1)
}

func printExecutionError(out io.Writer, e *cmd.ExecutionError) {
	if outputFormat.String() == common.DefaultOutputFormat {
		fmt.Fprintf(out, "Error: %s\n", e.Msg)
		if e.Msg != e.Err.Error() {
			fmt.Fprintf(out, "  %s\n", e.Err)
		}
		return
	}
	printer, err := cli.Format(outputFormat.String(), out)
	if err != nil {
		fmt.Fprintf(out, "Error: %s\n", e.Msg)
		return
	}
	defer printer.Flush()
	printer.Print(map[string]any{"error": e.Msg, "cause": e.Err.Error()})
}
