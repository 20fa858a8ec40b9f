package root

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/kong/systemctl2mqtt/internal/agent"
	"github.com/kong/systemctl2mqtt/internal/build"
	"github.com/kong/systemctl2mqtt/internal/cmd"
	"github.com/kong/systemctl2mqtt/internal/config"
	apperr "github.com/kong/systemctl2mqtt/internal/err"
	"github.com/kong/systemctl2mqtt/internal/homeassistant"
	"github.com/kong/systemctl2mqtt/internal/metrics"
	"github.com/kong/systemctl2mqtt/internal/mqtt"
	"github.com/kong/systemctl2mqtt/internal/stream"
	"github.com/kong/systemctl2mqtt/internal/systemctl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// runAgent starts the agent and ticks until the command context is done.
func runAgent(helper cmd.Helper) error {
	settings, err := helper.GetSettings()
	if err != nil {
		return err
	}
	logger, err := helper.GetLogger()
	if err != nil {
		return err
	}
	info, err := helper.GetBuildInfo()
	if err != nil {
		return err
	}
	ctx := helper.GetContext()

	opts, err := agentOptions(settings, info, agentLister(helper), logger)
	if err != nil {
		return err
	}
	logger.Info("starting agent", "version", info.String(), "name", settings.Name,
		"broker", settings.MQTT.Host, "events", settings.Events, "stats", settings.Stats,
		"args", cmd.RedactArgs(os.Args[1:]))

	if settings.MetricsAddress != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := metrics.New(reg)
		if err != nil {
			return cmd.PrepareExecutionErrorFromErr(helper, err)
		}
		opts.Metrics = m
		go func() {
			if err := metrics.Serve(ctx, settings.MetricsAddress, reg, logger); err != nil {
				logger.Error("metrics server failed", "addr", settings.MetricsAddress, "error", err)
			}
		}()
	}

	a := agent.New(opts)
	if err := a.Start(ctx); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return startError(helper, err)
	}

	runErr := a.Run(ctx)
	if err := a.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("shutdown was not clean", "error", err)
	}
	if runErr != nil {
		return cmd.PrepareExecutionError("agent stopped on a processing error", runErr, helper.GetCmd(),
			apperr.TryConvertErrorToAttrs(runErr)...)
	}
	logger.Info("agent stopped")
	return nil
}

// agentLister is the systemctl client backed by the helper's runner.
func agentLister(helper cmd.Helper) agent.Lister {
	return systemctl.New(helper.GetRunner())
}

// agentOptions maps validated settings onto the agent. The journal record
// filter is compiled here so a bad expression is a configuration error.
func agentOptions(settings *config.Settings, info *build.Info, lister agent.Lister,
	logger *slog.Logger,
) (agent.Options, error) {
	policy, err := settings.Policy()
	if err != nil {
		return agent.Options{}, &cmd.ConfigurationError{Err: err}
	}
	var recordFilter *stream.RecordFilter
	if settings.EventFilter != "" {
		recordFilter, err = stream.NewRecordFilter(settings.EventFilter)
		if err != nil {
			return agent.Options{}, &cmd.ConfigurationError{Err: err}
		}
	}

	topics := homeassistant.Topics{
		Prefix:          settings.TopicPrefix,
		Host:            settings.Name,
		DiscoveryPrefix: settings.HomeAssistant.Prefix,
	}
	mqttOpts := mqtt.Options{
		Host:        settings.MQTT.Host,
		Port:        settings.MQTT.Port,
		ClientID:    settings.MQTT.ClientID,
		Username:    settings.MQTT.Username,
		Password:    settings.MQTT.Password,
		QoS:         byte(settings.MQTT.QoS),
		Timeout:     settings.MQTT.Timeout,
		StatusTopic: topics.Status(),
	}

	return agent.Options{
		Host:         settings.Name,
		Version:      info.String(),
		Topics:       topics,
		QoS:          settings.MQTT.QoS,
		SingleDevice: settings.HomeAssistant.SingleDevice,
		Events:       settings.Events,
		Stats:        settings.Stats,
		Interval:     settings.Interval,
		TTL:          settings.TTL,
		FailOnError:  settings.FailOnError,
		Policy:       policy,
		RecordFilter: recordFilter,
		Lister:       lister,
		Dial: func(ctx context.Context) (agent.Broker, error) {
			client, err := mqtt.Connect(ctx, mqttOpts, logger)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		Logger: logger,
	}, nil
}

// startError keeps configuration problems (no feature enabled, no systemd)
// apart from runtime failures such as an unreachable broker.
func startError(helper cmd.Helper, err error) error {
	var cfgErr *apperr.ConfigurationError
	if errors.As(err, &cfgErr) {
		helper.GetCmd().SilenceUsage = true
		return &cmd.ConfigurationError{Err: cfgErr}
	}
	return cmd.PrepareExecutionError("could not start the agent", err, helper.GetCmd())
}
