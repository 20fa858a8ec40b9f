package cmd

import (
	"context"
	"log/slog"

	"github.com/kong/systemctl2mqtt/internal/build"
	"github.com/kong/systemctl2mqtt/internal/cmd/common"
	"github.com/kong/systemctl2mqtt/internal/config"
	"github.com/kong/systemctl2mqtt/internal/iostreams"
	"github.com/kong/systemctl2mqtt/internal/systemctl"
	"github.com/spf13/cobra"
)

// MockHelper implements cmd.Helper with one function per method. Unset
// functions panic when called, except GetCmd and GetContext which have
// usable defaults.
type MockHelper struct {
	GetCmdMock          func() *cobra.Command
	GetArgsMock         func() []string
	GetStreamsMock      func() *iostreams.IOStreams
	GetConfigMock       func() (config.Hook, error)
	GetSettingsMock     func() (*config.Settings, error)
	GetOutputFormatMock func() (common.OutputFormat, error)
	GetLoggerMock       func() (*slog.Logger, error)
	GetBuildInfoMock    func() (*build.Info, error)
	GetRunnerMock       func() systemctl.Runner
	GetContextMock      func() context.Context
}

func (m *MockHelper) GetCmd() *cobra.Command {
	if m.GetCmdMock == nil {
		return &cobra.Command{}
	}
	return m.GetCmdMock()
}

func (m *MockHelper) GetArgs() []string {
	return m.GetArgsMock()
}

func (m *MockHelper) GetStreams() *iostreams.IOStreams {
	return m.GetStreamsMock()
}

func (m *MockHelper) GetConfig() (config.Hook, error) {
	return m.GetConfigMock()
}

func (m *MockHelper) GetSettings() (*config.Settings, error) {
	return m.GetSettingsMock()
}

func (m *MockHelper) GetOutputFormat() (common.OutputFormat, error) {
	return m.GetOutputFormatMock()
}

func (m *MockHelper) GetLogger() (*slog.Logger, error) {
	return m.GetLoggerMock()
}

func (m *MockHelper) GetBuildInfo() (*build.Info, error) {
	return m.GetBuildInfoMock()
}

func (m *MockHelper) GetRunner() systemctl.Runner {
	return m.GetRunnerMock()
}

func (m *MockHelper) GetContext() context.Context {
	if m.GetContextMock == nil {
		return context.Background()
	}
	return m.GetContextMock()
}
