package version

import (
	"fmt"
	"io"

	"github.com/kong/systemctl2mqtt/internal/cmd"
	"github.com/kong/systemctl2mqtt/internal/cmd/common"
	"github.com/kong/systemctl2mqtt/internal/meta"
	"github.com/segmentio/cli"
	"github.com/spf13/cobra"
)

const (
	ShowCommitFlagName   = "show-commit"
	ShowCommitConfigPath = "version." + ShowCommitFlagName
)

var (
	versionUse   = "version"
	versionShort = fmt.Sprintf("Print the %s version", meta.CLIName)
	versionLong  = cmd.LongDesc(`
	The version command prints the agent version. The same value is published,
	retained, on the {topic-prefix}/{name}/version topic while the agent runs.`)
	versionExample = cmd.Examples(fmt.Sprintf(`
		# Print the simple version
		%[1]s version
		# Print the version and the git commit hash as JSON
		%[1]s version --show-commit -o json
		`, meta.CLIName))
)

// Build a new instance of the version command
func NewVersionCmd() *cobra.Command {
	rv := &cobra.Command{
		Use:     versionUse,
		Short:   versionShort,
		Long:    versionLong,
		Example: versionExample,
		PreRunE: func(c *cobra.Command, args []string) error {
			return bindFlags(c, args)
		},
		RunE: func(c *cobra.Command, args []string) error {
			helper := cmd.BuildHelper(c, args)
			if err := validate(helper); err != nil {
				return err
			}
			return run(helper)
		},
	}

	rv.Flags().Bool(ShowCommitFlagName, false,
		fmt.Sprintf("True to show the git commit hash when built.\n (config path = '%s')", ShowCommitConfigPath))

	return rv
}

func bindFlags(c *cobra.Command, args []string) error {
	helper := cmd.BuildHelper(c, args)
	cfg, err := helper.GetConfig()
	if err != nil {
		return err
	}
	return cfg.BindFlag(ShowCommitConfigPath, c.Flags().Lookup(ShowCommitFlagName))
}

// Validate ensures the configured command is valid
func validate(helper cmd.Helper) error {
	_, err := helper.GetOutputFormat()
	return err
}

// Run performs the actual version command logic
func run(helper cmd.Helper) error {
	info, err := helper.GetBuildInfo()
	if err != nil {
		return err
	}
	result := map[string]any{
		"version": info.String(),
	}

	cfg, err := helper.GetConfig()
	if err != nil {
		return err
	}
	if cfg.GetBool(ShowCommitConfigPath) {
		result["commit"] = info.Commit
		result["date"] = info.Date
	}

	outType, err := helper.GetOutputFormat()
	if err != nil {
		return err
	}

	if outType == common.TEXT {
		return printText(result, helper.GetStreams().Out)
	}

	p, err := cli.Format(outType.String(), helper.GetStreams().Out)
	if err != nil {
		return cmd.PrepareExecutionErrorFromErr(helper, err)
	}
	defer p.Flush()
	p.Print(result)

	return nil
}

func printText(data map[string]any, out io.Writer) error {
	if _, err := fmt.Fprintf(out, "%s", data["version"]); err != nil {
		return err
	}
	if commit, ok := data["commit"]; ok {
		if _, err := fmt.Fprintf(out, " (%s)", commit); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(out)
	return err
}
