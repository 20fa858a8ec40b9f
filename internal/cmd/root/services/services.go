package services

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/kong/systemctl2mqtt/internal/cmd"
	"github.com/kong/systemctl2mqtt/internal/cmd/common"
	"github.com/kong/systemctl2mqtt/internal/filter"
	"github.com/kong/systemctl2mqtt/internal/meta"
	"github.com/kong/systemctl2mqtt/internal/systemctl"
	"github.com/segmentio/cli"
	"github.com/spf13/cobra"
)

const loadedState = "loaded"

var (
	servicesUse   = "services"
	servicesShort = "List the services the agent would monitor"
	servicesLong  = cmd.LongDesc(`
	Runs one service census and reports, for every service, whether it passes
	the configured whitelist and blacklist and would be registered with the
	broker. Use it to check filter patterns before starting the agent.`)
	servicesExample = cmd.Examples(fmt.Sprintf(`
		# Show which services match the whitelist
		%[1]s services --whitelist 'docker' --whitelist 'ssh'
		# Machine readable output
		%[1]s services --blacklist 'systemd-.*' -o json
		`, meta.CLIName))
)

// Service is one census entry with its filter verdict.
type Service struct {
	Unit        string `json:"unit" yaml:"unit"`
	Load        string `json:"load" yaml:"load"`
	Active      string `json:"active" yaml:"active"`
	Sub         string `json:"sub" yaml:"sub"`
	Description string `json:"description" yaml:"description"`
	Monitored   bool   `json:"monitored" yaml:"monitored"`
	// MatchedBy is the whitelist entry that admitted the service, if any
	MatchedBy string `json:"matched_by,omitempty" yaml:"matched_by,omitempty"`
}

func NewServicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     servicesUse,
		Short:   servicesShort,
		Long:    servicesLong,
		Example: servicesExample,
		Args:    cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return run(cmd.BuildHelper(c, args))
		},
	}
}

func run(helper cmd.Helper) error {
	settings, err := helper.GetSettings()
	if err != nil {
		return err
	}
	policy, err := settings.Policy()
	if err != nil {
		return &cmd.ConfigurationError{Err: err}
	}
	outType, err := helper.GetOutputFormat()
	if err != nil {
		return err
	}

	units, err := systemctl.New(helper.GetRunner()).ListServices(helper.GetContext())
	if err != nil {
		return cmd.PrepareExecutionError("could not list services", err, helper.GetCmd())
	}
	result := Evaluate(units, policy)

	out := helper.GetStreams().Out
	if outType == common.TEXT {
		return printText(result, out)
	}
	p, err := cli.Format(outType.String(), out)
	if err != nil {
		return cmd.PrepareExecutionErrorFromErr(helper, err)
	}
	defer p.Flush()
	p.Print(result)
	return nil
}

// Evaluate applies the agent's registration rule to a census: a service is
// monitored when it is loaded and passes the policy.
func Evaluate(units []systemctl.Unit, policy *filter.Policy) []Service {
	result := make([]Service, 0, len(units))
	for _, u := range units {
		s := Service{
			Unit:        u.Unit,
			Load:        u.Load,
			Active:      u.Active,
			Sub:         u.Sub,
			Description: u.Description,
			Monitored:   u.Load == loadedState && policy.Allows(u.Unit),
		}
		if s.Monitored {
			s.MatchedBy = policy.MatchingWhitelistEntry(u.Unit)
		}
		result = append(result, s)
	}
	return result
}

func printText(services []Service, out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tLOAD\tACTIVE\tSUB\tMONITORED\tMATCHED BY")
	for _, s := range services {
		monitored := "no"
		if s.Monitored {
			monitored = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", s.Unit, s.Load, s.Active, s.Sub, monitored, s.MatchedBy)
	}
	return w.Flush()
}
