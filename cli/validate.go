package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vinkius-labs/mcp-fusion/config"
)

// NewValidateCmd creates the validate command.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a fusion.yaml config file",
		Long: "Validate parses a fusion.yaml strictly (unknown fields are\n" +
			"rejected) and reports every validation issue. Without a path it\n" +
			"uses the same discovery as serve: ./fusion.yaml, then\n" +
			"~/.fusion/config.yaml.",
		Args: cobra.MaximumNArgs(1),
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	explicit := ""
	if len(args) == 1 {
		explicit = args[0]
	}

	path, found, err := config.Discover(explicit)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	if !found {
		return exitError(exitConfig, "no config file found (looked for ./fusion.yaml and ~/.fusion/config.yaml)")
	}

	cfg, err := config.Load(path)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			var b strings.Builder
			fmt.Fprintf(&b, "%s: %d issue(s)", path, len(verr.Issues))
			for _, issue := range verr.Issues {
				fmt.Fprintf(&b, "\n  - %s", issue)
			}
			return exitError(exitConfig, "%s", b.String())
		}
		return exitError(exitConfig, "%v", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: valid\n", path)
	fmt.Fprintf(out, "  transport: %s\n", cfg.Server.Transport)
	if cfg.Server.Transport == config.TransportHTTP {
		fmt.Fprintf(out, "  listen: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Server.SQLitePath != "" {
		fmt.Fprintf(out, "  journal: %s (retention %dd)\n", cfg.Server.SQLitePath, cfg.Journal.Retention())
	}
	return nil
}
