package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	fusion "github.com/vinkius-labs/mcp-fusion"
	"github.com/vinkius-labs/mcp-fusion/config"
)

// NewToolsCmd creates the tools command.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the fused tools this binary serves",
		Long: "Tools prints every registered tool and the actions behind its\n" +
			"discriminator, with safety flags and guard limits.",
		Args: cobra.NoArgs,
		RunE: runTools,
	}

	cmd.Flags().Bool("json", false, "emit the tools/list descriptors as JSON")

	return cmd
}

func runTools(cmd *cobra.Command, args []string) error {
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}

	registry := NewDemoRegistry(config.LimitsConfig{})

	if asJSON {
		data, err := json.MarshalIndent(registry.Descriptors(), "", "  ")
		if err != nil {
			return exitError(exitRuntime, "encoding descriptors: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tACTION\tFLAGS\tGUARD\tDESCRIPTION")
	for _, tool := range registry.All() {
		for _, action := range tool.Actions() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				tool.Name(), action.Key, actionFlags(action), guardLimits(action), action.Description)
		}
	}
	return w.Flush()
}

// actionFlags renders the safety annotations for one listing row.
func actionFlags(a *fusion.Action) string {
	flags := make([]string, 0, 3)
	if a.ReadOnly {
		flags = append(flags, "read-only")
	}
	if a.Destructive {
		flags = append(flags, "destructive")
	}
	if a.Idempotent {
		flags = append(flags, "idempotent")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

// guardLimits renders the effective admission guard as "active/queue".
func guardLimits(a *fusion.Action) string {
	g := a.Guard()
	if g == nil {
		return "-"
	}
	return fmt.Sprintf("%d/%d", g.MaxActive(), g.MaxQueue())
}
