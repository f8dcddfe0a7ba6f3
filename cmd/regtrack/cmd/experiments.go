package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/regtrack/tracking"
)

var experimentsCmd = &cobra.Command{
	Use:   "experiments",
	Short: "inspect experiments in the tracking backend.",
}

var experimentsListCmd = &cobra.Command{
	Use:          "list [flags]",
	Short:        "list experiments.",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := tracking.ParseViewType(cmd.Flag("view").Value.String())
		if err != nil {
			return err
		}
		client, err := newClient(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		exps, err := client.SearchExperiments(cmd.Context(), view)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTAGE\tARTIFACT LOCATION")
		for _, e := range exps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ExperimentID, e.Name, e.LifecycleStage, e.ArtifactLocation)
		}
		return w.Flush()
	},
}

func init() {
	experimentsListCmd.Flags().String("view", "ACTIVE_ONLY", "ACTIVE_ONLY, DELETED_ONLY or ALL")
	experimentsCmd.AddCommand(experimentsListCmd)
	rootCmd.AddCommand(experimentsCmd)
}
