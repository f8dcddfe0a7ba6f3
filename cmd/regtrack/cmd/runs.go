package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/regtrack/pkg/errors"
	"github.com/YuminosukeSato/regtrack/tracking"
	"github.com/YuminosukeSato/regtrack/tracking/archive"
	"github.com/YuminosukeSato/regtrack/tracking/artifacts"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "inspect and export runs.",
}

var runsListCmd = &cobra.Command{
	Use:          "list [flags]",
	Short:        "list runs of an experiment, newest first.",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		flags := cmd.Flags()
		expName, _ := flags.GetString("experiment-name")
		expID, _ := flags.GetString("experiment-id")
		maxResults, _ := flags.GetInt("max-results")
		viewName, _ := flags.GetString("view")
		view, err := tracking.ParseViewType(viewName)
		if err != nil {
			return err
		}

		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if expID == "" {
			exp, err := client.GetExperimentByName(ctx, expName)
			if err != nil {
				return err
			}
			expID = exp.ExperimentID
		}
		runs, err := client.SearchRuns(ctx, []string{expID}, view, maxResults)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN ID\tNAME\tSTATUS\tSTART\tDURATION")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Info.RunID, r.Info.RunName, r.Info.Status,
				formatMillis(r.Info.StartTime), runDuration(r.Info))
		}
		return w.Flush()
	},
}

var runsGetCmd = &cobra.Command{
	Use:          "get <run-id>",
	Short:        "show a run's params, metrics, tags, inputs and artifacts.",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		run, err := client.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		repo, err := client.ArtifactRepository(run.Info)
		if err != nil {
			return err
		}
		return printRun(ctx, cmd.OutOrStdout(), run, repo)
	},
}

var runsExportCmd = &cobra.Command{
	Use:          "export <run-id> <file.tar.xz>",
	Short:        "export a run and its artifacts to a tar.xz archive.",
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		f, err := os.Create(args[1])
		if err != nil {
			return errors.Wrapf(err, "create %s", args[1])
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = errors.Wrapf(cerr, "close %s", args[1])
			}
		}()
		if err := archive.ExportRun(ctx, client, args[0], f); err != nil {
			return err
		}
		st, err := f.Stat()
		if err != nil {
			return errors.Wrapf(err, "stat %s", args[1])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported run %s to %s (%s)\n", args[0], args[1], units.HumanSize(float64(st.Size())))
		return nil
	},
}

func init() {
	flags := runsListCmd.Flags()
	flags.String("experiment-name", "dummy-regressor", "experiment name")
	flags.String("experiment-id", "", "experiment id; overrides --experiment-name")
	flags.Int("max-results", 100, "maximum number of runs")
	flags.String("view", "ACTIVE_ONLY", "ACTIVE_ONLY, DELETED_ONLY or ALL")

	runsCmd.AddCommand(runsListCmd, runsGetCmd, runsExportCmd)
	rootCmd.AddCommand(runsCmd)
}

func printRun(ctx context.Context, out io.Writer, run *tracking.Run, repo artifacts.Repository) error {
	info := run.Info
	fmt.Fprintf(out, "Run:        %s (%s)\n", info.RunID, info.RunName)
	fmt.Fprintf(out, "Experiment: %s\n", info.ExperimentID)
	fmt.Fprintf(out, "Status:     %s\n", info.Status)
	fmt.Fprintf(out, "Started:    %s\n", formatMillis(info.StartTime))
	fmt.Fprintf(out, "Duration:   %s\n", runDuration(info))
	fmt.Fprintf(out, "Artifacts:  %s\n", info.ArtifactURI)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	section := func(title string, kv map[string]string) {
		if len(kv) == 0 {
			return
		}
		fmt.Fprintf(w, "\n%s\n", title)
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s\t%s\n", k, kv[k])
		}
	}
	section("Params", run.Data.ParamMap())
	metrics := make(map[string]string, len(run.Data.Metrics))
	for _, m := range run.Data.Metrics {
		metrics[m.Key] = fmt.Sprintf("%.6g", m.Value)
	}
	section("Metrics", metrics)
	section("Tags", run.Data.TagMap())

	if len(run.Inputs.DatasetInputs) > 0 {
		fmt.Fprintln(w, "\nInputs")
		for _, in := range run.Inputs.DatasetInputs {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", in.Dataset.Name, in.Dataset.Digest, in.Dataset.SourceType)
		}
	}

	fmt.Fprintln(w, "\nArtifact files")
	var total int64
	err := artifacts.WalkFiles(ctx, repo, "", func(f artifacts.FileInfo) error {
		total += f.FileSize
		_, err := fmt.Fprintf(w, "  %s\t%s\n", f.Path, units.HumanSize(float64(f.FileSize)))
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  total\t%s\n", units.HumanSize(float64(total)))
	return w.Flush()
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}

func runDuration(info tracking.RunInfo) string {
	if info.EndTime == 0 {
		return "-"
	}
	return units.HumanDuration(time.Duration(info.EndTime-info.StartTime) * time.Millisecond)
}
