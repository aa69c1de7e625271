package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/launchpad/internal/config"
	"github.com/yairfalse/launchpad/internal/history"
)

var (
	historyLimit    int
	historyInstance string
	historyJSON     bool
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded provisioning runs",
	Long: `List provisioning runs recorded in the local history database,
newest first. With --instance, show every step of the run that launched
the given instance.`,
	Example: `  launchpad history
  launchpad history --limit 5
  launchpad history --instance i-0123456789abcdef0`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of runs to list (0 for all)")
	historyCmd.Flags().StringVar(&historyInstance, "instance", "", "Show the run that launched this instance")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print runs as JSON")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path, err := config.ExpandPath(cfg.History.Path)
	if err != nil {
		return err
	}

	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()

	if historyInstance != "" {
		run, err := store.FindByInstance(historyInstance)
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(out, run)
		}
		printRunDetail(out, run)
		return nil
	}

	runs, err := store.List(historyLimit)
	if err != nil {
		return err
	}
	if historyJSON {
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	printRuns(out, runs)
	return nil
}

func printRuns(out io.Writer, runs []*history.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STARTED\tSTATUS\tREGION\tKEY\tINSTANCE\tDURATION")

	for _, r := range runs {
		instance := r.InstanceID
		if instance == "" {
			instance = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime),
			r.Status,
			r.Region,
			r.KeyName,
			instance,
			r.Duration().Round(time.Millisecond),
		)
	}
	_ = w.Flush()
}

func printRunDetail(out io.Writer, r *history.Run) {
	_, _ = fmt.Fprintf(out, "Run %s (%s)\n", r.ID, r.Status)
	_, _ = fmt.Fprintf(out, "  region:   %s\n", r.Region)
	_, _ = fmt.Fprintf(out, "  key:      %s\n", r.KeyName)
	_, _ = fmt.Fprintf(out, "  image:    %s %s\n", r.ImageName, r.ImageID)
	_, _ = fmt.Fprintf(out, "  instance: %s (%s)\n", r.InstanceID, r.InstanceType)
	if r.Error != "" {
		_, _ = fmt.Fprintf(out, "  error:    %s\n", r.Error)
	}
	_, _ = fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AT\tSTEP\tSTATUS\tRESOURCE\tERROR")
	for _, ev := range r.Events {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			ev.At.Local().Format(time.TimeOnly),
			ev.Step,
			ev.Status,
			ev.ResourceID,
			ev.Error,
		)
	}
	_ = w.Flush()
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
