package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pontis-dev/pontis/internal/schedule"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List saved scheduled runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := schedule.LoadDir(cfg.Schedule.Dir)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Printf("no runs in %s\n", cfg.Schedule.Dir)
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tBACKEND\tCRON\tDIR")
		for _, run := range runs {
			cronExpr := run.Cron
			if cronExpr == "" {
				cronExpr = "(trigger only)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", run.Name, run.Backend, cronExpr, run.Dir)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
}
