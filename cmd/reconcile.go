package main

import (
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-enricher/internal/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair prospects left behind by stale locks or interrupted runs",
	Long:  "Runs the stale-lock pass then the orphan pass. Each repaired prospect is re-classified from its contacts and icebreaker and unlocked.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Sweeper.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "reconcile")
		}
		return render(os.Stdout, format, rep, func(w io.Writer) { formatSweepReport(w, rep) })
	},
}

func formatSweepReport(w io.Writer, rep *reconcile.Report) {
	rows := [][2]any{
		{"Stale locks found", rep.StaleLocks.Found},
		{"Stale locks repaired", rep.StaleLocks.Repaired},
		{"Orphans found", rep.Orphans.Found},
		{"Orphans repaired", rep.Orphans.Repaired},
		{"Skipped", rep.StaleLocks.Skipped + rep.Orphans.Skipped},
		{"Duration", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond).String()},
	}
	for _, e := range rep.Errors {
		rows = append(rows, [2]any{"Error", e})
	}
	formatKeyValues(w, rows)
}

func init() {
	addFormatFlag(reconcileCmd)
	rootCmd.AddCommand(reconcileCmd)
}
