package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-enricher/internal/monitoring"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline health and any alerts that would fire",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		hours, _ := cmd.Flags().GetInt("hours")
		if !cmd.Flags().Changed("hours") && cfg.Monitoring.LookbackWindowHours > 0 {
			hours = cfg.Monitoring.LookbackWindowHours
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.Collector.Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		alerts := monitoring.NewAlerter(cfg.Monitoring).Evaluate(snap)

		out := struct {
			Snapshot *monitoring.MetricsSnapshot `json:"snapshot" yaml:"snapshot"`
			Alerts   []monitoring.Alert          `json:"alerts" yaml:"alerts"`
		}{snap, alerts}
		return render(os.Stdout, format, out, func(w io.Writer) {
			formatKeyValues(w, [][2]any{
				{"Window", fmt.Sprintf("last %dh", snap.LookbackHours)},
				{"Jobs", snap.JobsTotal},
				{"Running", snap.JobsRunning},
				{"Paused", snap.JobsPaused},
				{"Paused (exhausted)", snap.JobsExhausted},
				{"Completed", snap.JobsCompleted},
				{"Processed", snap.Processed},
				{"Failure rate", fmt.Sprintf("%.1f%%", snap.FailRate*100)},
				{"Stale locks", snap.StaleLocks},
				{"Orphans", snap.Orphans},
			})
			for _, a := range alerts {
				_, _ = fmt.Fprintf(w, "[%s] %s\n", a.Severity, a.Message)
			}
		})
	},
}

func init() {
	statusCmd.Flags().Int("hours", 24, "lookback window in hours (default from config)")
	addFormatFlag(statusCmd)
	rootCmd.AddCommand(statusCmd)
}
