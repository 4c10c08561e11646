package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-enricher/internal/jobs"
)

var emergencyStopCmd = &cobra.Command{
	Use:   "emergency-stop",
	Short: "Pause every running job and release every enrichment lock",
	Long:  "Pauses all running jobs and clears all enrichment locks. Prospect statuses are left as they are; run reconcile afterwards to repair prospects stranded in enriching.",
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

		rep, err := jobs.EmergencyStop(ctx, env.Store, env.Locker)
		if err != nil {
			return eris.Wrap(err, "emergency stop")
		}
		return render(os.Stdout, format, rep, func(w io.Writer) {
			formatKeyValues(w, [][2]any{
				{"Jobs paused", rep.JobsPaused},
				{"Locks released", rep.LocksReleased},
			})
		})
	},
}

func init() {
	addFormatFlag(emergencyStopCmd)
	rootCmd.AddCommand(emergencyStopCmd)
}
