package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"medguard.org/internal/audit"
	"medguard.org/internal/obs"
)

func newRetentionCmd(o *options) *cobra.Command {
	retention := &cobra.Command{
		Use:   "retention",
		Short: "Manage audit retention",
	}
	retention.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Apply every active retention policy once",
		Long: `Archive and delete audit entries older than their category's
retention period. PHI categories never drop below the configured floor.

Examples:
  auditctl retention run
  auditctl retention run -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := o.openStore()
			if err != nil {
				return err
			}
			r := audit.NewRetention(store,
				audit.WithRetentionFloor(o.cfg.Audit.RetentionFloorDays, o.cfg.PHICategories()...),
				audit.WithDefaultArchiveDir(o.cfg.Audit.ArchiveDir),
				audit.WithRetentionLogger(obs.Component("retention")),
			)
			reports, runErr := r.Run(cmd.Context())
			if done, err := o.formatOutput(cmd.OutOrStdout(), reports); done {
				return errors.Join(err, runErr)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CATEGORY\tCUTOFF\tARCHIVED\tDELETED\tERROR")
			for _, rep := range reports {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", rep.Category, rep.Cutoff.Format(time.RFC3339), rep.Archived, rep.Deleted, rep.Error)
			}
			w.Flush()
			return runErr
		},
	})
	return retention
}
