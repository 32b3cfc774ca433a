package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"medguard.org/internal/audit"
	"medguard.org/internal/notify"
	"medguard.org/internal/obs"
)

func newScanCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run the anomaly heuristics once",
		Long: `Scan the audit trail for suspicious activity and record findings.
Findings already raised for the same window are refreshed, not repeated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			th := o.cfg.Thresholds()
			if err := th.Validate(); err != nil {
				return err
			}
			store, err := o.openStore()
			if err != nil {
				return err
			}
			s := audit.NewScanner(store,
				audit.WithThresholds(th),
				audit.WithScannerNotifier(notify.Log{Logger: obs.Component("alerts")}),
			)
			findings, err := s.Scan(cmd.Context())
			if err != nil {
				return err
			}
			if done, err := o.formatOutput(cmd.OutOrStdout(), findings); done {
				return err
			}
			if len(findings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No new findings.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSEVERITY\tUSER\tCOUNT\tDESCRIPTION")
			for _, f := range findings {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", f.ID, f.Kind, f.Severity, f.UserID, f.Count, f.Description)
			}
			return w.Flush()
		},
	}
}
