// Package cmd implements the auditctl maintenance commands.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"medguard.org/internal/config"
	"medguard.org/internal/obs"
	"medguard.org/internal/store/pg"
)

// Version is set at build time.
var Version = "0.1.0"

type options struct {
	configPath   string
	dsn          string
	outputFormat string

	cfg   *config.Config
	store *pg.Store
}

// NewRootCmd builds the auditctl command tree.
func NewRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "auditctl",
		Short: "Offline maintenance for the medguard audit trail and policy",
		Long: `auditctl runs the scheduled audit jobs on demand and seeds policy.

It reads the same settings as the API: an optional YAML file named by
--config or MEDGUARD_CONFIG, then MEDGUARD_* environment variables.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			path := o.configPath
			if path == "" {
				path = os.Getenv(config.EnvPrefix + "_CONFIG")
			}
			cfg, err := config.Decode(path)
			if err != nil {
				return err
			}
			if o.dsn != "" {
				cfg.Database.DSN = o.dsn
			}
			obs.SetLevel(cfg.Log.Level)
			o.cfg = cfg
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if o.store != nil {
				o.store.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", "", "config file (default: $MEDGUARD_CONFIG)")
	root.PersistentFlags().StringVar(&o.dsn, "dsn", "", "PostgreSQL DSN, overrides database.dsn")
	root.PersistentFlags().StringVarP(&o.outputFormat, "output", "o", "table", "Output format: table, json, yaml")

	root.AddCommand(
		newRetentionCmd(o),
		newScanCmd(o),
		newReportCmd(o),
		newPolicyCmd(o),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func (o *options) openStore() (*pg.Store, error) {
	if o.store != nil {
		return o.store, nil
	}
	if o.cfg == nil || o.cfg.Database.DSN == "" {
		return nil, errors.New("database.dsn is required: set --dsn or MEDGUARD_DATABASE_DSN")
	}
	s, err := pg.Open(o.cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	o.store = s
	return s, nil
}

// formatOutput writes data as JSON or YAML and reports whether it did.
// Table output is left to each command.
func (o *options) formatOutput(w io.Writer, data any) (bool, error) {
	switch o.outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return true, err
		}
		_, err = w.Write(out)
		return true, err
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q", o.outputFormat)
	}
}
