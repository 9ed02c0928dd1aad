package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxcompliance/internal/ledger"
)

func sweepCmd(opts *globalOpts) *cobra.Command {
	var table string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Re-verify every entry of a ledger table",
		Long:  "Recomputes the fingerprint of each entry. Exits non-zero when any entry fails.",
		RunE: func(cmd *cobra.Command, args []string) error {
			tables := []ledger.Table{ledger.TableGeneral, ledger.TablePrescription}
			if table != "all" {
				t := ledger.Table(table)
				if !t.Valid() {
					return fmt.Errorf("unknown table %q", table)
				}
				tables = []ledger.Table{t}
			}

			a, err := opts.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			violations := 0
			for _, t := range tables {
				report, err := a.Sweeper.Run(cmd.Context(), t)
				if report != nil {
					if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
						return perr
					}
					violations += len(report.Violations)
				}
				if err != nil {
					return err
				}
			}
			if violations > 0 {
				return fmt.Errorf("%d integrity violations found", violations)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&table, "table", "all", "Ledger table: general, prescription or all")
	return cmd
}
