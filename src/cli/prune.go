package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"vm-backup/src/backup"
	"vm-backup/src/safety"
)

func newPruneCmd(stdout, stderr io.Writer, d deps) *cobra.Command {
	var (
		keep       int
		incomplete bool
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old local backups, keeping the newest N dates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep <= 0 {
				return errors.New("--keep must be > 0")
			}
			b, err := openBackend(cmd, stderr, d)
			if err != nil {
				return err
			}
			today := d.clock.Now().Format(backup.DateLayout)
			toDelete, err := b.PlanPrune(keep, incomplete, today)
			if err != nil {
				return err
			}

			// Preview
			tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "DATE\tSTATUS\tPATH\tACTION")
			for _, p := range toDelete {
				fmt.Fprintf(tw, "%s\t%s\t%s\tdelete\n", p.Date, p.Status, p.Path)
			}
			_ = tw.Flush()

			opts := getSafetyOptions(cmd)
			if opts.DryRun || len(toDelete) == 0 {
				return nil
			}
			ok, err := safety.ConfirmRemoval(opts, d.stdin, stdout, safety.Removal{Where: "local", Count: len(toDelete)})
			if err != nil || !ok {
				return err
			}
			var errs []error
			for _, p := range toDelete {
				if err := os.RemoveAll(p.Path); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
	addRootFlag(cmd)
	cmd.Flags().IntVar(&keep, "keep", 7, "Number of recent backup dates to keep")
	cmd.Flags().BoolVar(&incomplete, "incomplete", false, "Also delete incomplete backups from earlier days")
	return cmd
}
