package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"vm-backup/src/backend"
	dir "vm-backup/src/backend/directory"
	"vm-backup/src/metrics"
	"vm-backup/src/offsite"
	"vm-backup/src/pipeline"
	"vm-backup/src/safety"
)

func newOffsiteCmd(stdout, stderr io.Writer, d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offsite",
		Short: "Encrypt backups and manage the offsite copies",
	}
	cmd.AddCommand(newOffsitePushCmd(stdout, stderr, d))
	cmd.AddCommand(newOffsitePruneCmd(stdout, stderr, d))
	return cmd
}

func newOffsitePushCmd(stdout, stderr io.Writer, d deps) *cobra.Command {
	return &cobra.Command{
		Use:   "push [DATE]",
		Short: "Encrypt a completed backup and push it offsite",
		Long: `Encrypt the backup of DATE (YYYY-MM-DD, default: the newest completed
backup) and push it to offsite.target. Remote backups older than
offsite.expiry-days are removed afterwards, but only when the push succeeded.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, stderr, d)
			if err != nil {
				return err
			}
			b, err := dir.New(a.cfg.Local.OutputRoot)
			if err != nil {
				return err
			}
			var dd dir.DateDir
			if len(args) == 1 {
				dd, err = b.Lookup(args[0])
			} else {
				dd, err = b.Latest()
			}
			if err != nil {
				return err
			}
			if dd.Status != backend.StatusComplete {
				return fmt.Errorf("refusing to push %s: the backup is incomplete", dd.Path)
			}
			if getSafetyOptions(cmd).DryRun {
				fmt.Fprintf(stdout, "would push %s as %s\n", dd.Path, offsite.Description(a.cfg.Offsite.DescriptionPrefix, dd.Path))
				return nil
			}
			return pushDir(contextOf(cmd), a, a.runner(), stderr, dd.Path, nil)
		},
	}
}

// pushDir encrypts and pushes dir, then expires old remote backups. m, when
// set, records the outcome.
func pushDir(ctx context.Context, a *app, r pipeline.Runner, progress io.Writer, path string, m *metrics.Run) error {
	t, err := a.transfer(ctx, r, progress)
	if err != nil {
		return err
	}
	n, err := t.Run(ctx, path, offsite.Description(a.cfg.Offsite.DescriptionPrefix, path))
	if m != nil {
		m.ObserveOffsite(a.now(), n, err)
	}
	return err
}

func newOffsitePruneCmd(stdout, stderr io.Writer, d deps) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove offsite backups older than offsite.expiry-days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, stderr, d)
			if err != nil {
				return err
			}
			ctx := contextOf(cmd)
			t, err := a.transfer(ctx, a.runner(), stderr)
			if err != nil {
				return err
			}
			cutoff := a.now().Add(-t.Expiry)
			fmt.Fprintf(stdout, "Removing backups on %s created before %s\n", t.Sink.Name(), cutoff.Format(time.DateOnly))
			ok, err := safety.ConfirmRemoval(getSafetyOptions(cmd), d.stdin, stdout, safety.Removal{Where: t.Sink.Name(), Count: -1})
			if err != nil || !ok {
				return err
			}
			return t.RemoveExpired(ctx)
		},
	}
}
