package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRootCmd returns the root cobra command for the vm-backup CLI.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	return newRootCmd(stdout, stderr, defaultDeps())
}

func newRootCmd(stdout, stderr io.Writer, d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "vm-backup",
		Short:         "Crash-consistent LVM snapshot backups of virtual machines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	addGlobalFlags(cmd)

	cmd.AddCommand(newVersionCmd(stdout, d))
	cmd.AddCommand(newBackupCmd(stdout, stderr, d))
	cmd.AddCommand(newOffsiteCmd(stdout, stderr, d))
	cmd.AddCommand(newListCmd(stdout, stderr, d))
	cmd.AddCommand(newPruneCmd(stdout, stderr, d))
	cmd.AddCommand(newVerifyCmd(stdout, stderr, d))

	return cmd
}

// Execute runs the CLI with the process stdio. SIGINT and SIGTERM cancel
// the run; snapshots already taken are still cleaned up.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := NewRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		return 1
	}
	return 0
}
