package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"vm-backup/src/backup"
	"vm-backup/src/hypervisor"
	"vm-backup/src/lvm"
	"vm-backup/src/metrics"
)

func newBackupCmd(stdout, stderr io.Writer, d deps) *cobra.Command {
	var pushOffsite bool
	cmd := &cobra.Command{
		Use:   "backup [VM...]",
		Short: "Snapshot and back up virtual machines",
		Long: `Back up the named virtual machines, or the configured list, or every
virtual machine the hypervisor knows when neither is given.

Each VM's disks are grouped by the logical volume they live on, one snapshot
is taken per volume (with the VM paused when configured), and the disks are
copied out of the snapshots into <output-root>/<date>/<vm>.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, stderr, d)
			if err != nil {
				return err
			}
			ctx := contextOf(cmd)
			client, err := a.hypervisor()
			if err != nil {
				return err
			}
			defer client.Close()

			r := a.runner()
			o := a.orchestrator(client, r)
			names := args
			if len(names) == 0 {
				names = a.cfg.VMNames()
			}
			if getSafetyOptions(cmd).DryRun {
				return planBackup(ctx, stdout, o, client, names)
			}

			rep, runErr := o.Run(ctx, names)
			if rep == nil {
				return runErr
			}
			if err := renderReport(stdout, rep); err != nil {
				return err
			}

			var m *metrics.Run
			if a.cfg.Metrics.Textfile != "" {
				m = metrics.New()
				m.Observe(rep)
			}
			var offsiteErr error
			if pushOffsite {
				switch {
				case runErr != nil:
					a.log.Error("not pushing offsite: the run was cancelled")
				case len(rep.Jobs) == 0:
					a.log.Warn("not pushing offsite: nothing was backed up")
				case !rep.OK():
					a.log.Errorf("not pushing %s offsite: %d virtual machines failed", rep.Dir, len(rep.Failures()))
				default:
					offsiteErr = pushDir(ctx, a, r, stderr, rep.Dir, m)
				}
			}
			if m != nil {
				if err := m.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
					a.log.Warnf("could not write metrics to %s: %v", a.cfg.Metrics.Textfile, err)
				}
			}

			if runErr != nil {
				return runErr
			}
			if failed := rep.Failures(); len(failed) > 0 {
				return fmt.Errorf("%d of %d virtual machines failed", len(failed), len(rep.Jobs))
			}
			return offsiteErr
		},
	}
	cmd.Flags().BoolVar(&pushOffsite, "offsite", false, "Push the finished backup offsite when every VM succeeded")
	return cmd
}

// planBackup prints the snapshot groups each VM would use.
func planBackup(ctx context.Context, w io.Writer, o *backup.Orchestrator, client hypervisor.Client, names []string) error {
	if len(names) == 0 {
		all, err := client.List(ctx)
		if err != nil {
			return err
		}
		names = all
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VM\tSTATE\tGROUP\tVOLUME\tSNAPSHOT\tDISKS")
	for _, name := range names {
		vm, err := client.Lookup(ctx, name)
		if err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\t-\t-\terror: %v\n", name, err)
			continue
		}
		groups, err := o.Plan(ctx, vm)
		if err != nil {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\terror: %v\n", name, vm.State, err)
			continue
		}
		for _, g := range groups {
			var disks []string
			for _, m := range g.Members {
				disks = append(disks, m.Disk.Path)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", name, vm.State, g.Key(), g.Volume, lvm.SnapshotOf(g.Volume), strings.Join(disks, ","))
		}
	}
	return tw.Flush()
}

func renderReport(w io.Writer, rep *backup.Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VM\tSTATUS\tDURATION\tSNAPSHOTS\tARCHIVES\tWARNINGS\tDIRECTORY")
	for _, j := range rep.Jobs {
		status := "ok"
		if j.Failed {
			status = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", j.Name, status, j.Duration().Round(time.Second), j.Snapshots, len(j.Archives), len(j.Warnings), j.Dir)
	}
	return tw.Flush()
}
