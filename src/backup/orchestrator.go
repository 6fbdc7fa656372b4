// Package backup runs crash-consistent backups of virtual machines: it
// snapshots the logical volumes under each VM's disks, copies the disks out
// of the snapshots into compressed archives and always removes the
// snapshots again.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"vm-backup/src/hypervisor"
	"vm-backup/src/lvm"
	"vm-backup/src/mountgroup"
	"vm-backup/src/pause"
	"vm-backup/src/pipeline"
)

// DefaultCompressor is the stage disks and configuration are piped through.
const DefaultCompressor = "gzip"

// Orchestrator backs up VMs one at a time.
type Orchestrator struct {
	Hypervisor hypervisor.Client
	Runner     pipeline.Runner
	LVM        *lvm.Manager
	Grouper    *mountgroup.Grouper
	Pause      *pause.Coordinator
	Log        logrus.FieldLogger

	// Root is the output root holding the dated backup directories.
	Root string
	// Compressor is a shell stage reading stdin and writing stdout.
	Compressor string
	// Verbose lists archived configuration files.
	Verbose bool
	// SnapshotArgs overrides the lvcreate arguments per VM name.
	SnapshotArgs map[string][]string

	RunID string
	Now   func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) compressor() string {
	if o.Compressor == "" {
		return DefaultCompressor
	}
	return o.Compressor
}

func (o *Orchestrator) logger() logrus.FieldLogger {
	if o.Log == nil {
		return logrus.StandardLogger()
	}
	return o.Log
}

// groupState tracks one mountpoint group through the job.
type groupState struct {
	group *mountgroup.Group
	snap  *lvm.Snapshot
}

// BackupVM backs vm up into dir. The returned job carries the outcome; every
// snapshot created along the way has been removed, or reported as a warning,
// by the time it returns.
func (o *Orchestrator) BackupVM(ctx context.Context, vm *hypervisor.VirtualMachine, dir string) *Job {
	job := &Job{Name: vm.Name, VM: vm, Dir: dir, Start: o.now()}
	log := o.logger().WithFields(logrus.Fields{"vm": vm.Name, "run": o.RunID})

	// Per-job copies so every log line carries the VM.
	mgr := *o.LVM
	mgr.Log = log
	coord := *o.Pause
	coord.Log = log

	defer func() {
		job.End = o.now()
		if job.Failed {
			log.WithError(job.Err).Errorf("backup of %s failed", vm.Name)
		}
	}()

	disks := backupDisks(vm.Disks, log)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		job.fail(err)
		return job
	}

	if err := o.backupConfig(ctx, job, vm, disks, log); err != nil {
		job.fail(err)
		return job
	}

	groups, err := o.Grouper.Group(ctx, disks)
	if err != nil {
		job.fail(err)
		return job
	}
	states := make([]*groupState, len(groups))
	for i, g := range groups {
		states[i] = &groupState{group: g}
	}

	defer o.removeSnapshots(ctx, &mgr, job, states, log)

	err = coord.WhilePaused(ctx, vm, func() error {
		for _, st := range states {
			snap, err := mgr.CreateSnapshot(ctx, st.group.Volume, o.SnapshotArgs[vm.Name])
			if err != nil {
				return err
			}
			st.snap = snap
			job.Snapshots++
		}
		return nil
	})
	if err != nil {
		job.fail(err)
		return job
	}

	names := map[string]bool{}
	for _, st := range states {
		if err := o.copyGroup(ctx, &mgr, job, st, names, log); err != nil {
			job.fail(err)
			return job
		}
	}

	if err := writeManifest(job, o.RunID); err != nil {
		job.fail(fmt.Errorf("writing manifest: %w", err))
	}
	return job
}

// Plan returns the snapshot groups BackupVM would use for vm. Nothing on the
// host is changed.
func (o *Orchestrator) Plan(ctx context.Context, vm *hypervisor.VirtualMachine) ([]*mountgroup.Group, error) {
	return o.Grouper.Group(ctx, backupDisks(vm.Disks, o.logger()))
}

// backupDisks drops removable media and adds the ancestors of every disk,
// keeping the first occurrence of each path.
func backupDisks(disks []hypervisor.Disk, log logrus.FieldLogger) []hypervisor.Disk {
	seen := map[string]bool{}
	var out []hypervisor.Disk
	add := func(d hypervisor.Disk) {
		if seen[d.Path] {
			return
		}
		seen[d.Path] = true
		out = append(out, d)
	}
	for _, d := range disks {
		if d.Removable {
			log.Debugf("skipping removable disk %s", d.Path)
			continue
		}
		add(hypervisor.Disk{Path: d.Path, Kind: d.Kind})
		for _, a := range d.Ancestors {
			add(hypervisor.Disk{Path: a, Kind: d.Kind})
		}
	}
	return out
}

// backupConfig archives the exported configuration directory, leaving out
// any disk images stored inside it.
func (o *Orchestrator) backupConfig(ctx context.Context, job *Job, vm *hypervisor.VirtualMachine, disks []hypervisor.Disk, log logrus.FieldLogger) error {
	log.Infof("== Backing up %s Config", vm.Name)
	export, err := o.Hypervisor.ExportConfig(ctx, vm)
	if err != nil {
		return fmt.Errorf("exporting config of %s: %w: %w", vm.Name, ErrConfigBackup, err)
	}
	defer func() {
		if err := export.Close(); err != nil {
			log.Warnf("could not clean up config export: %v", err)
		}
	}()

	src := filepath.Clean(export.Dir)
	flags := "cz"
	if o.Verbose {
		flags = "cvz"
	}
	args := []string{flags, "-C", filepath.Dir(src)}
	for _, d := range disks {
		if rel, ok := under(src, d.Path); ok {
			args = append(args, "--exclude", rel)
		}
	}
	args = append(args, filepath.Base(src))

	p := pipeline.New(pipeline.Command("tar", args...)).Redirect(filepath.Join(job.Dir, ConfigArchive))
	if err := o.Runner.Run(ctx, p); err != nil {
		return fmt.Errorf("archiving config of %s: %w: %w", vm.Name, ErrConfigBackup, err)
	}
	job.Archives = append(job.Archives, Archive{Path: ConfigArchive, Source: src})
	return nil
}

// under returns path relative to dir when path lies inside it.
func under(dir, path string) (string, bool) {
	rel, err := filepath.Rel(dir, filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func (o *Orchestrator) copyGroup(ctx context.Context, mgr *lvm.Manager, job *Job, st *groupState, names map[string]bool, log logrus.FieldLogger) error {
	if err := os.MkdirAll(filepath.Join(job.Dir, DisksDir), 0o755); err != nil {
		return err
	}
	if st.group.Block {
		d := st.group.Members[0].Disk
		size, err := mgr.DeviceSize(ctx, st.snap)
		if err != nil {
			log.Warnf("no size hint for %s: %v", st.snap.Volume, err)
			size = 0
		}
		return o.copyDisk(ctx, job, d.Path, mgr.ReadCommand(st.snap), size, names, log)
	}
	return mgr.WithMounted(ctx, st.snap, func(mnt string) error {
		for _, m := range st.group.Members {
			src := filepath.Join(mnt, m.Relative)
			var size int64
			if fi, err := os.Stat(src); err == nil {
				size = fi.Size()
			}
			if err := o.copyDisk(ctx, job, m.Disk.Path, pipeline.Command("cat", src), size, names, log); err != nil {
				return err
			}
		}
		return nil
	})
}

// copyDisk pipes reader through the compressor into HDDs/<basename>.gz.
func (o *Orchestrator) copyDisk(ctx context.Context, job *Job, diskPath, reader string, size int64, names map[string]bool, log logrus.FieldLogger) error {
	name := archiveName(filepath.Base(diskPath), names)
	if name != filepath.Base(diskPath)+".gz" {
		msg := fmt.Sprintf("%s shares its file name with another disk, archived as %s", diskPath, name)
		log.Warn(msg)
		job.warn(msg)
	}
	rel := filepath.Join(DisksDir, name)
	log.Infof("== Backing up %s HDD %s", job.Name, filepath.Base(diskPath))
	p := pipeline.New(reader, o.compressor()).Meter(size).Redirect(filepath.Join(job.Dir, rel))
	if err := o.Runner.Run(ctx, p); err != nil {
		return fmt.Errorf("copying %s: %w: %w", diskPath, ErrDiskCopy, err)
	}
	job.Archives = append(job.Archives, Archive{Path: rel, Source: diskPath, Size: size})
	return nil
}

// archiveName picks <base>.gz, or <base>-N.gz when that name is taken.
func archiveName(base string, taken map[string]bool) string {
	name := base + ".gz"
	for n := 2; taken[name]; n++ {
		name = base + "-" + strconv.Itoa(n) + ".gz"
	}
	taken[name] = true
	return name
}

// removeSnapshots removes every snapshot created by the job, even when the
// run has been cancelled. Failures become warnings.
func (o *Orchestrator) removeSnapshots(ctx context.Context, mgr *lvm.Manager, job *Job, states []*groupState, log logrus.FieldLogger) {
	ctx = context.WithoutCancel(ctx)
	for _, st := range states {
		if st.snap == nil {
			continue
		}
		err := mgr.RemoveSnapshot(ctx, st.snap)
		if err == nil {
			continue
		}
		var re *lvm.RemoveError
		if errors.As(err, &re) && re.Output != "" {
			log.Warnf("WARNING: %v\n%s", err, re.IndentedOutput())
		} else {
			log.Warnf("WARNING: %v", err)
		}
		job.warn(err.Error())
	}
}
