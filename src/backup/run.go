package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DateLayout names the dated backup directories.
	DateLayout = "2006-01-02"
	// StagingPrefix marks a dated directory still being written.
	StagingPrefix = "0-new_"
)

// StagingDir is where a run on date writes before finalising.
func StagingDir(root, date string) string {
	return filepath.Join(root, StagingPrefix+date)
}

// Run backs up the named VMs, or every VM the hypervisor lists when names is
// empty. Each VM is written under the staging directory and moved into the
// dated directory once its job succeeds; failed VMs stay behind in staging.
// Only a cancelled ctx ends the run early, in which case the report so far
// is returned with ctx's error.
func (o *Orchestrator) Run(ctx context.Context, names []string) (*Report, error) {
	start := o.now()
	date := start.Format(DateLayout)
	rep := &Report{RunID: o.RunID, Date: date, Dir: filepath.Join(o.Root, date), Start: start}
	log := o.logger().WithField("run", o.RunID)

	if len(names) == 0 {
		all, err := o.Hypervisor.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing virtual machines: %w", err)
		}
		names = all
	}
	staging := StagingDir(o.Root, date)

	var runErr error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			log.Warnf("run cancelled before %s", name)
			runErr = err
			break
		}
		rep.Jobs = append(rep.Jobs, o.runOne(ctx, name, staging, rep.Dir, log))
	}

	// Only succeeds when nothing failed inside.
	if err := os.Remove(staging); err != nil && !os.IsNotExist(err) {
		log.Debugf("keeping %s: %v", staging, err)
	}
	rep.End = o.now()
	return rep, runErr
}

func (o *Orchestrator) runOne(ctx context.Context, name, staging, final string, log logrus.FieldLogger) *Job {
	vmLog := log.WithField("vm", name)
	vm, err := o.Hypervisor.Lookup(ctx, name)
	if err != nil {
		now := o.now()
		job := &Job{Name: name, Start: now, End: now}
		job.fail(fmt.Errorf("looking up %s: %w", name, err))
		vmLog.WithError(job.Err).Errorf("backup of %s failed", name)
		return job
	}

	dir := filepath.Join(staging, name)
	// Leftovers from an earlier failed run on the same day.
	if err := os.RemoveAll(dir); err != nil {
		job := &Job{Name: name, VM: vm, Dir: dir, Start: o.now()}
		job.fail(err)
		job.End = job.Start
		return job
	}

	job := o.BackupVM(ctx, vm, dir)
	if job.Failed {
		return job
	}
	if err := finalize(dir, filepath.Join(final, name)); err != nil {
		job.fail(fmt.Errorf("finalising backup: %w", err))
		vmLog.WithError(job.Err).Errorf("backup of %s failed", name)
		return job
	}
	job.Dir = filepath.Join(final, name)
	vmLog.Infof("== Backup of %s complete in %s", name, job.Duration().Round(time.Second))
	return job
}

// finalize moves a staged VM directory into place, replacing an earlier
// backup of the same VM on the same day.
func finalize(staged, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	return os.Rename(staged, dest)
}
