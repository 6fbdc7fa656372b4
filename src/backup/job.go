package backup

import (
	"time"

	"vm-backup/src/hypervisor"
)

// Job is one VM's backup attempt. Failures are recorded on the job and never
// returned past it.
type Job struct {
	Name string
	VM   *hypervisor.VirtualMachine
	// Dir is the VM's backup directory: the staging directory while the job
	// runs, the dated directory once it has been finalised.
	Dir   string
	Start time.Time
	End   time.Time

	Failed bool
	Err    error
	// Warnings are problems that do not invalidate the backup, such as a
	// snapshot that could not be removed.
	Warnings []string

	Snapshots int
	Archives  []Archive
}

// Archive is one file written by the job, relative to Dir.
type Archive struct {
	Path   string `json:"path"`
	Source string `json:"source,omitempty"`
	Size   int64  `json:"sourceSize,omitempty"`
}

func (j *Job) fail(err error) {
	if j.Failed {
		return
	}
	j.Failed = true
	j.Err = err
}

func (j *Job) warn(msg string) { j.Warnings = append(j.Warnings, msg) }

// Duration is how long the job ran.
func (j *Job) Duration() time.Duration { return j.End.Sub(j.Start) }

// Report summarises a run.
type Report struct {
	RunID string
	Date  string
	// Dir is the dated directory completed jobs were moved to.
	Dir   string
	Start time.Time
	End   time.Time
	Jobs  []*Job
}

// Failures returns the failed jobs.
func (r *Report) Failures() []*Job {
	var out []*Job
	for _, j := range r.Jobs {
		if j.Failed {
			out = append(out, j)
		}
	}
	return out
}

// OK reports whether every job succeeded.
func (r *Report) OK() bool { return len(r.Failures()) == 0 }

// Warnings counts job warnings across the run.
func (r *Report) Warnings() int {
	n := 0
	for _, j := range r.Jobs {
		n += len(j.Warnings)
	}
	return n
}
