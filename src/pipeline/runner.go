package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// killGrace bounds how long Run waits for output pipes after a cancelled
// pipeline has been killed.
const killGrace = 5 * time.Second

// createOutput opens the file a redirected pipeline writes to.
var createOutput = func(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
}

// Runner executes pipelines. Run blocks until the final stage exits.
type Runner interface {
	Run(ctx context.Context, p *Pipeline) error
}

// ExecRunner runs pipelines through a shell.
type ExecRunner struct {
	// Shell is the interpreter used with -c. Defaults to /bin/sh.
	Shell string
	// Pipefail makes any failing stage fail the pipeline. It requires a
	// shell that understands `set -o pipefail`.
	Pipefail bool
	// Meter is the progress meter program and leading args, e.g. ["pv"].
	// A metered pipeline only gets the stage when Progress is set.
	Meter    []string
	Progress bool
	Log      logrus.FieldLogger
}

// CommandLine renders the shell line that Run would execute.
func (r *ExecRunner) CommandLine(p *Pipeline) string {
	var meter []string
	if r.Progress {
		meter = r.Meter
	}
	return render(p.withMeter(meter), p.OutFile)
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, p *Pipeline) error {
	if len(p.Stages) == 0 {
		return errors.New("pipeline has no stages")
	}
	line := r.CommandLine(p)
	if r.Log != nil {
		r.Log.Debugf("# %s", line)
	}
	script := line
	if r.Pipefail {
		script = "set -o pipefail; " + line
	}
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", script)
	// Every stage shares the shell's process group so cancelling kills the
	// whole pipeline, not only the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killGrace
	cmd.ExtraFiles = p.ExtraFiles
	cmd.Stderr = p.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	var out io.WriteCloser
	switch {
	case p.OutFile != "":
		// The redirect is applied here rather than by the shell so the path
		// never needs re-quoting.
		f, err := createOutput(p.OutFile)
		if err != nil {
			return &PipelineError{Command: line, ExitCode: -1, Err: err}
		}
		out = f
		cmd.Stdout = f
	case p.Stdout != nil:
		cmd.Stdout = p.Stdout
	default:
		cmd.Stdout = io.Discard
	}

	err := cmd.Run()
	if out != nil {
		// A failed close can mean the archive never reached the disk.
		if cerr := out.Close(); cerr != nil && err == nil {
			return &PipelineError{Command: line, ExitCode: -1, Err: fmt.Errorf("closing %s: %w", p.OutFile, cerr)}
		}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &PipelineError{Command: line, ExitCode: exitErr.ExitCode(), Err: err}
		}
		return &PipelineError{Command: line, ExitCode: -1, Err: fmt.Errorf("start: %w", err)}
	}
	return nil
}
