// Package pipeline builds and runs shell-style command pipelines such as
// `cat disk.img | pv -s 1024 | gzip > disk.img.gz`.
//
// A pipeline succeeds or fails on the exit status of its final stage, the
// same way a plain POSIX shell reports it.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Pipeline is an ordered sequence of shell stages connected stdout to stdin.
type Pipeline struct {
	// Stages are shell command strings; build them with Command to get
	// correct quoting.
	Stages []string
	// OutFile, when set, receives the standard output of the final stage.
	// It is created or truncated before the pipeline starts.
	OutFile string
	// Stdout receives the final stage output when OutFile is empty.
	Stdout io.Writer
	// Stderr receives the standard error of every stage. Nil means the
	// process stderr so that progress meters stay visible.
	Stderr io.Writer
	// ExtraFiles are inherited by every stage starting at fd 3.
	ExtraFiles []*os.File

	meterSize int64
	metered   bool
}

// New returns a pipeline made of the given stages.
func New(stages ...string) *Pipeline {
	return &Pipeline{Stages: stages}
}

// Command quotes a program and its arguments into a single stage.
func Command(name string, args ...string) string {
	return shellquote.Join(append([]string{name}, args...)...)
}

// Meter requests a progress-metering stage after the first stage, sized with
// the given byte hint. The runner decides whether the meter is actually
// inserted; data passes through it unchanged.
func (p *Pipeline) Meter(size int64) *Pipeline {
	p.metered = true
	p.meterSize = size
	return p
}

// Metered reports whether a meter was requested and its size hint.
func (p *Pipeline) Metered() (int64, bool) {
	return p.meterSize, p.metered
}

// Redirect sets the output file of the final stage.
func (p *Pipeline) Redirect(path string) *Pipeline {
	p.OutFile = path
	return p
}

// String renders the pipeline the way it is logged, without any meter.
func (p *Pipeline) String() string {
	return render(p.Stages, p.OutFile)
}

func render(stages []string, outFile string) string {
	line := strings.Join(stages, " | ")
	if outFile != "" {
		line += " > " + shellquote.Join(outFile)
	}
	return line
}

// withMeter returns the stages with a meter stage spliced in after the first.
func (p *Pipeline) withMeter(meter []string) []string {
	if !p.metered || len(meter) == 0 || len(p.Stages) < 2 {
		return p.Stages
	}
	args := append([]string{}, meter...)
	if p.meterSize > 0 {
		args = append(args, "-s", strconv.FormatInt(p.meterSize, 10))
	}
	stages := make([]string, 0, len(p.Stages)+1)
	stages = append(stages, p.Stages[0], Command(args[0], args[1:]...))
	return append(stages, p.Stages[1:]...)
}

// PipelineError reports a pipeline whose terminal stage exited non-zero or
// could not be started.
type PipelineError struct {
	Command  string
	ExitCode int
	// Output holds captured output when the caller collected it.
	Output string
	Err    error
}

func (e *PipelineError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("command exited with status %d: %s", e.ExitCode, e.Command)
	}
	return fmt.Sprintf("command failed: %s: %v", e.Command, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPipeline) hold for any PipelineError.
func (e *PipelineError) Is(target error) bool { return target == ErrPipeline }

// ExitCode extracts the exit status from a PipelineError, or -1.
func ExitCode(err error) int {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.ExitCode
	}
	return -1
}
