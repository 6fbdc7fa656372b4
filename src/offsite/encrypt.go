// Package offsite encrypts completed local backups and pushes them to a
// remote sink.
package offsite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"vm-backup/src/pipeline"
)

// passphraseFD is where the cipher stage finds the passphrase pipe: the
// first entry of ExtraFiles becomes fd 3 in every stage.
const passphraseFD = "/dev/fd/3"

// Encryptor turns a directory into a symmetric-encrypted tar stream.
type Encryptor struct {
	Runner     pipeline.Runner
	Passphrase string
	// Progress inserts a meter stage sized by a directory-size probe.
	Progress bool
	// Meter is the meter program and leading args; defaults to pv.
	Meter []string
	Log   logrus.FieldLogger
}

func (e *Encryptor) logger() logrus.FieldLogger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}

// DirectorySize returns the apparent size of dir as reported by du.
func (e *Encryptor) DirectorySize(ctx context.Context, dir string) (int64, error) {
	var out bytes.Buffer
	p := pipeline.New(pipeline.Command("du", "-sb", dir))
	p.Stdout = &out
	if err := e.Runner.Run(ctx, p); err != nil {
		return 0, fmt.Errorf("%s: %w: %w", dir, ErrSizeProbe, err)
	}
	fields := strings.Fields(out.String())
	if len(fields) == 0 {
		return 0, fmt.Errorf("%s: %w: empty du output", dir, ErrSizeProbe)
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", dir, ErrSizeProbe, err)
	}
	return n, nil
}

// Pipeline builds the encryption pipeline for dir. size is only used when
// Progress is set.
func (e *Encryptor) Pipeline(dir string, size int64) *pipeline.Pipeline {
	dir = filepath.Clean(dir)
	stages := []string{pipeline.Command("tar", "c", "-C", filepath.Dir(dir), filepath.Base(dir))}
	if e.Progress {
		meter := e.Meter
		if len(meter) == 0 {
			meter = []string{"pv"}
		}
		args := append(append([]string{}, meter[1:]...), "-s", strconv.FormatInt(size, 10))
		stages = append(stages, pipeline.Command(meter[0], args...))
	}
	stages = append(stages, pipeline.Command("gpg", "--batch", "--symmetric",
		"--compress-algo", "none", "--cipher-algo", "AES256",
		"--passphrase-file", passphraseFD))
	return pipeline.New(stages...)
}

// Stream runs the encryption pipeline over dir and hands the ciphertext to
// consume. The passphrase reaches gpg through an inherited pipe, never the
// argument list. Stream returns once both the pipeline and consume are done.
// When consume fails before the stream broke, its error is returned.
func (e *Encryptor) Stream(ctx context.Context, dir string, consume func(io.Reader) error) error {
	var size int64
	if e.Progress {
		n, err := e.DirectorySize(ctx, dir)
		if err != nil {
			return err
		}
		size = n
	}

	keyR, keyW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: passphrase pipe: %w", ErrEncryptionPipeline, err)
	}
	defer keyR.Close()
	// The passphrase fits in the pipe buffer, so the write end can be
	// closed before gpg starts.
	_, werr := io.WriteString(keyW, e.Passphrase+"\n")
	if cerr := keyW.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("%w: writing passphrase: %w", ErrEncryptionPipeline, werr)
	}

	p := e.Pipeline(dir, size)
	p.ExtraFiles = []*os.File{keyR}
	pr, pw := io.Pipe()
	p.Stdout = pw
	e.logger().Debugf("# %s", p)

	done := make(chan error, 1)
	go func() {
		err := e.Runner.Run(ctx, p)
		pw.CloseWithError(err)
		done <- err
	}()

	src := &pipeReader{r: pr}
	cerr := consume(src)
	// Unblocks the pipeline when consume stopped reading early.
	pr.CloseWithError(io.ErrClosedPipe)
	perr := <-done
	switch {
	case perr == nil:
		return cerr
	case cerr != nil && src.err == nil:
		// The consumer gave up on its own and the pipeline died writing
		// into the closed pipe.
		e.logger().Debugf("pipeline stopped after consumer failure: %v", perr)
		return cerr
	}
	return fmt.Errorf("%s: %w: %w", dir, ErrEncryptionPipeline, perr)
}

// pipeReader remembers a pipeline failure delivered through the pipe.
type pipeReader struct {
	r   io.Reader
	err error
}

func (p *pipeReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if err != nil && !errors.Is(err, io.EOF) && p.err == nil {
		p.err = err
	}
	return n, err
}
