package offsite

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// FileSink writes encrypted backups into a local directory, typically a
// mounted removable disk. It is also the stand-in sink for testing a setup.
type FileSink struct {
	Dir       string
	ChunkSize int64
	Log       logrus.FieldLogger
}

func (s *FileSink) Name() string { return "file " + s.Dir }

// Path is where description is stored.
func (s *FileSink) Path(description string) string {
	return filepath.Join(s.Dir, description+".gpg")
}

// Push implements Sink. The file only appears under its final name once
// the stream has been written completely.
func (s *FileSink) Push(_ context.Context, r io.Reader, description string) error {
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return err
	}
	dest := s.Path(description)
	tmp := dest + ".partial"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	size := int(s.ChunkSize)
	if size <= 0 {
		size = 1 << 20
	}
	w := bufio.NewWriterSize(f, size)
	if _, err := io.Copy(w, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

// RemoveExpired implements Sink. Old files are left for the operator.
func (s *FileSink) RemoveExpired(context.Context, time.Time) error {
	if s.Log != nil {
		s.Log.Warn("WARNING: the file offsite target does not remove old backups")
	}
	return nil
}
