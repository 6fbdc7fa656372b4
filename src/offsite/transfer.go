package offsite

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"vm-backup/src/util/progress"
)

// Transfer pushes one local backup directory to a sink and expires old
// remote copies.
type Transfer struct {
	Encryptor *Encryptor
	Sink      Sink
	// Expiry is the age after which remote backups are removed.
	Expiry time.Duration
	// Progress receives upload progress lines; nil disables them.
	Progress io.Writer
	Log      logrus.FieldLogger
	Now      func() time.Time
}

func (t *Transfer) logger() logrus.FieldLogger {
	if t.Log == nil {
		return logrus.StandardLogger()
	}
	return t.Log
}

func (t *Transfer) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Description names the remote copy of the backup in dir.
func Description(prefix, dir string) string {
	return prefix + "-" + filepath.Base(filepath.Clean(dir))
}

// Push encrypts dir and stores it under description. It returns the number
// of ciphertext bytes handed to the sink.
func (t *Transfer) Push(ctx context.Context, dir, description string) (int64, error) {
	t.logger().Infof("== Pushing %s to %s", dir, t.Sink.Name())
	var sent int64
	err := t.Encryptor.Stream(ctx, dir, func(r io.Reader) error {
		pr := progress.NewReader(r, 0, "upload", t.Progress)
		err := t.Sink.Push(ctx, pr, description)
		sent = pr.Bytes()
		if err != nil {
			return fmt.Errorf("%s: %w: %w", t.Sink.Name(), ErrRemoteTransfer, err)
		}
		return nil
	})
	return sent, err
}

// RemoveExpired removes remote backups older than Expiry.
func (t *Transfer) RemoveExpired(ctx context.Context) error {
	cutoff := t.now().Add(-t.Expiry)
	if err := t.Sink.RemoveExpired(ctx, cutoff); err != nil {
		return fmt.Errorf("%s: %w: %w", t.Sink.Name(), ErrRemoteTransfer, err)
	}
	return nil
}

// Run pushes dir and, only when the push succeeded, removes expired remote
// backups. A failed push leaves every older remote copy in place.
func (t *Transfer) Run(ctx context.Context, dir, description string) (int64, error) {
	n, err := t.Push(ctx, dir, description)
	if err != nil {
		t.logger().WithError(err).Error("not removing old remote backups due to previous errors")
		return n, err
	}
	return n, t.RemoveExpired(ctx)
}
