package offsite

import "github.com/juju/errors"

const (
	// ErrEncryptionPipeline reports a tar/gpg pipeline that exited non-zero.
	ErrEncryptionPipeline = errors.ConstError("encryption pipeline failed")
	// ErrSizeProbe reports a failed directory-size probe.
	ErrSizeProbe = errors.ConstError("directory size probe failed")
	// ErrRemoteTransfer wraps any failure of the remote sink.
	ErrRemoteTransfer = errors.ConstError("remote transfer failed")
)
