package backup

import "github.com/juju/errors"

const (
	// ErrConfigBackup is returned when the VM configuration archive fails.
	ErrConfigBackup = errors.ConstError("config backup failed")
	// ErrDiskCopy is returned when copying a disk out of a snapshot fails.
	ErrDiskCopy = errors.ConstError("disk copy failed")
)
