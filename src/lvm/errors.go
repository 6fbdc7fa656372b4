package lvm

import "github.com/juju/errors"

const (
	ErrSnapshotCreate = errors.ConstError("snapshot creation failed")
	ErrSnapshotRemove = errors.ConstError("snapshot removal failed")
	ErrMount          = errors.ConstError("mount failed")
	ErrUnmount        = errors.ConstError("unmount failed")
)
