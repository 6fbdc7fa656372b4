package mountgroup

import "github.com/juju/errors"

// ErrMountpointResolution is returned when a disk cannot be mapped to a
// logical volume and mountpoint.
const ErrMountpointResolution = errors.ConstError("mountpoint resolution failed")
