package hypervisor

import "github.com/juju/errors"

const (
	// ErrHypervisorState is returned when a pause or resume fails and the
	// VM is left in an unknown state.
	ErrHypervisorState = errors.ConstError("hypervisor state change failed")

	// ErrAncestorCycle is returned when a disk's parent chain revisits a disk
	// or grows past MaxAncestors.
	ErrAncestorCycle = errors.ConstError("disk ancestor chain does not terminate")

	// ErrNotFound is returned by Lookup for an unknown VM.
	ErrNotFound = errors.ConstError("virtual machine not found")
)
