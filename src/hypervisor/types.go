// Package hypervisor is the narrow view of a hypervisor the backup run needs:
// the disks of a VM, a directory holding its configuration, and pause/resume.
package hypervisor

import "context"

// State is the runtime state of a VM as far as backups care.
type State int

const (
	StateOther State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	}
	return "other"
}

// DiskKind tells whether a disk is an image file on a filesystem or a block
// device used directly.
type DiskKind int

const (
	DiskFile DiskKind = iota
	DiskBlock
)

// Disk is one disk attached to a VM.
type Disk struct {
	Path string
	Kind DiskKind
	// Removable media such as CD-ROM images are never backed up.
	Removable bool
	// Ancestors are the backing images of Path, nearest first.
	Ancestors []string
}

// VirtualMachine is a VM as seen at the start of its backup.
type VirtualMachine struct {
	Name  string
	UUID  string
	State State
	Disks []Disk
}

func (vm *VirtualMachine) String() string { return vm.Name }

// ConfigExport is a directory whose contents describe a VM. Cleanup, when
// set, removes anything the export created.
type ConfigExport struct {
	Dir     string
	Cleanup func() error
}

// Close runs Cleanup if there is one.
func (e *ConfigExport) Close() error {
	if e == nil || e.Cleanup == nil {
		return nil
	}
	return e.Cleanup()
}

// Client is implemented by each supported hypervisor.
type Client interface {
	// List returns the names of all VMs the hypervisor knows about.
	List(ctx context.Context) ([]string, error)
	// Lookup returns a VM with its current state and disks.
	Lookup(ctx context.Context, name string) (*VirtualMachine, error)
	ExportConfig(ctx context.Context, vm *VirtualMachine) (*ConfigExport, error)
	State(ctx context.Context, vm *VirtualMachine) (State, error)
	Pause(ctx context.Context, vm *VirtualMachine) error
	Resume(ctx context.Context, vm *VirtualMachine) error
	Close() error
}
