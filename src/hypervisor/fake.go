package hypervisor

import (
	"context"
	"sort"
	"sync"
)

// Fake is an in-memory Client for unit tests.
type Fake struct {
	mu sync.Mutex

	VMs map[string]*VirtualMachine
	// ConfigDirs maps VM names to the directory ExportConfig returns.
	ConfigDirs map[string]string

	PauseErr  error
	ResumeErr error
	StateErr  error
	ExportErr error

	// Calls records every state-changing call as "pause <vm>" or "resume <vm>".
	Calls []string
	// Hook, when set, sees each entry appended to Calls.
	Hook func(call string)
}

// NewFake returns a Fake holding vms.
func NewFake(vms ...*VirtualMachine) *Fake {
	f := &Fake{VMs: map[string]*VirtualMachine{}, ConfigDirs: map[string]string{}}
	for _, vm := range vms {
		f.VMs[vm.Name] = vm
	}
	return f
}

func (f *Fake) record(call string) {
	f.mu.Lock()
	f.Calls = append(f.Calls, call)
	hook := f.Hook
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
}

func (f *Fake) List(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.VMs))
	for name := range f.VMs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) Lookup(_ context.Context, name string) (*VirtualMachine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.VMs[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	cp := *vm
	cp.Disks = append([]Disk(nil), vm.Disks...)
	return &cp, nil
}

func (f *Fake) ExportConfig(_ context.Context, vm *VirtualMachine) (*ConfigExport, error) {
	if f.ExportErr != nil {
		return nil, f.ExportErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &ConfigExport{Dir: f.ConfigDirs[vm.Name]}, nil
}

func (f *Fake) State(_ context.Context, vm *VirtualMachine) (State, error) {
	if f.StateErr != nil {
		return StateOther, f.StateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.VMs[vm.Name]; ok {
		return v.State, nil
	}
	return vm.State, nil
}

func (f *Fake) Pause(_ context.Context, vm *VirtualMachine) error {
	f.record("pause " + vm.Name)
	if f.PauseErr != nil {
		return f.PauseErr
	}
	f.setState(vm.Name, StatePaused)
	return nil
}

func (f *Fake) Resume(_ context.Context, vm *VirtualMachine) error {
	f.record("resume " + vm.Name)
	if f.ResumeErr != nil {
		return f.ResumeErr
	}
	f.setState(vm.Name, StateRunning)
	return nil
}

func (f *Fake) setState(name string, s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.VMs[name]; ok {
		v.State = s
	}
}

func (f *Fake) Close() error { return nil }

// NotFoundError reports a VM the hypervisor does not know.
type NotFoundError struct{ Name string }

func (e *NotFoundError) Error() string { return "virtual machine not found: " + e.Name }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
