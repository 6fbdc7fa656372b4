// Package pause wraps work that must happen while a VM is paused.
package pause

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"vm-backup/src/hypervisor"
)

// Controller is the part of a hypervisor client the coordinator needs.
type Controller interface {
	State(ctx context.Context, vm *hypervisor.VirtualMachine) (hypervisor.State, error)
	Pause(ctx context.Context, vm *hypervisor.VirtualMachine) error
	Resume(ctx context.Context, vm *hypervisor.VirtualMachine) error
}

// Coordinator pauses a VM around a unit of work when Enabled is set and the
// VM is running at the time of the call.
type Coordinator struct {
	Enabled    bool
	Hypervisor Controller
	Log        logrus.FieldLogger
}

// WhilePaused runs fn, pausing vm first when required. Resume is attempted
// even if fn fails; fn's error is returned along with any resume error.
// Pause and resume failures wrap hypervisor.ErrHypervisorState.
func (c *Coordinator) WhilePaused(ctx context.Context, vm *hypervisor.VirtualMachine, fn func() error) error {
	log := c.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if !c.Enabled {
		return fn()
	}
	state, err := c.Hypervisor.State(ctx, vm)
	if err != nil {
		return fmt.Errorf("reading state of %s: %w: %w", vm.Name, hypervisor.ErrHypervisorState, err)
	}
	vm.State = state
	if state != hypervisor.StateRunning {
		log.Debugf("%s is %s, not pausing", vm.Name, state)
		return fn()
	}

	log.Infof("== Pausing: %s", vm.Name)
	if err := c.Hypervisor.Pause(ctx, vm); err != nil {
		return fmt.Errorf("pausing %s: %w: %w", vm.Name, hypervisor.ErrHypervisorState, err)
	}
	vm.State = hypervisor.StatePaused

	fnErr := fn()

	log.Infof("== Resuming: %s", vm.Name)
	// The VM must come back even when the run is being cancelled.
	if err := c.Hypervisor.Resume(context.WithoutCancel(ctx), vm); err != nil {
		resumeErr := fmt.Errorf("resuming %s: %w: %w", vm.Name, hypervisor.ErrHypervisorState, err)
		if fnErr != nil {
			return errors.Join(fnErr, resumeErr)
		}
		return resumeErr
	}
	vm.State = hypervisor.StateRunning
	return fnErr
}
