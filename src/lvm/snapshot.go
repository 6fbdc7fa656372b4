// Package lvm creates, mounts, unmounts and removes LVM snapshots through the
// lvm, mount and umount commands.
package lvm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus"

	"vm-backup/src/pipeline"
)

const (
	// SnapshotSuffix is appended to the origin name. A leftover snapshot
	// from an earlier failed run makes creation fail and has to be removed
	// by hand.
	SnapshotSuffix = "-backup"

	DefaultRemoveAttempts = 6
	DefaultRemoveDelay    = 5 * time.Second
)

// DefaultCreateArgs is used when no lvcreate arguments are configured.
var DefaultCreateArgs = []string{"-L10G"}

// Snapshot is a created snapshot of Origin.
type Snapshot struct {
	Origin Volume
	Volume Volume
}

// Mount is a snapshot mounted on a private temporary directory.
type Mount struct {
	Snapshot *Snapshot
	Path     string
}

// Manager drives the volume manager. All commands go through Runner and
// block until they exit.
type Manager struct {
	Runner pipeline.Runner
	Log    logrus.FieldLogger
	Clock  clock.Clock

	// Prefix is prepended to every privileged command, e.g. ["sudo"].
	Prefix []string
	// CreateArgs are passed to lvcreate before --snapshot. Nil means
	// DefaultCreateArgs.
	CreateArgs []string
	// MountOptions is passed to mount -o when set.
	MountOptions string
	// TempDir is where mountpoints are created; empty means os.TempDir().
	TempDir string

	RemoveAttempts int
	RemoveDelay    time.Duration
}

// SnapshotOf returns the snapshot volume name for origin.
func SnapshotOf(origin Volume) Volume {
	return Volume{Group: origin.Group, Name: origin.Name + SnapshotSuffix}
}

// SplitArgs splits a configured argument string such as "-L10G --type snapshot".
func SplitArgs(s string) ([]string, error) {
	return shellquote.Split(s)
}

func (m *Manager) log() logrus.FieldLogger {
	if m.Log == nil {
		return logrus.StandardLogger()
	}
	return m.Log
}

func (m *Manager) command(name string, args ...string) string {
	argv := append(append([]string{}, m.Prefix...), name)
	return pipeline.Command(argv[0], append(argv[1:], args...)...)
}

// run executes a single command, capturing its combined output so it can be
// reported on failure.
func (m *Manager) run(ctx context.Context, line string) (string, error) {
	var out bytes.Buffer
	p := pipeline.New(line)
	p.Stdout = &out
	p.Stderr = &out
	err := m.Runner.Run(ctx, p)
	var pe *pipeline.PipelineError
	if errors.As(err, &pe) && pe.Output == "" {
		pe.Output = out.String()
	}
	return out.String(), err
}

// CreateSnapshot snapshots origin. args overrides CreateArgs when non-nil.
func (m *Manager) CreateSnapshot(ctx context.Context, origin Volume, args []string) (*Snapshot, error) {
	if args == nil {
		args = m.CreateArgs
	}
	if args == nil {
		args = DefaultCreateArgs
	}
	snap := &Snapshot{Origin: origin, Volume: SnapshotOf(origin)}
	m.log().Infof("== Creating snapshot of %s", origin)
	lvArgs := append(append([]string{"lvcreate"}, args...), "--snapshot", "--name", snap.Volume.Name, origin.String())
	if _, err := m.run(ctx, m.command("lvm", lvArgs...)); err != nil {
		return nil, fmt.Errorf("creating snapshot of %s: %w: %w", origin, ErrSnapshotCreate, err)
	}
	return snap, nil
}

// Mount mounts snap on a fresh temporary directory. The directory is
// removed again if the mount fails.
func (m *Manager) Mount(ctx context.Context, snap *Snapshot) (*Mount, error) {
	dir, err := os.MkdirTemp(m.TempDir, "vm-backup-"+snap.Volume.Name+"-")
	if err != nil {
		return nil, fmt.Errorf("creating mountpoint for %s: %w: %w", snap.Volume, ErrMount, err)
	}
	m.log().Infof("== Mounting %s on %s", snap.Volume, dir)
	args := []string{}
	if m.MountOptions != "" {
		args = append(args, "-o", m.MountOptions)
	}
	args = append(args, snap.Volume.DevicePath(), dir)
	if _, err := m.run(ctx, m.command("mount", args...)); err != nil {
		if rmErr := os.Remove(dir); rmErr != nil {
			m.log().Warnf("could not remove mountpoint %s: %v", dir, rmErr)
		}
		return nil, fmt.Errorf("mounting snapshot %s on %s: %w: %w", snap.Volume, dir, ErrMount, err)
	}
	return &Mount{Snapshot: snap, Path: dir}, nil
}

// Unmount unmounts mnt and removes its directory. The directory is only
// removed with os.Remove so a mount that is still active is never emptied.
func (m *Manager) Unmount(ctx context.Context, mnt *Mount) error {
	m.log().Infof("== Unmounting %s from %s", mnt.Snapshot.Volume, mnt.Path)
	_, err := m.run(ctx, m.command("umount", mnt.Path))
	if rmErr := os.Remove(mnt.Path); rmErr != nil && !os.IsNotExist(rmErr) {
		m.log().Warnf("could not remove mountpoint %s: %v", mnt.Path, rmErr)
	}
	if err != nil {
		return fmt.Errorf("unmounting snapshot %s from %s: %w: %w", mnt.Snapshot.Volume, mnt.Path, ErrUnmount, err)
	}
	return nil
}

// WithMounted mounts snap, calls fn with the mount path and always unmounts
// afterwards. Errors from fn and from unmounting are both returned.
func (m *Manager) WithMounted(ctx context.Context, snap *Snapshot, fn func(dir string) error) error {
	mnt, err := m.Mount(ctx, snap)
	if err != nil {
		return err
	}
	fnErr := fn(mnt.Path)
	// Unmount even when ctx is cancelled so the device is not left busy.
	unmountErr := m.Unmount(context.WithoutCancel(ctx), mnt)
	switch {
	case fnErr != nil && unmountErr != nil:
		return errors.Join(fnErr, unmountErr)
	case fnErr != nil:
		return fnErr
	}
	return unmountErr
}

// RemoveSnapshot removes snap. lvremove can report the device as busy for a
// short while after umount, so removal is retried RemoveAttempts times,
// RemoveDelay apart. A volume that no longer exists counts as removed.
func (m *Manager) RemoveSnapshot(ctx context.Context, snap *Snapshot) error {
	m.log().Infof("== Removing %s", snap.Volume)
	line := m.command("lvm", "lvremove", "-f", snap.Volume.String())
	attempts := m.RemoveAttempts
	if attempts <= 0 {
		attempts = DefaultRemoveAttempts
	}
	delay := m.RemoveDelay
	if delay <= 0 {
		delay = DefaultRemoveDelay
	}
	clk := m.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	var output string
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			out, err := m.run(ctx, line)
			output = out
			if err != nil && isNotFound(out, snap.Volume) {
				m.log().Debugf("%s is already gone", snap.Volume)
				return nil
			}
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			m.log().Debugf("attempt %d to remove %s failed: %v", attempt, snap.Volume, err)
		},
		Attempts: attempts,
		Delay:    delay,
		Clock:    clk,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return &RemoveError{Snapshot: snap, Output: output, Err: retry.LastError(err)}
	}
	return nil
}

// RemoveError is returned once every removal attempt has failed.
type RemoveError struct {
	Snapshot *Snapshot
	Output   string
	Err      error
}

func (e *RemoveError) Error() string {
	return fmt.Sprintf("failed to remove logical volume %s: %v", e.Snapshot.Volume, e.Err)
}

func (e *RemoveError) Unwrap() error { return e.Err }

func (e *RemoveError) Is(target error) bool { return target == ErrSnapshotRemove }

// IndentedOutput renders the captured lvremove output two spaces in.
func (e *RemoveError) IndentedOutput() string {
	lines := strings.Split(strings.TrimRight(e.Output, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}

// isNotFound reports whether lvremove failed because vol itself is missing.
// Other "not found" lines, such as missing PV warnings, do not count.
func isNotFound(output string, vol Volume) bool {
	want := strings.ToLower(`failed to find logical volume "` + vol.String() + `"`)
	return strings.Contains(strings.ToLower(output), want)
}

// DeviceSize returns the size in bytes of the snapshot block device.
func (m *Manager) DeviceSize(ctx context.Context, snap *Snapshot) (int64, error) {
	out, err := m.run(ctx, m.command("blockdev", "--getsize64", snap.Volume.DevicePath()))
	if err != nil {
		return 0, fmt.Errorf("sizing %s: %w", snap.Volume, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sizing %s: unexpected blockdev output %q", snap.Volume, out)
	}
	return size, nil
}

// ReadCommand is the pipeline stage that streams the raw snapshot device.
func (m *Manager) ReadCommand(snap *Snapshot) string {
	return m.command("dd", "if="+snap.Volume.DevicePath(), "bs=1M", "status=none")
}
