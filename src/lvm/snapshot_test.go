package lvm

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock/testclock"
	"github.com/sirupsen/logrus"

	"vm-backup/src/pipeline"
)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newManager(r pipeline.Runner) *Manager {
	return &Manager{Runner: r, Log: quietLog(), Prefix: []string{"sudo"}}
}

func TestVolumeFromDevice(t *testing.T) {
	cases := []struct {
		dev     string
		want    Volume
		wantErr bool
	}{
		{dev: "/dev/mapper/vg0-data", want: Volume{"vg0", "data"}},
		{dev: "/dev/mapper/my--vg-data--lv", want: Volume{"my-vg", "data-lv"}},
		{dev: "/dev/mapper/a---b", want: Volume{"a-", "b"}},
		{dev: "/dev/vg0/root", want: Volume{"vg0", "root"}},
		{dev: "/dev/mapper/vg0-data-real", wantErr: true},
		{dev: "/dev/mapper/nodash", wantErr: true},
		{dev: "/dev/sda1", wantErr: true},
		{dev: "tmpfs", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.dev, func(t *testing.T) {
			got, err := VolumeFromDevice(tc.dev)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestCreateSnapshotCommand(t *testing.T) {
	f := pipeline.NewFake()
	m := newManager(f)
	m.CreateArgs = []string{"-L20G"}
	snap, err := m.CreateSnapshot(context.Background(), Volume{"vg0", "vms"}, nil)
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if snap.Volume != (Volume{"vg0", "vms-backup"}) {
		t.Fatalf("unexpected snapshot volume %v", snap.Volume)
	}
	want := []string{"sudo lvm lvcreate -L20G --snapshot --name vms-backup vg0/vms"}
	if diff := cmp.Diff(want, f.Lines); diff != "" {
		t.Fatalf("unexpected commands (-want +got):\n%s", diff)
	}
}

func TestCreateSnapshotOverrideArgs(t *testing.T) {
	f := pipeline.NewFake()
	m := newManager(f)
	if _, err := m.CreateSnapshot(context.Background(), Volume{"vg0", "vms"}, []string{"-l", "5%ORIGIN"}); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if f.Count("lvcreate -l 5%ORIGIN --snapshot") != 1 {
		t.Fatalf("expected override args in %v", f.Lines)
	}
}

func TestCreateSnapshotFailure(t *testing.T) {
	f := pipeline.NewFake().Fail("lvcreate", 5)
	_, err := newManager(f).CreateSnapshot(context.Background(), Volume{"vg0", "vms"}, nil)
	if !errors.Is(err, ErrSnapshotCreate) {
		t.Fatalf("expected ErrSnapshotCreate, got %v", err)
	}
	if !errors.Is(err, pipeline.ErrPipeline) {
		t.Fatalf("expected the pipeline failure to be wrapped, got %v", err)
	}
}

func TestMountFailureRemovesDirectory(t *testing.T) {
	tmp := t.TempDir()
	f := pipeline.NewFake().Fail("mount", 32)
	m := newManager(f)
	m.TempDir = tmp
	_, err := m.Mount(context.Background(), &Snapshot{Volume: Volume{"vg0", "vms-backup"}})
	if !errors.Is(err, ErrMount) {
		t.Fatalf("expected ErrMount, got %v", err)
	}
	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Fatalf("expected mountpoint to be removed, found %d entries", len(entries))
	}
}

func TestWithMountedUnmountsAfterFailure(t *testing.T) {
	tmp := t.TempDir()
	f := pipeline.NewFake()
	m := newManager(f)
	m.TempDir = tmp
	m.MountOptions = "ro"
	snap := &Snapshot{Volume: Volume{"vg0", "vms-backup"}}

	copyErr := errors.New("copy failed")
	var mounted string
	err := m.WithMounted(context.Background(), snap, func(dir string) error {
		mounted = dir
		return copyErr
	})
	if !errors.Is(err, copyErr) {
		t.Fatalf("expected copy error, got %v", err)
	}
	want := []string{
		"sudo mount -o ro /dev/vg0/vms-backup " + mounted,
		"sudo umount " + mounted,
	}
	if diff := cmp.Diff(want, f.Lines); diff != "" {
		t.Fatalf("unexpected commands (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(mounted); !os.IsNotExist(err) {
		t.Fatalf("expected mountpoint %s removed, stat err=%v", mounted, err)
	}
}

func TestWithMountedReportsUnmountFailure(t *testing.T) {
	f := pipeline.NewFake().Fail("umount", 1)
	m := newManager(f)
	m.TempDir = t.TempDir()
	err := m.WithMounted(context.Background(), &Snapshot{Volume: Volume{"vg0", "vms-backup"}}, func(string) error { return nil })
	if !errors.Is(err, ErrUnmount) {
		t.Fatalf("expected ErrUnmount, got %v", err)
	}
}

func TestRemoveSnapshotSucceedsFirstTime(t *testing.T) {
	f := pipeline.NewFake()
	clk := testclock.NewClock(time.Now())
	m := newManager(f)
	m.Clock = clk
	if err := m.RemoveSnapshot(context.Background(), &Snapshot{Volume: Volume{"vg0", "vms-backup"}}); err != nil {
		t.Fatalf("RemoveSnapshot: %v", err)
	}
	if got := f.Count("lvremove"); got != 1 {
		t.Fatalf("expected a single lvremove, got %d", got)
	}
}

func TestRemoveSnapshotRetriesSixTimes(t *testing.T) {
	f := pipeline.NewFake().On("lvremove", func(p *pipeline.Pipeline) error {
		io.WriteString(p.Stdout, "Logical volume vg0/vms-backup in use.\n")
		return &pipeline.PipelineError{Command: p.String(), ExitCode: 5}
	})
	clk := testclock.NewClock(time.Now())
	m := newManager(f)
	m.Clock = clk

	done := make(chan error, 1)
	go func() {
		done <- m.RemoveSnapshot(context.Background(), &Snapshot{Volume: Volume{"vg0", "vms-backup"}})
	}()
	for i := 0; i < DefaultRemoveAttempts-1; i++ {
		if err := clk.WaitAdvance(DefaultRemoveDelay, time.Second, 1); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("RemoveSnapshot did not return")
	}
	if !errors.Is(err, ErrSnapshotRemove) {
		t.Fatalf("expected ErrSnapshotRemove, got %v", err)
	}
	if got := f.Count("lvremove"); got != DefaultRemoveAttempts {
		t.Fatalf("expected %d attempts, got %d", DefaultRemoveAttempts, got)
	}
	var re *RemoveError
	if !errors.As(err, &re) || re.IndentedOutput() != "  Logical volume vg0/vms-backup in use." {
		t.Fatalf("expected captured output, got %#v", err)
	}
}

func TestRemoveSnapshotRecoversAfterBusy(t *testing.T) {
	f := pipeline.NewFake().OnTimes("lvremove", 2, func(p *pipeline.Pipeline) error {
		return &pipeline.PipelineError{Command: p.String(), ExitCode: 5}
	})
	clk := testclock.NewClock(time.Now())
	m := newManager(f)
	m.Clock = clk

	done := make(chan error, 1)
	go func() {
		done <- m.RemoveSnapshot(context.Background(), &Snapshot{Volume: Volume{"vg0", "vms-backup"}})
	}()
	for i := 0; i < 2; i++ {
		if err := clk.WaitAdvance(DefaultRemoveDelay, time.Second, 1); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if got := f.Count("lvremove"); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestRemoveSnapshotTreatsMissingVolumeAsRemoved(t *testing.T) {
	f := pipeline.NewFake().On("lvremove", func(p *pipeline.Pipeline) error {
		io.WriteString(p.Stdout, "  Failed to find logical volume \"vg0/vms-backup\"\n")
		return &pipeline.PipelineError{Command: p.String(), ExitCode: 5}
	})
	m := newManager(f)
	m.Clock = testclock.NewClock(time.Now())
	if err := m.RemoveSnapshot(context.Background(), &Snapshot{Volume: Volume{"vg0", "vms-backup"}}); err != nil {
		t.Fatalf("expected missing volume to count as removed, got %v", err)
	}
}

func TestRemoveSnapshotRetriesDespitePVWarning(t *testing.T) {
	f := pipeline.NewFake().On("lvremove", func(p *pipeline.Pipeline) error {
		io.WriteString(p.Stdout, "  WARNING: Device for PV abc123 not found or rejected by a filter.\n"+
			"  Logical volume vg0/vms-backup contains a filesystem in use.\n")
		return &pipeline.PipelineError{Command: p.String(), ExitCode: 5}
	})
	clk := testclock.NewClock(time.Now())
	m := newManager(f)
	m.Clock = clk

	done := make(chan error, 1)
	go func() {
		done <- m.RemoveSnapshot(context.Background(), &Snapshot{Volume: Volume{"vg0", "vms-backup"}})
	}()
	for i := 0; i < DefaultRemoveAttempts-1; i++ {
		if err := clk.WaitAdvance(DefaultRemoveDelay, time.Second, 1); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("RemoveSnapshot did not return")
	}
	if !errors.Is(err, ErrSnapshotRemove) {
		t.Fatalf("expected ErrSnapshotRemove, got %v", err)
	}
	if got := f.Count("lvremove"); got != DefaultRemoveAttempts {
		t.Fatalf("expected %d attempts, got %d", DefaultRemoveAttempts, got)
	}
}

func TestRemoveSnapshotOtherMissingVolumeIsNotSuccess(t *testing.T) {
	f := pipeline.NewFake().On("lvremove", func(p *pipeline.Pipeline) error {
		io.WriteString(p.Stdout, "  Failed to find logical volume \"vg0/other-backup\"\n")
		return &pipeline.PipelineError{Command: p.String(), ExitCode: 5}
	})
	m := newManager(f)
	m.RemoveAttempts = 1
	m.Clock = testclock.NewClock(time.Now())
	err := m.RemoveSnapshot(context.Background(), &Snapshot{Volume: Volume{"vg0", "vms-backup"}})
	if !errors.Is(err, ErrSnapshotRemove) {
		t.Fatalf("expected ErrSnapshotRemove, got %v", err)
	}
}
