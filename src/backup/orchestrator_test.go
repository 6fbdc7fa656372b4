package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"vm-backup/src/hypervisor"
	"vm-backup/src/lvm"
	"vm-backup/src/mountgroup"
	"vm-backup/src/pause"
	"vm-backup/src/pipeline"
)

var runDate = time.Date(2026, 10, 18, 2, 30, 0, 0, time.UTC)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// mounts maps mountpoints to the devices mounted on them.
type mounts map[string]string

func (m mounts) Locate(_ context.Context, path string) (mountgroup.Location, error) {
	best := ""
	for mp := range m {
		inside := mp == "/" || path == mp || strings.HasPrefix(path, mp+"/")
		if inside && len(mp) > len(best) {
			best = mp
		}
	}
	if best == "" {
		return mountgroup.Location{}, errors.New("not mounted")
	}
	return mountgroup.Location{Device: m[best], Mountpoint: best}, nil
}

type harness struct {
	root    string
	run     *pipeline.Fake
	hv      *hypervisor.Fake
	orch    *Orchestrator
	journal []string
}

func writeOutFile(p *pipeline.Pipeline) error {
	return os.WriteFile(p.OutFile, []byte(p.String()), 0o644)
}

func newHarness(t *testing.T, vms ...*hypervisor.VirtualMachine) *harness {
	t.Helper()
	h := &harness{root: t.TempDir(), run: pipeline.NewFake(), hv: hypervisor.NewFake(vms...)}
	for _, vm := range vms {
		dir := filepath.Join(t.TempDir(), vm.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		h.hv.ConfigDirs[vm.Name] = dir
	}
	h.hv.Hook = func(call string) { h.journal = append(h.journal, call) }

	log := quietLog()
	h.orch = &Orchestrator{
		Hypervisor: h.hv,
		Runner:     h.run,
		LVM:        &lvm.Manager{Runner: h.run, Log: log, TempDir: t.TempDir(), RemoveDelay: time.Millisecond},
		Grouper: &mountgroup.Grouper{
			Query:        mounts{"/": "/dev/mapper/vg0-root", "/data": "/dev/mapper/vg0-data"},
			EvalSymlinks: func(p string) (string, error) { return p, nil },
		},
		Pause:  &pause.Coordinator{Enabled: true, Hypervisor: h.hv},
		Log:    log,
		Root:   h.root,
		RunID:  "run-1",
		Now:    func() time.Time { return runDate },
	}
	return h
}

// succeed makes archive-writing pipelines create their output file.
func (h *harness) succeed() *harness {
	h.run.On("tar c", writeOutFile)
	h.run.On("| gzip", writeOutFile)
	return h
}

func (h *harness) note(substr, entry string) {
	h.run.On(substr, func(*pipeline.Pipeline) error {
		h.journal = append(h.journal, entry)
		return nil
	})
}

func web1() *hypervisor.VirtualMachine {
	return &hypervisor.VirtualMachine{
		Name:  "web1",
		UUID:  "6f1c1c4e-3b4a-4c55-9a39-3b1f0fdc1a01",
		State: hypervisor.StateRunning,
		Disks: []hypervisor.Disk{
			{Path: "/data/vms/web1-a.img"},
			{Path: "/data/vms/web1-b.img"},
			{Path: "/vms/web1-root.img"},
		},
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading %s: %v", dir, err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestRunWeb1TwoMountpoints(t *testing.T) {
	h := newHarness(t, web1()).succeed()
	rep, err := h.orch.Run(context.Background(), []string{"web1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.OK() {
		t.Fatalf("expected success, got %v", rep.Jobs[0].Err)
	}
	if got := h.run.Count("lvcreate"); got != 2 {
		t.Fatalf("expected 2 snapshots, got %d: %v", got, h.run.Lines)
	}
	if got := h.run.Count("lvremove"); got != 2 {
		t.Fatalf("expected 2 removals, got %d", got)
	}
	for _, want := range []string{"vg0/data-backup", "vg0/root-backup"} {
		if h.run.Count("lvremove -f "+want) != 1 {
			t.Fatalf("expected %s removed once: %v", want, h.run.Lines)
		}
	}

	vmDir := filepath.Join(h.root, "2026-10-18", "web1")
	if diff := cmp.Diff([]string{"web1-a.img.gz", "web1-b.img.gz", "web1-root.img.gz"}, listDir(t, filepath.Join(vmDir, DisksDir))); diff != "" {
		t.Fatalf("unexpected disk archives (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{DisksDir, ChecksumsFile, ConfigArchive, ManifestFile}, listDir(t, vmDir)); diff != "" {
		t.Fatalf("unexpected backup layout (-want +got):\n%s", diff)
	}
	if got := Verify(vmDir); got != "ok" {
		t.Fatalf("expected checksums to verify, got %s", got)
	}
	mf, err := ReadManifest(vmDir)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if mf.Name != "web1" || mf.UUID != web1().UUID || mf.RunID != "run-1" || len(mf.Archives) != 4 {
		t.Fatalf("unexpected manifest %+v", mf)
	}
	if _, err := os.Stat(StagingDir(h.root, "2026-10-18")); !os.IsNotExist(err) {
		t.Fatalf("expected staging directory removed, stat err=%v", err)
	}
}

func TestSnapshotsCreatedWhilePaused(t *testing.T) {
	h := newHarness(t, web1())
	h.note("lvcreate", "lvcreate")
	h.note("mount /dev", "mount")
	h.succeed()
	if _, err := h.orch.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"pause web1", "lvcreate", "lvcreate", "resume web1", "mount", "mount"}
	if diff := cmp.Diff(want, h.journal); diff != "" {
		t.Fatalf("unexpected ordering (-want +got):\n%s", diff)
	}
}

func TestPauseDisabledLeavesStateAlone(t *testing.T) {
	h := newHarness(t, web1()).succeed()
	h.orch.Pause.Enabled = false
	rep, err := h.orch.Run(context.Background(), []string{"web1"})
	if err != nil || !rep.OK() {
		t.Fatalf("Run: %v %v", err, rep.Failures())
	}
	if len(h.hv.Calls) != 0 {
		t.Fatalf("expected no pause/resume calls, got %v", h.hv.Calls)
	}
}

func TestRemoveFailureIsAWarning(t *testing.T) {
	h := newHarness(t, web1())
	h.run.Fail("lvremove -f vg0/data-backup", 5)
	h.succeed()
	rep, err := h.orch.Run(context.Background(), []string{"web1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	job := rep.Jobs[0]
	if job.Failed {
		t.Fatalf("expected data backup to succeed, got %v", job.Err)
	}
	if got := h.run.Count("lvremove -f vg0/data-backup"); got != lvm.DefaultRemoveAttempts {
		t.Fatalf("expected %d attempts, got %d", lvm.DefaultRemoveAttempts, got)
	}
	if len(job.Warnings) != 1 || !strings.Contains(job.Warnings[0], "vg0/data-backup") {
		t.Fatalf("expected one removal warning, got %v", job.Warnings)
	}
	if rep.Warnings() != 1 {
		t.Fatalf("expected the report to count the warning")
	}
}

func TestMountFailureStillRemovesSnapshots(t *testing.T) {
	h := newHarness(t, web1())
	h.run.Fail("mount /dev/vg0/data-backup", 32)
	h.succeed()
	rep, err := h.orch.Run(context.Background(), []string{"web1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	job := rep.Jobs[0]
	if !job.Failed || !errors.Is(job.Err, lvm.ErrMount) {
		t.Fatalf("expected job failed with ErrMount, got failed=%v err=%v", job.Failed, job.Err)
	}
	if c, r := h.run.Count("lvcreate"), h.run.Count("lvremove"); c != 2 || r != 2 {
		t.Fatalf("expected every snapshot removed, created %d removed %d", c, r)
	}
	staged := filepath.Join(StagingDir(h.root, "2026-10-18"), "web1")
	if _, err := os.Stat(staged); err != nil {
		t.Fatalf("expected failed backup left in staging: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.root, "2026-10-18", "web1")); !os.IsNotExist(err) {
		t.Fatalf("failed backup must not be finalised, stat err=%v", err)
	}
}

func TestCopyFailureStillUnmountsAndRemoves(t *testing.T) {
	h := newHarness(t, web1())
	h.run.Fail("web1-b.img | gzip", 1)
	h.succeed()
	rep, _ := h.orch.Run(context.Background(), []string{"web1"})
	job := rep.Jobs[0]
	if !errors.Is(job.Err, ErrDiskCopy) || !errors.Is(job.Err, pipeline.ErrPipeline) {
		t.Fatalf("expected disk copy failure, got %v", job.Err)
	}
	if h.run.Count("umount") != 2 {
		t.Fatalf("expected both snapshots unmounted: %v", h.run.Lines)
	}
	if h.run.Count("lvremove") != 2 {
		t.Fatalf("expected both snapshots removed: %v", h.run.Lines)
	}
}

func TestUnmountFailureStopsCopiesAndRemovesSnapshots(t *testing.T) {
	h := newHarness(t, web1())
	h.run.Fail("umount", 1)
	h.succeed()
	rep, err := h.orch.Run(context.Background(), []string{"web1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	job := rep.Jobs[0]
	if !job.Failed || !errors.Is(job.Err, lvm.ErrUnmount) {
		t.Fatalf("expected job failed with ErrUnmount, got failed=%v err=%v", job.Failed, job.Err)
	}
	if n := h.run.Count("mount /dev/vg0/data-backup"); n != 0 {
		t.Fatalf("expected the second group never mounted: %v", h.run.Lines)
	}
	if n := h.run.Count("web1-a.img | gzip"); n != 0 {
		t.Fatalf("expected no copies from the second group: %v", h.run.Lines)
	}
	if h.run.Count("lvremove -f vg0/root-backup") != 1 || h.run.Count("lvremove -f vg0/data-backup") != 1 {
		t.Fatalf("expected every snapshot removed: %v", h.run.Lines)
	}
	if diff := cmp.Diff([]string{"pause web1", "resume web1"}, h.hv.Calls); diff != "" {
		t.Fatalf("expected the VM resumed (-want +got):\n%s", diff)
	}
}

func TestSnapshotCreateFailureRemovesEarlierSnapshots(t *testing.T) {
	h := newHarness(t, web1())
	h.run.Fail("--name data-backup", 5)
	h.succeed()
	rep, _ := h.orch.Run(context.Background(), []string{"web1"})
	job := rep.Jobs[0]
	if !errors.Is(job.Err, lvm.ErrSnapshotCreate) {
		t.Fatalf("expected ErrSnapshotCreate, got %v", job.Err)
	}
	if h.run.Count("lvremove -f vg0/root-backup") != 1 || h.run.Count("lvremove -f vg0/data-backup") != 0 {
		t.Fatalf("expected only the created snapshot removed: %v", h.run.Lines)
	}
	if diff := cmp.Diff([]string{"pause web1", "resume web1"}, h.hv.Calls); diff != "" {
		t.Fatalf("expected the VM resumed (-want +got):\n%s", diff)
	}
}

func TestPauseFailureFailsJob(t *testing.T) {
	h := newHarness(t, web1()).succeed()
	h.hv.PauseErr = errors.New("timed out")
	rep, _ := h.orch.Run(context.Background(), []string{"web1"})
	if !errors.Is(rep.Jobs[0].Err, hypervisor.ErrHypervisorState) {
		t.Fatalf("expected ErrHypervisorState, got %v", rep.Jobs[0].Err)
	}
	if h.run.Count("lvcreate") != 0 {
		t.Fatalf("no snapshot may be taken without the pause")
	}
}

func TestRemovableDisksAndAncestors(t *testing.T) {
	vm := &hypervisor.VirtualMachine{
		Name:  "db1",
		State: hypervisor.StateOther,
		Disks: []hypervisor.Disk{
			{Path: "/data/vms/db1-overlay.qcow2", Ancestors: []string{"/data/vms/db1-base.qcow2"}},
			{Path: "/data/isos/install.iso", Removable: true},
		},
	}
	h := newHarness(t, vm).succeed()
	rep, err := h.orch.Run(context.Background(), []string{"db1"})
	if err != nil || !rep.OK() {
		t.Fatalf("Run: %v %v", err, rep.Failures())
	}
	got := listDir(t, filepath.Join(h.root, "2026-10-18", "db1", DisksDir))
	if diff := cmp.Diff([]string{"db1-base.qcow2.gz", "db1-overlay.qcow2.gz"}, got); diff != "" {
		t.Fatalf("unexpected archives (-want +got):\n%s", diff)
	}
	if h.run.Count("install.iso") != 0 {
		t.Fatalf("removable media must not be touched: %v", h.run.Lines)
	}
	if h.run.Count("lvcreate") != 1 {
		t.Fatalf("expected one snapshot for one mountpoint")
	}
}

func TestConfigArchiveExcludesDisks(t *testing.T) {
	vm := &hypervisor.VirtualMachine{Name: "app1"}
	h := newHarness(t, vm).succeed()
	cfgDir := h.hv.ConfigDirs["app1"]
	vm.Disks = []hypervisor.Disk{{Path: filepath.Join(cfgDir, "disks", "root.img")}}
	h.hv.VMs["app1"] = vm
	h.orch.Grouper.Query = mounts{"/": "/dev/mapper/vg0-root"}

	rep, _ := h.orch.Run(context.Background(), []string{"app1"})
	if !rep.OK() {
		t.Fatalf("unexpected failure %v", rep.Jobs[0].Err)
	}
	tar := h.run.Matching("tar c")
	want := "tar cz -C " + filepath.Dir(cfgDir) + " --exclude disks/root.img app1 > " +
		filepath.Join(StagingDir(h.root, "2026-10-18"), "app1", ConfigArchive)
	if len(tar) != 1 || tar[0] != want {
		t.Fatalf("unexpected tar command %v, want %q", tar, want)
	}
}

func TestBlockDiskReadsSnapshotDevice(t *testing.T) {
	vm := &hypervisor.VirtualMachine{
		Name:  "fw1",
		Disks: []hypervisor.Disk{{Path: "/dev/vg1/fw1-disk", Kind: hypervisor.DiskBlock}},
	}
	h := newHarness(t, vm)
	h.run.On("blockdev", func(p *pipeline.Pipeline) error {
		_, err := io.WriteString(p.Stdout, "4294967296\n")
		return err
	})
	h.succeed()
	rep, _ := h.orch.Run(context.Background(), []string{"fw1"})
	if !rep.OK() {
		t.Fatalf("unexpected failure %v", rep.Jobs[0].Err)
	}
	if h.run.Count("dd if=/dev/vg1/fw1-disk-backup bs=1M status=none | gzip") != 1 {
		t.Fatalf("expected raw device copy: %v", h.run.Lines)
	}
	if h.run.Count("mount") != 0 {
		t.Fatalf("block snapshots are not mounted: %v", h.run.Lines)
	}
	if rep.Jobs[0].Archives[1].Size != 4294967296 {
		t.Fatalf("expected size hint recorded, got %+v", rep.Jobs[0].Archives)
	}
}

func TestDuplicateBasenamesGetSuffix(t *testing.T) {
	vm := &hypervisor.VirtualMachine{
		Name:  "dup",
		Disks: []hypervisor.Disk{{Path: "/data/a/disk.img"}, {Path: "/data/b/disk.img"}},
	}
	h := newHarness(t, vm).succeed()
	rep, _ := h.orch.Run(context.Background(), []string{"dup"})
	if !rep.OK() {
		t.Fatalf("unexpected failure %v", rep.Jobs[0].Err)
	}
	got := listDir(t, filepath.Join(h.root, "2026-10-18", "dup", DisksDir))
	if diff := cmp.Diff([]string{"disk.img-2.gz", "disk.img.gz"}, got); diff != "" {
		t.Fatalf("unexpected archives (-want +got):\n%s", diff)
	}
	if len(rep.Jobs[0].Warnings) != 1 {
		t.Fatalf("expected a warning for the renamed archive")
	}
}

func TestFailedVMDoesNotStopRun(t *testing.T) {
	other := &hypervisor.VirtualMachine{Name: "mail1", Disks: []hypervisor.Disk{{Path: "/data/vms/mail1.img"}}}
	h := newHarness(t, web1(), other)
	h.run.Fail("web1-root.img | gzip", 1)
	h.succeed()
	rep, err := h.orch.Run(context.Background(), []string{"web1", "ghost", "mail1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var failed []string
	for _, j := range rep.Failures() {
		failed = append(failed, j.Name)
	}
	if diff := cmp.Diff([]string{"web1", "ghost"}, failed); diff != "" {
		t.Fatalf("unexpected failures (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(h.root, "2026-10-18", "mail1", ManifestFile)); err != nil {
		t.Fatalf("expected mail1 finalised: %v", err)
	}
	if !errors.Is(rep.Jobs[1].Err, hypervisor.ErrNotFound) {
		t.Fatalf("expected lookup failure for ghost, got %v", rep.Jobs[1].Err)
	}
}

func TestCancelledRunStopsBeforeNextVM(t *testing.T) {
	other := &hypervisor.VirtualMachine{Name: "mail1", Disks: []hypervisor.Disk{{Path: "/data/vms/mail1.img"}}}
	h := newHarness(t, web1(), other).succeed()
	ctx, cancel := context.WithCancel(context.Background())
	h.run.On("lvcreate -L10G --snapshot --name root-backup", func(*pipeline.Pipeline) error {
		cancel()
		return nil
	})
	rep, err := h.orch.Run(ctx, []string{"web1", "mail1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(rep.Jobs) != 1 {
		t.Fatalf("expected only web1 attempted, got %d jobs", len(rep.Jobs))
	}
	if h.run.Count("lvremove") != 2 {
		t.Fatalf("cleanup must run after cancellation: %v", h.run.Lines)
	}
}
