package mountgroup

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/moby/sys/mountinfo"

	"vm-backup/src/pipeline"
)

// Location is where a path lives: the device backing its filesystem and the
// mountpoint of that filesystem.
type Location struct {
	Device     string
	Mountpoint string
}

// FilesystemQuery resolves a path to its filesystem location.
type FilesystemQuery interface {
	Locate(ctx context.Context, path string) (Location, error)
}

// MountTable resolves paths against the kernel mount table. The table is
// read once, on first use, and reused for the lifetime of the value so a
// run sees a single consistent view.
type MountTable struct {
	once   sync.Once
	mounts []*mountinfo.Info
	err    error

	// load is swapped in tests.
	load func() ([]*mountinfo.Info, error)
}

// NewMountTable returns a MountTable backed by /proc/self/mountinfo.
func NewMountTable() *MountTable {
	return &MountTable{load: func() ([]*mountinfo.Info, error) { return mountinfo.GetMounts(nil) }}
}

// Locate implements FilesystemQuery. The longest mountpoint that contains
// path wins; for stacked mounts on the same mountpoint the last one wins.
func (t *MountTable) Locate(_ context.Context, path string) (Location, error) {
	t.once.Do(func() { t.mounts, t.err = t.load() })
	if t.err != nil {
		return Location{}, fmt.Errorf("reading mount table: %w", t.err)
	}
	var best *mountinfo.Info
	for _, m := range t.mounts {
		if !within(path, m.Mountpoint) {
			continue
		}
		if best == nil || len(m.Mountpoint) >= len(best.Mountpoint) {
			best = m
		}
	}
	if best == nil || best.Source == "" {
		return Location{}, fmt.Errorf("no mount found for %s", path)
	}
	return Location{Device: best.Source, Mountpoint: best.Mountpoint}, nil
}

func within(path, mountpoint string) bool {
	if mountpoint == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == mountpoint || strings.HasPrefix(path, mountpoint+"/")
}

// DiskFree resolves paths with `df -P`, as the volume tooling on older hosts
// did. It is slower than MountTable but honours whatever df reports.
type DiskFree struct {
	Runner pipeline.Runner
}

// Locate implements FilesystemQuery.
func (d *DiskFree) Locate(ctx context.Context, path string) (Location, error) {
	var out bytes.Buffer
	p := pipeline.New(pipeline.Command("df", "-P", path))
	p.Stdout = &out
	if err := d.Runner.Run(ctx, p); err != nil {
		return Location{}, err
	}
	return parseDiskFree(out.String())
}

// parseDiskFree reads the second line of POSIX df output. The mountpoint is
// the last field that looks like an absolute path, so device names with
// spaces do not shift it.
func parseDiskFree(out string) (Location, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return Location{}, fmt.Errorf("unexpected df output %q", out)
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 6 {
		return Location{}, fmt.Errorf("unexpected df output %q", lines[1])
	}
	loc := Location{Device: fields[0]}
	for i := len(fields) - 1; i > 0; i-- {
		if strings.HasPrefix(fields[i], "/") {
			loc.Mountpoint = filepath.Clean(fields[i])
			break
		}
	}
	if loc.Mountpoint == "" {
		return Location{}, fmt.Errorf("no mountpoint in df output %q", lines[1])
	}
	return loc, nil
}
