// Package mountgroup groups VM disks by the logical volume that backs them so
// that one snapshot covers every disk on the same filesystem.
package mountgroup

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"vm-backup/src/hypervisor"
	"vm-backup/src/lvm"
)

// Member is a disk placed in a group, with its path relative to the
// group's mountpoint.
type Member struct {
	Disk     hypervisor.Disk
	Relative string
}

// Group is the set of disks captured by one snapshot of Volume.
type Group struct {
	// Mountpoint is the filesystem mountpoint. It is empty for a block
	// device group.
	Mountpoint string
	// Device is the block device of the volume as the host reports it.
	Device string
	Volume lvm.Volume
	// Block groups hold a single disk whose source is the volume itself;
	// its snapshot is read directly instead of being mounted.
	Block   bool
	Members []Member
}

// Key identifies the group: the mountpoint, or the device for block groups.
func (g *Group) Key() string {
	if g.Block {
		return g.Device
	}
	return g.Mountpoint
}

// Grouper partitions disks into groups.
type Grouper struct {
	Query FilesystemQuery
	// EvalSymlinks resolves disk paths before lookup; nil means
	// filepath.EvalSymlinks. Tests use the identity.
	EvalSymlinks func(string) (string, error)
}

// Group partitions disks. Every disk ends up in exactly one group and the
// groups are ordered by key so runs are reproducible.
func (g *Grouper) Group(ctx context.Context, disks []hypervisor.Disk) ([]*Group, error) {
	eval := g.EvalSymlinks
	if eval == nil {
		eval = filepath.EvalSymlinks
	}
	byKey := map[string]*Group{}
	for _, d := range disks {
		if d.Kind == hypervisor.DiskBlock {
			vol, err := lvm.VolumeFromDevice(d.Path)
			if err != nil {
				return nil, fmt.Errorf("disk %s: %w: %w", d.Path, ErrMountpointResolution, err)
			}
			if _, dup := byKey[d.Path]; dup {
				continue
			}
			byKey[d.Path] = &Group{Device: d.Path, Volume: vol, Block: true, Members: []Member{{Disk: d}}}
			continue
		}

		resolved, err := eval(d.Path)
		if err != nil {
			return nil, fmt.Errorf("disk %s: %w: %w", d.Path, ErrMountpointResolution, err)
		}
		loc, err := g.Query.Locate(ctx, resolved)
		if err != nil {
			return nil, fmt.Errorf("disk %s: %w: %w", d.Path, ErrMountpointResolution, err)
		}
		if loc.Device == "" || loc.Mountpoint == "" {
			return nil, fmt.Errorf("disk %s: %w: empty device or mountpoint", d.Path, ErrMountpointResolution)
		}
		rel, err := filepath.Rel(loc.Mountpoint, resolved)
		if err != nil {
			return nil, fmt.Errorf("disk %s: %w: %w", d.Path, ErrMountpointResolution, err)
		}
		grp, ok := byKey[loc.Mountpoint]
		if !ok {
			vol, err := lvm.VolumeFromDevice(loc.Device)
			if err != nil {
				return nil, fmt.Errorf("disk %s on %s: %w: %w", d.Path, loc.Mountpoint, ErrMountpointResolution, err)
			}
			grp = &Group{Mountpoint: loc.Mountpoint, Device: loc.Device, Volume: vol}
			byKey[loc.Mountpoint] = grp
		}
		grp.Members = append(grp.Members, Member{Disk: d, Relative: rel})
	}

	groups := make([]*Group, 0, len(byKey))
	seen := map[lvm.Volume]string{}
	for _, grp := range byKey {
		// Two mountpoints on one volume would mean two snapshots with the
		// same name; bind mounts are the usual cause.
		if other, dup := seen[grp.Volume]; dup {
			return nil, fmt.Errorf("%w: %s and %s are both on %s", ErrMountpointResolution, other, grp.Key(), grp.Volume)
		}
		seen[grp.Volume] = grp.Key()
		groups = append(groups, grp)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key() < groups[j].Key() })
	return groups, nil
}
