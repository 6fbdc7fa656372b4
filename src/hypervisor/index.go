package hypervisor

import "fmt"

// MaxAncestors bounds a backing chain. Real chains are a handful deep.
const MaxAncestors = 64

// DiskIndex is a lookup table of disk parents and removable media built once
// per VM lookup and discarded with it.
type DiskIndex struct {
	parents   map[string]string
	removable map[string]bool
}

// NewDiskIndex returns an empty index.
func NewDiskIndex() *DiskIndex {
	return &DiskIndex{parents: map[string]string{}, removable: map[string]bool{}}
}

// SetParent records that child is backed by parent.
func (x *DiskIndex) SetParent(child, parent string) {
	if parent == "" {
		return
	}
	x.parents[child] = parent
}

// MarkRemovable records path as removable media.
func (x *DiskIndex) MarkRemovable(path string) { x.removable[path] = true }

// Removable reports whether path was marked removable.
func (x *DiskIndex) Removable(path string) bool { return x.removable[path] }

// Ancestors walks the parent chain of path, nearest first, until a disk has
// no parent. A chain that revisits a disk or exceeds MaxAncestors returns
// ErrAncestorCycle.
func (x *DiskIndex) Ancestors(path string) ([]string, error) {
	var chain []string
	seen := map[string]bool{path: true}
	for cur := x.parents[path]; cur != ""; cur = x.parents[cur] {
		if seen[cur] {
			return nil, fmt.Errorf("%s: %s appears twice: %w", path, cur, ErrAncestorCycle)
		}
		if len(chain) == MaxAncestors {
			return nil, fmt.Errorf("%s: more than %d ancestors: %w", path, MaxAncestors, ErrAncestorCycle)
		}
		seen[cur] = true
		chain = append(chain, cur)
	}
	return chain, nil
}

// Resolve fills in Removable and Ancestors for disks from the index.
func (x *DiskIndex) Resolve(disks []Disk) ([]Disk, error) {
	out := make([]Disk, 0, len(disks))
	for _, d := range disks {
		d.Removable = d.Removable || x.Removable(d.Path)
		if !d.Removable {
			anc, err := x.Ancestors(d.Path)
			if err != nil {
				return nil, err
			}
			d.Ancestors = anc
		}
		out = append(out, d)
	}
	return out, nil
}
