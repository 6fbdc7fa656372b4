package directory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vm-backup/src/backend"
	"vm-backup/src/backup"
)

// Backend implements backend.StorageBackend for the dated directory layout:
// <root>/<date>/<vm> for finished backups and <root>/0-new_<date>/<vm> for
// runs still in progress or VMs that failed.
type Backend struct {
	Root string // absolute directory path
}

func New(root string) (*Backend, error) {
	if root == "" {
		return nil, errors.New("directory backend root must not be empty")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", root)
	}
	return &Backend{Root: root}, nil
}

// DateDir is a dated directory under the root.
type DateDir struct {
	Date   string
	Status string
	Path   string
}

// Dates returns the dated directories, oldest first, staging after the
// finished directory of the same date.
func (b *Backend) Dates() ([]DateDir, error) {
	names, err := readDirNames(b.Root)
	if err != nil {
		return nil, err
	}
	var out []DateDir
	for _, name := range names {
		status := backend.StatusComplete
		date := name
		if rest, ok := strings.CutPrefix(name, backup.StagingPrefix); ok {
			status = backend.StatusIncomplete
			date = rest
		}
		if _, err := time.Parse(backup.DateLayout, date); err != nil {
			continue
		}
		out = append(out, DateDir{Date: date, Status: status, Path: filepath.Join(b.Root, name)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Status == backend.StatusComplete && out[j].Status != backend.StatusComplete
	})
	return out, nil
}

// List implements backend.StorageBackend. filter is all, complete or
// incomplete.
func (b *Backend) List(filter string) ([]backend.Entry, error) {
	switch filter {
	case "", backend.FilterAll, backend.StatusComplete, backend.StatusIncomplete:
	default:
		return nil, fmt.Errorf("unknown filter %q; expected all, complete or incomplete", filter)
	}
	dates, err := b.Dates()
	if err != nil {
		return nil, err
	}
	var entries []backend.Entry
	for _, d := range dates {
		if filter == backend.StatusComplete || filter == backend.StatusIncomplete {
			if d.Status != filter {
				continue
			}
		}
		vms, err := readDirNames(d.Path)
		if err != nil {
			return nil, err
		}
		for _, vm := range vms {
			entries = append(entries, backend.Entry{Date: d.Date, VM: vm, Status: d.Status, Path: filepath.Join(d.Path, vm)})
		}
	}
	return entries, nil
}

// Latest returns the newest finished date directory.
func (b *Backend) Latest() (DateDir, error) {
	dates, err := b.Dates()
	if err != nil {
		return DateDir{}, err
	}
	for i := len(dates) - 1; i >= 0; i-- {
		if dates[i].Status == backend.StatusComplete {
			return dates[i], nil
		}
	}
	return DateDir{}, fmt.Errorf("no completed backups under %s", b.Root)
}

// Lookup returns the date directory for date, finished or not.
func (b *Backend) Lookup(date string) (DateDir, error) {
	dates, err := b.Dates()
	if err != nil {
		return DateDir{}, err
	}
	var found *DateDir
	for i := range dates {
		if dates[i].Date != date {
			continue
		}
		if found == nil || dates[i].Status == backend.StatusComplete {
			found = &dates[i]
		}
	}
	if found == nil {
		return DateDir{}, fmt.Errorf("no backup dated %s under %s", date, b.Root)
	}
	return *found, nil
}

// PlanPrune returns the date directories to delete: every finished one
// except the newest keep, plus, when incomplete is set, every staging
// directory except today's.
func (b *Backend) PlanPrune(keep int, incomplete bool, today string) ([]DateDir, error) {
	if keep <= 0 {
		return nil, errors.New("keep must be > 0")
	}
	dates, err := b.Dates()
	if err != nil {
		return nil, err
	}
	var complete, del []DateDir
	for _, d := range dates {
		if d.Status == backend.StatusComplete {
			complete = append(complete, d)
		} else if incomplete && d.Date != today {
			del = append(del, d)
		}
	}
	if len(complete) > keep {
		del = append(complete[:len(complete)-keep:len(complete)-keep], del...)
	}
	sort.SliceStable(del, func(i, j int) bool { return del[i].Date < del[j].Date })
	return del, nil
}

func readDirNames(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			name := e.Name()
			// skip hidden
			if strings.HasPrefix(name, ".") {
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
