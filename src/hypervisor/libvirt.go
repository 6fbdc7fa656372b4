package hypervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"libvirt.org/go/libvirtxml"
)

// DefaultLibvirtSocket is the system libvirtd socket.
const DefaultLibvirtSocket = "/var/run/libvirt/libvirt-sock"

// Libvirt talks to libvirtd over its RPC socket.
type Libvirt struct {
	Log logrus.FieldLogger

	l       *libvirt.Libvirt
	tempDir string
}

// ConnectLibvirt connects to the libvirtd socket at path.
func ConnectLibvirt(path, tempDir string) (*Libvirt, error) {
	if path == "" {
		path = DefaultLibvirtSocket
	}
	l := libvirt.NewWithDialer(dialers.NewLocal(dialers.WithSocket(path)))
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to libvirt at %s: %w", path, err)
	}
	return &Libvirt{l: l, tempDir: tempDir}, nil
}

func (c *Libvirt) List(context.Context) ([]string, error) {
	doms, _, err := c.l.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(doms))
	for _, d := range doms {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Libvirt) domain(name string) (libvirt.Domain, error) {
	dom, err := c.l.DomainLookupByName(name)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return dom, &NotFoundError{Name: name}
		}
		return dom, err
	}
	return dom, nil
}

func (c *Libvirt) Lookup(ctx context.Context, name string) (*VirtualMachine, error) {
	dom, err := c.domain(name)
	if err != nil {
		return nil, err
	}
	desc, err := c.l.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return nil, fmt.Errorf("reading domain XML of %s: %w", name, err)
	}
	log := c.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	disks, err := disksFromDomainXML(desc, log.WithField("vm", name))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	vm := &VirtualMachine{Name: dom.Name, UUID: uuid.UUID(dom.UUID).String(), Disks: disks}
	if vm.State, err = c.State(ctx, vm); err != nil {
		return nil, err
	}
	return vm, nil
}

// disksFromDomainXML lists the disks of a domain. Backing stores become
// ancestors and cdrom/floppy devices are marked removable. Network and
// pool-volume disks cannot be snapshotted here and are skipped with a warning.
func disksFromDomainXML(desc string, log logrus.FieldLogger) ([]Disk, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(desc); err != nil {
		return nil, fmt.Errorf("parsing domain XML: %w", err)
	}
	if dom.Devices == nil {
		return nil, nil
	}
	idx := NewDiskIndex()
	var disks []Disk
	for _, d := range dom.Devices.Disks {
		path, kind := diskSource(d.Source)
		if path == "" {
			if d.Source != nil && (d.Source.Network != nil || d.Source.Volume != nil) {
				log.Warnf("WARNING: %s disk %s is not a file or block device and will not be backed up", dom.Name, diskTarget(d))
			}
			// Empty drives have nothing to copy.
			continue
		}
		if d.Device == "cdrom" || d.Device == "floppy" {
			idx.MarkRemovable(path)
		}
		child := path
		for bs := d.BackingStore; bs != nil; bs = bs.BackingStore {
			parent, _ := diskSource(bs.Source)
			if parent == "" {
				break
			}
			idx.SetParent(child, parent)
			child = parent
		}
		disks = append(disks, Disk{Path: path, Kind: kind})
	}
	return idx.Resolve(disks)
}

func diskTarget(d libvirtxml.DomainDisk) string {
	if d.Target != nil && d.Target.Dev != "" {
		return d.Target.Dev
	}
	return "(no target)"
}

func diskSource(src *libvirtxml.DomainDiskSource) (string, DiskKind) {
	switch {
	case src == nil:
		return "", DiskFile
	case src.File != nil:
		return src.File.File, DiskFile
	case src.Block != nil:
		return src.Block.Dev, DiskBlock
	}
	return "", DiskFile
}

// ExportConfig writes the inactive domain XML to a temporary directory.
func (c *Libvirt) ExportConfig(_ context.Context, vm *VirtualMachine) (*ConfigExport, error) {
	dom, err := c.domain(vm.Name)
	if err != nil {
		return nil, err
	}
	desc, err := c.l.DomainGetXMLDesc(dom, libvirt.DomainXMLInactive)
	if err != nil {
		return nil, fmt.Errorf("reading domain XML of %s: %w", vm.Name, err)
	}
	parent, err := os.MkdirTemp(c.tempDir, "vm-backup-config-")
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(parent, vm.Name)
	cleanup := func() error { return os.RemoveAll(parent) }
	if err := os.Mkdir(dir, 0o700); err != nil {
		cleanup()
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, vm.Name+".xml"), []byte(desc), 0o600); err != nil {
		cleanup()
		return nil, err
	}
	return &ConfigExport{Dir: dir, Cleanup: cleanup}, nil
}

func (c *Libvirt) State(_ context.Context, vm *VirtualMachine) (State, error) {
	dom, err := c.domain(vm.Name)
	if err != nil {
		return StateOther, err
	}
	st, _, err := c.l.DomainGetState(dom, 0)
	if err != nil {
		return StateOther, err
	}
	switch libvirt.DomainState(st) {
	case libvirt.DomainRunning:
		return StateRunning, nil
	case libvirt.DomainPaused:
		return StatePaused, nil
	}
	return StateOther, nil
}

func (c *Libvirt) Pause(_ context.Context, vm *VirtualMachine) error {
	dom, err := c.domain(vm.Name)
	if err != nil {
		return err
	}
	return c.l.DomainSuspend(dom)
}

func (c *Libvirt) Resume(_ context.Context, vm *VirtualMachine) error {
	dom, err := c.domain(vm.Name)
	if err != nil {
		return err
	}
	return c.l.DomainResume(dom)
}

func (c *Libvirt) Close() error { return c.l.Disconnect() }
