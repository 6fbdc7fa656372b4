package hypervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	incuscli "github.com/lxc/incus/client"
	"github.com/lxc/incus/shared/api"
)

const (
	// DefaultIncusDir is the Incus daemon state directory.
	DefaultIncusDir = "/var/lib/incus"

	incusDefaultProject = "default"
)

// Incus drives virtual machines managed by Incus over its UNIX socket.
type Incus struct {
	c       incuscli.InstanceServer
	project string
	dir     string
}

// ConnectIncus connects to the local Incus daemon. An empty socket uses the
// default; an empty project uses "default".
func ConnectIncus(socket, project string) (*Incus, error) {
	c, err := incuscli.ConnectIncusUnix(socket, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to incus: %w", err)
	}
	if project == "" {
		project = incusDefaultProject
	}
	return &Incus{c: c.UseProject(project), project: project, dir: DefaultIncusDir}, nil
}

func (c *Incus) List(context.Context) ([]string, error) {
	names, err := c.c.GetInstanceNames(api.InstanceTypeVM)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// storageName is the on-disk name of an instance: Incus prefixes the project
// for every project but the default one.
func (c *Incus) storageName(name string) string {
	if c.project == incusDefaultProject {
		return name
	}
	return c.project + "_" + name
}

type incusLayout struct {
	configDir string
	disks     []Disk
}

func (c *Incus) layout(name string) (*api.Instance, incusLayout, error) {
	inst, _, err := c.c.GetInstance(name)
	if err != nil {
		if api.StatusErrorCheck(err, 404) {
			return nil, incusLayout{}, &NotFoundError{Name: name}
		}
		return nil, incusLayout{}, err
	}
	if inst.Type != string(api.InstanceTypeVM) {
		return nil, incusLayout{}, fmt.Errorf("%s is a %s, not a virtual machine", name, inst.Type)
	}

	lay := incusLayout{configDir: filepath.Join(c.dir, "virtual-machines", c.storageName(name))}
	idx := NewDiskIndex()
	devNames := make([]string, 0, len(inst.ExpandedDevices))
	for dev := range inst.ExpandedDevices {
		devNames = append(devNames, dev)
	}
	sort.Strings(devNames)
	for _, dev := range devNames {
		cfg := inst.ExpandedDevices[dev]
		if cfg["type"] != "disk" {
			continue
		}
		switch {
		case cfg["path"] == "/" && cfg["pool"] != "":
			d, volDir, err := c.rootDisk(name, cfg["pool"])
			if err != nil {
				return nil, incusLayout{}, err
			}
			if volDir != "" {
				lay.configDir = volDir
			}
			lay.disks = append(lay.disks, d)
		case filepath.IsAbs(cfg["source"]):
			src := cfg["source"]
			kind := DiskFile
			if strings.HasPrefix(src, "/dev/") {
				kind = DiskBlock
			}
			if strings.HasSuffix(src, ".iso") {
				idx.MarkRemovable(src)
			}
			lay.disks = append(lay.disks, Disk{Path: src, Kind: kind})
		}
	}
	disks, err := idx.Resolve(lay.disks)
	if err != nil {
		return nil, incusLayout{}, err
	}
	lay.disks = disks
	return inst, lay, nil
}

// rootDisk locates the root volume of a VM on a dir or lvm storage pool.
// For dir pools it also returns the volume directory, which holds the VM
// configuration next to root.img.
func (c *Incus) rootDisk(name, pool string) (Disk, string, error) {
	p, _, err := c.c.GetStoragePool(pool)
	if err != nil {
		return Disk{}, "", fmt.Errorf("storage pool %s: %w", pool, err)
	}
	switch p.Driver {
	case "dir":
		src := p.Config["source"]
		if src == "" {
			src = filepath.Join(c.dir, "storage-pools", pool)
		}
		volDir := filepath.Join(src, "virtual-machines", c.storageName(name))
		return Disk{Path: filepath.Join(volDir, "root.img"), Kind: DiskFile}, volDir, nil
	case "lvm":
		vg := p.Config["lvm.vg_name"]
		if vg == "" {
			vg = pool
		}
		lv := "virtual-machines_" + strings.ReplaceAll(c.storageName(name), "-", "--") + ".block"
		return Disk{Path: "/dev/" + vg + "/" + lv, Kind: DiskBlock}, "", nil
	}
	return Disk{}, "", fmt.Errorf("storage pool %s uses the %s driver; only dir and lvm pools can be snapshotted", pool, p.Driver)
}

func (c *Incus) Lookup(ctx context.Context, name string) (*VirtualMachine, error) {
	inst, lay, err := c.layout(name)
	if err != nil {
		return nil, err
	}
	vm := &VirtualMachine{Name: inst.Name, UUID: inst.Config["volatile.uuid"], Disks: lay.disks}
	if vm.State, err = c.State(ctx, vm); err != nil {
		return nil, err
	}
	return vm, nil
}

func (c *Incus) ExportConfig(_ context.Context, vm *VirtualMachine) (*ConfigExport, error) {
	_, lay, err := c.layout(vm.Name)
	if err != nil {
		return nil, err
	}
	return &ConfigExport{Dir: lay.configDir}, nil
}

func (c *Incus) State(_ context.Context, vm *VirtualMachine) (State, error) {
	st, _, err := c.c.GetInstanceState(vm.Name)
	if err != nil {
		return StateOther, err
	}
	switch st.Status {
	case "Running":
		return StateRunning, nil
	case "Frozen":
		return StatePaused, nil
	}
	return StateOther, nil
}

func (c *Incus) setState(ctx context.Context, name, action string) error {
	op, err := c.c.UpdateInstanceState(name, api.InstanceStatePut{Action: action, Timeout: -1}, "")
	if err != nil {
		return err
	}
	return op.WaitContext(ctx)
}

func (c *Incus) Pause(ctx context.Context, vm *VirtualMachine) error {
	return c.setState(ctx, vm.Name, "freeze")
}

func (c *Incus) Resume(ctx context.Context, vm *VirtualMachine) error {
	return c.setState(ctx, vm.Name, "unfreeze")
}

func (c *Incus) Close() error {
	c.c.Disconnect()
	return nil
}
