package hypervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultQMPTimeout bounds connecting to a QMP socket.
const DefaultQMPTimeout = 2 * time.Second

type monitor interface {
	Connect() error
	Disconnect() error
	Run(command []byte) ([]byte, error)
}

// QMP drives standalone QEMU processes through their monitor sockets. QEMU
// has no inventory of its own, so VMs and their configuration directories
// come from configuration.
type QMP struct {
	Sockets    map[string]string
	ConfigDirs map[string]string
	Timeout    time.Duration

	dial func(socket string, timeout time.Duration) (monitor, error)
}

// NewQMP returns a QMP client for the given name → socket map.
func NewQMP(sockets, configDirs map[string]string) *QMP {
	return &QMP{Sockets: sockets, ConfigDirs: configDirs, Timeout: DefaultQMPTimeout}
}

func (c *QMP) connect(name string) (monitor, error) {
	sock, ok := c.Sockets[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	dial := c.dial
	if dial == nil {
		dial = func(s string, t time.Duration) (monitor, error) { return qmp.NewSocketMonitor("unix", s, t) }
	}
	mon, err := dial(sock, c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("opening QMP socket %s: %w", sock, err)
	}
	if err := mon.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to QMP socket %s: %w", sock, err)
	}
	return mon, nil
}

// execute runs one command on a fresh connection and returns its "return"
// member.
func (c *QMP) execute(name, command string, args map[string]any) (gjson.Result, error) {
	mon, err := c.connect(name)
	if err != nil {
		return gjson.Result{}, err
	}
	defer mon.Disconnect()

	cmd, _ := sjson.Set("", "execute", command)
	for k, v := range args {
		cmd, _ = sjson.Set(cmd, "arguments."+k, v)
	}
	raw, err := mon.Run([]byte(cmd))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s on %s: %w", command, name, err)
	}
	if desc := gjson.GetBytes(raw, "error.desc"); desc.Exists() {
		return gjson.Result{}, fmt.Errorf("%s on %s: %s", command, name, desc.String())
	}
	return gjson.GetBytes(raw, "return"), nil
}

func (c *QMP) List(context.Context) ([]string, error) {
	names := make([]string, 0, len(c.Sockets))
	for name := range c.Sockets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *QMP) Lookup(ctx context.Context, name string) (*VirtualMachine, error) {
	blocks, err := c.execute(name, "query-block", nil)
	if err != nil {
		return nil, err
	}
	disks, err := disksFromQueryBlock(blocks)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	id, err := c.execute(name, "query-uuid", nil)
	if err != nil {
		return nil, err
	}
	vm := &VirtualMachine{Name: name, UUID: id.Get("UUID").String(), Disks: disks}
	if vm.State, err = c.State(ctx, vm); err != nil {
		return nil, err
	}
	return vm, nil
}

// disksFromQueryBlock reads the query-block reply. Each inserted medium is
// a disk; backing-image links become ancestors.
func disksFromQueryBlock(blocks gjson.Result) ([]Disk, error) {
	idx := NewDiskIndex()
	var disks []Disk
	for _, dev := range blocks.Array() {
		ins := dev.Get("inserted")
		if !ins.Exists() {
			continue
		}
		img := ins.Get("image")
		path := img.Get("filename").String()
		if path == "" {
			path = ins.Get("file").String()
		}
		if path == "" {
			continue
		}
		if dev.Get("removable").Bool() {
			idx.MarkRemovable(path)
		}
		child := path
		for b := img.Get("backing-image"); b.Exists(); b = b.Get("backing-image") {
			parent := b.Get("filename").String()
			if parent == "" {
				break
			}
			idx.SetParent(child, parent)
			child = parent
		}
		kind := DiskFile
		if strings.HasPrefix(path, "/dev/") {
			kind = DiskBlock
		}
		disks = append(disks, Disk{Path: path, Kind: kind})
	}
	return idx.Resolve(disks)
}

func (c *QMP) ExportConfig(_ context.Context, vm *VirtualMachine) (*ConfigExport, error) {
	dir, ok := c.ConfigDirs[vm.Name]
	if !ok || dir == "" {
		return nil, fmt.Errorf("no configuration directory set for %s", vm.Name)
	}
	return &ConfigExport{Dir: dir}, nil
}

func (c *QMP) State(_ context.Context, vm *VirtualMachine) (State, error) {
	st, err := c.execute(vm.Name, "query-status", nil)
	if err != nil {
		return StateOther, err
	}
	switch st.Get("status").String() {
	case "running":
		return StateRunning, nil
	case "paused":
		return StatePaused, nil
	}
	return StateOther, nil
}

func (c *QMP) Pause(_ context.Context, vm *VirtualMachine) error {
	_, err := c.execute(vm.Name, "stop", nil)
	return err
}

func (c *QMP) Resume(_ context.Context, vm *VirtualMachine) error {
	_, err := c.execute(vm.Name, "cont", nil)
	return err
}

func (c *QMP) Close() error { return nil }
