package hypervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"
)

type fakeMonitor struct {
	replies map[string]string
	sent    *[]string
}

func (m *fakeMonitor) Connect() error    { return nil }
func (m *fakeMonitor) Disconnect() error { return nil }

func (m *fakeMonitor) Run(cmd []byte) ([]byte, error) {
	exec := gjson.GetBytes(cmd, "execute").String()
	*m.sent = append(*m.sent, exec)
	if r, ok := m.replies[exec]; ok {
		return []byte(r), nil
	}
	return []byte(`{"return": {}}`), nil
}

func newTestQMP(replies map[string]string) (*QMP, *[]string) {
	sent := &[]string{}
	c := NewQMP(map[string]string{"db1": "/run/db1.qmp"}, map[string]string{"db1": "/etc/vms/db1"})
	c.dial = func(string, time.Duration) (monitor, error) {
		return &fakeMonitor{replies: replies, sent: sent}, nil
	}
	return c, sent
}

const queryBlockReply = `{"return": [
  {"device": "drive-virtio0", "removable": false, "inserted": {
    "file": "/srv/vms/db1.qcow2",
    "image": {"filename": "/srv/vms/db1.qcow2", "backing-image": {"filename": "/srv/vms/base.qcow2"}}}},
  {"device": "ide1-cd0", "removable": true, "inserted": {
    "file": "/srv/iso/tools.iso", "image": {"filename": "/srv/iso/tools.iso"}}},
  {"device": "floppy0", "removable": true}
]}`

func TestQMPLookup(t *testing.T) {
	c, _ := newTestQMP(map[string]string{
		"query-block":  queryBlockReply,
		"query-uuid":   `{"return": {"UUID": "0b9a4c1e-0000-4000-8000-000000000001"}}`,
		"query-status": `{"return": {"status": "running", "running": true}}`,
	})
	vm, err := c.Lookup(context.Background(), "db1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := &VirtualMachine{
		Name:  "db1",
		UUID:  "0b9a4c1e-0000-4000-8000-000000000001",
		State: StateRunning,
		Disks: []Disk{
			{Path: "/srv/vms/db1.qcow2", Ancestors: []string{"/srv/vms/base.qcow2"}},
			{Path: "/srv/iso/tools.iso", Removable: true},
		},
	}
	if diff := cmp.Diff(want, vm); diff != "" {
		t.Fatalf("unexpected VM (-want +got):\n%s", diff)
	}
}

func TestQMPPauseResume(t *testing.T) {
	c, sent := newTestQMP(nil)
	vm := &VirtualMachine{Name: "db1"}
	if err := c.Pause(context.Background(), vm); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := c.Resume(context.Background(), vm); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if diff := cmp.Diff([]string{"stop", "cont"}, *sent); diff != "" {
		t.Fatalf("unexpected commands (-want +got):\n%s", diff)
	}
}

func TestQMPReportsMonitorErrors(t *testing.T) {
	c, _ := newTestQMP(map[string]string{
		"stop": `{"error": {"class": "GenericError", "desc": "guest is shutting down"}}`,
	})
	err := c.Pause(context.Background(), &VirtualMachine{Name: "db1"})
	if err == nil || err.Error() != "stop on db1: guest is shutting down" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestQMPUnknownVM(t *testing.T) {
	c, _ := newTestQMP(nil)
	if _, err := c.Lookup(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.ExportConfig(context.Background(), &VirtualMachine{Name: "nope"}); err == nil {
		t.Fatalf("expected missing config dir error")
	}
}
