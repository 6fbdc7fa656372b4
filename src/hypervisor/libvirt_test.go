package hypervisor

import (
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

const web1Domain = `<domain type='kvm'>
  <name>web1</name>
  <uuid>6f1c1c4e-3b4a-4c55-9a39-3b1f0fdc1a01</uuid>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='/data/vms/web1-overlay.qcow2'/>
      <backingStore type='file'>
        <format type='qcow2'/>
        <source file='/data/vms/web1-base.qcow2'/>
        <backingStore/>
      </backingStore>
      <target dev='vda' bus='virtio'/>
    </disk>
    <disk type='block' device='disk'>
      <source dev='/dev/vg0/web1-swap'/>
      <target dev='vdb' bus='virtio'/>
    </disk>
    <disk type='file' device='cdrom'>
      <source file='/isos/debian.iso'/>
      <target dev='sda' bus='sata'/>
      <readonly/>
    </disk>
    <disk type='file' device='cdrom'>
      <target dev='sdb' bus='sata'/>
    </disk>
  </devices>
</domain>`

func TestDisksFromDomainXML(t *testing.T) {
	got, err := disksFromDomainXML(web1Domain, quietLog())
	if err != nil {
		t.Fatalf("disksFromDomainXML: %v", err)
	}
	want := []Disk{
		{Path: "/data/vms/web1-overlay.qcow2", Kind: DiskFile, Ancestors: []string{"/data/vms/web1-base.qcow2"}},
		{Path: "/dev/vg0/web1-swap", Kind: DiskBlock},
		{Path: "/isos/debian.iso", Kind: DiskFile, Removable: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected disks (-want +got):\n%s", diff)
	}
}

func TestDisksFromDomainXMLRejectsGarbage(t *testing.T) {
	if _, err := disksFromDomainXML("<domain", quietLog()); err == nil {
		t.Fatalf("expected parse error")
	}
}

const nasDomain = `<domain type='kvm'>
  <name>nas</name>
  <devices>
    <disk type='file' device='disk'>
      <source file='/data/vms/nas.img'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <disk type='network' device='disk'>
      <source protocol='rbd' name='pool/nas-data'/>
      <target dev='vdb' bus='virtio'/>
    </disk>
    <disk type='volume' device='disk'>
      <source pool='default' volume='nas-scratch'/>
      <target dev='vdc' bus='virtio'/>
    </disk>
  </devices>
</domain>`

func TestDisksFromDomainXMLWarnsAboutSkippedDisks(t *testing.T) {
	log, hook := test.NewNullLogger()
	got, err := disksFromDomainXML(nasDomain, log)
	if err != nil {
		t.Fatalf("disksFromDomainXML: %v", err)
	}
	if diff := cmp.Diff([]Disk{{Path: "/data/vms/nas.img", Kind: DiskFile}}, got); diff != "" {
		t.Fatalf("unexpected disks (-want +got):\n%s", diff)
	}
	var warned []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = append(warned, e.Message)
		}
	}
	if len(warned) != 2 || !strings.Contains(warned[0], "nas disk vdb") || !strings.Contains(warned[1], "nas disk vdc") {
		t.Fatalf("expected warnings for vdb and vdc, got %q", warned)
	}
}
