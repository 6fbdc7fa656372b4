package hypervisor

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Drivers accepted by Open.
const (
	DriverLibvirt = "libvirt"
	DriverIncus   = "incus"
	DriverQMP     = "qmp"
)

// Options selects and configures a driver.
type Options struct {
	Driver        string
	LibvirtSocket string
	IncusSocket   string
	IncusProject  string
	// QMPSockets and ConfigDirs are keyed by VM name.
	QMPSockets map[string]string
	ConfigDirs map[string]string
	TempDir    string
	Log        logrus.FieldLogger
}

// Open connects to the configured hypervisor.
func Open(opts Options) (Client, error) {
	switch opts.Driver {
	case "", DriverLibvirt:
		l, err := ConnectLibvirt(opts.LibvirtSocket, opts.TempDir)
		if err != nil {
			return nil, err
		}
		l.Log = opts.Log
		return l, nil
	case DriverIncus:
		return ConnectIncus(opts.IncusSocket, opts.IncusProject)
	case DriverQMP:
		return NewQMP(opts.QMPSockets, opts.ConfigDirs), nil
	}
	return nil, fmt.Errorf("unknown hypervisor driver %q", opts.Driver)
}
