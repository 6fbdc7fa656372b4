// Package config loads the vm-backup YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"

	"vm-backup/src/target"
)

// DefaultPath is read when --config is not given.
const DefaultPath = "/etc/vm-backup/config.yaml"

const (
	DefaultSnapshotArgs    = "-L10G"
	DefaultCompressor      = "gzip"
	DefaultShell           = "/bin/sh"
	DefaultProgressMeter   = "pv"
	DefaultExpiryDays      = 30
	DefaultDescriptionPfx  = "vm-backup"
	DefaultUploadChunkSize = ByteSize(16 << 20)

	glacierMinChunk = 1 << 20
	glacierMaxChunk = 4 << 30
)

// Config is the whole configuration file.
type Config struct {
	Local           Local                     `yaml:"local"`
	Hypervisor      Hypervisor                `yaml:"hypervisor"`
	VirtualMachines map[string]VirtualMachine `yaml:"virtual-machines"`
	Offsite         Offsite                   `yaml:"offsite"`
	AWS             AWS                       `yaml:"aws"`
	Metrics         Metrics                   `yaml:"metrics"`
}

// Local controls the local backup run.
type Local struct {
	OutputRoot       string `yaml:"output-root"`
	PauseForSnapshot bool   `yaml:"pause-for-snapshot"`
	SnapshotArgs     string `yaml:"snapshot-lvcreate-args"`
	// CommandPrefix is prepended to lvm, mount, umount and dd, e.g. "sudo".
	CommandPrefix string `yaml:"command-prefix"`
	Compressor    string `yaml:"compressor"`
	Shell         string `yaml:"shell"`
	Pipefail      bool   `yaml:"pipefail"`
	MountOptions  string `yaml:"mount-options"`
	ProgressMeter string `yaml:"progress-meter"`
	// FilesystemQuery is "mountinfo" (default) or "df".
	FilesystemQuery string `yaml:"filesystem-query"`
}

// Hypervisor selects the driver and its connection.
type Hypervisor struct {
	Driver          string   `yaml:"driver"`
	LibvirtSocket   string   `yaml:"libvirt-socket"`
	IncusSocket     string   `yaml:"incus-socket"`
	IncusProject    string   `yaml:"incus-project"`
	VirtualMachines []string `yaml:"virtual-machines"`
}

// VirtualMachine holds per-VM overrides.
type VirtualMachine struct {
	SnapshotArgs string `yaml:"snapshot-lvcreate-args"`
	QMPSocket    string `yaml:"qmp-socket"`
	ConfigDir    string `yaml:"config-dir"`
}

// Offsite configures encrypted offsite copies.
type Offsite struct {
	Target            string   `yaml:"target"`
	EncryptionKey     string   `yaml:"encryption-key"`
	EncryptionKeyFile string   `yaml:"encryption-key-file"`
	ExpiryDays        int      `yaml:"expiry-days"`
	UploadChunkSize   ByteSize `yaml:"upload-chunk-size"`
	ArchiveListFile   string   `yaml:"archive-list-file"`
	DescriptionPrefix string   `yaml:"description-prefix"`
}

// AWS holds credentials for the S3 and Glacier sinks. Empty keys fall back
// to the SDK's default credential chain.
type AWS struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`
	Endpoint  string `yaml:"endpoint"`
}

// Metrics configures the Prometheus textfile written after a run.
type Metrics struct {
	Textfile string `yaml:"textfile"`
}

// ByteSize is a size in bytes that accepts "16MiB" style values.
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in unset options.
func (c *Config) ApplyDefaults() {
	if c.Local.SnapshotArgs == "" {
		c.Local.SnapshotArgs = DefaultSnapshotArgs
	}
	if c.Local.Compressor == "" {
		c.Local.Compressor = DefaultCompressor
	}
	if c.Local.Shell == "" {
		c.Local.Shell = DefaultShell
	}
	if c.Local.ProgressMeter == "" {
		c.Local.ProgressMeter = DefaultProgressMeter
	}
	if c.Local.FilesystemQuery == "" {
		c.Local.FilesystemQuery = "mountinfo"
	}
	if c.Hypervisor.Driver == "" {
		c.Hypervisor.Driver = "libvirt"
	}
	if c.Offsite.ExpiryDays == 0 {
		c.Offsite.ExpiryDays = DefaultExpiryDays
	}
	if c.Offsite.UploadChunkSize == 0 {
		c.Offsite.UploadChunkSize = DefaultUploadChunkSize
	}
	if c.Offsite.DescriptionPrefix == "" {
		c.Offsite.DescriptionPrefix = DefaultDescriptionPfx
	}
}

// Validate checks option values and combinations.
func (c *Config) Validate() error {
	var errs []error
	if c.Local.OutputRoot == "" {
		errs = append(errs, errors.New("local.output-root is required"))
	}
	if _, err := shellquote.Split(c.Local.SnapshotArgs); err != nil {
		errs = append(errs, fmt.Errorf("local.snapshot-lvcreate-args: %w", err))
	}
	switch c.Local.FilesystemQuery {
	case "mountinfo", "df":
	default:
		errs = append(errs, fmt.Errorf("local.filesystem-query must be mountinfo or df, not %q", c.Local.FilesystemQuery))
	}
	switch c.Hypervisor.Driver {
	case "libvirt", "incus":
	case "qmp":
		for name, vm := range c.VirtualMachines {
			if vm.QMPSocket == "" || vm.ConfigDir == "" {
				errs = append(errs, fmt.Errorf("virtual-machines.%s: qmp-socket and config-dir are required by the qmp driver", name))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("hypervisor.driver must be libvirt, incus or qmp, not %q", c.Hypervisor.Driver))
	}
	for name, vm := range c.VirtualMachines {
		if _, err := shellquote.Split(vm.SnapshotArgs); err != nil {
			errs = append(errs, fmt.Errorf("virtual-machines.%s.snapshot-lvcreate-args: %w", name, err))
		}
	}
	if c.Offsite.Target != "" {
		tg, err := target.Parse(c.Offsite.Target)
		if err != nil {
			errs = append(errs, fmt.Errorf("offsite.target: %w", err))
		}
		if c.Offsite.EncryptionKey == "" && c.Offsite.EncryptionKeyFile == "" {
			errs = append(errs, errors.New("offsite.encryption-key or offsite.encryption-key-file is required"))
		}
		if tg.Kind == target.KindGlacier {
			if !validGlacierChunk(int64(c.Offsite.UploadChunkSize)) {
				errs = append(errs, fmt.Errorf("offsite.upload-chunk-size %s must be 1 MiB times a power of two, at most 4 GiB", c.Offsite.UploadChunkSize))
			}
			if c.Offsite.ArchiveListFile == "" {
				errs = append(errs, errors.New("offsite.archive-list-file is required for glacier targets"))
			}
		}
	}
	if c.Offsite.ExpiryDays < 0 {
		errs = append(errs, errors.New("offsite.expiry-days must not be negative"))
	}
	return errors.Join(errs...)
}

func validGlacierChunk(n int64) bool {
	if n < glacierMinChunk || n > glacierMaxChunk || n%glacierMinChunk != 0 {
		return false
	}
	m := n / glacierMinChunk
	return m&(m-1) == 0
}

// SnapshotArgs returns the lvcreate arguments for vm.
func (c *Config) SnapshotArgs(vm string) []string {
	s := c.Local.SnapshotArgs
	if o, ok := c.VirtualMachines[vm]; ok && o.SnapshotArgs != "" {
		s = o.SnapshotArgs
	}
	args, _ := shellquote.Split(s)
	return args
}

// SnapshotOverrides returns the per-VM lvcreate arguments that differ from
// the default.
func (c *Config) SnapshotOverrides() map[string][]string {
	out := map[string][]string{}
	for name, vm := range c.VirtualMachines {
		if vm.SnapshotArgs != "" {
			out[name] = c.SnapshotArgs(name)
		}
	}
	return out
}

// CommandPrefix splits local.command-prefix.
func (c *Config) CommandPrefix() []string {
	p, _ := shellquote.Split(c.Local.CommandPrefix)
	return p
}

// ProgressMeter splits local.progress-meter.
func (c *Config) ProgressMeter() []string {
	p, _ := shellquote.Split(c.Local.ProgressMeter)
	return p
}

// QMPSockets maps VM names to their QMP sockets.
func (c *Config) QMPSockets() map[string]string {
	out := map[string]string{}
	for name, vm := range c.VirtualMachines {
		if vm.QMPSocket != "" {
			out[name] = vm.QMPSocket
		}
	}
	return out
}

// ConfigDirs maps VM names to their configured config directories.
func (c *Config) ConfigDirs() map[string]string {
	out := map[string]string{}
	for name, vm := range c.VirtualMachines {
		if vm.ConfigDir != "" {
			out[name] = vm.ConfigDir
		}
	}
	return out
}

// VMNames returns the configured default VM list, sorted.
func (c *Config) VMNames() []string {
	names := append([]string(nil), c.Hypervisor.VirtualMachines...)
	sort.Strings(names)
	return names
}

// Passphrase returns the offsite encryption passphrase, reading the key
// file when one is configured. Trailing newlines are dropped.
func (c *Config) Passphrase() (string, error) {
	if c.Offsite.EncryptionKeyFile == "" {
		if c.Offsite.EncryptionKey == "" {
			return "", errors.New("no offsite encryption key configured")
		}
		return c.Offsite.EncryptionKey, nil
	}
	b, err := os.ReadFile(c.Offsite.EncryptionKeyFile)
	if err != nil {
		return "", fmt.Errorf("reading encryption key: %w", err)
	}
	key := strings.TrimRight(string(b), "\r\n")
	if key == "" {
		return "", fmt.Errorf("encryption key file %s is empty", c.Offsite.EncryptionKeyFile)
	}
	return key, nil
}
