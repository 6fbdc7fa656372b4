package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vm-backup/src/backup"
	"vm-backup/src/config"
	"vm-backup/src/hypervisor"
	"vm-backup/src/logging"
	"vm-backup/src/lvm"
	"vm-backup/src/mountgroup"
	"vm-backup/src/offsite"
	"vm-backup/src/pause"
	"vm-backup/src/pipeline"
	"vm-backup/src/target"
)

// deps are the collaborators that touch the host. Tests replace them.
type deps struct {
	openHypervisor func(hypervisor.Options) (hypervisor.Client, error)
	newRunner      func(cfg *config.Config, log logrus.FieldLogger, progress bool) pipeline.Runner
	newQuery       func(cfg *config.Config, r pipeline.Runner) mountgroup.FilesystemQuery
	newSink        func(ctx context.Context, t target.Target, opts offsite.Options) (offsite.Sink, error)
	evalSymlinks   func(string) (string, error)
	clock          clock.Clock
	stdin          io.Reader
	lookPath       func(string) (string, error)
}

func defaultDeps() deps {
	return deps{
		openHypervisor: hypervisor.Open,
		newRunner: func(cfg *config.Config, log logrus.FieldLogger, progress bool) pipeline.Runner {
			return &pipeline.ExecRunner{
				Shell:    cfg.Local.Shell,
				Pipefail: cfg.Local.Pipefail,
				Meter:    cfg.ProgressMeter(),
				Progress: progress,
				Log:      log,
			}
		},
		newQuery: func(cfg *config.Config, r pipeline.Runner) mountgroup.FilesystemQuery {
			if cfg.Local.FilesystemQuery == "df" {
				return &mountgroup.DiskFree{Runner: r}
			}
			return mountgroup.NewMountTable()
		},
		newSink:      offsite.NewSink,
		evalSymlinks: filepath.EvalSymlinks,
		clock:        clock.WallClock,
		stdin:        os.Stdin,
		lookPath:     exec.LookPath,
	}
}

// app is what a command needs once the configuration is loaded.
type app struct {
	cfg   *config.Config
	log   *logrus.Logger
	flags logFlags
	d     deps
}

func loadApp(cmd *cobra.Command, stderr io.Writer, d deps) (*app, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	flags := getLogFlags(cmd)
	return &app{cfg: cfg, log: logging.New(stderr, flags.verbose, flags.quiet), flags: flags, d: d}, nil
}

func (a *app) now() time.Time { return a.d.clock.Now() }

func (a *app) runner() pipeline.Runner {
	return a.d.newRunner(a.cfg, a.log, !a.flags.quiet)
}

func (a *app) hypervisor() (hypervisor.Client, error) {
	return a.d.openHypervisor(hypervisor.Options{
		Driver:        a.cfg.Hypervisor.Driver,
		LibvirtSocket: a.cfg.Hypervisor.LibvirtSocket,
		IncusSocket:   a.cfg.Hypervisor.IncusSocket,
		IncusProject:  a.cfg.Hypervisor.IncusProject,
		QMPSockets:    a.cfg.QMPSockets(),
		ConfigDirs:    a.cfg.ConfigDirs(),
		Log:           a.log,
	})
}

func (a *app) orchestrator(client hypervisor.Client, r pipeline.Runner) *backup.Orchestrator {
	return &backup.Orchestrator{
		Hypervisor: client,
		Runner:     r,
		LVM: &lvm.Manager{
			Runner:       r,
			Log:          a.log,
			Clock:        a.d.clock,
			Prefix:       a.cfg.CommandPrefix(),
			CreateArgs:   a.cfg.SnapshotArgs(""),
			MountOptions: a.cfg.Local.MountOptions,
		},
		Grouper: &mountgroup.Grouper{
			Query:        a.d.newQuery(a.cfg, r),
			EvalSymlinks: a.d.evalSymlinks,
		},
		Pause:        &pause.Coordinator{Enabled: a.cfg.Local.PauseForSnapshot, Hypervisor: client, Log: a.log},
		Log:          a.log,
		Root:         a.cfg.Local.OutputRoot,
		Compressor:   a.cfg.Local.Compressor,
		Verbose:      a.flags.verbose,
		SnapshotArgs: a.cfg.SnapshotOverrides(),
		RunID:        uuid.NewString(),
		Now:          a.now,
	}
}

// transfer builds the offsite transfer from the configuration.
func (a *app) transfer(ctx context.Context, r pipeline.Runner, progress io.Writer) (*offsite.Transfer, error) {
	if a.cfg.Offsite.Target == "" {
		return nil, fmt.Errorf("offsite.target is not configured")
	}
	tgt, err := target.Parse(a.cfg.Offsite.Target)
	if err != nil {
		return nil, err
	}
	pass, err := a.cfg.Passphrase()
	if err != nil {
		return nil, err
	}
	sink, err := a.d.newSink(ctx, tgt, offsite.Options{
		ChunkSize:         int64(a.cfg.Offsite.UploadChunkSize),
		ArchiveList:       a.cfg.Offsite.ArchiveListFile,
		DescriptionPrefix: a.cfg.Offsite.DescriptionPrefix,
		Region:            a.cfg.AWS.Region,
		AccessKey:         a.cfg.AWS.AccessKey,
		SecretKey:         a.cfg.AWS.SecretKey,
		Endpoint:          a.cfg.AWS.Endpoint,
		Log:               a.log,
		Now:               a.now,
	})
	if err != nil {
		return nil, err
	}
	t := &offsite.Transfer{
		Encryptor: &offsite.Encryptor{
			Runner:     r,
			Passphrase: pass,
			Progress:   !a.flags.quiet,
			Meter:      a.cfg.ProgressMeter(),
			Log:        a.log,
		},
		Sink:   sink,
		Expiry: time.Duration(a.cfg.Offsite.ExpiryDays) * 24 * time.Hour,
		Log:    a.log,
		Now:    a.now,
	}
	if a.flags.verbose {
		t.Progress = progress
	}
	return t, nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
