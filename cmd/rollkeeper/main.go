package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rollkeeper/rollkeeper/internal/busy"
	"github.com/rollkeeper/rollkeeper/internal/config"
	"github.com/rollkeeper/rollkeeper/internal/httpx"
	"github.com/rollkeeper/rollkeeper/internal/install"
	"github.com/rollkeeper/rollkeeper/internal/logging"
	"github.com/rollkeeper/rollkeeper/internal/metrics"
	"github.com/rollkeeper/rollkeeper/internal/notify"
	"github.com/rollkeeper/rollkeeper/internal/orchestrator"
	"github.com/rollkeeper/rollkeeper/internal/release"
	"github.com/rollkeeper/rollkeeper/internal/service"
	"github.com/rollkeeper/rollkeeper/internal/snapshot"
	"github.com/rollkeeper/rollkeeper/internal/verify"
	"github.com/rollkeeper/rollkeeper/internal/version"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stderr))
}

// execute runs the CLI and reports failures on stderr. Cobra's own error
// printing is silenced, so every error must be surfaced here or the command
// would exit non-zero without a word.
func execute(args []string, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stderr, "rollkeeper:", err)
		return 1
	}
	return 0
}

type cliOptions struct {
	installRoot string
	configPath  string
	target      string
	force       bool
	skipBackup  bool
	dryRun      bool
	maxWaitMin  int
	logLevel    string
}

func newRootCmd() *cobra.Command {
	var opts cliOptions
	cmd := &cobra.Command{
		Use:           "rollkeeper",
		Short:         "Safely update a managed worker service in place",
		Long:          "rollkeeper drains, stops, snapshots, updates, verifies and restarts\none managed service under an install root, rolling back on failure.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.installRoot, "install-root", "", "install root of the managed service (required)")
	f.StringVar(&opts.configPath, "config", "", "config file (default <install-root>/rollkeeper.toml)")
	f.StringVar(&opts.target, "version", "", "explicit target version (default: resolve latest)")
	f.BoolVar(&opts.force, "force", false, "bypass the idle-wait timeout and permit reinstalling the same version")
	f.BoolVar(&opts.skipBackup, "skip-backup", false, "skip the pre-update snapshot (explicit risk acknowledgement)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "log intended actions without touching the system")
	f.IntVar(&opts.maxWaitMin, "max-wait-minutes", 60, "maximum minutes to wait for the service to go idle")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	_ = cmd.MarkFlagRequired("install-root")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("rollkeeper %s (%s)\n", version.Version, version.Commit)
		},
	})
	return cmd
}

func run(cmd *cobra.Command, opts cliOptions) error {
	root, err := filepath.Abs(opts.installRoot)
	if err != nil {
		return err
	}
	if st, err := os.Stat(root); err != nil || !st.IsDir() {
		return fmt.Errorf("install root %s is not a directory", root)
	}
	config.LoadDotEnvDefault(root)

	// A dry-run must not create anything under the install root, including
	// the session log file.
	logRoot := root
	if opts.dryRun {
		logRoot = ""
	}
	logPath, closeLog, err := logging.Setup(logRoot, opts.logLevel)
	if err != nil {
		return err
	}
	defer closeLog()
	if logPath != "" {
		log.Info().Str("session_log", logPath).Msg("logging to session file")
	}

	cfg, err := loadConfig(root, opts.configPath)
	if err != nil {
		return err
	}

	ctrl, err := buildController(root, cfg.Service)
	if err != nil {
		return err
	}
	waiter := &busy.Waiter{
		Detector: buildDetector(ctrl, cfg.Busy),
		Interval: config.DurationOr(cfg.Busy.PollInterval, 30*time.Second),
	}

	client := httpx.NewClient(httpx.DefaultPolicy())
	attach := func(r *retryablehttp.Request) { httpx.AttachHeaders(r.Request) }
	resolver := &release.Resolver{
		InstallRoot: root,
		Feed:        release.NewFeed(cfg.Feed.URL, client, attach),
	}
	installer := &install.Installer{InstallRoot: root, Client: client, Attach: attach}
	snaps := &snapshot.Manager{InstallRoot: root}
	verifier := &verify.Verifier{Required: cfg.Verify.Required}

	orch := orchestrator.New(orchestrator.Options{
		InstallRoot:   root,
		Request:       opts.target,
		Force:         opts.force,
		SkipBackup:    opts.skipBackup,
		DryRun:        opts.dryRun,
		MaxWait:       time.Duration(opts.maxWaitMin) * time.Minute,
		StopTimeout:   config.DurationOr(cfg.Service.StopTimeout, 30*time.Second),
		StartTimeout:  config.DurationOr(cfg.Service.StartTimeout, 30*time.Second),
		SnapshotPaths: cfg.Snapshot.Paths,
	}, resolver, waiter, ctrl, snaps, installer, verifier)

	report, runErr := orch.Run(cmd.Context())

	metrics.RecordReport(report)
	if !opts.dryRun {
		if err := metrics.WriteTextfile(filepath.Join(root, "logs", "last-run.prom")); err != nil {
			log.Warn().Err(err).Msg("could not write metrics textfile")
		}
	}
	if cfg.Notify.NATSURL != "" && !opts.dryRun {
		subject := cfg.Notify.Subject
		if subject == "" {
			subject = "updates." + cfg.Service.Name
		}
		if err := notify.Publish(cfg.Notify.NATSURL, subject, notify.BuildSummary(cfg.Service.Name, report)); err != nil {
			log.Warn().Err(err).Msg("could not publish session summary")
		}
	}
	return runErr
}

func loadConfig(root, path string) (config.Config, error) {
	explicit := path != ""
	if !explicit {
		path = filepath.Join(root, "rollkeeper.toml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			log.Debug().Str("path", path).Msg("no config file, using defaults")
			return config.Default(), nil
		}
		return cfg, err
	}
	return cfg, nil
}

func buildController(root string, sc config.ServiceConfig) (service.Controller, error) {
	switch sc.Backend {
	case "systemd":
		unit := sc.Unit
		if unit == "" {
			unit = sc.Name + ".service"
		}
		return &service.SystemdController{Unit: unit, ProbeTarget: sc.Probe}, nil
	case "manual":
		return &service.ManualController{ServiceName: sc.Name, ProbeTarget: sc.Probe}, nil
	case "process", "":
		return &service.ProcessController{
			ServiceName: sc.Name,
			InstallRoot: root,
			Command:     sc.Command,
			Args:        sc.Args,
			PIDFile:     sc.PIDFile,
			ProbeTarget: sc.Probe,
		}, nil
	}
	return nil, fmt.Errorf("unknown service backend %q", sc.Backend)
}

func buildDetector(ctrl service.Controller, bc config.BusyConfig) busy.Detector {
	if bc.Mode == "tasks" && bc.TasksURL != "" {
		return &busy.TaskCountDetector{URL: bc.TasksURL}
	}
	pid := func() (int, error) {
		if p, ok := ctrl.(service.PIDReader); ok {
			return p.PID()
		}
		return 0, fmt.Errorf("backend %s exposes no pid", ctrl.Name())
	}
	return &busy.CPUDetector{PID: pid, ThresholdPercent: bc.CPUThreshold}
}
