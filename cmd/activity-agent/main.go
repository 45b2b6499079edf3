/**
 * CONTEXT:   Single binary entry point: service control flags plus the agent run loop
 * INPUT:     Command line flags (--install/--uninstall/--start/--stop/--console/--logfile/--loglevel)
 * OUTPUT:    Either a service-control exit code, or a running agent until signaled to stop
 * BUSINESS:  Without a control flag the process runs as the service itself, per spec section 6
 * CHANGE:    Initial implementation
 * RISK:      Medium - wires every collaborator; a missed Stop() leaks a goroutine or a socket
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/claude-monitor/activity-agent/internal/appcache"
	"github.com/claude-monitor/activity-agent/internal/batcher"
	"github.com/claude-monitor/activity-agent/internal/clock"
	"github.com/claude-monitor/activity-agent/internal/config"
	"github.com/claude-monitor/activity-agent/internal/diagnostics"
	"github.com/claude-monitor/activity-agent/internal/fingerprint"
	"github.com/claude-monitor/activity-agent/internal/httpclient"
	"github.com/claude-monitor/activity-agent/internal/logger"
	"github.com/claude-monitor/activity-agent/internal/orchestrator"
	"github.com/claude-monitor/activity-agent/internal/service"
	"github.com/claude-monitor/activity-agent/internal/statemachine"
	"github.com/claude-monitor/activity-agent/internal/syncmanager"
)

// maxQueueSize bounds the Sync Manager's queue. Not a recognized config key
// (spec section 6 lists it as policy-defaulted, not user-tunable).
const maxQueueSize = 500

// diagnosticsAddr is loopback-only by default, per spec section 4's
// "no auth (loopback-only by default bind address)".
const diagnosticsAddr = "127.0.0.1:7654"

const serviceName = "activity-agent"

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
)

var (
	flagInstall   bool
	flagUninstall bool
	flagStart     bool
	flagStop      bool
	flagConsole   bool
	flagLogFile   string
	flagLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "activity-agent",
	Short: "Workstation activity-tracking agent",
	Long: `activity-agent tracks workstation activity (input, foreground application,
AFK periods, system metrics) and reports it to a central tracking service.

Without a control flag the process runs as the agent itself - this is the
mode the installed service invokes. Use --console to run it in the
foreground with the local diagnostics server enabled.`,
	RunE: runRoot,
}

func init() {
	rootCmd.Flags().BoolVar(&flagInstall, "install", false, "install the agent as an OS service")
	rootCmd.Flags().BoolVar(&flagUninstall, "uninstall", false, "remove the installed OS service")
	rootCmd.Flags().BoolVar(&flagStart, "start", false, "start the installed OS service")
	rootCmd.Flags().BoolVar(&flagStop, "stop", false, "stop the installed OS service")
	rootCmd.Flags().BoolVar(&flagConsole, "console", false, "run in the foreground with diagnostics enabled")
	rootCmd.Flags().StringVar(&flagLogFile, "logfile", "", "also write logs to this file")
	rootCmd.Flags().StringVar(&flagLogLevel, "loglevel", "info", "log level: debug, info, warning, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "activity-agent: %v\n", err)
		os.Exit(1)
	}
}

func runRoot(cmd *cobra.Command, args []string) error {
	controlFlags := 0
	for _, f := range []bool{flagInstall, flagUninstall, flagStart, flagStop} {
		if f {
			controlFlags++
		}
	}
	if controlFlags > 1 {
		return fmt.Errorf("only one of --install, --uninstall, --start, --stop may be given")
	}

	log := newLogger()

	if controlFlags == 1 {
		return runServiceControl(log)
	}
	return runAgent(log)
}

func newLogger() logger.Logger {
	level := logger.ParseLevel(flagLogLevel)
	if flagLogFile != "" {
		return logger.NewWithFile("activity-agent", level, flagLogFile)
	}
	return logger.New("activity-agent", level)
}

// runServiceControl handles --install/--uninstall/--start/--stop, each a
// one-shot command returning a process exit code (0 success, 1 failure).
func runServiceControl(log logger.Logger) error {
	mgr, err := service.New(serviceName)
	if err != nil {
		return fmt.Errorf("resolving service manager: %w", err)
	}

	switch {
	case flagInstall:
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolving own executable path: %w", err)
		}
		cfg := service.Config{
			Name:           serviceName,
			DisplayName:    "Activity Tracking Agent",
			Description:    "Tracks workstation activity and reports it to the activity tracking service.",
			ExecutablePath: exe,
			Arguments:      nil,
			WorkingDir:     filepath.Dir(exe),
		}
		if err := mgr.Install(cfg); err != nil {
			errorColor.Fprintf(os.Stderr, "install failed: %v\n", err)
			return err
		}
		log.Info("service installed", "name", serviceName)
		successColor.Println("service installed")
		return nil

	case flagUninstall:
		if err := mgr.Uninstall(); err != nil {
			errorColor.Fprintf(os.Stderr, "uninstall failed: %v\n", err)
			return err
		}
		log.Info("service uninstalled", "name", serviceName)
		successColor.Println("service uninstalled")
		return nil

	case flagStart:
		if err := mgr.Start(); err != nil {
			errorColor.Fprintf(os.Stderr, "start failed: %v\n", err)
			return err
		}
		log.Info("service started", "name", serviceName)
		successColor.Println("service started")
		return nil

	case flagStop:
		if err := mgr.Stop(); err != nil {
			errorColor.Fprintf(os.Stderr, "stop failed: %v\n", err)
			return err
		}
		log.Info("service stopped", "name", serviceName)
		successColor.Println("service stopped")
		return nil
	}
	return nil
}

// runAgent wires every collaborator and blocks until SIGINT/SIGTERM.
func runAgent(log logger.Logger) error {
	cfgStore, err := config.Open("", log)
	if err != nil {
		return fmt.Errorf("opening config store: %w", err)
	}
	settings := cfgStore.Current()

	realClock := clock.NewReal()
	httpClient := httpclient.New(settings.ServerURL, log.With("http"))

	cacheDir, err := os.UserConfigDir()
	if err != nil {
		cacheDir = "."
	}
	cacheDir = filepath.Join(cacheDir, "activity-agent")
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	appCache, err := appcache.Open(
		filepath.Join(cacheDir, "app_cache.json"),
		appcache.HTTPDetector{Client: httpClient},
		log.With("appcache"),
	)
	if err != nil {
		return fmt.Errorf("opening application cache: %w", err)
	}

	syncCfg := syncmanager.Config{
		SyncIntervalMs:            settings.DataSendIntervalMs,
		MaxQueueSize:              maxQueueSize,
		ConnectionCheckIntervalMs: 30000,
	}
	syncMgr := syncmanager.New(syncCfg, syncmanager.HTTPTransport{Client: httpClient}, realClock, log.With("sync"))

	// The Machine needs a SideEffects implementation (the Orchestrator), but
	// the Orchestrator needs the Machine to construct. Build the Machine
	// with fx installed later, after the Orchestrator exists - see
	// statemachine.SetSideEffects.
	machine := statemachine.New(syncMgr, nil, log.With("statemachine"))

	fp := fingerprint.New()

	orch := orchestrator.New(
		log.With("orchestrator"),
		realClock,
		cfgStore,
		httpClient,
		appCache,
		syncMgr,
		machine,
		orchestrator.Monitors{}, // OS-specific monitors are out of scope; see SPEC_FULL.md §4
		fp,
	)
	machine.SetSideEffects(orch)

	b := batcher.New(time.Duration(settings.DataSendIntervalMs)*time.Millisecond, realClock, orch)
	orch.SetBatcher(b)

	var diagSrv *diagnostics.Server
	if flagConsole {
		diagSrv = diagnostics.New(diagnosticsAddr, machine, syncMgr, log.With("diagnostics"))
		diagSrv.Start()
		log.Info("diagnostics server listening", "addr", diagnosticsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, stopping")
	orch.Stop()

	if diagSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := diagSrv.Stop(shutdownCtx); err != nil {
			log.Warn("diagnostics server shutdown error", "error", err)
		}
	}

	return nil
}
