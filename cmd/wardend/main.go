package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/cluster"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/control"
	"github.com/wardenhq/warden/internal/eventbus"
	"github.com/wardenhq/warden/internal/procutil"
	"github.com/wardenhq/warden/internal/runtime"
	"github.com/wardenhq/warden/internal/statestore"
	"github.com/wardenhq/warden/internal/supervisor"
	"github.com/wardenhq/warden/internal/version"
	"github.com/wardenhq/warden/internal/worker"
)

var (
	flagConfig   string
	flagInstance string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "wardend",
		Short:         "Warden daemon - supervises worker processes serving HTTP(S)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&flagInstance, "instance", "", "instance name (default \"default\")")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	instance := flagInstance
	if instance == "" {
		instance = os.Getenv("WARDEN_INSTANCE")
	}

	cfgPath := config.ResolveConfigPath(flagConfig, instance)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	paths, err := config.EnsureInstanceDirs(instance)
	if err != nil {
		return fmt.Errorf("failed to prepare instance directories: %w", err)
	}

	if workerID, ok := supervisor.IsWorkerProcess(); ok {
		return runWorker(cmd.Context(), cfg, workerID, paths)
	}
	return runSupervisor(cmd.Context(), cfg, cfgPath, instance, paths)
}

func runSupervisor(ctx context.Context, cfg config.Config, cfgPath, instance string, paths config.InstancePaths) error {
	if err := setupLogging(paths); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	if pid, err := runtime.ReadPIDFile(paths.PIDFile); err == nil && procutil.IsProcessAlive(pid) {
		return fmt.Errorf("wardend is already running (pid %d)", pid)
	}
	if err := runtime.WritePIDFile(paths.PIDFile, os.Getpid()); err != nil {
		return err
	}
	defer runtime.RemovePIDFile(paths.PIDFile)

	bus := eventbus.New()
	defer bus.Shutdown()

	// The workers record their runs here; the supervisor reads it back
	// for the /status response.
	store, err := statestore.Open(paths.StateDB)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	hub := cluster.NewHub(paths.ClusterSocket)
	spawner := &supervisor.ExecSpawner{ConfigPath: cfgPath, Instance: instance}
	sup := supervisor.New(cfg, spawner, bus, supervisor.Options{Hub: hub})

	coord := runtime.NewCoordinator(
		runtime.WithForceTimeout(cfg.ForceTimeout()),
	)

	startedAt := time.Now().UTC()
	ctl := control.New(paths.ControlSocket, control.Options{
		HealthSocket: paths.HealthSocket,
		StatusFn: func() control.Status {
			return supervisorStatus(sup, coord, store, startedAt)
		},
		ShutdownFn: func(reason string) {
			coord.RequestShutdown(reason)
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := ctl.Start(runCtx); err != nil {
		return err
	}
	if err := sup.Start(runCtx); err != nil {
		_ = ctl.Shutdown(context.Background())
		return err
	}

	log.Printf("[wardend] supervisor started (pid %d)", os.Getpid())
	log.Printf("[wardend] control socket: %s", paths.ControlSocket)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	defer signal.Stop(sigChan)

	go func() {
		sig := <-sigChan
		coord.RequestShutdown("signal: " + sig.String())
	}()

	<-coord.Done()
	log.Printf("[wardend] shutting down (reason: %s)", coord.Reason())

	ctl.SetNotServing()
	shutdownErr := sup.Shutdown(context.Background())
	if err := ctl.Shutdown(context.Background()); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	runtime.RemovePIDFile(paths.PIDFile)

	coord.Terminate(shutdownErr)
	return shutdownErr
}

func runWorker(ctx context.Context, cfg config.Config, workerID string, paths config.InstancePaths) error {
	log.SetPrefix(fmt.Sprintf("[%s] ", workerID))

	w := worker.New(cfg, workerID, paths, worker.Options{
		Handler: appHandler(workerID),
	})
	w.Init()
	return w.Run(ctx)
}

// appHandler is the request pipeline mounted when wardend runs without
// an embedding application.
func appHandler(workerID string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"worker": workerID,
		})
	})
	return mux
}

func supervisorStatus(sup *supervisor.Supervisor, coord *runtime.Coordinator, store *statestore.Store, startedAt time.Time) control.Status {
	slots := sup.Workers()
	workers := make([]control.WorkerStatus, 0, len(slots))
	for _, slot := range slots {
		pid := 0
		if slot.Handle != nil {
			pid = slot.Handle.PID()
		}
		workers = append(workers, control.WorkerStatus{
			ID:    slot.ID,
			PID:   pid,
			State: string(slot.State),
		})
	}

	var runs []control.RunStatus
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if active, err := store.ActiveRuns(ctx); err == nil {
			for _, run := range active {
				runs = append(runs, control.RunStatus{
					WorkerID:  run.WorkerID,
					PID:       run.PID,
					StartedAt: run.StartedAt,
				})
			}
		} else {
			log.Printf("[wardend] state store query failed: %v", err)
		}
	}

	return control.Status{
		Version:   version.String(),
		PID:       os.Getpid(),
		State:     coord.State().String(),
		StartedAt: startedAt,
		Workers:   workers,
		Runs:      runs,
	}
}

func setupLogging(paths config.InstancePaths) error {
	if err := os.MkdirAll(paths.Logs, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}

	logPath := filepath.Join(paths.Logs, "wardend.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags)

	log.Printf("=== Warden Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
