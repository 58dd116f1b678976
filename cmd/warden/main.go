package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/wardenhq/warden/internal/cluster"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/control"
	"github.com/wardenhq/warden/internal/procutil"
	"github.com/wardenhq/warden/internal/runtime"
	"github.com/wardenhq/warden/internal/statestore"
	"github.com/wardenhq/warden/internal/version"
)

const requestTimeout = 5 * time.Second

var rootCmd *cobra.Command

// OutputFormatter handles output in JSON or human-readable format.
type OutputFormatter struct {
	jsonMode bool
}

func newOutputFormatter(cmd *cobra.Command) *OutputFormatter {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &OutputFormatter{jsonMode: jsonMode}
}

// Print outputs data in the appropriate format.
func (f *OutputFormatter) Print(data interface{}) error {
	if f.jsonMode {
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(jsonBytes))
		return nil
	}
	switch v := data.(type) {
	case string:
		fmt.Println(v)
	default:
		jsonBytes, _ := json.MarshalIndent(data, "", "  ")
		fmt.Println(string(jsonBytes))
	}
	return nil
}

// Success outputs a success message.
func (f *OutputFormatter) Success(message string, data map[string]interface{}) error {
	if f.jsonMode {
		output := map[string]interface{}{
			"success": true,
			"message": message,
		}
		for k, v := range data {
			output[k] = v
		}
		return f.Print(output)
	}
	fmt.Println(message)
	return nil
}

// Error outputs an error message.
func (f *OutputFormatter) Error(message string, err error) error {
	if f.jsonMode {
		output := map[string]interface{}{
			"success": false,
			"error":   message,
		}
		if err != nil {
			output["details"] = err.Error()
		}
		jsonBytes, _ := json.MarshalIndent(output, "", "  ")
		fmt.Fprintln(os.Stderr, string(jsonBytes))
	} else {
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", message, err)
		} else {
			fmt.Fprintln(os.Stderr, message)
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", message, err)
	}
	return fmt.Errorf("%s", message)
}

func instancePaths(cmd *cobra.Command) config.InstancePaths {
	instance, _ := cmd.Flags().GetString("instance")
	if instance == "" {
		instance = os.Getenv("WARDEN_INSTANCE")
	}
	return config.GetInstancePaths(instance)
}

func controlClient(cmd *cobra.Command) *control.Client {
	return control.NewClient(instancePaths(cmd).ControlSocket)
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show daemon and worker status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	status, err := controlClient(cmd).Status(ctx)
	if err != nil {
		return out.Error("Failed to fetch daemon status", err)
	}

	if out.jsonMode {
		return out.Print(status)
	}

	fmt.Println("Daemon Status:")
	fmt.Printf("  Version: %s\n", status.Version)
	fmt.Printf("  PID: %d\n", status.PID)
	fmt.Printf("  State: %s\n", status.State)
	if !status.StartedAt.IsZero() {
		fmt.Printf("  Uptime: %s\n", time.Since(status.StartedAt).Round(time.Second))
	}
	if w := version.CheckMismatch(status.Version); w != "" {
		fmt.Printf("  Warning: %s\n", w)
	}

	if len(status.Workers) == 0 {
		fmt.Println("  Workers: none")
		return nil
	}

	fmt.Println("Workers:")
	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tPID\tSTATE")
	for _, w := range status.Workers {
		fmt.Fprintf(tw, "  %s\t%d\t%s\n", w.ID, w.PID, w.State)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(status.Runs) > 0 {
		fmt.Println("Active runs:")
		rw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(rw, "  WORKER\tPID\tSTARTED")
		for _, run := range status.Runs {
			fmt.Fprintf(rw, "  %s\t%d\t%s\n", run.WorkerID, run.PID, run.StartedAt.Format(time.RFC3339))
		}
		return rw.Flush()
	}
	return nil
}

func newStopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop the daemon and its workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runStop,
	}
	cmd.Flags().String("reason", "", "Shutdown reason recorded by the daemon")
	return cmd
}

func runStop(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	reason, _ := cmd.Flags().GetString("reason")

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	apiErr := controlClient(cmd).Shutdown(ctx, reason)
	if apiErr == nil {
		return out.Success("Shutdown request sent to daemon", map[string]any{
			"method": "api",
		})
	}

	// Control socket unreachable, fall back to signalling the pid file owner.
	paths := instancePaths(cmd)
	pid, err := runtime.ReadPIDFile(paths.PIDFile)
	if err != nil {
		return out.Error("Failed to stop daemon via API and local fallback", fmt.Errorf("%v; %w", apiErr, err))
	}

	if err := procutil.TerminateByPID(pid); err != nil {
		return out.Error("Failed to signal daemon", err)
	}

	return out.Success("Sent termination signal to daemon", map[string]any{
		"pid":          pid,
		"method":       "signal",
		"api_fallback": true,
	})
}

func newRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "restart",
		Short:         "Signal the daemon to shut down so a process manager can restart it",
		Long: `Restart sends SIGUSR2 to the daemon. The daemon treats it as a
shutdown request: workers exit gracefully and are not respawned. A fresh
daemon must be started by whatever launched it (an init system, a
process manager, or the operator).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRestart,
	}
}

func runRestart(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)

	paths := instancePaths(cmd)
	pid, err := runtime.ReadPIDFile(paths.PIDFile)
	if err != nil {
		return out.Error("Failed to read daemon PID", err)
	}
	if !procutil.IsProcessAlive(pid) {
		return out.Error("Daemon is not running", nil)
	}

	if err := procutil.RestartByPID(pid); err != nil {
		return out.Error("Failed to signal daemon", err)
	}

	return out.Success("Sent restart signal to daemon; it will shut down and must be started again", map[string]any{
		"pid": pid,
	})
}

func newRunsCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "runs <worker-id>",
		Short:         "Show the recorded run history for one worker slot",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRuns,
	}
}

func runRuns(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	store, err := statestore.Open(instancePaths(cmd).StateDB)
	if err != nil {
		return out.Error("Failed to open state store", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	runs, err := store.RunsForWorker(ctx, args[0])
	if err != nil {
		return out.Error("Failed to query worker runs", err)
	}

	if out.jsonMode {
		return out.Print(runs)
	}

	if len(runs) == 0 {
		fmt.Printf("No recorded runs for %s\n", args[0])
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tSTARTED\tSTOPPED\tREASON")
	for _, run := range runs {
		stopped := "-"
		if run.StoppedAt != nil {
			stopped = run.StoppedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n",
			run.PID, run.StartedAt.Format(time.RFC3339), stopped, run.Reason)
	}
	return tw.Flush()
}

func newBroadcastCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "broadcast <payload>",
		Short:         "Send a message to every worker",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runBroadcast,
	}
}

func runBroadcast(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	relay := cluster.NewClient(instancePaths(cmd).ClusterSocket, "cli", nil)
	if err := relay.Connect(ctx); err != nil {
		return out.Error("Failed to connect to broadcast relay", err)
	}
	defer relay.Close()

	var payload any = args[0]
	if json.Valid([]byte(args[0])) {
		payload = json.RawMessage(args[0])
	}
	if err := relay.Send(payload); err != nil {
		return out.Error("Failed to send broadcast", err)
	}

	return out.Success("Broadcast sent", map[string]any{
		"bytes": len(args[0]),
	})
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Show client and daemon versions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runVersion,
	}
}

func runVersion(cmd *cobra.Command, _ []string) error {
	out := newOutputFormatter(cmd)
	clientVersion := version.String()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var daemonVersion string
	var daemonReachable bool
	if status, err := controlClient(cmd).Status(ctx); err == nil {
		daemonReachable = true
		daemonVersion = status.Version
	}

	if out.jsonMode {
		data := map[string]any{
			"client": clientVersion,
		}
		if daemonReachable {
			data["daemon"] = daemonVersion
			if w := version.CheckMismatch(daemonVersion); w != "" {
				data["mismatch"] = true
				data["warning"] = w
			}
		} else {
			data["daemon"] = "unreachable"
		}
		return out.Print(data)
	}

	fmt.Printf("Client: %s\n", clientVersion)
	if daemonReachable {
		fmt.Printf("Daemon: %s\n", daemonVersion)
		if w := version.CheckMismatch(daemonVersion); w != "" {
			fmt.Printf("Warning: %s\n", w)
		}
	} else {
		fmt.Println("Daemon: unreachable")
	}
	return nil
}

func init() {
	rootCmd = &cobra.Command{
		Use:   "warden",
		Short: "Warden - operator CLI for the wardend service host",
		Long: `Warden talks to a running wardend daemon over its local control
socket: inspect worker status, request shutdown or a rolling restart,
and compare client and daemon versions.`,
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	rootCmd.PersistentFlags().String("instance", "", "Instance name (default \"default\")")

	rootCmd.AddCommand(
		newStatusCommand(),
		newStopCommand(),
		newRestartCommand(),
		newRunsCommand(),
		newBroadcastCommand(),
		newVersionCommand(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
