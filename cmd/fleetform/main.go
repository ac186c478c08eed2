// Command fleetform is the thin CLI surface over the swarm core (spec.md
// §6: "thin, out of core but listed for context"). It never replaces the
// Coordinator's own decision-making — it parses flags/env into
// corecoordinator.SwarmOptions, drives one RunObjective to completion, and
// maps the outcome to the documented exit codes. Grounded on the reference
// orchestrator's cmd/warren (a cobra root command with one subcommand per
// top-level operation, global --log-level/--log-json persistent flags),
// adapted to build an explicit Runtime per invocation instead of
// initializing a package-level logger.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/fleetform/internal/corecoordinator"
	"github.com/cuemby/fleetform/internal/coreruntime"
	"github.com/cuemby/fleetform/internal/coretypes"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// objectiveFile is the shape of an objective definition file accepted by
// `fleetform run -f`, mirroring the reference CLI's stack apply file
// (cmd/warren/apply.go) generalized from a service stack to a swarm
// objective.
type objectiveFile struct {
	Objective string `yaml:"objective"`
	Strategy  string `yaml:"strategy"`
	MaxAgents int    `yaml:"maxAgents"`
	Topology  string `yaml:"topology"`
	Timeout   int    `yaml:"timeoutSeconds"`
	Workspace string `yaml:"workspace"`
}

func loadObjectiveFile(path string) (objectiveFile, error) {
	var f objectiveFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse objective file %s: %w", path, err)
	}
	return f, nil
}

// Exit codes (spec.md §6).
const (
	exitSuccess      = 0
	exitGenericError = 1
	exitBadUsage     = 2
	exitTimeout      = 124
	exitCancelled    = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if _, ok := err.(usageError); ok {
			return exitBadUsage
		}
		return exitGenericError
	}
	return lastExitCode
}

// lastExitCode lets a RunE handler communicate a non-generic exit code
// (timeout/cancelled) back to main without cobra's RunE signature changing.
var lastExitCode = exitSuccess

// usageError marks a flag/argument validation failure as bad usage (exit 2)
// rather than a generic runtime failure (exit 1).
type usageError struct{ error }

func newUsageError(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

var rootCmd = &cobra.Command{
	Use:   "fleetform",
	Short: "fleetform orchestrates a swarm of LLM-CLI agents against an objective",
	Long: `fleetform decomposes an objective into a task graph, spawns a team of
supervised LLM-CLI worker subprocesses, and coordinates them to completion
through a shared coordination store.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(runCmd, statusCmd, cancelCmd)
}

// runtimeFromFlags builds the Runtime a command needs from the root's
// persistent --log-level/--log-json flags. Called at the point of use
// rather than stashed in a package variable (spec.md §9: no package-level
// mutable state).
func runtimeFromFlags(cmd *cobra.Command) *coreruntime.Runtime {
	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	return coreruntime.New(coreruntime.Config{Level: coreruntime.Level(level), JSONOutput: jsonOut})
}

var runCmd = &cobra.Command{
	Use:   "run [objective]",
	Short: "Decompose an objective and run the swarm to completion",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var objective string
		if len(args) == 1 {
			objective = args[0]
		}

		strategy, _ := cmd.Flags().GetString("strategy")
		maxAgents, _ := cmd.Flags().GetInt("max-agents")
		timeoutSec, _ := cmd.Flags().GetInt("timeout")
		topology, _ := cmd.Flags().GetString("topology")
		workspace, _ := cmd.Flags().GetString("workspace")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		file, _ := cmd.Flags().GetString("file")

		if file != "" {
			of, err := loadObjectiveFile(file)
			if err != nil {
				return newUsageError("%v", err)
			}
			if objective == "" {
				objective = of.Objective
			}
			if strategy == "" {
				strategy = of.Strategy
			}
			if maxAgents == 0 {
				maxAgents = of.MaxAgents
			}
			if topology == "" {
				topology = of.Topology
			}
			if timeoutSec == 0 {
				timeoutSec = of.Timeout
			}
			if workspace == "" {
				workspace = of.Workspace
			}
		}

		if strings.TrimSpace(objective) == "" {
			return newUsageError("objective must not be empty (pass it as an argument or set `objective:` in --file)")
		}

		opts := corecoordinator.DefaultSwarmOptions()
		applyEnvDefaults(&opts)

		if maxAgents > 0 {
			opts.MaxAgents = maxAgents
		}
		if timeoutSec > 0 {
			opts.SwarmTimeout = time.Duration(timeoutSec) * time.Second
		}
		if topology != "" {
			t := coretypes.Topology(topology)
			switch t {
			case coretypes.TopologyCentralized, coretypes.TopologyHierarchical, coretypes.TopologyMesh, coretypes.TopologyHybrid:
				opts.Topology = t
			default:
				return newUsageError("unknown topology %q", topology)
			}
		}
		if workspace != "" {
			opts.WorkspaceRoot = workspace
		}

		strat := coretypes.Strategy(strategy)
		if strategy == "" {
			strat = coretypes.StrategyAuto
		}

		if dryRun {
			return printDryRun(objective, strat, opts)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		rt := runtimeFromFlags(cmd)
		c := corecoordinator.New(rt)
		result, err := c.RunObjective(ctx, objective, strat, opts)
		if err != nil {
			return err
		}

		printSummary(result)
		lastExitCode = exitCodeForStatus(result.Status)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <objectiveId>",
	Short: "Print the last known shared-memory.json snapshot for a swarm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		objectiveID := args[0]
		workspace, _ := cmd.Flags().GetString("workspace")
		if workspace == "" {
			workspace = envOr("WORKSPACE_ROOT", "./swarm-workspaces")
		}

		path := filepath.Join(workspace, "swarm-"+objectiveID, "shared-memory.json")
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		var pretty map[string]any
		if err := json.Unmarshal(data, &pretty); err != nil {
			// not our concern to reformat a document we can't parse; print raw
			fmt.Println(string(data))
			return nil
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <objectiveId>",
	Short: "Request cancellation of a running swarm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		objectiveID := args[0]
		workspace, _ := cmd.Flags().GetString("workspace")
		if workspace == "" {
			workspace = envOr("WORKSPACE_ROOT", "./swarm-workspaces")
		}

		if err := corecoordinator.RequestCancelByWorkspace(workspace, objectiveID); err != nil {
			return fmt.Errorf("request cancel: %w", err)
		}
		fmt.Printf("Cancellation requested for %s\n", objectiveID)
		lastExitCode = exitCancelled
		return nil
	},
}

func init() {
	runCmd.Flags().String("strategy", "", "Decomposition strategy (auto, research, development, analysis, testing, optimization, maintenance)")
	runCmd.Flags().Int("max-agents", 0, "Maximum team size (0 = use default/env)")
	runCmd.Flags().Int("timeout", 0, "Swarm-wide timeout in seconds (0 = use default/env)")
	runCmd.Flags().String("topology", "", "Placement topology (centralized, hierarchical, mesh, hybrid)")
	runCmd.Flags().String("workspace", "", "Workspace root directory (default: $WORKSPACE_ROOT or ./swarm-workspaces)")
	runCmd.Flags().Bool("dry-run", false, "Print the decomposed task graph and team without running any worker")
	runCmd.Flags().StringP("file", "f", "", "Load the objective and options from a YAML objective file")

	statusCmd.Flags().String("workspace", "", "Workspace root directory (default: $WORKSPACE_ROOT or ./swarm-workspaces)")
	cancelCmd.Flags().String("workspace", "", "Workspace root directory (default: $WORKSPACE_ROOT or ./swarm-workspaces)")
}

// applyEnvDefaults overlays the environment variables spec.md §6 documents
// as read by the core itself, at lower precedence than explicit flags.
func applyEnvDefaults(opts *corecoordinator.SwarmOptions) {
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		opts.WorkspaceRoot = v
	}
	if v := os.Getenv("LLM_CLI_PATH"); v != "" {
		opts.LLMCLIPath = v
	}
	if v := os.Getenv("LLM_CLI_DEFAULT_TOOLS"); v != "" {
		opts.LLMCLIDefaultTools = strings.Split(v, ",")
	}
	if v, ok := envInt("SWARM_MAX_AGENTS"); ok {
		opts.MaxAgents = v
	}
	if v, ok := envInt("SWARM_TASK_TIMEOUT_SEC"); ok {
		opts.TaskTimeout = time.Duration(v) * time.Second
	}
	if v, ok := envInt("SWARM_TIMEOUT_SEC"); ok {
		opts.SwarmTimeout = time.Duration(v) * time.Second
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func exitCodeForStatus(status coretypes.ObjectiveStatus) int {
	switch status {
	case coretypes.ObjectiveStatusCompleted:
		return exitSuccess
	case coretypes.ObjectiveStatusTimedOut:
		return exitTimeout
	case coretypes.ObjectiveStatusCancelled:
		return exitCancelled
	default:
		return exitGenericError
	}
}

func printDryRun(objective string, strategy coretypes.Strategy, opts corecoordinator.SwarmOptions) error {
	fmt.Printf("Objective: %s\n", objective)
	fmt.Printf("Strategy: %s\n", strategy)
	fmt.Printf("Topology: %s\n", opts.Topology)
	fmt.Printf("Max agents: %d\n", opts.MaxAgents)
	fmt.Printf("Task timeout: %s\n", opts.TaskTimeout)
	fmt.Printf("Swarm timeout: %s\n", opts.SwarmTimeout)
	fmt.Println("(dry run: no worker processes were spawned)")
	return nil
}

func printSummary(result corecoordinator.ObjectiveResult) {
	fmt.Printf("Objective %s finished with status %s (%s)\n", result.ObjectiveID, result.Status, result.Elapsed.Round(time.Millisecond))
	fmt.Println()
	fmt.Printf("%-36s %-10s %-12s %s\n", "TASK", "TYPE", "STATUS", "ARTIFACTS")
	for _, t := range result.Tasks {
		artifactCount := 0
		if t.Result != nil {
			artifactCount = len(t.Result.Artifacts) + len(t.Result.Files)
		}
		fmt.Printf("%-36s %-10s %-12s %d\n", t.Name, t.Type, t.Status, artifactCount)
	}

	fmt.Println()
	fmt.Printf("%-20s %-12s %-10s %s\n", "AGENT", "TYPE", "STATUS", "TASKS COMPLETED")
	for _, a := range result.Agents {
		fmt.Printf("%-20s %-12s %-10s %d\n", a.Name, a.Type, a.Status, a.Metrics.TasksCompleted)
	}
}
