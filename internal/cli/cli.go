// ============================================================================
// Drop-Order CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and inspecting drop-order scenarios
//
// Command Structure:
//   droporder                      # Root command
//   ├── run                        # Run one scenario on an isolated worker
//   │   ├── --scenario, -s         # Scenario name (default: first in config)
//   │   ├── --policy               # Override teardown policy
//   │   └── --quiet, -q            # Do not print "Dropping N" lines
//   ├── stress                     # Concurrent workers on one drop log
//   ├── status                     # Config, scenarios and last report
//   ├── --config, -c               # Config file (default: $DROPORDER_CONFIG
//   │                              #   or configs/default.yaml)
//   └── --version
//
// Exit Status:
//   run returns an error when the worker outcome or the drop log does not
//   match; cmd/droporder turns any error into exit status 1.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/drop-order/internal/droplog"
	"github.com/ChuLiYu/drop-order/internal/metrics"
	"github.com/ChuLiYu/drop-order/internal/report"
	"github.com/ChuLiYu/drop-order/internal/scenario"
	"github.com/ChuLiYu/drop-order/internal/scope"
	"github.com/ChuLiYu/drop-order/pkg/types"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var log = slog.Default()

// Version 由 -ldflags 注入
var Version = "1.0.0"

var (
	configFile string

	collectorOnce sync.Once
	collector     *metrics.Collector
	metricsOnce   sync.Once
)

// sharedCollector 每個行程只註冊一次 Prometheus 指標，並訂閱預設 drop log
func sharedCollector() *metrics.Collector {
	collectorOnce.Do(func() {
		collector = metrics.NewCollector()
		droplog.Default.Subscribe(collector)
	})
	return collector
}

func startMetrics(cfg *Config) {
	if !cfg.Metrics.Enabled {
		return
	}
	metricsOnce.Do(func() {
		go func() {
			log.Info("starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
	})
}

// BuildCLI 建立 root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "droporder",
		Short: "droporder: partial-construction cleanup verifier",
		Long: `droporder builds fixed-size arrays of tagged values inside an isolated
worker, aborts one element mid-construction, and checks that the
destruction order recorded in a lock-free drop log matches the expected
fixture.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath(), "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStressCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var name, policy string
	var quiet bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario on an isolated worker and verify the drop log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd.Context(), cmd.OutOrStdout(), name, policy, quiet)
		},
	}

	cmd.Flags().StringVarP(&name, "scenario", "s", "", "scenario name (default: first scenario in config)")
	cmd.Flags().StringVar(&policy, "policy", "", "override teardown policy (host, constructed)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print one line per destruction")

	return cmd
}

// dropPrinter 每次釋放印出一行診斷訊息
type dropPrinter struct {
	mu    sync.Mutex
	out   io.Writer
	quiet bool
}

func (p *dropPrinter) ObserveDrop(tag types.Tag, _ uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quiet || p.out == nil {
		return
	}
	fmt.Fprintf(p.out, "Dropping %d\n", tag)
}

var (
	printerOnce sync.Once
	printer     = &dropPrinter{}
)

func attachPrinter(out io.Writer, quiet bool) {
	printerOnce.Do(func() {
		droplog.Default.Subscribe(printer)
	})
	printer.mu.Lock()
	printer.out, printer.quiet = out, quiet
	printer.mu.Unlock()
}

func runScenario(ctx context.Context, out io.Writer, name, policy string, quiet bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfigOrDefault(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	def, err := cfg.Scenario(name)
	if err != nil {
		return err
	}
	if policy != "" {
		if _, err := scope.Lookup(policy); err != nil {
			return err
		}
		def.Policy = policy
	}

	startMetrics(cfg)
	attachPrinter(out, quiet)

	rep, err := scenario.Execute(ctx, def, droplog.Default, scenario.WithRecorder(sharedCollector()))
	if err != nil {
		return fmt.Errorf("failed to execute scenario: %w", err)
	}

	renderReport(out, rep)

	if cfg.Report.Path != "" {
		if err := newReportManager(cfg).Append(*rep, cfg.Report.Keep); err != nil {
			log.Warn("failed to save report", "path", cfg.Report.Path, "error", err)
		}
	}

	if err := rep.Verify(); err != nil {
		return fmt.Errorf("scenario %s failed: %w", def.Name, err)
	}
	fmt.Fprintf(out, "scenario %s passed: drop log %s\n", def.Name, rep.LogHex())
	return nil
}

func newReportManager(cfg *Config) *report.Manager {
	return report.NewManager(cfg.Report.Path, report.WithBackups(cfg.Report.Backups))
}

func renderReport(out io.Writer, rep *scenario.Report) {
	table := tablewriter.NewWriter(out)
	table.Header("#", "Tag", "Log After")
	for i, tag := range rep.Drops {
		table.Append(
			fmt.Sprintf("%d", i+1),
			fmt.Sprintf("%d", tag),
			droplog.Format(droplog.Encode(rep.Drops[:i+1]...)),
		)
	}
	table.Render()

	summary := tablewriter.NewWriter(out)
	summary.Header("Field", "Value")
	summary.Append("Run ID", string(rep.RunID))
	summary.Append("Scenario", rep.Scenario)
	summary.Append("Policy", rep.Policy)
	summary.Append("Outcome", fmt.Sprintf("%s (want %s)", rep.Outcome, rep.ExpectedOutcome))
	summary.Append("Drop Log", rep.LogHex())
	summary.Append("Expected", rep.ExpectedHex())
	summary.Append("Constructed", fmt.Sprintf("%d", rep.Constructed))
	if rep.Error != "" {
		summary.Append("Abort", rep.Error)
	}
	summary.Render()
}

// ============================================================================
// stress
// ============================================================================

func buildStressCommand() *cobra.Command {
	var workers, rounds int
	var abort bool
	var policy string

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent workers with disjoint tags against one drop log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrDefault(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			sc := cfg.Stress
			if cmd.Flags().Changed("workers") {
				sc.Workers = workers
			}
			if cmd.Flags().Changed("rounds") {
				sc.Rounds = rounds
			}
			if cmd.Flags().Changed("abort") {
				sc.Abort = abort
			}
			if cmd.Flags().Changed("policy") {
				sc.Policy = policy
			}
			return runStress(cmd.Context(), cmd.OutOrStdout(), cfg, sc)
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", scenario.MaxStressWorkers, "concurrent workers per round")
	cmd.Flags().IntVarP(&rounds, "rounds", "r", 100, "number of rounds")
	cmd.Flags().BoolVar(&abort, "abort", true, "odd workers abort mid-construction")
	cmd.Flags().StringVar(&policy, "policy", "", "teardown policy (host, constructed)")

	return cmd
}

func runStress(ctx context.Context, out io.Writer, cfg *Config, sc scenario.StressConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	startMetrics(cfg)

	collector := sharedCollector()
	dl := droplog.New()
	dl.Subscribe(collector)

	rep, err := scenario.Stress(ctx, sc, dl, scenario.WithRecorder(collector))
	if err != nil {
		return fmt.Errorf("stress failed: %w", err)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Rounds", "Workers", "Drops", "CAS Retries", "Succeeded", "Failed")
	table.Append(
		fmt.Sprintf("%d", rep.Rounds),
		fmt.Sprintf("%d", rep.Workers),
		fmt.Sprintf("%d", rep.Drops),
		fmt.Sprintf("%d", rep.Retries),
		fmt.Sprintf("%d", rep.Succeeded),
		fmt.Sprintf("%d", rep.Failed),
	)
	table.Render()

	if cfg.Report.Path != "" {
		if err := newReportManager(cfg).SetStress(*rep); err != nil {
			log.Warn("failed to save stress report", "path", cfg.Report.Path, "error", err)
		}
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show config, scenarios and the last run status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(out io.Writer) error {
	cfg, err := loadConfigOrDefault(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:    %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Report File:    %s (keep %d)\n", cfg.Report.Path, cfg.Report.Keep)
	fmt.Fprintf(out, "  └─ Stress:         %d workers x %d rounds, abort=%t\n",
		cfg.Stress.Workers, cfg.Stress.Rounds, cfg.Stress.Abort)
	fmt.Fprintln(out)

	table := tablewriter.NewWriter(out)
	table.Header("Scenario", "Policy", "Arrays", "Expect")
	scenarios := cfg.Scenarios
	if len(scenarios) == 0 {
		scenarios = []scenario.Definition{scenario.Reference()}
	}
	for _, def := range scenarios {
		expect, err := def.ExpectedLog()
		expectText := droplog.Format(expect)
		if err != nil {
			expectText = err.Error()
		}
		table.Append(def.Name, def.Policy, fmt.Sprintf("%v", def.Arrays), expectText)
	}
	table.Render()
	fmt.Fprintln(out)

	if cfg.Report.Path == "" {
		return nil
	}
	rec, err := report.NewManager(cfg.Report.Path).Load()
	if err != nil {
		return fmt.Errorf("failed to load report: %w", err)
	}
	last, ok := rec.Last()
	if !ok {
		fmt.Fprintln(out, "Last Run: none (run 'droporder run' first)")
		return nil
	}
	status := "PASS"
	if err := last.Verify(); err != nil {
		status = "FAIL: " + err.Error()
	}
	fmt.Fprintf(out, "Last Run: %s %s policy=%s outcome=%s log=%s %s\n",
		last.FinishedAt.Format("2006-01-02 15:04:05"), last.Scenario, last.Policy,
		last.Outcome, last.LogHex(), status)
	if rec.LastStress != nil {
		fmt.Fprintf(out, "Last Stress: %d rounds x %d workers, %d drops, %d CAS retries\n",
			rec.LastStress.Rounds, rec.LastStress.Workers, rec.LastStress.Drops, rec.LastStress.Retries)
	}
	return nil
}
