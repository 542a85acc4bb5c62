package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/san-kum/dynmpc/internal/closedloop"
	"github.com/san-kum/dynmpc/internal/config"
	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/experiment"
	"github.com/san-kum/dynmpc/internal/storage"
)

var (
	dataDir string
	verbose bool

	configFile    string
	preset        string
	steps         int
	tStep         float64
	horizon       int
	robust        int
	solver        string
	estimatorName string
	policy        string
	ensemble      bool
	maxIter       int
	timeout       time.Duration
	noSave        bool

	columns []string
	outPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "dynmpc",
		Short:         "robust multi-stage nonlinear MPC lab",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".dynmpc", "data directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	runCmd := &cobra.Command{
		Use:   "run [model]",
		Short: "run a closed-loop experiment",
		Args:  cobra.ExactArgs(1),
		RunE:  runExperiment,
	}
	addRunFlags(runCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list runs",
		RunE:  listRuns,
	}

	showCmd := &cobra.Command{
		Use:   "show [run_id]",
		Short: "show run summary",
		Args:  cobra.ExactArgs(1),
		RunE:  showRun,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot run results in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}
	plotCmd.Flags().StringSliceVar(&columns, "columns", nil, "columns to plot, e.g. state:C_b,input:F (default: states)")

	exportPNGCmd := &cobra.Command{
		Use:   "export-png [run_id]",
		Short: "export run plot to PNG or SVG",
		Args:  cobra.ExactArgs(1),
		RunE:  exportPlot,
	}
	exportPNGCmd.Flags().StringSliceVar(&columns, "columns", nil, "columns to plot (default: states)")
	exportPNGCmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (.png or .svg, default <run_id>.png)")

	exportJSONCmd := &cobra.Command{
		Use:   "export-json [run_id]",
		Short: "export run data to JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  exportJSON,
	}
	exportJSONCmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default stdout)")

	deleteCmd := &cobra.Command{
		Use:   "delete [run_id]",
		Short: "delete a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return storage.New(dataDir).Delete(args[0])
		},
	}

	presetsCmd := &cobra.Command{
		Use:   "presets [model]",
		Short: "list available presets",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listPresets,
	}

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "list models, solvers and estimators",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := experiment.NewRegistry()
			fmt.Printf("models:     %v\n", r.ListModels())
			fmt.Printf("solvers:    %v\n", r.ListSolvers())
			fmt.Printf("estimators: %v\n", r.ListEstimators())
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, listCmd, showCmd, plotCmd, exportPNGCmd, exportJSONCmd, deleteCmd, presetsCmd, modelsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error:"), err)
		os.Exit(exitCode(err))
	}
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&configFile, "config", "", "config file path (yaml)")
	cmd.Flags().StringVar(&preset, "preset", "", "use preset configuration")
	cmd.Flags().IntVar(&steps, "steps", config.DefaultSteps, "closed-loop steps")
	cmd.Flags().Float64Var(&tStep, "t-step", 0, "sampling period (0 keeps the model default)")
	cmd.Flags().IntVar(&horizon, "horizon", 20, "prediction horizon")
	cmd.Flags().IntVar(&robust, "robust", 1, "robust horizon")
	cmd.Flags().StringVar(&solver, "solver", config.DefaultSolver, "nlp solver")
	cmd.Flags().StringVar(&estimatorName, "estimator", config.DefaultEstimator, "state estimator")
	cmd.Flags().StringVar(&policy, "policy", "abort", "failure policy (abort or hold)")
	cmd.Flags().BoolVar(&ensemble, "ensemble", false, "replay the controls under every realization")
	cmd.Flags().IntVar(&maxIter, "max-iter", config.DefaultMaxIter, "nlp iteration limit")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "wall-clock limit for the whole run")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not store the run")
}

// exitCode maps the error kind to a process status: 2 for setup errors, 3
// for numerical failures.
func exitCode(err error) int {
	switch dynamo.KindOf(err) {
	case dynamo.KindConfiguration, dynamo.KindDimension:
		return 2
	case dynamo.KindInfeasible, dynamo.KindConvergence, dynamo.KindIntegration:
		return 3
	default:
		return 1
	}
}

func loadConfig(cmd *cobra.Command, model string) (*config.Config, error) {
	if configFile != "" && preset != "" {
		return nil, dynamo.Configf("--config and --preset are exclusive")
	}
	cfg := config.DefaultConfig()
	switch {
	case preset != "":
		if cfg = config.GetPreset(model, preset); cfg == nil {
			return nil, dynamo.Configf("unknown preset: %s (available: %v)", preset, config.ListPresets(model))
		}
	case configFile != "":
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg.Model = model

	flags := cmd.Flags()
	if flags.Changed("steps") {
		cfg.Steps = steps
	}
	if flags.Changed("t-step") {
		cfg.TStep = tStep
	}
	if flags.Changed("horizon") {
		cfg.MPC.NHorizon = horizon
	}
	if flags.Changed("robust") {
		cfg.MPC.NRobust = robust
	}
	if flags.Changed("solver") {
		cfg.Solver = solver
	}
	if flags.Changed("estimator") {
		cfg.Estimator = estimatorName
	}
	if flags.Changed("policy") {
		p, err := closedloop.ParsePolicy(policy)
		if err != nil {
			return nil, err
		}
		cfg.Policy = p
	}
	if flags.Changed("ensemble") {
		cfg.EnsembleCheck = ensemble
	}
	if flags.Changed("max-iter") {
		cfg.NLP.MaxIter = maxIter
	}
	return cfg, nil
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	exp := experiment.New(cfg, experiment.WithLogger(slog.Default()))
	if err := exp.Setup(); err != nil {
		return err
	}

	fmt.Printf("running %s: %d steps, horizon %d, robust horizon %d, %d scenarios\n",
		cfg.Model, cfg.Steps, cfg.MPC.NHorizon, cfg.MPC.NRobust, len(exp.Optimizer().Tree().Combinations))
	res, runErr := exp.Run(ctx)
	if res == nil || res.Report == nil {
		return runErr
	}

	meta := storage.RunMetadata{
		Model:     cfg.Model,
		Preset:    preset,
		TStep:     exp.TStep(),
		Solver:    cfg.Solver,
		Estimator: cfg.Estimator,
		Policy:    cfg.Policy.String(),
		NRobust:   cfg.MPC.NRobust,
		Metrics:   res.Report.Metrics,
	}
	if res.Robustness != nil {
		worst := res.Robustness.Worst()
		meta.MaxViolation = &worst
	}

	runID := ""
	if !noSave && res.Log.Len() > 0 {
		st := storage.New(dataDir)
		if err := st.Init(); err != nil {
			return errors.Join(runErr, err)
		}
		if runID, err = st.Save(meta, res.Log); err != nil {
			return errors.Join(runErr, err)
		}
	}

	printSummary(runID, res, runErr)
	return runErr
}
