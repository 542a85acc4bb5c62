package main

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/san-kum/dynmpc/internal/config"
	"github.com/san-kum/dynmpc/internal/experiment"
	"github.com/san-kum/dynmpc/internal/export"
	"github.com/san-kum/dynmpc/internal/storage"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("242")).Width(18)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1)
)

const ensembleTol = 1e-6

func row(label, value string) string {
	return labelStyle.Render(label) + value
}

func metricRows(m map[string]float64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([]string, len(names))
	for i, name := range names {
		rows[i] = row(name, fmt.Sprintf("%.6g", m[name]))
	}
	return rows
}

func printSummary(runID string, res *experiment.Result, runErr error) {
	rep := res.Report
	lines := []string{titleStyle.Render("closed-loop run")}
	if runID != "" {
		lines = append(lines, row("run id", runID))
	}
	lines = append(lines,
		row("steps", fmt.Sprintf("%d", rep.Steps)),
		row("wall time", rep.Duration.Round(time.Millisecond).String()),
	)
	switch {
	case runErr != nil:
		lines = append(lines, row("status", errorStyle.Render("stopped: "+runErr.Error())))
	case rep.Degraded():
		lines = append(lines, row("status", warnStyle.Render(fmt.Sprintf("degraded (%d held steps)", len(rep.Failures)))))
	default:
		lines = append(lines, row("status", okStyle.Render("ok")))
	}
	if rob := res.Robustness; rob != nil {
		status := okStyle.Render("bounds held")
		if !rob.Satisfied(ensembleTol) {
			status = warnStyle.Render("bounds violated")
		}
		lines = append(lines, row("ensemble", fmt.Sprintf("%d scenarios, worst %.3g, %s", len(rob.Combinations), rob.Worst(), status)))
	}
	lines = append(lines, "", titleStyle.Render("metrics"))
	lines = append(lines, metricRows(rep.Metrics)...)
	for _, f := range rep.Failures {
		lines = append(lines, warnStyle.Render(f.String()))
	}
	fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	runs, err := st.List()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tPRESET\tTIME\tSTEPS\tT_STEP\tSOLVER\tESTIMATOR\tSTATUS")
	for _, run := range runs {
		status := "ok"
		if run.Degraded() {
			status = fmt.Sprintf("degraded(%d)", len(run.Failures))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.4g\t%s\t%s\t%s\n",
			run.ID,
			run.Model,
			run.Preset,
			run.Timestamp.Local().Format("2006-01-02 15:04:05"),
			run.Steps,
			run.TStep,
			run.Solver,
			run.Estimator,
			status,
		)
	}
	return w.Flush()
}

func showRun(cmd *cobra.Command, args []string) error {
	meta, err := storage.New(dataDir).Load(args[0])
	if err != nil {
		return err
	}

	lines := []string{
		titleStyle.Render(meta.ID),
		row("model", meta.Model),
		row("preset", meta.Preset),
		row("time", meta.Timestamp.Local().Format("2006-01-02 15:04:05")),
		row("steps", fmt.Sprintf("%d x %gs", meta.Steps, meta.TStep)),
		row("solver", meta.Solver),
		row("estimator", meta.Estimator),
		row("policy", meta.Policy),
		row("robust horizon", fmt.Sprintf("%d", meta.NRobust)),
	}
	if meta.MaxViolation != nil {
		lines = append(lines, row("ensemble worst", fmt.Sprintf("%.3g", *meta.MaxViolation)))
	}
	lines = append(lines, "", titleStyle.Render("metrics"))
	lines = append(lines, metricRows(meta.Metrics)...)
	if meta.Degraded() {
		lines = append(lines, "", titleStyle.Render("failures"))
		for _, f := range meta.Failures {
			lines = append(lines, warnStyle.Render(f))
		}
	}
	fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))
	return nil
}

// plotColumns resolves the requested columns, defaulting to every state.
func plotColumns(traj *storage.Trajectory) []string {
	if len(columns) > 0 {
		return columns
	}
	var out []string
	for _, c := range export.Columns(traj) {
		if strings.HasPrefix(c, "state:") {
			out = append(out, c)
		}
	}
	return out
}

func plotRun(cmd *cobra.Command, args []string) error {
	runID := args[0]

	st := storage.New(dataDir)
	meta, err := st.Load(runID)
	if err != nil {
		return err
	}
	traj, err := st.LoadTrajectory(runID)
	if err != nil {
		return err
	}
	if len(traj.Times) == 0 {
		return fmt.Errorf("no data to plot")
	}

	fmt.Printf("run: %s\n", meta.ID)
	fmt.Printf("model: %s\n", meta.Model)
	fmt.Printf("samples: %d\n\n", len(traj.Times))

	for _, name := range plotColumns(traj) {
		series, err := traj.Column(name)
		if err != nil {
			return err
		}
		// asciigraph cannot place NaN; hold the previous sample instead
		for i, v := range series {
			if math.IsNaN(v) {
				series[i] = 0
				if i > 0 {
					series[i] = series[i-1]
				}
			}
		}
		graph := asciigraph.Plot(series,
			asciigraph.Height(10),
			asciigraph.Width(80),
			asciigraph.Caption(fmt.Sprintf("%s vs time (%.3g..%.3g)", name, traj.Times[0], traj.Times[len(traj.Times)-1])),
		)
		fmt.Println(graph)
		fmt.Println()
	}
	return nil
}

func exportPlot(cmd *cobra.Command, args []string) error {
	runID := args[0]
	st := storage.New(dataDir)
	traj, err := st.LoadTrajectory(runID)
	if err != nil {
		return err
	}
	path := outPath
	if path == "" {
		path = runID + ".png"
	}
	opts := export.DefaultPlotOptions()
	opts.Title = runID
	if err := export.SavePlot(path, traj, plotColumns(traj), opts); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func exportJSON(cmd *cobra.Command, args []string) error {
	runID := args[0]
	st := storage.New(dataDir)
	meta, err := st.Load(runID)
	if err != nil {
		return err
	}
	traj, err := st.LoadTrajectory(runID)
	if err != nil {
		return err
	}
	doc := export.NewDocument(*meta, traj)

	if outPath == "" {
		return export.WriteJSON(os.Stdout, doc)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	if err := export.WriteJSON(bw, doc); err != nil {
		return err
	}
	return bw.Flush()
}

func listPresets(cmd *cobra.Command, args []string) error {
	models := config.PresetModels()
	if len(args) > 0 {
		models = args[:1]
	}
	for _, m := range models {
		presets := config.ListPresets(m)
		if len(presets) == 0 {
			fmt.Printf("no presets for model: %s\n", m)
			continue
		}
		fmt.Printf("presets for %s:\n", m)
		for _, p := range presets {
			cfg := config.GetPreset(m, p)
			fmt.Printf("  %-12s %d steps, horizon %d, robust %d, %s/%s, %s\n",
				p, cfg.Steps, cfg.MPC.NHorizon, cfg.MPC.NRobust, cfg.Solver, cfg.Estimator, cfg.Policy)
		}
	}
	return nil
}
