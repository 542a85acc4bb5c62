// Package export renders stored trajectories as line plots and JSON
// documents.
package export

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
	"gonum.org/v1/plot/vg/vgsvg"

	"github.com/san-kum/dynmpc/internal/dynamo"
	"github.com/san-kum/dynmpc/internal/storage"
)

type Format string

const (
	PNG Format = "png"
	SVG Format = "svg"
)

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".png":
		return PNG, nil
	case ".svg":
		return SVG, nil
	default:
		return "", dynamo.Configf("unsupported plot format %q", ext)
	}
}

type PlotOptions struct {
	Title  string
	Width  vg.Length
	Height vg.Length
	DPI    int
}

func DefaultPlotOptions() PlotOptions {
	return PlotOptions{Width: 8 * vg.Inch, Height: 5 * vg.Inch, DPI: 150}
}

// Columns returns the plottable columns of a trajectory, everything except
// time and the degraded flag.
func Columns(traj *storage.Trajectory) []string {
	var out []string
	for _, c := range traj.Columns {
		if c != "time" && c != "degraded" {
			out = append(out, c)
		}
	}
	return out
}

// NewPlot draws the named columns of traj against time. An empty column
// list plots every state column. Steps with a NaN value are left out of
// that line.
func NewPlot(traj *storage.Trajectory, columns []string, title string) (*plot.Plot, error) {
	if len(traj.Times) == 0 {
		return nil, dynamo.Configf("trajectory is empty")
	}
	if len(columns) == 0 {
		for _, c := range Columns(traj) {
			if strings.HasPrefix(c, "state:") {
				columns = append(columns, c)
			}
		}
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "time"
	p.Add(plotter.NewGrid())
	p.Legend.Top = true

	for i, name := range columns {
		ys, err := traj.Column(name)
		if err != nil {
			return nil, err
		}
		pts := make(plotter.XYs, 0, len(ys))
		for k, y := range ys {
			if math.IsNaN(y) || math.IsInf(y, 0) {
				continue
			}
			pts = append(pts, plotter.XY{X: traj.Times[k], Y: y})
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("plot %s: %w", name, err)
		}
		line.LineStyle.Width = vg.Points(1.5)
		line.LineStyle.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	return p, nil
}

// WritePlot renders p to w.
func WritePlot(w io.Writer, p *plot.Plot, format Format, opts PlotOptions) error {
	switch format {
	case PNG:
		c := vgimg.NewWith(vgimg.UseWH(opts.Width, opts.Height), vgimg.UseDPI(opts.DPI))
		p.Draw(draw.New(c))
		if _, err := (vgimg.PngCanvas{Canvas: c}).WriteTo(w); err != nil {
			return fmt.Errorf("write png: %w", err)
		}
	case SVG:
		c := vgsvg.New(opts.Width, opts.Height)
		p.Draw(draw.New(c))
		if _, err := c.WriteTo(w); err != nil {
			return fmt.Errorf("write svg: %w", err)
		}
	default:
		return dynamo.Configf("unsupported plot format %q", format)
	}
	return nil
}

// SavePlot writes the plot of columns to path, in the format given by its
// extension.
func SavePlot(path string, traj *storage.Trajectory, columns []string, opts PlotOptions) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	p, err := NewPlot(traj, columns, opts.Title)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if err := WritePlot(bw, p, format, opts); err != nil {
		return err
	}
	return bw.Flush()
}
