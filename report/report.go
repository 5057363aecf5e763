// Package report renders training runs as PNG plots: the per-epoch loss and
// accuracy curves, and the confusion matrix of the last reported epoch.
package report

import (
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/Noofbiz/q8predict/confusion"
	"github.com/Noofbiz/q8predict/predictor"
)

// File names written into the output directory.
const (
	HistoryFile   = "history.png"
	ConfusionFile = "confusion.png"
)

var (
	trainColor = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	valColor   = color.RGBA{R: 200, G: 30, B: 30, A: 255}
)

// PlotHistory writes the loss and accuracy curves of history side by side
// into outDir and returns the path of the image. NaN points (no validation
// data) are skipped.
func PlotHistory(history []predictor.EpochStats, outDir string) (string, error) {
	if len(history) == 0 {
		return "", errors.New("report: empty history")
	}
	loss := plot.New()
	loss.Title.Text = "Loss"
	loss.X.Label.Text = "epoch"
	loss.Y.Label.Text = "cross-entropy"
	if err := addCurves(loss, history,
		func(s predictor.EpochStats) float64 { return s.TrainLoss },
		func(s predictor.EpochStats) float64 { return s.ValLoss }); err != nil {
		return "", err
	}

	acc := plot.New()
	acc.Title.Text = "Truncated accuracy"
	acc.X.Label.Text = "epoch"
	acc.Y.Label.Text = "accuracy"
	if err := addCurves(acc, history,
		func(s predictor.EpochStats) float64 { return s.TrainAccuracy },
		func(s predictor.EpochStats) float64 { return s.ValAccuracy }); err != nil {
		return "", err
	}
	acc.Y.Min, acc.Y.Max = 0, 1

	if err := ensureDir(outDir); err != nil {
		return "", err
	}
	outPath := filepath.Join(outDir, HistoryFile)
	if err := saveRow(outPath, 12*vg.Inch, 5*vg.Inch, loss, acc); err != nil {
		return "", errors.Wrapf(err, "report: save %s", outPath)
	}
	return outPath, nil
}

func addCurves(p *plot.Plot, history []predictor.EpochStats, trainFn, valFn func(predictor.EpochStats) float64) error {
	train, val := points(history, trainFn), points(history, valFn)
	for _, c := range []struct {
		name string
		xys  plotter.XYs
		col  color.Color
	}{{"train", train, trainColor}, {"validation", val, valColor}} {
		if len(c.xys) == 0 {
			continue
		}
		line, scatter, err := plotter.NewLinePoints(c.xys)
		if err != nil {
			return errors.Wrapf(err, "report: %s curve", c.name)
		}
		line.Color = c.col
		line.Width = vg.Points(1.2)
		scatter.GlyphStyle.Color = c.col
		scatter.GlyphStyle.Radius = vg.Points(2)
		p.Add(line, scatter)
		p.Legend.Add(c.name, line, scatter)
	}
	p.Add(plotter.NewGrid())
	p.X.Min, p.X.Max, p.Y.Min, p.Y.Max = autoRange(append(append(plotter.XYs{}, train...), val...))
	return nil
}

func points(history []predictor.EpochStats, fn func(predictor.EpochStats) float64) plotter.XYs {
	xys := make(plotter.XYs, 0, len(history))
	for _, s := range history {
		v := fn(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		xys = append(xys, plotter.XY{X: float64(s.Epoch), Y: v})
	}
	return xys
}

// saveRow draws plots left to right on one canvas.
func saveRow(path string, w, h vg.Length, plots ...*plot.Plot) error {
	img := vgimg.New(w, h)
	dc := draw.New(img)
	t := draw.Tiles{Rows: 1, Cols: len(plots), PadX: vg.Millimeter, PadY: vg.Millimeter,
		PadTop: vg.Points(4), PadBottom: vg.Points(4), PadLeft: vg.Points(4), PadRight: vg.Points(4)}
	canvases := plot.Align([][]*plot.Plot{plots}, t, dc)
	for j, p := range plots {
		p.Draw(canvases[0][j])
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		return err
	}
	return f.Close()
}

// PlotConfusion writes m as a heat map, true labels on the Y axis and
// predicted labels on the X axis, and returns the path of the image.
func PlotConfusion(m *confusion.Matrix, outDir string) (string, error) {
	if m == nil || m.Size() == 0 {
		return "", errors.New("report: empty confusion matrix")
	}
	labels := []rune(m.Labels())
	names := make([]string, len(labels))
	for i, r := range labels {
		names[i] = string(r)
	}

	p := plot.New()
	p.Title.Text = "Confusion matrix (rows: true, columns: predicted)"
	p.X.Label.Text = "predicted"
	p.Y.Label.Text = "true"
	hm := plotter.NewHeatMap(matrixGrid{m}, palette.Heat(16, 1))
	if hm.Min == hm.Max {
		// A constant matrix has no range to scale the palette over.
		hm.Max = hm.Min + 1
	}
	p.Add(hm)
	p.NominalX(names...)
	p.NominalY(names...)

	if err := ensureDir(outDir); err != nil {
		return "", err
	}
	outPath := filepath.Join(outDir, ConfusionFile)
	if err := p.Save(8*vg.Inch, 6*vg.Inch, outPath); err != nil {
		return "", errors.Wrapf(err, "report: save %s", outPath)
	}
	return outPath, nil
}

// matrixGrid adapts a confusion matrix to plotter.GridXYZ.
type matrixGrid struct{ m *confusion.Matrix }

func (g matrixGrid) Dims() (c, r int)   { return g.m.Size(), g.m.Size() }
func (g matrixGrid) Z(c, r int) float64 { return float64(g.m.At(r, c)) }
func (g matrixGrid) X(c int) float64    { return float64(c) }
func (g matrixGrid) Y(r int) float64    { return float64(r) }

// autoRange computes padded min/max for X and Y for a set of points.
func autoRange(xs plotter.XYs) (xmin, xmax, ymin, ymax float64) {
	if len(xs) == 0 {
		return -1, 1, -1, 1
	}
	xmin, xmax = math.Inf(1), math.Inf(-1)
	ymin, ymax = math.Inf(1), math.Inf(-1)
	for _, p := range xs {
		xmin, xmax = math.Min(xmin, p.X), math.Max(xmax, p.X)
		ymin, ymax = math.Min(ymin, p.Y), math.Max(ymax, p.Y)
	}
	padx := (xmax - xmin) * 0.06
	pady := (ymax - ymin) * 0.06
	if padx == 0 {
		padx = 1.0
	}
	if pady == 0 {
		pady = 0.1
	}
	return xmin - padx, xmax + padx, ymin - pady, ymax + pady
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
