/*
Copyright © 2024 the nacordex authors.
This file is part of nacordex.

nacordex is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

nacordex is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with nacordex.  If not, see <http://www.gnu.org/licenses/>.
*/

package nacordex

import (
	"context"
	"fmt"
	"image/color"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// Options control the renderers.
type Options struct {
	// Truncate restricts the statistic figures to the first valid year.
	Truncate bool

	// MidFromValidWindow places the middle snapshot halfway through the
	// validity window rather than halfway through the time axis.
	MidFromValidWindow bool

	// Palette colors the map panels. It defaults to the Moreland
	// extended black body palette.
	Palette palette.Palette

	Log logrus.FieldLogger
}

// RenderOptions returns the renderer options of the configuration.
func (c Config) RenderOptions(log logrus.FieldLogger) *Options {
	return &Options{
		Truncate:           c.Truncate,
		MidFromValidWindow: c.MidFromValidWindow,
		Log:                log,
	}
}

func (o *Options) palette() palette.Palette {
	if o != nil && o.Palette != nil {
		return o.Palette
	}
	cm := moreland.ExtendedBlackBody()
	cm.SetMax(1)
	return cm.Palette(256)
}

func (o *Options) log() logrus.FieldLogger {
	if o != nil && o.Log != nil {
		return o.Log
	}
	return logrus.StandardLogger()
}

func (o *Options) truncate() bool { return o != nil && o.Truncate }

func checkMembers(members []string) error {
	if len(members) < 1 || len(members) > MaxPanels {
		return fmt.Errorf("%w: %d members; between 1 and %d may be plotted", ErrInvalidArgument, len(members), MaxPanels)
	}
	return nil
}

// Render renders a figure of kind for the first cfg.Panels members of ds
// and, if cfg.SaveImage is set, saves it to cfg.OutputPath.
func Render(ctx context.Context, cfg Config, ds *Dataset, variable string, kind Kind, log logrus.FieldLogger) (*Figure, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	members, err := ds.FirstMembers(cfg.Panels)
	if err != nil {
		return nil, err
	}
	return RenderMembers(ctx, cfg, ds, variable, kind, members, log)
}

// RenderMembers is like Render but plots the given members.
func RenderMembers(ctx context.Context, cfg Config, ds *Dataset, variable string, kind Kind, members []string, log logrus.FieldLogger) (*Figure, error) {
	opts := cfg.RenderOptions(log)
	var fig *Figure
	var err error
	switch kind {
	case Snapshots:
		fig, err = RenderSnapshots(ctx, ds, variable, members, opts)
	case StatMaps:
		fig, err = RenderStatMaps(ctx, ds, variable, members, opts)
	case Timeseries:
		fig, err = RenderTimeseries(ctx, ds, variable, members, opts)
	default:
		return nil, fmt.Errorf("%w: figure kind %q", ErrInvalidArgument, kind)
	}
	if err != nil {
		return nil, err
	}
	if cfg.SaveImage {
		path := cfg.OutputPath(ds.Key, kind)
		if err := fig.Save(ctx, path, cfg.DPI); err != nil {
			return nil, err
		}
		opts.log().WithField("path", path).Info("nacordex: saved figure")
	}
	return fig, nil
}

// minMaxText returns the spatial minimum and maximum annotations of a map.
func minMaxText(values []float64) []string {
	return []string{
		fmt.Sprintf("Min: %.3g", Min.Of(values)),
		fmt.Sprintf("Max: %.3g", Max.Of(values)),
	}
}

// mapPlot returns a plot of m as an image. The color scale spans the
// finite values of m; NaN cells are left blank.
func mapPlot(m *Map, pal palette.Palette) *plot.Plot {
	p := plot.New()
	h := plotter.NewHeatMap(m, pal)
	lo, hi, ok := finiteRange(m.Values)
	if !ok {
		lo, hi = 0, 1
	}
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	h.Min, h.Max = lo, hi
	h.NaN = color.Transparent
	p.Add(h)
	p.X.Tick.Label.Font.Size = vg.Points(6)
	p.Y.Tick.Label.Font.Size = vg.Points(6)
	return p
}

// RenderSnapshots renders the first, middle and last valid steps of
// variable for each member, one row per member.
func RenderSnapshots(ctx context.Context, ds *Dataset, variable string, members []string, opts *Options) (*Figure, error) {
	if err := checkMembers(members); err != nil {
		return nil, err
	}
	log := opts.log().WithFields(logrus.Fields{"dataset": ds.Key, "variable": variable, "kind": Snapshots})
	pal := opts.palette()
	fig := newFigure(ds, variable, Snapshots, len(members), 3, 3.2*vg.Inch, 2.6*vg.Inch)
	for i, member := range members {
		log.WithField("member", member).Info("nacordex: rendering member")
		f, err := SelectMember(ds, variable, member)
		if err != nil {
			return nil, err
		}
		w, err := ScanValidity(ctx, f)
		if err != nil {
			return nil, err
		}
		mid := f.Len() / 2
		if opts != nil && opts.MidFromValidWindow {
			mid = w.First + (w.Last-w.First)/2
		}
		for j, step := range []int{w.First, mid, w.Last} {
			values, err := f.Step(ctx, step)
			if err != nil {
				return nil, err
			}
			panel := &Panel{
				Plot:        mapPlot(f.Map(values), pal),
				Title:       timeLabel(f, step),
				Annotations: minMaxText(values),
				Step:        step,
			}
			if j == 0 {
				panel.RowLabel = member
			}
			panel.label()
			fig.Panels[i][j] = panel
		}
	}
	return fig, nil
}

func timeLabel(f *Field, step int) string {
	s := f.Times[step].String()
	if len(s) > 10 {
		s = s[:10]
	}
	return s
}

// label copies the panel's title and row label to its plot.
func (p *Panel) label() {
	p.Plot.Title.Text = p.Title
	if p.RowLabel != "" {
		p.Plot.Y.Label.Text = p.RowLabel
	}
}

// prepare selects a member, optionally truncates it to its first valid
// year and persists it.
func prepare(ctx context.Context, ds *Dataset, variable, member string, opts *Options) (*Field, error) {
	f, err := SelectMember(ds, variable, member)
	if err != nil {
		return nil, err
	}
	if opts.truncate() {
		if f, err = Truncate(ctx, f, 1); err != nil {
			return nil, err
		}
	}
	return f.Persist(ctx)
}

// RenderStatMaps renders per-cell temporal minimum, maximum, mean and
// standard deviation maps of variable, one row per member.
func RenderStatMaps(ctx context.Context, ds *Dataset, variable string, members []string, opts *Options) (*Figure, error) {
	if err := checkMembers(members); err != nil {
		return nil, err
	}
	log := opts.log().WithFields(logrus.Fields{"dataset": ds.Key, "variable": variable, "kind": StatMaps})
	pal := opts.palette()
	fig := newFigure(ds, variable, StatMaps, len(members), len(Stats), 3.2*vg.Inch, 2.6*vg.Inch)
	for i, member := range members {
		log.WithField("member", member).Info("nacordex: rendering member")
		f, err := prepare(ctx, ds, variable, member, opts)
		if err != nil {
			return nil, err
		}
		maps, err := f.TimeStats().Compute(ctx)
		if err != nil {
			return nil, err
		}
		for j, m := range maps {
			panel := &Panel{
				Plot:        mapPlot(m, pal),
				Annotations: minMaxText(m.Values),
				Step:        -1,
			}
			if i == 0 {
				panel.Title = fmt.Sprintf("%s(%s)", Stats[j], variable)
			}
			if j == 0 {
				panel.RowLabel = member
			}
			panel.label()
			fig.Panels[i][j] = panel
		}
	}
	return fig, nil
}

var (
	seriesColors = map[Stat]color.Color{
		Min:  color.RGBA{B: 200, A: 255},
		Max:  color.RGBA{R: 200, A: 255},
		Mean: color.Black,
	}
	bandColor = color.RGBA{R: 128, G: 128, B: 128, A: 96}
	rugColor  = color.RGBA{R: 230, G: 120, A: 255}
)

// segments returns the ranges [i0, i1) over which every series is finite.
func segments(series ...[]float64) [][2]int {
	var o [][2]int
	start := -1
	n := len(series[0])
	for i := 0; i <= n; i++ {
		ok := i < n
		for _, s := range series {
			if !ok {
				break
			}
			ok = !math.IsNaN(s[i]) && !math.IsInf(s[i], 0)
		}
		switch {
		case ok && start < 0:
			start = i
		case !ok && start >= 0:
			o = append(o, [2]int{start, i})
			start = -1
		}
	}
	return o
}

// RenderTimeseries renders the per-step spatial minimum, maximum and mean
// of variable with a band of one standard deviation around the mean, one
// row per member. Steps with missing data are marked along the x axis.
func RenderTimeseries(ctx context.Context, ds *Dataset, variable string, members []string, opts *Options) (*Figure, error) {
	if err := checkMembers(members); err != nil {
		return nil, err
	}
	log := opts.log().WithFields(logrus.Fields{"dataset": ds.Key, "variable": variable, "kind": Timeseries})
	fig := newFigure(ds, variable, Timeseries, len(members), 1, 8*vg.Inch, 2.6*vg.Inch)
	for i, member := range members {
		log.WithField("member", member).Info("nacordex: rendering member")
		f, err := prepare(ctx, ds, variable, member, opts)
		if err != nil {
			return nil, err
		}
		s, err := f.SpaceStats().Compute(ctx)
		if err != nil {
			return nil, err
		}
		panel, err := seriesPanel(f, s)
		if err != nil {
			return nil, err
		}
		fig.Panels[i][0] = panel
	}
	return fig, nil
}

func seriesPanel(f *Field, s *Series) (*Panel, error) {
	x := f.DecimalYears()
	p := plot.New()
	p.Title.Text = f.Member
	p.X.Label.Text = "year"
	p.Y.Label.Text = f.Units
	p.Legend.Top = true
	panel := &Panel{Plot: p, Title: f.Member, RowLabel: f.Member, Step: -1}

	band := &plotter.Polygon{Color: bandColor}
	for _, seg := range segments(s.Mean, s.Std) {
		xys := make(plotter.XYs, 0, 2*(seg[1]-seg[0]))
		for j := seg[0]; j < seg[1]; j++ {
			xys = append(xys, plotter.XY{X: x[j], Y: s.Mean[j] - s.Std[j]})
		}
		for j := seg[1] - 1; j >= seg[0]; j-- {
			xys = append(xys, plotter.XY{X: x[j], Y: s.Mean[j] + s.Std[j]})
		}
		poly, err := plotter.NewPolygon(xys)
		if err != nil {
			return nil, fmt.Errorf("nacordex: plotting %s member %s: %w", f.Variable, f.Member, err)
		}
		poly.Color = bandColor
		poly.LineStyle.Width = 0
		p.Add(poly)
	}
	p.Legend.Add("mean ± std", band)
	panel.Legend = append(panel.Legend, "mean ± std")

	for _, st := range []Stat{Mean, Min, Max} {
		y := s.Get(st)
		style := plotter.DefaultLineStyle
		style.Color = seriesColors[st]
		for _, seg := range segments(y) {
			xys := make(plotter.XYs, seg[1]-seg[0])
			for j := range xys {
				xys[j] = plotter.XY{X: x[seg[0]+j], Y: y[seg[0]+j]}
			}
			l, err := plotter.NewLine(xys)
			if err != nil {
				return nil, fmt.Errorf("nacordex: plotting %s member %s: %w", f.Variable, f.Member, err)
			}
			l.LineStyle = style
			p.Add(l)
		}
		p.Legend.Add(st.String(), &plotter.Line{LineStyle: style})
		panel.Legend = append(panel.Legend, st.String())
	}

	mask := MissingMask(s.Min)
	if anyTrue(mask) {
		rug := &Rug{
			LineStyle: draw.LineStyle{Color: rugColor, Width: vg.Points(1)},
			Length:    3 * vg.Millimeter,
		}
		for j, m := range mask {
			if m {
				rug.X = append(rug.X, x[j])
				panel.Missing = append(panel.Missing, j)
			}
		}
		p.Add(rug)
		p.Legend.Add("missing", rug)
		panel.Legend = append(panel.Legend, "missing")
	}
	if len(x) > 0 {
		p.X.Min = math.Min(p.X.Min, x[0])
		p.X.Max = math.Max(p.X.Max, x[len(x)-1])
	}
	return panel, nil
}
