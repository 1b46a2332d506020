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
	"bytes"
	"context"
	"fmt"
	"image/color"
	"io"

	"github.com/spatialmodel/nacordex/blobstore"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/font"
	"gonum.org/v1/plot/text"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

const titleHeight = 0.4 * vg.Inch

var (
	titleStyle = text.Style{
		Color:   color.Black,
		Font:    font.From(plot.DefaultFont, vg.Points(14)),
		XAlign:  text.XCenter,
		YAlign:  text.YTop,
		Handler: plot.DefaultTextHandler,
	}
	annotationStyle = text.Style{
		Color:   color.Black,
		Font:    font.From(plot.DefaultFont, vg.Points(8)),
		XAlign:  text.XLeft,
		YAlign:  text.YTop,
		Handler: plot.DefaultTextHandler,
	}
)

// Panel is one plot within a figure.
type Panel struct {
	Plot *plot.Plot

	// Title is the column title, empty if the panel has none.
	Title string

	// RowLabel names the member of the panel's row. It is set on the
	// first column only.
	RowLabel string

	// Annotations are drawn in the top left corner of the data area,
	// one per line.
	Annotations []string

	// Step is the time step shown by snapshot panels, and -1 otherwise.
	Step int

	// Legend holds the legend entries of time series panels.
	Legend []string

	// Missing holds the steps marked as missing in time series panels.
	Missing []int
}

// Figure is a grid of panels with one row per ensemble member.
type Figure struct {
	Title string
	Key   string
	Kind  Kind

	// ColWidth and RowHeight size each panel.
	ColWidth, RowHeight vg.Length

	Panels [][]*Panel
}

func newFigure(ds *Dataset, variable string, kind Kind, rows, cols int, colWidth, rowHeight vg.Length) *Figure {
	f := &Figure{
		Title:     fmt.Sprintf("%s: %s", ds.Key, variable),
		Key:       ds.Key,
		Kind:      kind,
		ColWidth:  colWidth,
		RowHeight: rowHeight,
		Panels:    make([][]*Panel, rows),
	}
	for i := range f.Panels {
		f.Panels[i] = make([]*Panel, cols)
	}
	return f
}

// Rows returns the number of panel rows.
func (f *Figure) Rows() int { return len(f.Panels) }

// Cols returns the number of panel columns.
func (f *Figure) Cols() int {
	if len(f.Panels) == 0 {
		return 0
	}
	return len(f.Panels[0])
}

// Size returns the size of the whole figure.
func (f *Figure) Size() (w, h vg.Length) {
	return vg.Length(f.Cols()) * f.ColWidth, vg.Length(f.Rows())*f.RowHeight + titleHeight
}

// Draw draws the figure to dc.
func (f *Figure) Draw(dc draw.Canvas) {
	dc.FillText(titleStyle, vg.Point{X: dc.Center().X, Y: dc.Max.Y - vg.Millimeter}, f.Title)
	body := draw.Crop(dc, 0, 0, 0, -titleHeight)
	if f.Rows() == 0 || f.Cols() == 0 {
		return
	}
	plots := make([][]*plot.Plot, f.Rows())
	for i, row := range f.Panels {
		plots[i] = make([]*plot.Plot, len(row))
		for j, p := range row {
			plots[i][j] = p.Plot
		}
	}
	tiles := draw.Tiles{
		Rows:      f.Rows(),
		Cols:      f.Cols(),
		PadX:      2 * vg.Millimeter,
		PadY:      2 * vg.Millimeter,
		PadTop:    vg.Millimeter,
		PadBottom: vg.Millimeter,
		PadLeft:   vg.Millimeter,
		PadRight:  vg.Millimeter,
	}
	canvases := plot.Align(plots, tiles, body)
	for i, row := range f.Panels {
		for j, p := range row {
			p.Plot.Draw(canvases[i][j])
			p.annotate(canvases[i][j])
		}
	}
}

func (p *Panel) annotate(c draw.Canvas) {
	if len(p.Annotations) == 0 {
		return
	}
	da := p.Plot.DataCanvas(c)
	pt := vg.Point{X: da.Min.X + vg.Millimeter, Y: da.Max.Y - vg.Millimeter}
	lineHeight := annotationStyle.Height("M") * 1.2
	for _, a := range p.Annotations {
		da.FillText(annotationStyle, pt, a)
		pt.Y -= lineHeight
	}
}

// WritePNG writes the figure as a PNG image with the given resolution.
func (f *Figure) WritePNG(w io.Writer, dpi float64) error {
	if dpi <= 0 {
		return fmt.Errorf("%w: dpi %g", ErrInvalidArgument, dpi)
	}
	width, height := f.Size()
	c := vgimg.NewWith(vgimg.UseWH(width, height), vgimg.UseDPI(int(dpi)))
	f.Draw(draw.New(c))
	if _, err := (vgimg.PngCanvas{Canvas: c}).WriteTo(w); err != nil {
		return fmt.Errorf("nacordex: writing figure: %w", err)
	}
	return nil
}

// Save writes the figure as a PNG image to location, which may be a
// local path or a blob URL.
func (f *Figure) Save(ctx context.Context, location string, dpi float64) error {
	var buf bytes.Buffer
	if err := f.WritePNG(&buf, dpi); err != nil {
		return err
	}
	return blobstore.WriteAll(ctx, location, buf.Bytes())
}
