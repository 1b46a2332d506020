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
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// Rug marks positions along the x axis with short ticks rising from the
// bottom of the data area.
type Rug struct {
	X []float64

	draw.LineStyle

	// Length is the height of each tick.
	Length vg.Length
}

// Plot implements the plot.Plotter interface.
func (r *Rug) Plot(c draw.Canvas, plt *plot.Plot) {
	trX, _ := plt.Transforms(&c)
	for _, x := range r.X {
		px := trX(x)
		if !c.ContainsX(px) {
			continue
		}
		c.StrokeLine2(r.LineStyle, px, c.Min.Y, px, c.Min.Y+r.Length)
	}
}

// Thumbnail implements the plot.Thumbnailer interface.
func (r *Rug) Thumbnail(c *draw.Canvas) {
	x := c.Center().X
	c.StrokeLine2(r.LineStyle, x, c.Min.Y, x, c.Max.Y)
}
