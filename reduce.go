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
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stat is a summary statistic. Every Stat propagates NaN: the statistic
// of a sample holding a NaN is NaN.
type Stat int

// These are the statistics.
const (
	Min Stat = iota
	Max
	Mean
	Std
)

// Stats lists the statistics in display order.
var Stats = []Stat{Min, Max, Mean, Std}

func (s Stat) String() string {
	switch s {
	case Min:
		return "min"
	case Max:
		return "max"
	case Mean:
		return "mean"
	case Std:
		return "std"
	default:
		return fmt.Sprintf("Stat(%d)", int(s))
	}
}

// Of returns the statistic of x. Std is the population standard
// deviation. The statistic of an empty sample is NaN.
func (s Stat) Of(x []float64) float64 {
	if len(x) == 0 || floats.HasNaN(x) {
		return math.NaN()
	}
	switch s {
	case Min:
		return floats.Min(x)
	case Max:
		return floats.Max(x)
	case Mean:
		return stat.Mean(x, nil)
	case Std:
		_, std := stat.PopMeanStdDev(x, nil)
		return std
	default:
		panic(fmt.Errorf("nacordex: unknown statistic %d", int(s)))
	}
}

// Map is a (lat, lon) grid of values in row-major order. It implements
// gonum.org/v1/plot/plotter.GridXYZ.
type Map struct {
	Lat, Lon []float64
	Values   []float64
}

// Dims returns the number of columns and rows.
func (m *Map) Dims() (c, r int) { return len(m.Lon), len(m.Lat) }

// Z returns the value of column c and row r.
func (m *Map) Z(c, r int) float64 { return m.Values[r*len(m.Lon)+c] }

// X returns the longitude of column c.
func (m *Map) X(c int) float64 { return m.Lon[c] }

// Y returns the latitude of row r.
func (m *Map) Y(r int) float64 { return m.Lat[r] }

// Series holds per-step spatial statistics of a field.
type Series struct {
	Min, Max, Mean, Std []float64
}

// Get returns the series of statistic s.
func (s *Series) Get(st Stat) []float64 {
	switch st {
	case Min:
		return s.Min
	case Max:
		return s.Max
	case Mean:
		return s.Mean
	default:
		return s.Std
	}
}

// ReduceSpace returns the deferred per-step spatial statistic of f.
// Computing it streams f one block at a time.
func (f *Field) ReduceSpace(s Stat) Deferred[[]float64] {
	return Defer(func(ctx context.Context) ([]float64, error) {
		o := make([]float64, f.Len())
		err := f.Steps(ctx, func(i int, v []float64) error {
			o[i] = s.Of(v)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return o, nil
	})
}

// SpaceStats returns the deferred per-step spatial minimum, maximum, mean
// and standard deviation of f, computed in one pass.
func (f *Field) SpaceStats() Deferred[*Series] {
	return Defer(func(ctx context.Context) (*Series, error) {
		n := f.Len()
		o := &Series{
			Min:  make([]float64, n),
			Max:  make([]float64, n),
			Mean: make([]float64, n),
			Std:  make([]float64, n),
		}
		err := f.Steps(ctx, func(i int, v []float64) error {
			o.Min[i] = Min.Of(v)
			o.Max[i] = Max.Of(v)
			o.Mean[i] = Mean.Of(v)
			o.Std[i] = Std.Of(v)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return o, nil
	})
}

// ReduceTime returns the deferred per-cell temporal statistic of f.
func (f *Field) ReduceTime(s Stat) Deferred[*Map] {
	return Defer(func(ctx context.Context) (*Map, error) {
		maps, err := f.timeStats(ctx, []Stat{s})
		if err != nil {
			return nil, err
		}
		return maps[0], nil
	})
}

// TimeStats returns the deferred per-cell temporal statistics of f in
// the order of Stats.
func (f *Field) TimeStats() Deferred[[]*Map] {
	return Defer(func(ctx context.Context) ([]*Map, error) {
		return f.timeStats(ctx, Stats)
	})
}

func (f *Field) timeStats(ctx context.Context, stats []Stat) ([]*Map, error) {
	data, err := f.Values(ctx)
	if err != nil {
		return nil, err
	}
	nt, nc := f.Len(), f.cells()
	o := make([]*Map, len(stats))
	for i := range o {
		o[i] = f.Map(make([]float64, nc))
	}
	col := make([]float64, nt)
	for c := 0; c < nc; c++ {
		for t := range col {
			col[t] = data[t*nc+c]
		}
		for i, s := range stats {
			o[i].Values[c] = s.Of(col)
		}
	}
	return o, nil
}

// finiteRange returns the extent of the finite values in x.
func finiteRange(x []float64) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo, hi = math.Min(lo, v), math.Max(hi, v)
		ok = true
	}
	return lo, hi, ok
}
