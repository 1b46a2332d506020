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

	"github.com/spatialmodel/nacordex/cftime"
	"github.com/spatialmodel/nacordex/cluster"
)

// fetchBatch is the maximum number of blocks requested from the executor
// at once while streaming a field.
const fetchBatch = 16

// Field is a (time, lat, lon) view of one variable for one ensemble
// member. Until it is persisted, a Field holds only a reference into its
// dataset and a range of time steps; data are read on demand.
type Field struct {
	Variable string
	Member   string
	Units    string

	// Times holds the time coordinate of each step of the field.
	Times    []cftime.Date
	Calendar cftime.Calendar
	Lat, Lon []float64

	ds                     *Dataset
	shape                  []int
	memberAxis, member     int
	timeAxis, yAxis, xAxis int
	timeChunk              int

	// t0 and t1 bound the field's steps on the dataset time axis.
	t0, t1 int

	// data holds the (time, lat, lon) values of persisted fields.
	data []float64
}

// Len returns the number of time steps.
func (f *Field) Len() int { return f.t1 - f.t0 }

// Ny returns the number of grid rows.
func (f *Field) Ny() int { return len(f.Lat) }

// Nx returns the number of grid columns.
func (f *Field) Nx() int { return len(f.Lon) }

func (f *Field) cells() int { return f.Ny() * f.Nx() }

// Persisted reports whether the field's data are held in memory.
func (f *Field) Persisted() bool { return f.data != nil }

// Slice returns a view of steps [i0, i1) of f.
func (f *Field) Slice(i0, i1 int) (*Field, error) {
	if i0 < 0 || i1 > f.Len() || i0 > i1 {
		return nil, fmt.Errorf("%w: steps [%d, %d) of a %d-step field", ErrInvalidArgument, i0, i1, f.Len())
	}
	o := *f
	o.t0, o.t1 = f.t0+i0, f.t0+i1
	o.Times = f.Times[i0:i1]
	if f.data != nil {
		n := f.cells()
		o.data = f.data[i0*n : i1*n]
	}
	return &o, nil
}

// request returns the block request for dataset steps [t0, t1).
func (f *Field) request(t0, t1 int) cluster.BlockRequest {
	r := cluster.BlockRequest{
		Location: f.ds.Location,
		Variable: f.Variable,
		Begin:    make([]int, len(f.shape)),
		End:      append([]int(nil), f.shape...),
	}
	if f.memberAxis >= 0 {
		r.Begin[f.memberAxis] = f.member
		r.End[f.memberAxis] = f.member + 1
	}
	r.Begin[f.timeAxis], r.End[f.timeAxis] = t0, t1
	return r
}

// blocks splits the field's steps at storage chunk boundaries.
func (f *Field) blocks() [][2]int {
	var o [][2]int
	for t := f.t0; t < f.t1; {
		end := (t/f.timeChunk + 1) * f.timeChunk
		if end > f.t1 {
			end = f.t1
		}
		o = append(o, [2]int{t, end})
		t = end
	}
	return o
}

// Blocks calls fn for each contiguous block of steps in order, where i0 is
// the index of the first step of the block within f and values holds the
// block's data in (time, lat, lon) order. Unpersisted fields are read one
// storage chunk per block.
func (f *Field) Blocks(ctx context.Context, fn func(i0 int, values []float64) error) error {
	if f.data != nil {
		return fn(0, f.data)
	}
	blocks := f.blocks()
	for b := 0; b < len(blocks); b += fetchBatch {
		batch := blocks[b:min(b+fetchBatch, len(blocks))]
		reqs := make([]cluster.BlockRequest, len(batch))
		for i, bl := range batch {
			reqs[i] = f.request(bl[0], bl[1])
		}
		data, err := f.ds.fetch(ctx, reqs)
		if err != nil {
			return err
		}
		for i, bl := range batch {
			if len(data[i]) != (bl[1]-bl[0])*f.cells() {
				return fmt.Errorf("nacordex: %s: block has %d values, want %d", f.Variable, len(data[i]), (bl[1]-bl[0])*f.cells())
			}
			if err := fn(bl[0]-f.t0, data[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Steps calls fn for each time step in order with the step's
// (lat, lon) values.
func (f *Field) Steps(ctx context.Context, fn func(i int, values []float64) error) error {
	n := f.cells()
	return f.Blocks(ctx, func(i0 int, values []float64) error {
		for j := 0; j*n < len(values); j++ {
			if err := fn(i0+j, values[j*n:(j+1)*n]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Values returns all of the field's data in (time, lat, lon) order.
func (f *Field) Values(ctx context.Context) ([]float64, error) {
	if f.data != nil {
		return f.data, nil
	}
	o := make([]float64, 0, f.Len()*f.cells())
	err := f.Blocks(ctx, func(_ int, values []float64) error {
		o = append(o, values...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Persist reads the field into memory and returns the in-memory copy.
// Persisting a persisted field returns it unchanged.
func (f *Field) Persist(ctx context.Context) (*Field, error) {
	if f.data != nil {
		return f, nil
	}
	d, err := f.Values(ctx)
	if err != nil {
		return nil, err
	}
	o := *f
	o.data = d
	return &o, nil
}

// Step returns the (lat, lon) values of step i.
func (f *Field) Step(ctx context.Context, i int) ([]float64, error) {
	if i < 0 || i >= f.Len() {
		return nil, fmt.Errorf("%w: step %d of a %d-step field", ErrInvalidArgument, i, f.Len())
	}
	s, err := f.Slice(i, i+1)
	if err != nil {
		return nil, err
	}
	return s.Values(ctx)
}

// Map returns the (lat, lon) values as a map on the field's grid.
func (f *Field) Map(values []float64) *Map {
	return &Map{Lat: f.Lat, Lon: f.Lon, Values: values}
}

// DecimalYears returns the time coordinate as fractional years.
func (f *Field) DecimalYears() []float64 {
	o := make([]float64, len(f.Times))
	for i, t := range f.Times {
		o[i] = f.Calendar.DecimalYear(t)
	}
	return o
}
