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
)

// Window bounds the valid steps of a field: First and Last are the first
// and last steps on which every grid cell is finite.
type Window struct {
	First, Last int
}

// ScanValidity finds the validity window of f. The spatial minimum of each
// step is computed with NaN propagation, so a single missing cell
// invalidates its step. ErrNoValidData is returned if no step is valid.
func ScanValidity(ctx context.Context, f *Field) (Window, error) {
	mins, err := f.ReduceSpace(Min).Compute(ctx)
	if err != nil {
		return Window{}, err
	}
	w := Window{First: -1, Last: -1}
	for i, v := range mins {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if w.First < 0 {
			w.First = i
		}
		w.Last = i
	}
	if w.First < 0 {
		return Window{}, fmt.Errorf("%w: %s member %s", ErrNoValidData, f.Variable, f.Member)
	}
	return w, nil
}

// Truncate returns the steps of f whose calendar year is within numYears
// of the year of the first valid step, that is in [Y0, Y0+numYears-1].
func Truncate(ctx context.Context, f *Field, numYears int) (*Field, error) {
	if numYears < 1 {
		return nil, fmt.Errorf("%w: truncating to %d years", ErrInvalidArgument, numYears)
	}
	w, err := ScanValidity(ctx, f)
	if err != nil {
		return nil, err
	}
	y0 := f.Times[w.First].Year
	y1 := y0 + numYears - 1
	i0, i1 := -1, -1
	for i, t := range f.Times {
		if t.Year < y0 || t.Year > y1 {
			if i0 >= 0 && i1 < 0 {
				i1 = i
			}
			continue
		}
		if i1 >= 0 {
			return nil, fmt.Errorf("%w: time axis of %s is not ordered", ErrInvalidArgument, f.Variable)
		}
		if i0 < 0 {
			i0 = i
		}
	}
	if i1 < 0 {
		i1 = len(f.Times)
	}
	return f.Slice(i0, i1)
}

// MissingMask returns which steps are missing data, given the per-step
// spatial minimum: a step is missing if its minimum is NaN.
func MissingMask(mins []float64) []bool {
	o := make([]bool, len(mins))
	for i, v := range mins {
		o[i] = math.IsNaN(v)
	}
	return o
}

// anyTrue reports whether any element of mask is set.
func anyTrue(mask []bool) bool {
	for _, m := range mask {
		if m {
			return true
		}
	}
	return false
}
