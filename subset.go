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

	"github.com/spatialmodel/nacordex/zarr"
)

// WriteZarr saves f, with its time and grid coordinates, as a Zarr store
// at location. The variable keeps its storage chunking along time.
func WriteZarr(ctx context.Context, f *Field, location string) error {
	data, err := f.Values(ctx)
	if err != nil {
		return err
	}
	w, err := zarr.Create(ctx, location)
	if err != nil {
		return err
	}
	nt, ny, nx := f.Len(), f.Ny(), f.Nx()
	chunk := min(f.timeChunk, max(nt, 1))

	attrs := map[string]interface{}{}
	if src, err := f.ds.Attrs(f.Variable); err == nil {
		for _, k := range []string{"units", "long_name", "standard_name"} {
			if v, ok := src[k]; ok {
				attrs[k] = v
			}
		}
	}
	timeAttrs := map[string]interface{}{
		"units":    f.ds.TimeUnits,
		"calendar": f.Calendar.String(),
	}
	arrays := []struct {
		name   string
		dims   []string
		shape  []int
		chunks []int
		data   []float64
		attrs  map[string]interface{}
	}{
		{TimeDim, []string{TimeDim}, []int{nt}, []int{chunk}, f.ds.timeValues[f.t0:f.t1], timeAttrs},
		{LatVar, []string{LatVar}, []int{ny}, []int{ny}, f.Lat, map[string]interface{}{"units": "degrees_north"}},
		{LonVar, []string{LonVar}, []int{nx}, []int{nx}, f.Lon, map[string]interface{}{"units": "degrees_east"}},
		{f.Variable, []string{TimeDim, LatVar, LonVar}, []int{nt, ny, nx}, []int{chunk, ny, nx}, data, attrs},
	}
	for _, a := range arrays {
		if err := w.WriteFloat64(ctx, a.name, a.dims, a.shape, a.chunks, a.data, a.attrs); err != nil {
			w.Close(ctx)
			return fmt.Errorf("nacordex: saving %s: %w", location, err)
		}
	}
	w.SetAttr("dataset", f.ds.Key)
	w.SetAttr("member_id", f.Member)
	if err := w.Close(ctx); err != nil {
		return fmt.Errorf("nacordex: saving %s: %w", location, err)
	}
	return nil
}
