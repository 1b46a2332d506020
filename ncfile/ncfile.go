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

// Package ncfile reads gridded variables from NetCDF files, the format in
// which the NA-CORDEX archive is distributed outside of the cloud Zarr
// stores.
package ncfile

import (
	"context"
	"fmt"
	"math"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
)

// BlockRecords is the maximum number of records along the first
// dimension in one preferred read block.
var BlockRecords = 365

// File is an open NetCDF file. Reads are serialized because the
// underlying reader is not safe for concurrent use.
type File struct {
	path string
	g    api.Group

	mu      sync.Mutex
	getters map[string]api.VarGetter

	// removeOnClose, if not empty, is deleted by Close.
	removeOnClose string
}

// Open opens the NetCDF (CDF or HDF5) file at path.
func Open(path string) (*File, error) {
	g, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ncfile: opening %s: %w", path, err)
	}
	return &File{path: path, g: g, getters: make(map[string]api.VarGetter)}, nil
}

// RemoveOnClose arranges for the given path, typically a temporary
// download directory, to be removed when the file is closed.
func (f *File) RemoveOnClose(path string) { f.removeOnClose = path }

// Close closes the file.
func (f *File) Close() error {
	f.g.Close()
	if f.removeOnClose != "" {
		return os.RemoveAll(f.removeOnClose)
	}
	return nil
}

// Variables returns the variable names in sorted order.
func (f *File) Variables() []string {
	v := f.g.ListVariables()
	sort.Strings(v)
	return v
}

func (f *File) getter(name string) (api.VarGetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vg, ok := f.getters[name]; ok {
		return vg, nil
	}
	vg, err := f.g.GetVarGetter(name)
	if err != nil {
		return nil, fmt.Errorf("ncfile: variable %q in %s: %w", name, f.path, err)
	}
	f.getters[name] = vg
	return vg, nil
}

// Dims returns the dimension names of a variable.
func (f *File) Dims(name string) ([]string, error) {
	vg, err := f.getter(name)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), vg.Dimensions()...), nil
}

// Shape returns the dimension lengths of a variable.
func (f *File) Shape(name string) ([]int, error) {
	vg, err := f.getter(name)
	if err != nil {
		return nil, err
	}
	dims := vg.Dimensions()
	if len(dims) == 0 {
		return []int{}, nil
	}
	o := make([]int, len(dims))
	o[0] = int(vg.Len())
	for i, d := range dims[1:] {
		n, ok := f.g.GetDimension(d)
		if !ok {
			return f.sampleShape(name, vg, o)
		}
		o[i+1] = int(n)
	}
	return o, nil
}

// sampleShape fills in the inner dimension lengths of o from the first
// record of vg, for files whose dimensions are not listed in the group.
func (f *File) sampleShape(name string, vg api.VarGetter, o []int) ([]int, error) {
	if o[0] == 0 {
		return nil, fmt.Errorf("ncfile: variable %s in %s: cannot determine the shape of an empty variable", name, f.path)
	}
	f.mu.Lock()
	v, err := vg.GetSlice(0, 1)
	f.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ncfile: variable %s in %s: %w", name, f.path, err)
	}
	rv := reflect.ValueOf(v)
	for i := 1; i < len(o); i++ {
		if rv.Kind() != reflect.Slice || rv.Len() == 0 {
			return nil, fmt.Errorf("ncfile: variable %s in %s: cannot determine the length of dimension %d", name, f.path, i)
		}
		rv = rv.Index(0)
		if k := rv.Kind(); k != reflect.Slice && k != reflect.String {
			return nil, fmt.Errorf("ncfile: variable %s in %s: cannot determine the length of dimension %d", name, f.path, i)
		}
		o[i] = rv.Len()
	}
	return o, nil
}

// Chunks returns the preferred read block of a variable: whole records,
// at most BlockRecords of them at a time.
func (f *File) Chunks(name string) ([]int, error) {
	s, err := f.Shape(name)
	if err != nil {
		return nil, err
	}
	if len(s) > 0 && s[0] > BlockRecords {
		s[0] = BlockRecords
	}
	for i, v := range s {
		if v == 0 {
			s[i] = 1
		}
	}
	return s, nil
}

// Attrs returns the attributes of a variable, or the global attributes
// if name is empty.
func (f *File) Attrs(name string) (map[string]interface{}, error) {
	var am api.AttributeMap
	if name == "" {
		am = f.g.Attributes()
	} else {
		vg, err := f.getter(name)
		if err != nil {
			return nil, err
		}
		am = vg.Attributes()
	}
	o := make(map[string]interface{})
	if am == nil {
		return o, nil
	}
	for _, k := range am.Keys() {
		v, _ := am.Get(k)
		o[k] = v
	}
	return o, nil
}

// ReadFloat64 reads the hyperslab [begin, end) of a numeric variable and
// returns it flattened in row-major order, with _FillValue and
// missing_value replaced by NaN and scale_factor and add_offset applied.
func (f *File) ReadFloat64(ctx context.Context, name string, begin, end []int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vg, err := f.getter(name)
	if err != nil {
		return nil, err
	}
	shape, _ := f.Shape(name)
	if len(begin) != len(shape) || len(end) != len(shape) {
		return nil, fmt.Errorf("ncfile: variable %s has %d dimensions; got begin %v end %v", name, len(shape), begin, end)
	}
	for i := range shape {
		if begin[i] < 0 || end[i] > shape[i] || begin[i] > end[i] {
			return nil, fmt.Errorf("ncfile: variable %s: selection [%v, %v) out of bounds for shape %v", name, begin, end, shape)
		}
	}
	size := 1
	for i := range shape {
		size *= end[i] - begin[i]
	}
	out := make([]float64, 0, size)
	if size == 0 {
		return out, nil
	}

	f.mu.Lock()
	var v interface{}
	if len(shape) == 0 {
		v, err = vg.Values()
	} else {
		v, err = vg.GetSlice(int64(begin[0]), int64(end[0]))
	}
	f.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ncfile: reading %s: %w", name, err)
	}
	if len(shape) == 0 {
		x, err := toFloat(reflect.ValueOf(v))
		if err != nil {
			return nil, fmt.Errorf("ncfile: reading %s: %w", name, err)
		}
		out = append(out, x)
	} else if out, err = flatten(reflect.ValueOf(v), 0, begin, end, out); err != nil {
		return nil, fmt.Errorf("ncfile: reading %s: %w", name, err)
	}

	attrs, err := f.Attrs(name)
	if err != nil {
		return nil, err
	}
	p := newPacking(attrs)
	for i, x := range out {
		out[i] = p.decode(x)
	}
	return out, nil
}

// flatten appends the elements of the nested slice v to out. The first
// dimension of v has already been selected; deeper dimensions are
// restricted to [begin[d], end[d]).
func flatten(v reflect.Value, d int, begin, end []int, out []float64) ([]float64, error) {
	if v.Kind() != reflect.Slice {
		x, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return append(out, x), nil
	}
	lo, hi := 0, v.Len()
	if d > 0 {
		lo, hi = begin[d], end[d]
		if hi > v.Len() {
			return nil, fmt.Errorf("dimension %d has length %d, want at least %d", d, v.Len(), hi)
		}
	}
	var err error
	for i := lo; i < hi; i++ {
		if out, err = flatten(v.Index(i), d+1, begin, end, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func toFloat(v reflect.Value) (float64, error) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), nil
	case reflect.Slice:
		if v.Len() == 1 {
			return toFloat(v.Index(0))
		}
	}
	return 0, fmt.Errorf("non-numeric value of type %s", v.Type())
}

// packing holds the CF attributes that convert stored values to
// physical values.
type packing struct {
	missing       []float64
	scale, offset float64
}

func newPacking(attrs map[string]interface{}) packing {
	p := packing{scale: 1}
	for _, k := range []string{"_FillValue", "missing_value"} {
		if v, ok := attrs[k]; ok {
			rv := reflect.ValueOf(v)
			if rv.Kind() == reflect.Slice {
				for i := 0; i < rv.Len(); i++ {
					if x, err := toFloat(rv.Index(i)); err == nil {
						p.missing = append(p.missing, x)
					}
				}
			} else if x, err := toFloat(rv); err == nil {
				p.missing = append(p.missing, x)
			}
		}
	}
	if v, ok := attrs["scale_factor"]; ok {
		if x, err := toFloat(reflect.ValueOf(v)); err == nil {
			p.scale = x
		}
	}
	if v, ok := attrs["add_offset"]; ok {
		if x, err := toFloat(reflect.ValueOf(v)); err == nil {
			p.offset = x
		}
	}
	return p
}

func (p packing) decode(v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	for _, m := range p.missing {
		if v == m {
			return math.NaN()
		}
	}
	return v*p.scale + p.offset
}

// ReadStrings reads a character variable as a list of strings.
func (f *File) ReadStrings(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vg, err := f.getter(name)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	v, err := vg.Values()
	f.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ncfile: reading %s: %w", name, err)
	}
	switch s := v.(type) {
	case []string:
		o := make([]string, len(s))
		for i, x := range s {
			o[i] = strings.TrimRight(x, "\x00")
		}
		return o, nil
	case string:
		return []string{strings.TrimRight(s, "\x00")}, nil
	default:
		return nil, fmt.Errorf("ncfile: variable %s is not a string variable (%T)", name, v)
	}
}
