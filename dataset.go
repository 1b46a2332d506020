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
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/nacordex/cftime"
	"github.com/spatialmodel/nacordex/cluster"
	"github.com/spatialmodel/nacordex/source"
	"github.com/spf13/cast"
)

// Names of the coordinate variables and dimensions of an NA-CORDEX
// dataset.
const (
	MemberDim = "member_id"
	TimeDim   = "time"
	LatVar    = "lat"
	LonVar    = "lon"
)

// Executor reads blocks of data, typically by distributing the reads
// across a cluster.
type Executor interface {
	Fetch(ctx context.Context, reqs []cluster.BlockRequest) ([][]float64, error)
}

// Dataset is an opened NA-CORDEX dataset: a set of gridded variables on a
// shared (member, time, lat, lon) grid.
type Dataset struct {
	// Key is the catalog key of the dataset.
	Key string

	// Location is where the dataset is stored.
	Location string

	// Members holds the ensemble member identifiers in storage order.
	Members []string

	Calendar  cftime.Calendar
	TimeUnits string
	Times     []cftime.Date
	Lat, Lon  []float64

	timeValues []float64
	hasMembers bool

	src  source.Source
	exec Executor
	log  logrus.FieldLogger
}

// OpenDataset opens the dataset at location. If exec is nil, data are read
// directly from storage.
func OpenDataset(ctx context.Context, key, location string, exec Executor, log logrus.FieldLogger) (*Dataset, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	src, err := source.OpenWithLog(ctx, location, log)
	if err != nil {
		return nil, fmt.Errorf("nacordex: opening dataset %s: %w", key, err)
	}
	ds, err := NewDataset(ctx, key, location, src, exec, log)
	if err != nil {
		src.Close()
		return nil, err
	}
	return ds, nil
}

// NewDataset creates a dataset from an opened source, reading its
// coordinate variables. The dataset takes ownership of src. Block reads go
// through exec, which must be able to open location, or directly to src
// if exec is nil.
func NewDataset(ctx context.Context, key, location string, src source.Source, exec Executor, log logrus.FieldLogger) (*Dataset, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ds := &Dataset{
		Key:      key,
		Location: location,
		src:      src,
		exec:     exec,
		log:      log.WithField("dataset", key),
	}
	vars := make(map[string]bool)
	for _, v := range src.Variables() {
		vars[v] = true
	}
	if !vars[TimeDim] {
		return nil, fmt.Errorf("nacordex: dataset %s has no %s coordinate", key, TimeDim)
	}
	if err := ds.readTime(ctx); err != nil {
		return nil, err
	}
	var err error
	if vars[LatVar] {
		if ds.Lat, err = ds.readCoord(ctx, LatVar); err != nil {
			return nil, err
		}
	}
	if vars[LonVar] {
		if ds.Lon, err = ds.readCoord(ctx, LonVar); err != nil {
			return nil, err
		}
	}
	if err := ds.readMembers(ctx, vars); err != nil {
		return nil, err
	}
	return ds, nil
}

func (ds *Dataset) readTime(ctx context.Context) error {
	attrs, err := ds.src.Attrs(TimeDim)
	if err != nil {
		return fmt.Errorf("nacordex: dataset %s: %w", ds.Key, err)
	}
	ds.TimeUnits = cast.ToString(attrs["units"])
	if ds.Calendar, err = cftime.ParseCalendar(cast.ToString(attrs["calendar"])); err != nil {
		return fmt.Errorf("nacordex: dataset %s: %w", ds.Key, err)
	}
	if ds.timeValues, err = ds.readCoord(ctx, TimeDim); err != nil {
		return err
	}
	if ds.Times, err = cftime.Decode(ds.timeValues, ds.TimeUnits, ds.Calendar); err != nil {
		return fmt.Errorf("nacordex: dataset %s: decoding time: %w", ds.Key, err)
	}
	return nil
}

func (ds *Dataset) readCoord(ctx context.Context, name string) ([]float64, error) {
	shape, err := ds.src.Shape(name)
	if err != nil {
		return nil, fmt.Errorf("nacordex: dataset %s: %w", ds.Key, err)
	}
	if len(shape) != 1 {
		return nil, fmt.Errorf("nacordex: dataset %s: coordinate %s has %d dimensions", ds.Key, name, len(shape))
	}
	v, err := ds.src.ReadFloat64(ctx, name, []int{0}, shape)
	if err != nil {
		return nil, fmt.Errorf("nacordex: dataset %s: reading %s: %w", ds.Key, name, err)
	}
	return v, nil
}

// readMembers sets the member identifiers. Datasets without a member
// coordinate but with a member dimension get numbered members; datasets
// without a member dimension hold a single member named after the key.
func (ds *Dataset) readMembers(ctx context.Context, vars map[string]bool) error {
	if vars[MemberDim] {
		m, err := ds.src.ReadStrings(ctx, MemberDim)
		if err != nil {
			return fmt.Errorf("nacordex: dataset %s: reading members: %w", ds.Key, err)
		}
		ds.Members = m
		ds.hasMembers = true
		return nil
	}
	for _, v := range ds.src.Variables() {
		dims, err := ds.src.Dims(v)
		if err != nil {
			return err
		}
		shape, err := ds.src.Shape(v)
		if err != nil {
			return err
		}
		for i, d := range dims {
			if d == MemberDim {
				for j := 0; j < shape[i]; j++ {
					ds.Members = append(ds.Members, strconv.Itoa(j))
				}
				ds.hasMembers = true
				return nil
			}
		}
	}
	ds.Members = []string{ds.Key}
	return nil
}

// Variables returns the names of the gridded data variables, excluding
// coordinates.
func (ds *Dataset) Variables() []string {
	var o []string
	for _, v := range ds.src.Variables() {
		dims, err := ds.src.Dims(v)
		if err != nil || len(dims) < 3 {
			continue
		}
		for _, d := range dims {
			if d == TimeDim {
				o = append(o, v)
				break
			}
		}
	}
	sort.Strings(o)
	return o
}

// Attrs returns the attributes of a variable, or of the dataset if
// variable is empty.
func (ds *Dataset) Attrs(variable string) (map[string]interface{}, error) {
	a, err := ds.src.Attrs(variable)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookup, err)
	}
	return a, nil
}

// FirstMembers returns the first n ensemble members.
func (ds *Dataset) FirstMembers(n int) ([]string, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: member count %d", ErrInvalidArgument, n)
	}
	if len(ds.Members) < n {
		return nil, fmt.Errorf("%w: dataset %s has %d members, %d requested", ErrInsufficientMembers, ds.Key, len(ds.Members), n)
	}
	return append([]string(nil), ds.Members[:n]...), nil
}

// Close releases the dataset's source.
func (ds *Dataset) Close() error {
	return ds.src.Close()
}

func (ds *Dataset) memberIndex(member string) (int, bool) {
	for i, m := range ds.Members {
		if m == member {
			return i, true
		}
	}
	return 0, false
}

// fetch reads blocks through the executor, or from the source directly if
// there is none.
func (ds *Dataset) fetch(ctx context.Context, reqs []cluster.BlockRequest) ([][]float64, error) {
	ds.log.WithField("blocks", len(reqs)).Debug("nacordex: fetching blocks")
	if ds.exec != nil {
		o, err := ds.exec.Fetch(ctx, reqs)
		if err != nil {
			return nil, fmt.Errorf("nacordex: dataset %s: %w", ds.Key, err)
		}
		return o, nil
	}
	o := make([][]float64, len(reqs))
	for i, r := range reqs {
		d, err := ds.src.ReadFloat64(ctx, r.Variable, r.Begin, r.End)
		if err != nil {
			return nil, fmt.Errorf("nacordex: dataset %s: %w", ds.Key, err)
		}
		o[i] = d
	}
	return o, nil
}

// SelectMember returns a lazy view of variable for one ensemble member.
// No data are read.
func SelectMember(ds *Dataset, variable, member string) (*Field, error) {
	mi, ok := ds.memberIndex(member)
	if !ok {
		return nil, fmt.Errorf("%w: member %q in dataset %s", ErrLookup, member, ds.Key)
	}
	dims, err := ds.src.Dims(variable)
	if err != nil {
		return nil, fmt.Errorf("%w: variable %q in dataset %s", ErrLookup, variable, ds.Key)
	}
	shape, err := ds.src.Shape(variable)
	if err != nil {
		return nil, fmt.Errorf("nacordex: %w", err)
	}
	chunks, err := ds.src.Chunks(variable)
	if err != nil {
		return nil, fmt.Errorf("nacordex: %w", err)
	}
	attrs, err := ds.src.Attrs(variable)
	if err != nil {
		return nil, fmt.Errorf("nacordex: %w", err)
	}

	f := &Field{
		Variable:   variable,
		Member:     member,
		Units:      cast.ToString(attrs["units"]),
		Calendar:   ds.Calendar,
		ds:         ds,
		shape:      shape,
		memberAxis: -1,
	}
	var rest []int
	for i, d := range dims {
		if d == MemberDim {
			f.memberAxis = i
			continue
		}
		rest = append(rest, i)
	}
	if len(rest) != 3 || dims[rest[0]] != TimeDim {
		return nil, fmt.Errorf("nacordex: variable %s has dimensions %v; want (%s, %s, y, x)", variable, dims, MemberDim, TimeDim)
	}
	if f.memberAxis < 0 && mi != 0 {
		return nil, fmt.Errorf("%w: variable %s has no %s dimension", ErrLookup, variable, MemberDim)
	}
	if f.memberAxis >= 0 && mi >= shape[f.memberAxis] {
		return nil, fmt.Errorf("%w: member %q is outside variable %s", ErrLookup, member, variable)
	}
	f.member = mi
	f.timeAxis, f.yAxis, f.xAxis = rest[0], rest[1], rest[2]
	if shape[f.timeAxis] != len(ds.Times) {
		return nil, fmt.Errorf("nacordex: variable %s has %d time steps; the time coordinate has %d",
			variable, shape[f.timeAxis], len(ds.Times))
	}
	f.timeChunk = chunks[f.timeAxis]
	if f.timeChunk <= 0 {
		f.timeChunk = shape[f.timeAxis]
	}
	f.t1 = shape[f.timeAxis]
	f.Times = ds.Times
	f.Lat = coord(ds.Lat, shape[f.yAxis])
	f.Lon = coord(ds.Lon, shape[f.xAxis])
	return f, nil
}

// coord returns c if it has length n, and the cell indices otherwise.
func coord(c []float64, n int) []float64 {
	if len(c) == n {
		return c
	}
	o := make([]float64, n)
	for i := range o {
		o[i] = float64(i)
	}
	return o
}
