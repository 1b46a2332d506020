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
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/nacordex/cluster"
	"github.com/spatialmodel/nacordex/source"
)

const testLocation = "mem://nacordex_test/tas.zarr"

// testDataset creates a dataset with nm members m0, m1, ... and a "tas"
// variable on an ny by nx grid at the given times, in days since
// 2000-01-01 in the noleap calendar. Storage chunks hold 3 time steps.
func testDataset(t *testing.T, nm int, days []float64, ny, nx int, value func(m, t, y, x int) float64) (*Dataset, *source.Memory) {
	t.Helper()
	src := testSource(t, nm, days, ny, nx, value)
	ds, err := NewDataset(context.Background(), "test.key", testLocation, src, nil, logrus.StandardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return ds, src
}

func testSource(t *testing.T, nm int, days []float64, ny, nx int, value func(m, t, y, x int) float64) *source.Memory {
	t.Helper()
	src := source.NewMemory()
	nt := len(days)
	members := make([]string, nm)
	for i := range members {
		members[i] = fmt.Sprintf("m%d", i)
	}
	data := make([]float64, 0, nm*nt*ny*nx)
	for m := 0; m < nm; m++ {
		for ti := 0; ti < nt; ti++ {
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					data = append(data, value(m, ti, y, x))
				}
			}
		}
	}
	lat := make([]float64, ny)
	for i := range lat {
		lat[i] = 30 + float64(i)
	}
	lon := make([]float64, nx)
	for i := range lon {
		lon[i] = -120 + float64(i)
	}
	vars := map[string]*source.MemVar{
		MemberDim: {Dims: []string{MemberDim}, Shape: []int{nm}, Strings: members},
		TimeDim: {Dims: []string{TimeDim}, Shape: []int{nt}, Data: days,
			Attrs: map[string]interface{}{"units": "days since 2000-01-01", "calendar": "noleap"}},
		LatVar: {Dims: []string{LatVar}, Shape: []int{ny}, Data: lat},
		LonVar: {Dims: []string{LonVar}, Shape: []int{nx}, Data: lon},
		"tas": {
			Dims:   []string{MemberDim, TimeDim, LatVar, LonVar},
			Shape:  []int{nm, nt, ny, nx},
			Chunks: []int{1, 3, ny, nx},
			Data:   data,
			Attrs:  map[string]interface{}{"units": "K", "long_name": "air temperature"},
		},
	}
	for name, v := range vars {
		if err := src.Add(name, v); err != nil {
			t.Fatal(err)
		}
	}
	return src
}

// dailySteps returns n consecutive days starting at 2000-01-01.
func dailySteps(n int) []float64 {
	o := make([]float64, n)
	for i := range o {
		o[i] = float64(i)
	}
	return o
}

func reads(m *source.Memory) int {
	return m.Reads
}

func TestNewDataset(t *testing.T) {
	ds, _ := testDataset(t, 2, dailySteps(4), 2, 3, func(m, t, y, x int) float64 { return 0 })
	if want := []string{"m0", "m1"}; !reflect.DeepEqual(ds.Members, want) {
		t.Errorf("members: %v != %v", ds.Members, want)
	}
	if len(ds.Times) != 4 || ds.Times[3].Day != 4 {
		t.Errorf("times: %v", ds.Times)
	}
	if want := []string{"tas"}; !reflect.DeepEqual(ds.Variables(), want) {
		t.Errorf("variables: %v != %v", ds.Variables(), want)
	}
	if want := []float64{30, 31}; !reflect.DeepEqual(ds.Lat, want) {
		t.Errorf("lat: %v != %v", ds.Lat, want)
	}
}

func TestSelectMember(t *testing.T) {
	ds, src := testDataset(t, 2, dailySteps(4), 2, 3, func(m, t, y, x int) float64 { return 0 })
	before := reads(src)
	f, err := SelectMember(ds, "tas", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if reads(src) != before {
		t.Errorf("selecting a member read data")
	}
	if f.Len() != 4 || f.Ny() != 2 || f.Nx() != 3 || f.Units != "K" {
		t.Errorf("field: len %d, %dx%d, units %q", f.Len(), f.Ny(), f.Nx(), f.Units)
	}
	for _, test := range []struct{ variable, member string }{
		{"tas", "m7"},
		{"pr", "m0"},
	} {
		if _, err := SelectMember(ds, test.variable, test.member); !errors.Is(err, ErrLookup) {
			t.Errorf("%s/%s: want ErrLookup, got %v", test.variable, test.member, err)
		}
	}
}

func TestFirstMembers(t *testing.T) {
	ds, _ := testDataset(t, 4, dailySteps(2), 1, 1, func(m, t, y, x int) float64 { return 0 })
	m, err := ds.FirstMembers(2)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"m0", "m1"}; !reflect.DeepEqual(m, want) {
		t.Errorf("%v != %v", m, want)
	}
	if _, err := ds.FirstMembers(5); !errors.Is(err, ErrInsufficientMembers) {
		t.Errorf("want ErrInsufficientMembers, got %v", err)
	}
	if _, err := ds.FirstMembers(0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("want ErrInvalidArgument, got %v", err)
	}
}

func TestFieldValues(t *testing.T) {
	value := func(m, t, y, x int) float64 { return float64(1000*m + 100*t + 10*y + x) }
	ds, _ := testDataset(t, 2, dailySteps(7), 2, 2, value)
	f, err := SelectMember(ds, "tas", "m1")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	var want []float64
	for ti := 0; ti < 7; ti++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 2; x++ {
				want = append(want, value(1, ti, y, x))
			}
		}
	}
	got, err := f.Values(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("values: %v != %v", got, want)
	}

	s, err := f.Slice(2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if want := [][2]int{{2, 3}, {3, 5}}; !reflect.DeepEqual(s.blocks(), want) {
		t.Errorf("blocks: %v != %v", s.blocks(), want)
	}
	p, err := s.Persist(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Persisted() || s.Persisted() {
		t.Errorf("persisted: %v %v", p.Persisted(), s.Persisted())
	}
	step, err := p.Step(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if want := want[3*4 : 4*4]; !reflect.DeepEqual(step, want) {
		t.Errorf("step: %v != %v", step, want)
	}
	if _, err := p.Step(ctx, 3); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("want ErrInvalidArgument, got %v", err)
	}
	if _, err := f.Slice(5, 2); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("want ErrInvalidArgument, got %v", err)
	}
}

func TestExecutor(t *testing.T) {
	value := func(m, t, y, x int) float64 { return float64(m + t + y + x) }
	src := testSource(t, 2, dailySteps(8), 2, 2, value)
	opens := 0
	open := func(ctx context.Context, location string) (source.Source, error) {
		if location != testLocation {
			return nil, fmt.Errorf("unexpected location %s", location)
		}
		opens++
		return src, nil
	}
	c := cluster.NewLocal(3, open, logrus.StandardLogger())
	defer c.Close(context.Background())

	ctx := context.Background()
	ds, err := NewDataset(ctx, "test.key", testLocation, src, c, logrus.StandardLogger())
	if err != nil {
		t.Fatal(err)
	}
	f, err := SelectMember(ds, "tas", "m1")
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.ReduceSpace(Max).Compute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]float64, 8)
	for i := range want {
		want[i] = value(1, i, 1, 1)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%v != %v", got, want)
	}
	if opens != 1 {
		t.Errorf("opened %d times", opens)
	}
}

func TestWriteZarr(t *testing.T) {
	value := func(m, t, y, x int) float64 {
		if t == 1 && y == 0 {
			return math.NaN()
		}
		return float64(m*100 + t*10 + y*2 + x)
	}
	ds, _ := testDataset(t, 2, dailySteps(5), 2, 2, value)
	f, err := SelectMember(ds, "tas", "m1")
	if err != nil {
		t.Fatal(err)
	}
	f, err = f.Slice(1, 4)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	const location = "mem://nacordex_test/subset.zarr"
	if err := WriteZarr(ctx, f, location); err != nil {
		t.Fatal(err)
	}
	out, err := OpenDataset(ctx, "subset", location, nil, logrus.StandardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	if want := []string{"subset"}; !reflect.DeepEqual(out.Members, want) {
		t.Errorf("members: %v != %v", out.Members, want)
	}
	if !reflect.DeepEqual(out.Times, f.Times) {
		t.Errorf("times: %v != %v", out.Times, f.Times)
	}
	g, err := SelectMember(out, "tas", "subset")
	if err != nil {
		t.Fatal(err)
	}
	if g.Units != "K" {
		t.Errorf("units: %q", g.Units)
	}
	want, err := f.Values(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got, err := g.Values(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("%d values, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] && !(math.IsNaN(got[i]) && math.IsNaN(want[i])) {
			t.Errorf("value %d: %g != %g", i, got[i], want[i])
		}
	}
}
