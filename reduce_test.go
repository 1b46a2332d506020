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
	"reflect"
	"testing"
)

func TestStatOf(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		x    []float64
		want [4]float64
	}{
		{x: []float64{2.5, 2.5, 2.5, 2.5}, want: [4]float64{2.5, 2.5, 2.5, 0}},
		{x: []float64{1, 3}, want: [4]float64{1, 3, 2, 1}},
		{x: []float64{-1, 0, 4, 1}, want: [4]float64{-1, 4, 1, math.Sqrt(3.5)}},
		{x: []float64{1, nan, 3}, want: [4]float64{nan, nan, nan, nan}},
		{x: nil, want: [4]float64{nan, nan, nan, nan}},
	}
	for _, test := range tests {
		for i, s := range Stats {
			got := s.Of(test.x)
			want := test.want[i]
			if math.IsNaN(want) {
				if !math.IsNaN(got) {
					t.Errorf("%s(%v) = %g, want NaN", s, test.x, got)
				}
				continue
			}
			if math.Abs(got-want) > 1e-12 {
				t.Errorf("%s(%v) = %g, want %g", s, test.x, got, want)
			}
		}
	}
}

func TestStatString(t *testing.T) {
	var names []string
	for _, s := range Stats {
		names = append(names, s.String())
	}
	if want := []string{"min", "max", "mean", "std"}; !reflect.DeepEqual(names, want) {
		t.Errorf("%v != %v", names, want)
	}
}

func TestConstantField(t *testing.T) {
	const v = 2.5
	ds, _ := testDataset(t, 1, dailySteps(6), 3, 2, func(m, t, y, x int) float64 { return v })
	f, err := SelectMember(ds, "tas", "m0")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	s, err := f.SpaceStats().Compute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < f.Len(); i++ {
		if s.Min[i] != v || s.Max[i] != v || s.Mean[i] != v || s.Std[i] != 0 {
			t.Errorf("step %d: min %g max %g mean %g std %g", i, s.Min[i], s.Max[i], s.Mean[i], s.Std[i])
		}
	}
	maps, err := f.TimeStats().Compute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{v, v, v, 0}
	for i, m := range maps {
		if c, r := m.Dims(); c != 2 || r != 3 {
			t.Errorf("%s map dims %dx%d", Stats[i], c, r)
		}
		for j, x := range m.Values {
			if x != want[i] {
				t.Errorf("%s cell %d: %g != %g", Stats[i], j, x, want[i])
			}
		}
	}

	fig, err := RenderStatMaps(ctx, ds, "tas", []string{"m0"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for j, p := range fig.Panels[0] {
		w := []string{fmt.Sprintf("Min: %.3g", want[j]), fmt.Sprintf("Max: %.3g", want[j])}
		if !reflect.DeepEqual(p.Annotations, w) {
			t.Errorf("%s panel: annotations %q, want %q", Stats[j], p.Annotations, w)
		}
	}
}

func TestReduceTime(t *testing.T) {
	nan := math.NaN()
	value := func(m, t, y, x int) float64 {
		if y == 1 && x == 1 && t == 2 {
			return nan
		}
		return float64(t * (y + 1))
	}
	ds, _ := testDataset(t, 1, dailySteps(5), 2, 2, value)
	f, err := SelectMember(ds, "tas", "m0")
	if err != nil {
		t.Fatal(err)
	}
	m, err := f.ReduceTime(Max).Compute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if m.Z(0, 0) != 4 || m.Z(1, 0) != 4 || m.Z(0, 1) != 8 || !math.IsNaN(m.Z(1, 1)) {
		t.Errorf("max map: %v", m.Values)
	}
	if m.X(1) != -119 || m.Y(1) != 31 {
		t.Errorf("coordinates: %g, %g", m.X(1), m.Y(1))
	}
}

func TestDeferred(t *testing.T) {
	ds, src := testDataset(t, 1, dailySteps(9), 2, 2, func(m, t, y, x int) float64 { return float64(t) })
	f, err := SelectMember(ds, "tas", "m0")
	if err != nil {
		t.Fatal(err)
	}
	before := reads(src)
	d := f.ReduceSpace(Mean)
	if reads(src) != before {
		t.Fatal("building a deferred reduction read data")
	}
	got, err := d.Compute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8}; !reflect.DeepEqual(got, want) {
		t.Errorf("%v != %v", got, want)
	}
	// One read per storage chunk of 3 steps.
	if n := reads(src) - before; n != 3 {
		t.Errorf("%d reads", n)
	}

	p, err := f.Persist(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	before = reads(src)
	if _, err := p.ReduceSpace(Max).Compute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if reads(src) != before {
		t.Error("reducing a persisted field read data")
	}
}
