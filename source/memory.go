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

package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory Source, mainly for testing.
type Memory struct {
	mu    sync.Mutex
	vars  map[string]*MemVar
	attrs map[string]interface{}

	// Reads counts calls to ReadFloat64.
	Reads int
}

// MemVar is a variable held by a Memory source. Exactly one of Data and
// Strings is set.
type MemVar struct {
	Dims    []string
	Shape   []int
	Chunks  []int
	Data    []float64
	Strings []string
	Attrs   map[string]interface{}
}

// NewMemory returns an empty in-memory source.
func NewMemory() *Memory {
	return &Memory{vars: make(map[string]*MemVar), attrs: make(map[string]interface{})}
}

// Add adds a variable. Chunks defaults to Shape.
func (m *Memory) Add(name string, v *MemVar) error {
	n := 1
	for _, s := range v.Shape {
		n *= s
	}
	if len(v.Dims) != len(v.Shape) {
		return fmt.Errorf("source: variable %s: %d dims for shape %v", name, len(v.Dims), v.Shape)
	}
	if v.Strings == nil && len(v.Data) != n {
		return fmt.Errorf("source: variable %s: %d values for shape %v", name, len(v.Data), v.Shape)
	}
	if v.Chunks == nil {
		v.Chunks = append([]int(nil), v.Shape...)
	}
	m.mu.Lock()
	m.vars[name] = v
	m.mu.Unlock()
	return nil
}

// SetAttr sets a source-level attribute.
func (m *Memory) SetAttr(k string, v interface{}) {
	m.mu.Lock()
	m.attrs[k] = v
	m.mu.Unlock()
}

func (m *Memory) get(name string) (*MemVar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vars[name]
	if !ok {
		return nil, fmt.Errorf("source: no variable %q", name)
	}
	return v, nil
}

func (m *Memory) Variables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := make([]string, 0, len(m.vars))
	for k := range m.vars {
		o = append(o, k)
	}
	sort.Strings(o)
	return o
}

func (m *Memory) Dims(name string) ([]string, error) {
	v, err := m.get(name)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), v.Dims...), nil
}

func (m *Memory) Shape(name string) ([]int, error) {
	v, err := m.get(name)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), v.Shape...), nil
}

func (m *Memory) Chunks(name string) ([]int, error) {
	v, err := m.get(name)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), v.Chunks...), nil
}

func (m *Memory) Attrs(name string) (map[string]interface{}, error) {
	src := m.attrs
	if name != "" {
		v, err := m.get(name)
		if err != nil {
			return nil, err
		}
		src = v.Attrs
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o := make(map[string]interface{}, len(src))
	for k, v := range src {
		o[k] = v
	}
	return o, nil
}

func (m *Memory) ReadFloat64(ctx context.Context, name string, begin, end []int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := m.get(name)
	if err != nil {
		return nil, err
	}
	if v.Strings != nil {
		return nil, fmt.Errorf("source: variable %s is not numeric", name)
	}
	m.mu.Lock()
	m.Reads++
	m.mu.Unlock()
	return Slice(v.Data, v.Shape, begin, end)
}

func (m *Memory) ReadStrings(ctx context.Context, name string) ([]string, error) {
	v, err := m.get(name)
	if err != nil {
		return nil, err
	}
	if v.Strings == nil {
		return nil, fmt.Errorf("source: variable %s is not a string variable", name)
	}
	return append([]string(nil), v.Strings...), nil
}

func (m *Memory) Close() error { return nil }

// Slice extracts the hyperslab [begin, end) from the row-major array
// data with the given shape.
func Slice(data []float64, shape, begin, end []int) ([]float64, error) {
	nd := len(shape)
	if len(begin) != nd || len(end) != nd {
		return nil, fmt.Errorf("source: %d-dimensional selection [%v, %v) for shape %v", nd, begin, end, shape)
	}
	size := 1
	for i := 0; i < nd; i++ {
		if begin[i] < 0 || end[i] > shape[i] || begin[i] > end[i] {
			return nil, fmt.Errorf("source: selection [%v, %v) out of bounds for shape %v", begin, end, shape)
		}
		size *= end[i] - begin[i]
	}
	out := make([]float64, 0, size)
	if size == 0 {
		return out, nil
	}
	if nd == 0 {
		return append(out, data[0]), nil
	}
	stride := make([]int, nd)
	n := 1
	for i := nd - 1; i >= 0; i-- {
		stride[i] = n
		n *= shape[i]
	}
	idx := append([]int(nil), begin...)
	for {
		off := 0
		for d := 0; d < nd-1; d++ {
			off += idx[d] * stride[d]
		}
		out = append(out, data[off+begin[nd-1]:off+end[nd-1]]...)
		d := nd - 2
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < end[d] {
				break
			}
			idx[d] = begin[d]
		}
		if d < 0 {
			return out, nil
		}
	}
}
