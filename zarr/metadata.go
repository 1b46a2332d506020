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

// Package zarr reads and writes Zarr version 2 stores held in blob
// storage, as produced by xarray for the NA-CORDEX archive.
package zarr

import (
	"encoding/json"
	"fmt"
	"math"
)

// ArrayMeta represents the Zarr V2 .zarray metadata.
type ArrayMeta struct {
	Chunks             []int       `json:"chunks"`
	Compressor         *Codec      `json:"compressor"`
	DType              string      `json:"dtype"`
	FillValue          interface{} `json:"fill_value"`
	Filters            []Codec     `json:"filters"`
	Order              string      `json:"order"`
	Shape              []int       `json:"shape"`
	ZarrFormat         int         `json:"zarr_format"`
	DimensionSeparator string      `json:"dimension_separator,omitempty"`
}

// Codec represents a compressor or filter configuration. Only the fields
// used by the supported codecs are kept.
type Codec struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

// ConsolidatedMetadata is the content of a .zmetadata file, which holds
// the metadata of every array and group in a store under a single key.
type ConsolidatedMetadata struct {
	ZarrConsolidatedFormat int                        `json:"zarr_consolidated_format"`
	Metadata               map[string]json.RawMessage `json:"metadata"`
}

// fill returns the fill value as a float64. ok is false when the fill
// value is null.
func (m *ArrayMeta) fill() (v float64, ok bool, err error) {
	switch f := m.FillValue.(type) {
	case nil:
		return math.NaN(), false, nil
	case float64:
		return f, true, nil
	case string:
		switch f {
		case "NaN":
			return math.NaN(), true, nil
		case "Infinity":
			return math.Inf(1), true, nil
		case "-Infinity":
			return math.Inf(-1), true, nil
		case "":
			return math.NaN(), false, nil
		}
		return 0, false, fmt.Errorf("zarr: unsupported fill_value %q", f)
	case bool:
		if f {
			return 1, true, nil
		}
		return 0, true, nil
	default:
		return 0, false, fmt.Errorf("zarr: unsupported fill_value %v", f)
	}
}

// separator returns the chunk key separator.
func (m *ArrayMeta) separator() string {
	if m.DimensionSeparator == "" {
		return "."
	}
	return m.DimensionSeparator
}

// numChunks returns the number of chunks along each dimension.
func (m *ArrayMeta) numChunks() []int {
	n := make([]int, len(m.Shape))
	for i, s := range m.Shape {
		n[i] = (s + m.Chunks[i] - 1) / m.Chunks[i]
	}
	return n
}

// chunkLen returns the number of elements in one chunk.
func (m *ArrayMeta) chunkLen() int {
	n := 1
	for _, c := range m.Chunks {
		n *= c
	}
	return n
}

func (m *ArrayMeta) validate(name string) error {
	if m.ZarrFormat != 2 {
		return fmt.Errorf("zarr: array %s: unsupported zarr_format %d", name, m.ZarrFormat)
	}
	if len(m.Chunks) != len(m.Shape) {
		return fmt.Errorf("zarr: array %s: chunks %v do not match shape %v", name, m.Chunks, m.Shape)
	}
	for _, c := range m.Chunks {
		if c <= 0 {
			return fmt.Errorf("zarr: array %s: invalid chunks %v", name, m.Chunks)
		}
	}
	if m.Order != "" && m.Order != "C" {
		return fmt.Errorf("zarr: array %s: unsupported order %q", name, m.Order)
	}
	for _, f := range m.Filters {
		if f.ID != "vlen-utf8" {
			return fmt.Errorf("zarr: array %s: unsupported filter %q", name, f.ID)
		}
	}
	return nil
}
