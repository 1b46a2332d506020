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

package zarr

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// dtype is a parsed numpy-style data type string such as "<f4" or "|S8".
type dtype struct {
	kind  byte // b, i, u, f, U, S or O
	size  int
	order binary.ByteOrder
}

// parseDType parses a Zarr dtype string.
// See https://zarr.readthedocs.io/en/stable/spec/v2.html#data-type-encoding
func parseDType(s string) (dtype, error) {
	if len(s) < 2 {
		return dtype{}, fmt.Errorf("zarr: invalid dtype: %s", s)
	}
	dt := dtype{kind: s[1]}
	switch s[0] {
	case '<', '|':
		dt.order = binary.LittleEndian
	case '>':
		dt.order = binary.BigEndian
	default:
		return dtype{}, fmt.Errorf("zarr: invalid byte order in dtype: %s", s)
	}
	if dt.kind == 'O' {
		return dt, nil
	}
	size, err := strconv.Atoi(s[2:])
	if err != nil {
		return dtype{}, fmt.Errorf("zarr: invalid dtype: %s", s)
	}
	dt.size = size
	switch dt.kind {
	case 'b':
		if size != 1 {
			return dtype{}, fmt.Errorf("zarr: unsupported dtype: %s", s)
		}
	case 'i', 'u':
		if size != 1 && size != 2 && size != 4 && size != 8 {
			return dtype{}, fmt.Errorf("zarr: unsupported dtype: %s", s)
		}
	case 'f':
		if size != 4 && size != 8 {
			return dtype{}, fmt.Errorf("zarr: unsupported dtype: %s", s)
		}
	case 'S':
	case 'U':
		dt.size = 4 * size
	default:
		return dtype{}, fmt.Errorf("zarr: unsupported dtype: %s", s)
	}
	return dt, nil
}

func (dt dtype) numeric() bool {
	switch dt.kind {
	case 'b', 'i', 'u', 'f':
		return true
	}
	return false
}

// float64s decodes n numeric elements from b.
func (dt dtype) float64s(b []byte, n int) ([]float64, error) {
	if len(b) < n*dt.size {
		return nil, fmt.Errorf("zarr: chunk has %d bytes, want %d", len(b), n*dt.size)
	}
	o := make([]float64, n)
	bo := dt.order
	for i := range o {
		p := b[i*dt.size : (i+1)*dt.size]
		switch {
		case dt.kind == 'f' && dt.size == 8:
			o[i] = math.Float64frombits(bo.Uint64(p))
		case dt.kind == 'f':
			o[i] = float64(math.Float32frombits(bo.Uint32(p)))
		case dt.kind == 'u' && dt.size == 8:
			o[i] = float64(bo.Uint64(p))
		case dt.kind == 'u' && dt.size == 4:
			o[i] = float64(bo.Uint32(p))
		case dt.kind == 'u' && dt.size == 2:
			o[i] = float64(bo.Uint16(p))
		case dt.kind == 'i' && dt.size == 8:
			o[i] = float64(int64(bo.Uint64(p)))
		case dt.kind == 'i' && dt.size == 4:
			o[i] = float64(int32(bo.Uint32(p)))
		case dt.kind == 'i' && dt.size == 2:
			o[i] = float64(int16(bo.Uint16(p)))
		case dt.kind == 'i':
			o[i] = float64(int8(p[0]))
		default: // u1, b1
			o[i] = float64(p[0])
		}
	}
	return o, nil
}

// strings decodes n fixed-width string elements from b.
func (dt dtype) strings(b []byte, n int) ([]string, error) {
	if len(b) < n*dt.size {
		return nil, fmt.Errorf("zarr: chunk has %d bytes, want %d", len(b), n*dt.size)
	}
	o := make([]string, n)
	for i := range o {
		p := b[i*dt.size : (i+1)*dt.size]
		if dt.kind == 'S' {
			o[i] = strings.TrimRight(string(p), "\x00")
			continue
		}
		var sb strings.Builder
		for j := 0; j+4 <= len(p); j += 4 {
			r := rune(dt.order.Uint32(p[j:]))
			if r == 0 {
				break
			}
			sb.WriteRune(r)
		}
		o[i] = sb.String()
	}
	return o, nil
}

// encodeFixedStrings encodes values as a little-endian "<U" array and
// returns the dtype string.
func encodeFixedStrings(values []string) ([]byte, string) {
	width := 1
	for _, v := range values {
		if n := utf8.RuneCountInString(v); n > width {
			width = n
		}
	}
	b := make([]byte, 4*width*len(values))
	for i, v := range values {
		j := 0
		for _, r := range v {
			binary.LittleEndian.PutUint32(b[4*(i*width+j):], uint32(r))
			j++
		}
	}
	return b, fmt.Sprintf("<U%d", width)
}

// decodeVLenUTF8 decodes the numcodecs vlen-utf8 encoding: a uint32 item
// count followed by a uint32 length and the bytes of each item.
func decodeVLenUTF8(b []byte) ([]string, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("zarr: vlen-utf8 chunk too short")
	}
	n := int(binary.LittleEndian.Uint32(b))
	b = b[4:]
	o := make([]string, n)
	for i := range o {
		if len(b) < 4 {
			return nil, fmt.Errorf("zarr: vlen-utf8 chunk truncated at item %d", i)
		}
		l := int(binary.LittleEndian.Uint32(b))
		b = b[4:]
		if len(b) < l {
			return nil, fmt.Errorf("zarr: vlen-utf8 chunk truncated at item %d", i)
		}
		o[i] = string(b[:l])
		b = b[l:]
	}
	return o, nil
}
