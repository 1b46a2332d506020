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
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"strings"
	"sync"

	"github.com/spatialmodel/nacordex/blobstore"
	"gocloud.dev/blob"
)

// Writer creates a Zarr V2 group with consolidated metadata.
// Floating-point arrays are stored as "<f8" with a NaN fill value.
type Writer struct {
	bucket *blob.Bucket
	prefix string

	// Compressor is applied to every chunk. It defaults to zlib.
	Compressor *Codec

	mu         sync.Mutex
	meta       map[string]json.RawMessage
	attrs      map[string]interface{}
	ownsBucket bool
}

// NewWriter returns a writer for a new group rooted at prefix in bucket.
func NewWriter(bucket *blob.Bucket, prefix string) *Writer {
	return &Writer{
		bucket:     bucket,
		prefix:     strings.Trim(prefix, "/"),
		Compressor: &Codec{ID: "zlib", Level: 1},
		meta:       make(map[string]json.RawMessage),
		attrs:      make(map[string]interface{}),
	}
}

// Create returns a writer for a new group at location, which must be a
// blob URL as accepted by blobstore.Split. Closing the writer closes
// the bucket it opens.
func Create(ctx context.Context, location string) (*Writer, error) {
	bucketURL, key, err := blobstore.Split(location)
	if err != nil {
		return nil, err
	}
	bucket, err := blobstore.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("zarr: creating %s: %w", location, err)
	}
	w := NewWriter(bucket, key)
	w.ownsBucket = !strings.HasPrefix(bucketURL, "mem://")
	return w, nil
}

func (w *Writer) key(parts ...string) string {
	return path.Join(append([]string{w.prefix}, parts...)...)
}

// SetAttr sets a group attribute.
func (w *Writer) SetAttr(name string, value interface{}) {
	w.mu.Lock()
	w.attrs[name] = value
	w.mu.Unlock()
}

func (w *Writer) putJSON(ctx context.Context, k string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("zarr: encoding %s: %w", k, err)
	}
	w.mu.Lock()
	w.meta[k] = b
	w.mu.Unlock()
	return blobstore.WriteBlob(ctx, w.bucket, w.key(k), b)
}

func (w *Writer) writeMeta(ctx context.Context, name string, m ArrayMeta, dims []string, attrs map[string]interface{}) error {
	if len(dims) != len(m.Shape) {
		return fmt.Errorf("zarr: array %s: %d dimension names for shape %v", name, len(dims), m.Shape)
	}
	a := map[string]interface{}{"_ARRAY_DIMENSIONS": dims}
	for k, v := range attrs {
		a[k] = v
	}
	if err := w.putJSON(ctx, name+"/.zarray", m); err != nil {
		return err
	}
	return w.putJSON(ctx, name+"/.zattrs", a)
}

// WriteFloat64 writes a numeric array with the given dimension names,
// shape and chunk shape. data is in row-major order.
func (w *Writer) WriteFloat64(ctx context.Context, name string, dims []string, shape, chunks []int, data []float64, attrs map[string]interface{}) error {
	m := ArrayMeta{
		Chunks:     append([]int(nil), chunks...),
		Compressor: w.Compressor,
		DType:      "<f8",
		FillValue:  "NaN",
		Order:      "C",
		Shape:      append([]int(nil), shape...),
		ZarrFormat: 2,
	}
	if err := m.validate(name); err != nil {
		return err
	}
	n := 1
	for _, s := range shape {
		n *= s
	}
	if len(data) != n {
		return fmt.Errorf("zarr: array %s: %d values for shape %v", name, len(data), shape)
	}
	if err := w.writeMeta(ctx, name, m, dims, attrs); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	a := &array{name: name, meta: m}
	nc := m.numChunks()
	last := make([]int, len(nc))
	for i := range nc {
		last[i] = nc[i] - 1
	}
	shapeStride := strides(shape)
	chunkStride := strides(chunks)
	var err error
	forEachIndex(make([]int, len(nc)), last, func(coords []int) {
		if err != nil {
			return
		}
		buf := make([]float64, m.chunkLen())
		for i := range buf {
			buf[i] = math.NaN()
		}
		lo := make([]int, len(coords))
		hi := make([]int, len(coords))
		for d := range coords {
			lo[d] = coords[d] * chunks[d]
			hi[d] = min(lo[d]+chunks[d], shape[d]) - 1
		}
		forEachIndex(lo, hi, func(idx []int) {
			si, ci := 0, 0
			for d := range idx {
				si += idx[d] * shapeStride[d]
				ci += (idx[d] - lo[d]) * chunkStride[d]
			}
			buf[ci] = data[si]
		})
		raw := make([]byte, 8*len(buf))
		for i, v := range buf {
			binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
		}
		var enc []byte
		if enc, err = compress(w.Compressor, raw); err != nil {
			return
		}
		err = blobstore.WriteBlob(ctx, w.bucket, w.key(name, a.chunkKey(coords)), enc)
	})
	return err
}

// WriteStrings writes a one-dimensional fixed-width unicode array in a
// single chunk.
func (w *Writer) WriteStrings(ctx context.Context, name, dim string, values []string, attrs map[string]interface{}) error {
	raw, dt := encodeFixedStrings(values)
	chunk := len(values)
	if chunk == 0 {
		chunk = 1
	}
	m := ArrayMeta{
		Chunks:     []int{chunk},
		Compressor: w.Compressor,
		DType:      dt,
		FillValue:  "",
		Order:      "C",
		Shape:      []int{len(values)},
		ZarrFormat: 2,
	}
	if err := w.writeMeta(ctx, name, m, []string{dim}, attrs); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	enc, err := compress(w.Compressor, raw)
	if err != nil {
		return err
	}
	return blobstore.WriteBlob(ctx, w.bucket, w.key(name, "0"), enc)
}

// Close writes the group metadata and the consolidated metadata.
// It closes the bucket only if the writer was made by Create.
func (w *Writer) Close(ctx context.Context) error {
	if w.ownsBucket {
		defer w.bucket.Close()
	}
	if err := w.putJSON(ctx, ".zgroup", map[string]int{"zarr_format": 2}); err != nil {
		return err
	}
	w.mu.Lock()
	attrs := w.attrs
	w.mu.Unlock()
	if err := w.putJSON(ctx, ".zattrs", attrs); err != nil {
		return err
	}
	w.mu.Lock()
	cm := ConsolidatedMetadata{ZarrConsolidatedFormat: 1, Metadata: make(map[string]json.RawMessage, len(w.meta))}
	for k, v := range w.meta {
		cm.Metadata[k] = v
	}
	w.mu.Unlock()
	b, err := json.Marshal(cm)
	if err != nil {
		return fmt.Errorf("zarr: encoding consolidated metadata: %w", err)
	}
	return blobstore.WriteBlob(ctx, w.bucket, w.key(".zmetadata"), b)
}
