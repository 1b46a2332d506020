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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ctessum/requestcache"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/nacordex/blobstore"
	"gocloud.dev/blob"
)

// Options configure how a Store is read.
type Options struct {
	// CacheSize is the number of decoded chunks kept in memory.
	CacheSize int

	// Workers is the number of chunks fetched in parallel.
	// If zero, runtime.GOMAXPROCS(-1) is used.
	Workers int

	// MaxRetries is the number of times a failed chunk read is retried
	// before giving up.
	MaxRetries uint64

	// Log receives debug messages about chunk reads. If nil,
	// logrus.StandardLogger() is used.
	Log logrus.FieldLogger
}

// DefaultOptions are used when Open is called with nil options.
var DefaultOptions = Options{
	CacheSize:  64,
	MaxRetries: 5,
}

// Store is a Zarr V2 group containing one or more named arrays.
// It is safe for concurrent use.
type Store struct {
	bucket     *blob.Bucket
	ownsBucket bool
	prefix     string
	arrays     map[string]*array
	attrs      map[string]interface{}
	chunkCache *requestcache.Cache
	maxRetries uint64
	log        logrus.FieldLogger
	closeOnce  sync.Once
}

type array struct {
	name    string
	meta    ArrayMeta
	dt      dtype
	dims    []string
	attrs   map[string]interface{}
	fill    float64
	hasFill bool

	// missing holds additional values that are converted to NaN.
	missing []float64
	scale   float64
	offset  float64
}

// OpenURL opens the Zarr store at location, which must be a blob URL
// as accepted by blobstore.Split. The returned store owns the bucket it
// opens.
func OpenURL(ctx context.Context, location string, opts *Options) (*Store, error) {
	bucketURL, key, err := blobstore.Split(location)
	if err != nil {
		return nil, err
	}
	bucket, err := blobstore.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("zarr: opening %s: %w", location, err)
	}
	s, err := Open(ctx, bucket, key, opts)
	if err != nil {
		return nil, fmt.Errorf("zarr: opening %s: %w", location, err)
	}
	s.ownsBucket = !strings.HasPrefix(bucketURL, "mem://")
	return s, nil
}

// Open opens the Zarr store rooted at prefix within bucket.
// Consolidated metadata (.zmetadata) is used when present; otherwise
// the arrays directly below prefix are listed and their metadata read
// individually.
func Open(ctx context.Context, bucket *blob.Bucket, prefix string, opts *Options) (*Store, error) {
	if opts == nil {
		o := DefaultOptions
		opts = &o
	}
	s := &Store{
		bucket:     bucket,
		prefix:     strings.Trim(prefix, "/"),
		arrays:     make(map[string]*array),
		attrs:      make(map[string]interface{}),
		maxRetries: opts.MaxRetries,
		log:        opts.Log,
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	meta, err := s.readMetadata(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.loadArrays(meta); err != nil {
		return nil, err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(-1)
	}
	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultOptions.CacheSize
	}
	s.chunkCache = requestcache.NewCache(s.processChunk, workers,
		requestcache.Deduplicate(), requestcache.Memory(cacheSize))
	return s, nil
}

func (s *Store) key(parts ...string) string {
	if s.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{s.prefix}, parts...)...)
}

// readMetadata returns the metadata documents of the store keyed
// the same way as in a .zmetadata file.
func (s *Store) readMetadata(ctx context.Context) (map[string]json.RawMessage, error) {
	b, err := blobstore.ReadBlob(ctx, s.bucket, s.key(".zmetadata"))
	if err == nil {
		var cm ConsolidatedMetadata
		if err := json.Unmarshal(b, &cm); err != nil {
			return nil, fmt.Errorf("zarr: parsing consolidated metadata: %w", err)
		}
		return cm.Metadata, nil
	}
	if !errors.Is(err, blobstore.ErrNotFound) {
		return nil, err
	}
	s.log.WithField("prefix", s.prefix).Debug("zarr: no consolidated metadata; listing arrays")

	meta := make(map[string]json.RawMessage)
	if b, err := blobstore.ReadBlob(ctx, s.bucket, s.key(".zattrs")); err == nil {
		meta[".zattrs"] = b
	}
	listPrefix := s.prefix + "/"
	if s.prefix == "" {
		listPrefix = ""
	}
	iter := s.bucket.List(&blob.ListOptions{Prefix: listPrefix, Delimiter: "/"})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("zarr: listing %s: %w", s.prefix, err)
		}
		if !obj.IsDir {
			continue
		}
		name := strings.Trim(strings.TrimPrefix(obj.Key, listPrefix), "/")
		b, err := blobstore.ReadBlob(ctx, s.bucket, s.key(name, ".zarray"))
		if errors.Is(err, blobstore.ErrNotFound) {
			continue // nested group
		} else if err != nil {
			return nil, err
		}
		meta[name+"/.zarray"] = b
		if b, err := blobstore.ReadBlob(ctx, s.bucket, s.key(name, ".zattrs")); err == nil {
			meta[name+"/.zattrs"] = b
		}
	}
	if len(meta) == 0 {
		return nil, fmt.Errorf("zarr: no arrays found under %s: %w", s.prefix, blobstore.ErrNotFound)
	}
	return meta, nil
}

func (s *Store) loadArrays(meta map[string]json.RawMessage) error {
	if b, ok := meta[".zattrs"]; ok {
		if err := json.Unmarshal(b, &s.attrs); err != nil {
			return fmt.Errorf("zarr: parsing group attributes: %w", err)
		}
	}
	for k, b := range meta {
		if !strings.HasSuffix(k, "/.zarray") {
			continue
		}
		name := strings.TrimSuffix(k, "/.zarray")
		if strings.Contains(name, "/") {
			continue // array in a nested group
		}
		a := &array{name: name, scale: 1}
		if err := json.Unmarshal(b, &a.meta); err != nil {
			return fmt.Errorf("zarr: parsing metadata for %s: %w", name, err)
		}
		if err := a.meta.validate(name); err != nil {
			return err
		}
		dt, err := parseDType(a.meta.DType)
		if err != nil {
			return fmt.Errorf("zarr: array %s: %w", name, err)
		}
		a.dt = dt
		if a.fill, a.hasFill, err = a.meta.fill(); err != nil && dt.numeric() {
			return fmt.Errorf("zarr: array %s: %w", name, err)
		}
		a.attrs = make(map[string]interface{})
		if ab, ok := meta[name+"/.zattrs"]; ok {
			if err := json.Unmarshal(ab, &a.attrs); err != nil {
				return fmt.Errorf("zarr: parsing attributes for %s: %w", name, err)
			}
		}
		if err := a.applyAttrs(); err != nil {
			return err
		}
		s.arrays[name] = a
	}
	return nil
}

// applyAttrs extracts the dimension names and the CF packing and
// missing-value attributes.
func (a *array) applyAttrs() error {
	if d, ok := a.attrs["_ARRAY_DIMENSIONS"]; ok {
		dl, ok := d.([]interface{})
		if !ok {
			return fmt.Errorf("zarr: array %s: invalid _ARRAY_DIMENSIONS %v", a.name, d)
		}
		for _, v := range dl {
			a.dims = append(a.dims, fmt.Sprint(v))
		}
		delete(a.attrs, "_ARRAY_DIMENSIONS")
	} else {
		for i := range a.meta.Shape {
			a.dims = append(a.dims, "dim_"+strconv.Itoa(i))
		}
	}
	if len(a.dims) != len(a.meta.Shape) {
		return fmt.Errorf("zarr: array %s: %d dimension names for %d dimensions", a.name, len(a.dims), len(a.meta.Shape))
	}
	for _, k := range []string{"_FillValue", "missing_value"} {
		switch v := a.attrs[k].(type) {
		case float64:
			a.missing = append(a.missing, v)
		case []interface{}:
			for _, vv := range v {
				if f, ok := vv.(float64); ok {
					a.missing = append(a.missing, f)
				}
			}
		}
	}
	if v, ok := a.attrs["scale_factor"].(float64); ok {
		a.scale = v
	}
	if v, ok := a.attrs["add_offset"].(float64); ok {
		a.offset = v
	}
	return nil
}

// Variables returns the names of the arrays in the store in sorted order.
func (s *Store) Variables() []string {
	o := make([]string, 0, len(s.arrays))
	for n := range s.arrays {
		o = append(o, n)
	}
	sort.Strings(o)
	return o
}

func (s *Store) array(name string) (*array, error) {
	a, ok := s.arrays[name]
	if !ok {
		return nil, fmt.Errorf("zarr: no array %q in %s", name, s.prefix)
	}
	return a, nil
}

// Dims returns the dimension names of the named array.
func (s *Store) Dims(name string) ([]string, error) {
	a, err := s.array(name)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), a.dims...), nil
}

// Shape returns the shape of the named array.
func (s *Store) Shape(name string) ([]int, error) {
	a, err := s.array(name)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), a.meta.Shape...), nil
}

// Chunks returns the chunk shape of the named array.
func (s *Store) Chunks(name string) ([]int, error) {
	a, err := s.array(name)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), a.meta.Chunks...), nil
}

// Attrs returns the attributes of the named array, or of the group if
// name is empty.
func (s *Store) Attrs(name string) (map[string]interface{}, error) {
	src := s.attrs
	if name != "" {
		a, err := s.array(name)
		if err != nil {
			return nil, err
		}
		src = a.attrs
	}
	o := make(map[string]interface{}, len(src))
	for k, v := range src {
		o[k] = v
	}
	return o, nil
}

// Close releases the bucket if the store opened it.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.ownsBucket {
			err = s.bucket.Close()
		}
	})
	return err
}

type chunkRequest struct {
	a      *array
	coords []int
}

func (a *array) chunkKey(coords []int) string {
	if len(coords) == 0 {
		return "0"
	}
	p := make([]string, len(coords))
	for i, c := range coords {
		p[i] = strconv.Itoa(c)
	}
	return strings.Join(p, a.meta.separator())
}

// processChunk reads and decodes one chunk. Failed reads are not kept
// in the chunk cache, so a later read of the same chunk tries again.
func (s *Store) processChunk(ctx context.Context, req interface{}) (interface{}, error) {
	r := req.(chunkRequest)
	return s.readChunk(ctx, r.a, r.coords)
}

func (s *Store) readChunk(ctx context.Context, a *array, coords []int) ([]float64, error) {
	key := s.key(a.name, a.chunkKey(coords))
	var raw []byte
	var missing bool
	op := func() error {
		b, err := blobstore.ReadBlob(ctx, s.bucket, key)
		if errors.Is(err, blobstore.ErrNotFound) {
			missing = true
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		raw = b
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries), ctx)
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		s.log.WithFields(logrus.Fields{"key": key, "delay": d}).WithError(err).Warn("zarr: retrying chunk read")
	})
	if err != nil {
		return nil, fmt.Errorf("zarr: reading chunk %s: %w", key, err)
	}
	n := a.meta.chunkLen()
	if missing {
		o := make([]float64, n)
		for i := range o {
			o[i] = a.decode(a.fill)
		}
		return o, nil
	}
	s.log.WithField("key", key).Debug("zarr: read chunk")
	dec, err := decompress(a.meta.Compressor, raw)
	if err != nil {
		return nil, fmt.Errorf("zarr: chunk %s: %w", key, err)
	}
	vals, err := a.dt.float64s(dec, n)
	if err != nil {
		return nil, fmt.Errorf("zarr: chunk %s: %w", key, err)
	}
	for i, v := range vals {
		vals[i] = a.decode(v)
	}
	return vals, nil
}

// decode converts a stored value to its physical value, replacing fill
// and missing values with NaN.
func (a *array) decode(v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	if a.hasFill && v == a.fill {
		return math.NaN()
	}
	for _, m := range a.missing {
		if v == m {
			return math.NaN()
		}
	}
	return v*a.scale + a.offset
}

// ReadFloat64 reads the hyperslab [begin, end) of the named numeric
// array and returns it flattened in row-major order. Fill values and
// CF missing values are returned as NaN, and scale_factor and add_offset
// are applied. The chunks overlapping the hyperslab are fetched in
// parallel. The returned slice is owned by the caller.
func (s *Store) ReadFloat64(ctx context.Context, name string, begin, end []int) ([]float64, error) {
	a, err := s.array(name)
	if err != nil {
		return nil, err
	}
	if !a.dt.numeric() {
		return nil, fmt.Errorf("zarr: array %s has non-numeric dtype %s", name, a.meta.DType)
	}
	shape := a.meta.Shape
	if err := checkBounds(name, shape, begin, end); err != nil {
		return nil, err
	}
	outShape := make([]int, len(shape))
	size := 1
	for i := range shape {
		outShape[i] = end[i] - begin[i]
		size *= outShape[i]
	}
	out := make([]float64, size)
	if size == 0 {
		return out, nil
	}
	chunks := a.meta.Chunks
	first := make([]int, len(shape))
	last := make([]int, len(shape))
	for i := range shape {
		first[i] = begin[i] / chunks[i]
		last[i] = (end[i] - 1) / chunks[i]
	}

	var wg sync.WaitGroup
	var errLock sync.Mutex
	var firstErr error
	forEachIndex(first, last, func(cc []int) {
		coords := append([]int(nil), cc...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := s.chunkCache.NewRequest(ctx, chunkRequest{a: a, coords: coords}, name+"/"+a.chunkKey(coords))
			res, err := req.Result()
			if err == nil {
				copyChunk(out, outShape, begin, res.([]float64), chunks, coords)
			} else {
				errLock.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errLock.Unlock()
			}
		}()
	})
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func checkBounds(name string, shape, begin, end []int) error {
	if len(begin) != len(shape) || len(end) != len(shape) {
		return fmt.Errorf("zarr: array %s has %d dimensions; got begin %v end %v", name, len(shape), begin, end)
	}
	for i := range shape {
		if begin[i] < 0 || end[i] > shape[i] || begin[i] > end[i] {
			return fmt.Errorf("zarr: array %s: selection [%v, %v) out of bounds for shape %v", name, begin, end, shape)
		}
	}
	return nil
}

// forEachIndex calls f with every index between first and last
// (inclusive) in row-major order. The slice passed to f is reused.
func forEachIndex(first, last []int, f func([]int)) {
	idx := append([]int(nil), first...)
	if len(idx) == 0 {
		f(idx)
		return
	}
	for {
		f(idx)
		d := len(idx) - 1
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] <= last[d] {
				break
			}
			idx[d] = first[d]
		}
		if d < 0 {
			return
		}
	}
}

// copyChunk copies the part of chunk (with coordinates coords) that
// overlaps the output hyperslab starting at begin.
func copyChunk(out []float64, outShape, begin []int, chunk []float64, chunks, coords []int) {
	nd := len(outShape)
	if nd == 0 {
		out[0] = chunk[0]
		return
	}
	// Overlap in absolute array indices.
	lo := make([]int, nd)
	hi := make([]int, nd)
	for i := 0; i < nd; i++ {
		cStart := coords[i] * chunks[i]
		lo[i] = max(cStart, begin[i])
		hi[i] = min(cStart+chunks[i], begin[i]+outShape[i]) - 1
	}
	outStride := strides(outShape)
	chunkStride := strides(chunks)
	run := hi[nd-1] - lo[nd-1] + 1
	rowLast := append([]int(nil), hi...)
	rowLast[nd-1] = lo[nd-1]
	forEachIndex(lo, rowLast, func(idx []int) {
		oi, ci := 0, 0
		for d := 0; d < nd; d++ {
			oi += (idx[d] - begin[d]) * outStride[d]
			ci += (idx[d] - coords[d]*chunks[d]) * chunkStride[d]
		}
		copy(out[oi:oi+run], chunk[ci:ci+run])
	})
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	n := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = n
		n *= shape[i]
	}
	return s
}

// ReadStrings reads the whole of the named string array, which may be
// a fixed-width ("<U", "|S") array or an object array encoded with the
// vlen-utf8 filter.
func (s *Store) ReadStrings(ctx context.Context, name string) ([]string, error) {
	a, err := s.array(name)
	if err != nil {
		return nil, err
	}
	if a.dt.numeric() {
		return nil, fmt.Errorf("zarr: array %s has numeric dtype %s", name, a.meta.DType)
	}
	if len(a.meta.Shape) > 1 {
		return nil, fmt.Errorf("zarr: string array %s must be one-dimensional", name)
	}
	total := 1
	if len(a.meta.Shape) == 1 {
		total = a.meta.Shape[0]
	}
	o := make([]string, 0, total)
	nc := 1
	if len(a.meta.Shape) == 1 {
		nc = a.meta.numChunks()[0]
	}
	for c := 0; c < nc; c++ {
		coords := []int{c}
		if len(a.meta.Shape) == 0 {
			coords = nil
		}
		key := s.key(name, a.chunkKey(coords))
		raw, err := blobstore.ReadBlob(ctx, s.bucket, key)
		if err != nil {
			return nil, fmt.Errorf("zarr: reading chunk %s: %w", key, err)
		}
		dec, err := decompress(a.meta.Compressor, raw)
		if err != nil {
			return nil, fmt.Errorf("zarr: chunk %s: %w", key, err)
		}
		var vals []string
		if a.dt.kind == 'O' {
			vals, err = decodeVLenUTF8(dec)
		} else {
			vals, err = a.dt.strings(dec, a.meta.chunkLen())
		}
		if err != nil {
			return nil, fmt.Errorf("zarr: chunk %s: %w", key, err)
		}
		o = append(o, vals...)
	}
	if len(o) > total {
		o = o[:total]
	}
	return o, nil
}
