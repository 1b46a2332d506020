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
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/spatialmodel/nacordex/blobstore"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

// https://zarr.readthedocs.io/en/stable/spec/v2.html#metadata
const specExample = `{
  "chunks": [1000, 1000],
  "compressor": {"id": "blosc", "cname": "lz4", "clevel": 5, "shuffle": 1},
  "dtype": "<f8",
  "fill_value": "NaN",
  "filters": [{"id": "delta", "dtype": "<f8", "astype": "<f4"}],
  "order": "C",
  "shape": [10000, 10000],
  "zarr_format": 2
}`

func TestMetadataSerialization(t *testing.T) {
	m := &ArrayMeta{}
	if err := json.Unmarshal([]byte(specExample), m); err != nil {
		t.Fatal(err)
	}
	if m.Compressor.ID != "blosc" || m.DType != "<f8" || !reflect.DeepEqual(m.Shape, []int{10000, 10000}) {
		t.Errorf("unexpected metadata %+v", m)
	}
	v, ok, err := m.fill()
	if err != nil || !ok || !math.IsNaN(v) {
		t.Errorf("fill: have (%v, %v, %v)", v, ok, err)
	}
	if err := m.validate("x"); err == nil {
		t.Error("delta filter should not validate")
	}
	if !reflect.DeepEqual(m.numChunks(), []int{10, 10}) {
		t.Errorf("numChunks: %v", m.numChunks())
	}
}

func TestParseDType(t *testing.T) {
	tests := []struct {
		s    string
		kind byte
		size int
		err  bool
	}{
		{s: "<f4", kind: 'f', size: 4},
		{s: ">f8", kind: 'f', size: 8},
		{s: "<i2", kind: 'i', size: 2},
		{s: "|u1", kind: 'u', size: 1},
		{s: "|b1", kind: 'b', size: 1},
		{s: "<U12", kind: 'U', size: 48},
		{s: "|S5", kind: 'S', size: 5},
		{s: "|O", kind: 'O'},
		{s: "<c8", err: true},
		{s: "<f2", err: true},
		{s: "f", err: true},
		{s: "=f4", err: true},
	}
	for _, test := range tests {
		t.Run(test.s, func(t *testing.T) {
			dt, err := parseDType(test.s)
			if test.err {
				if err == nil {
					t.Errorf("expected error, got %+v", dt)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if dt.kind != test.kind || dt.size != test.size {
				t.Errorf("have %c%d, want %c%d", dt.kind, dt.size, test.kind, test.size)
			}
		})
	}
}

func TestDecodeBigEndian(t *testing.T) {
	dt, _ := parseDType(">i4")
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b, uint32(0xFFFFFFFE)) // -2
	binary.BigEndian.PutUint32(b[4:], 7)
	v, err := dt.float64s(b, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(v, []float64{-2, 7}) {
		t.Errorf("have %v", v)
	}
}

func TestCodecs(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	for _, id := range []string{"zlib", "gzip", "zstd"} {
		t.Run(id, func(t *testing.T) {
			c := &Codec{ID: id}
			enc, err := compress(c, data)
			if err != nil {
				t.Fatal(err)
			}
			dec, err := decompress(c, enc)
			if err != nil {
				t.Fatal(err)
			}
			if string(dec) != string(data) {
				t.Errorf("have %q", dec)
			}
		})
	}
	if _, err := decompress(&Codec{ID: "blosc"}, data); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("blosc: have %v, want ErrUnsupportedCodec", err)
	}
}

func encodeVLenUTF8(values []string) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(values)))
	for _, v := range values {
		b = binary.LittleEndian.AppendUint32(b, uint32(len(v)))
		b = append(b, v...)
	}
	return b
}

func TestVLenUTF8(t *testing.T) {
	want := []string{"CanESM2.CanRCM4", "", "MPI-ESM-LR.WRF"}
	have, err := decodeVLenUTF8(encodeVLenUTF8(want))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(have, want) {
		t.Errorf("have %v, want %v", have, want)
	}
	if _, err := decodeVLenUTF8([]byte{3, 0, 0, 0, 1}); err == nil {
		t.Error("expected error for truncated chunk")
	}
}

func testData(shape []int) []float64 {
	n := 1
	for _, s := range shape {
		n *= s
	}
	d := make([]float64, n)
	for i := range d {
		d[i] = float64(i)
	}
	d[7] = math.NaN()
	return d
}

func writeTestStore(ctx context.Context, t *testing.T, bucket *blob.Bucket, prefix string) []float64 {
	w := NewWriter(bucket, prefix)
	data := testData([]int{5, 3, 4})
	if err := w.WriteFloat64(ctx, "tmax", []string{"time", "lat", "lon"}, []int{5, 3, 4}, []int{2, 2, 3}, data,
		map[string]interface{}{"units": "K"}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteStrings(ctx, "member_id", "member_id", []string{"CanESM2.CanRCM4", "GFDL-ESM2M.WRF"}, nil); err != nil {
		t.Fatal(err)
	}
	w.SetAttr("title", "test")
	if err := w.Close(ctx); err != nil {
		t.Fatal(err)
	}
	return data
}

func sameFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] && !(math.IsNaN(a[i]) && math.IsNaN(b[i])) {
			return false
		}
	}
	return true
}

func TestWriteRead(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	data := writeTestStore(ctx, t, bucket, "day/test.zarr")

	for _, consolidated := range []bool{true, false} {
		if !consolidated {
			if err := bucket.Delete(ctx, "day/test.zarr/.zmetadata"); err != nil {
				t.Fatal(err)
			}
		}
		s, err := Open(ctx, bucket, "day/test.zarr", nil)
		if err != nil {
			t.Fatal(err)
		}
		if have := s.Variables(); !reflect.DeepEqual(have, []string{"member_id", "tmax"}) {
			t.Errorf("variables: %v", have)
		}
		dims, _ := s.Dims("tmax")
		if !reflect.DeepEqual(dims, []string{"time", "lat", "lon"}) {
			t.Errorf("dims: %v", dims)
		}
		attrs, _ := s.Attrs("tmax")
		if attrs["units"] != "K" {
			t.Errorf("attrs: %v", attrs)
		}
		if g, _ := s.Attrs(""); g["title"] != "test" {
			t.Errorf("group attrs: %v", g)
		}

		all, err := s.ReadFloat64(ctx, "tmax", []int{0, 0, 0}, []int{5, 3, 4})
		if err != nil {
			t.Fatal(err)
		}
		if !sameFloats(all, data) {
			t.Errorf("full read: have %v, want %v", all, data)
		}

		sub, err := s.ReadFloat64(ctx, "tmax", []int{1, 1, 2}, []int{4, 3, 4})
		if err != nil {
			t.Fatal(err)
		}
		var want []float64
		for i := 1; i < 4; i++ {
			for j := 1; j < 3; j++ {
				for k := 2; k < 4; k++ {
					want = append(want, data[i*12+j*4+k])
				}
			}
		}
		if !sameFloats(sub, want) {
			t.Errorf("subset read: have %v, want %v", sub, want)
		}

		members, err := s.ReadStrings(ctx, "member_id")
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(members, []string{"CanESM2.CanRCM4", "GFDL-ESM2M.WRF"}) {
			t.Errorf("members: %v", members)
		}
		if _, err := s.ReadFloat64(ctx, "tmax", []int{0, 0, 0}, []int{6, 3, 4}); err == nil {
			t.Error("out of bounds read should fail")
		}
		if _, err := s.ReadFloat64(ctx, "pr", []int{0}, []int{1}); err == nil {
			t.Error("missing array should fail")
		}
		s.Close()
	}
}

// TestPackedInt checks CF packing, fill values and missing chunks for an
// integer array written by hand.
func TestPackedInt(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	meta := `{"chunks":[2],"compressor":null,"dtype":"<i2","fill_value":-999,"filters":null,` +
		`"order":"C","shape":[6],"zarr_format":2}`
	attrs := `{"_ARRAY_DIMENSIONS":["time"],"scale_factor":0.5,"add_offset":100,"missing_value":-1}`
	put := func(k string, b []byte) {
		if err := blobstore.WriteBlob(ctx, bucket, k, b); err != nil {
			t.Fatal(err)
		}
	}
	put("p/pr/.zarray", []byte(meta))
	put("p/pr/.zattrs", []byte(attrs))
	chunk := func(a, b int16) []byte {
		o := binary.LittleEndian.AppendUint16(nil, uint16(a))
		return binary.LittleEndian.AppendUint16(o, uint16(b))
	}
	put("p/pr/0", chunk(2, -999))
	put("p/pr/2", chunk(-1, 4))
	// Chunk 1 is missing and reads as fill.

	s, err := Open(ctx, bucket, "p", &Options{Workers: 2, CacheSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	have, err := s.ReadFloat64(ctx, "pr", []int{0}, []int{6})
	if err != nil {
		t.Fatal(err)
	}
	nan := math.NaN()
	want := []float64{101, nan, nan, nan, nan, 102}
	if !sameFloats(have, want) {
		t.Errorf("have %v, want %v", have, want)
	}
	same, err := s.ReadFloat64(ctx, "pr", []int{0}, []int{1})
	if err != nil || !sameFloats(same, []float64{101}) {
		t.Errorf("cached read: have (%v, %v)", same, err)
	}
}

func TestUnsupportedCompressorRead(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	meta := `{"chunks":[2],"compressor":{"id":"blosc"},"dtype":"<f4","fill_value":"NaN","filters":null,` +
		`"order":"C","shape":[2],"zarr_format":2}`
	blobstore.WriteBlob(ctx, bucket, "q/x/.zarray", []byte(meta))
	blobstore.WriteBlob(ctx, bucket, "q/x/0", []byte{1, 2, 3, 4})
	s, err := Open(ctx, bucket, "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadFloat64(ctx, "x", []int{0}, []int{2}); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("have %v, want ErrUnsupportedCodec", err)
	}
}

// TestReadAfterFailure checks that a failed chunk read is not cached.
func TestReadAfterFailure(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	data := writeTestStore(ctx, t, bucket, "p.zarr")
	const key = "p.zarr/tmax/0.0.0"
	good, err := blobstore.ReadBlob(ctx, bucket, key)
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(ctx, bucket, "p.zarr", &Options{Workers: 2, CacheSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := blobstore.WriteBlob(ctx, bucket, key, []byte("not a chunk")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadFloat64(ctx, "tmax", []int{0, 0, 0}, []int{5, 3, 4}); err == nil {
		t.Fatal("corrupt chunk should fail")
	}
	if err := blobstore.WriteBlob(ctx, bucket, key, good); err != nil {
		t.Fatal(err)
	}
	all, err := s.ReadFloat64(ctx, "tmax", []int{0, 0, 0}, []int{5, 3, 4})
	if err != nil {
		t.Fatalf("read after the chunk was restored: %v", err)
	}
	if !sameFloats(all, data) {
		t.Errorf("have %v, want %v", all, data)
	}
}
