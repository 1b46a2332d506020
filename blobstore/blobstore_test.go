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

package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		location, bucket, key string
	}{
		{"s3://ncar-na-cordex/day/tmax.zarr", "s3://ncar-na-cordex", "day/tmax.zarr"},
		{"gs://b/a/b/c.nc", "gs://b", "a/b/c.nc"},
		{"mem://test/x.png", "mem://test", "x.png"},
		{"https://stratus.ucar.edu/ncar-na-cordex/day/tmax.zarr", "https://stratus.ucar.edu/ncar-na-cordex", "day/tmax.zarr"},
		{"file:///tmp/out/fig.png", "file:///tmp/out", "fig.png"},
	}
	for _, test := range tests {
		t.Run(test.location, func(t *testing.T) {
			b, k, err := Split(test.location)
			if err != nil {
				t.Fatal(err)
			}
			if b != test.bucket || k != test.key {
				t.Errorf("have (%s, %s), want (%s, %s)", b, k, test.bucket, test.key)
			}
		})
	}
}

func TestSplitInvalid(t *testing.T) {
	for _, loc := range []string{"ftp://x/y", "https://example.com/a/b", "https://stratus.ucar.edu/onlybucket"} {
		if _, _, err := Split(loc); err == nil {
			t.Errorf("%s: expected an error", loc)
		}
	}
}

func TestIsBlob(t *testing.T) {
	for loc, want := range map[string]bool{
		"s3://a/b":                      true,
		"mem://a/b":                     true,
		"https://stratus.ucar.edu/a/b":  true,
		"https://example.com/catalog":   false,
		"/home/user/catalog.json":       false,
		"relative/path/to/catalog.json": false,
	} {
		if have := IsBlob(loc); have != want {
			t.Errorf("%s: have %v, want %v", loc, have, want)
		}
	}
}

func TestReadWriteMem(t *testing.T) {
	ctx := context.Background()
	loc := "mem://blobstore_test/dir/obj.txt"
	if err := WriteAll(ctx, loc, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	b, err := ReadAll(ctx, loc)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hello" {
		t.Errorf("have %q, want %q", b, "hello")
	}
	if _, err := ReadAll(ctx, "mem://blobstore_test/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing blob: have error %v, want ErrNotFound", err)
	}
}

func TestReadWriteFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	loc := "file://" + filepath.Join(dir, "sub", "obj.bin")
	if err := WriteAll(ctx, loc, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	out := t.TempDir()
	p, err := Download(ctx, loc, out)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 3 || b[2] != 3 {
		t.Errorf("have %v", b)
	}
	local := filepath.Join(dir, "plain.txt")
	if err := WriteAll(ctx, local, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if p, err := Download(ctx, local, out); err != nil || p != local {
		t.Errorf("existing local file: have (%s, %v), want (%s, nil)", p, err, local)
	}
}
