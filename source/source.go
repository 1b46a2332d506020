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

// Package source defines the interface through which gridded climate
// datasets are read, and opens sources from storage locations.
package source

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/nacordex/blobstore"
	"github.com/spatialmodel/nacordex/ncfile"
	"github.com/spatialmodel/nacordex/zarr"
)

// Source is a collection of named multi-dimensional variables.
// Implementations must be safe for concurrent use.
type Source interface {
	// Variables returns the variable names.
	Variables() []string

	// Dims returns the dimension names of a variable.
	Dims(name string) ([]string, error)

	// Shape returns the dimension lengths of a variable.
	Shape(name string) ([]int, error)

	// Chunks returns the preferred read block of a variable.
	Chunks(name string) ([]int, error)

	// Attrs returns the attributes of a variable, or of the source
	// itself if name is empty.
	Attrs(name string) (map[string]interface{}, error)

	// ReadFloat64 reads the hyperslab [begin, end) of a numeric variable
	// in row-major order, with missing values as NaN.
	ReadFloat64(ctx context.Context, name string, begin, end []int) ([]float64, error)

	// ReadStrings reads a one-dimensional string variable.
	ReadStrings(ctx context.Context, name string) ([]string, error)

	Close() error
}

// Opener opens the source at a location.
type Opener func(ctx context.Context, location string) (Source, error)

// Open opens the dataset at location. Locations ending in ".zarr" are
// opened as Zarr stores in blob storage; locations ending in ".nc" are
// opened as NetCDF files, after being downloaded to a temporary
// directory if they are not local.
func Open(ctx context.Context, location string) (Source, error) {
	return OpenWithLog(ctx, location, logrus.StandardLogger())
}

// OpenWithLog is like Open but sends storage-engine messages to log.
func OpenWithLog(ctx context.Context, location string, log logrus.FieldLogger) (Source, error) {
	loc := strings.TrimRight(location, "/")
	switch {
	case strings.HasSuffix(loc, ".zarr"):
		opts := zarr.DefaultOptions
		opts.Log = log
		s, err := zarr.OpenURL(ctx, loc, &opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasSuffix(loc, ".nc"), strings.HasSuffix(loc, ".nc4"):
		return openNetCDF(ctx, loc, log)
	default:
		return nil, fmt.Errorf("source: unsupported dataset format for %s", location)
	}
}

func openNetCDF(ctx context.Context, location string, log logrus.FieldLogger) (Source, error) {
	if _, err := os.Stat(location); err == nil {
		f, err := ncfile.Open(location)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	dir, err := os.MkdirTemp("", "nacordex")
	if err != nil {
		return nil, fmt.Errorf("source: creating download directory: %w", err)
	}
	log.WithField("location", location).Info("source: downloading NetCDF file")
	path, err := blobstore.Download(ctx, location, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	f, err := ncfile.Open(path)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	f.RemoveOnClose(dir)
	return f, nil
}
