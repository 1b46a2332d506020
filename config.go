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
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spatialmodel/nacordex/blobstore"
	"github.com/spatialmodel/nacordex/cluster"
)

// Provider is a storage provider hosting the NA-CORDEX archive.
type Provider int

// These are the storage providers.
const (
	AWS Provider = iota
	NCAR
)

func (p Provider) String() string {
	switch p {
	case AWS:
		return "aws"
	case NCAR:
		return "ncar"
	default:
		return fmt.Sprintf("Provider(%d)", int(p))
	}
}

// ParseProvider returns the provider with the given name.
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "aws", "s3":
		return AWS, nil
	case "ncar", "stratus":
		return NCAR, nil
	default:
		return AWS, fmt.Errorf("%w: unknown provider %q", ErrInvalidArgument, s)
	}
}

// CatalogURL returns the location of the provider's catalog description.
func (p Provider) CatalogURL() string {
	if p == NCAR {
		return "https://stratus.ucar.edu/ncar-na-cordex/catalogs/aws-na-cordex.json"
	}
	return "https://ncar-na-cordex.s3-us-west-2.amazonaws.com/catalogs/aws-na-cordex.json"
}

// Kind is a kind of diagnostic figure. Its value is used in output
// file names.
type Kind string

// These are the figure kinds.
const (
	Snapshots  Kind = "fml"
	StatMaps   Kind = "statmaps"
	Timeseries Kind = "timeseries"
)

// ParseKind returns the figure kind with the given name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fml", "snapshots", "snapshot":
		return Snapshots, nil
	case "statmaps", "statmap", "maps":
		return StatMaps, nil
	case "timeseries", "ts":
		return Timeseries, nil
	default:
		return "", fmt.Errorf("%w: unknown figure kind %q", ErrInvalidArgument, s)
	}
}

// MaxPanels is the largest number of member rows a figure may hold.
const MaxPanels = 16

// Config holds the options of a diagnostic session. It is built once and
// not modified afterwards.
type Config struct {
	Provider Provider

	// CatalogURL overrides the provider's catalog location if set.
	CatalogURL string

	// Truncate restricts the statistic figures to the first valid year.
	Truncate bool

	Cluster cluster.Backend

	// SaveImage specifies whether figures are written to OutputDir.
	SaveImage bool
	OutputDir string

	// DPI is the output image resolution.
	DPI float64

	// Panels is the number of ensemble members plotted per figure.
	Panels int

	// MidFromValidWindow places the middle snapshot halfway through the
	// validity window rather than halfway through the time axis.
	MidFromValidWindow bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Provider:  AWS,
		Cluster:   cluster.Local,
		OutputDir: ".",
		DPI:       100,
		Panels:    4,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Panels < 1 || c.Panels > MaxPanels {
		return fmt.Errorf("%w: panels must be between 1 and %d, got %d", ErrInvalidArgument, MaxPanels, c.Panels)
	}
	if c.DPI <= 0 {
		return fmt.Errorf("%w: dpi must be positive, got %g", ErrInvalidArgument, c.DPI)
	}
	if c.Provider != AWS && c.Provider != NCAR {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, c.Provider)
	}
	if c.SaveImage && c.OutputDir == "" {
		return fmt.Errorf("%w: save_image requires an output directory", ErrInvalidArgument)
	}
	return nil
}

// Catalog returns the catalog location to use.
func (c Config) Catalog() string {
	if c.CatalogURL != "" {
		return c.CatalogURL
	}
	return c.Provider.CatalogURL()
}

// OutputName returns the file name of a figure of kind for the dataset
// with the given key.
func OutputName(key string, kind Kind) string {
	return fmt.Sprintf("%s_%s.png", key, kind)
}

// OutputPath returns where a figure of kind for the dataset with the
// given key is saved. OutputDir may be a local directory or a blob URL.
func (c Config) OutputPath(key string, kind Kind) string {
	name := OutputName(key, kind)
	if blobstore.IsBlob(c.OutputDir) {
		return strings.TrimRight(c.OutputDir, "/") + "/" + name
	}
	return filepath.Join(c.OutputDir, name)
}
