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

package nacordexutil

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/nacordex"
	"github.com/spatialmodel/nacordex/catalog"
	"github.com/spatialmodel/nacordex/cluster"
	"github.com/spatialmodel/nacordex/source"
	"github.com/spatialmodel/nacordex/zarr"
)

const testKey = "tmax.day.eval.NAM-44i.raw"

const testJSON = `{
  "esmcat_version": "0.1.0",
  "id": "test-na-cordex",
  "description": "test catalog",
  "catalog_file": "test-na-cordex.csv",
  "attributes": [],
  "assets": {"column_name": "path", "format": "zarr"},
  "aggregation_control": {
    "variable_column_name": "variable",
    "groupby_attrs": ["variable", "frequency", "scenario", "grid", "bias_correction"]
  }
}`

// writeFixture writes a catalog holding two datasets, one of which is
// stored in dir, and returns the location of the catalog.
func writeFixture(t *testing.T, dir string) string {
	t.Helper()
	ctx := context.Background()
	loc := "file://" + filepath.Join(dir, testKey+".zarr")
	w, err := zarr.Create(ctx, loc)
	if err != nil {
		t.Fatal(err)
	}
	const nm, nt, ny, nx = 2, 10, 3, 3
	var data []float64
	for m := 0; m < nm; m++ {
		for ti := 0; ti < nt; ti++ {
			for c := 0; c < ny*nx; c++ {
				v := float64(ti + m)
				if m == 1 && ti == nt-1 {
					v = math.NaN()
				}
				data = append(data, v)
			}
		}
	}
	days := make([]float64, nt)
	for i := range days {
		days[i] = float64(i)
	}
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(w.WriteStrings(ctx, "member_id", "member_id", []string{"CanESM2.CanRCM4", "MPI-ESM-LR.RegCM4"}, nil))
	must(w.WriteFloat64(ctx, "time", []string{"time"}, []int{nt}, []int{nt}, days,
		map[string]interface{}{"units": "days since 2000-01-01", "calendar": "noleap"}))
	must(w.WriteFloat64(ctx, "lat", []string{"lat"}, []int{ny}, []int{ny}, []float64{30, 31, 32}, nil))
	must(w.WriteFloat64(ctx, "lon", []string{"lon"}, []int{nx}, []int{nx}, []float64{-100, -99, -98}, nil))
	must(w.WriteFloat64(ctx, "tmax", []string{"member_id", "time", "lat", "lon"},
		[]int{nm, nt, ny, nx}, []int{1, 4, ny, nx}, data, map[string]interface{}{"units": "K"}))
	must(w.Close(ctx))

	csv := "variable,frequency,scenario,grid,bias_correction,path\n" +
		"tmax,day,eval,NAM-44i,raw," + loc + "\n" +
		"tmax,day,hist,NAM-44i,raw,file:///nonexistent/other.zarr\n"
	must(os.WriteFile(filepath.Join(dir, "test-na-cordex.csv"), []byte(csv), 0644))
	cat := filepath.Join(dir, "test-na-cordex.json")
	must(os.WriteFile(cat, []byte(testJSON), 0644))
	return cat
}

// setTestConfig points Cfg at the fixture in a new temporary directory
// and resets the options changed by the tests.
func setTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	Cfg.Set("catalog_url", writeFixture(t, dir))
	Cfg.Set("output_dir", dir)
	Cfg.Set("variable", "tmax")
	Cfg.Set("grid", "NAM-44i")
	Cfg.Set("scenario", "eval")
	Cfg.Set("frequency", "day")
	Cfg.Set("bias_correction", "raw")
	Cfg.Set("dataset_key", "")
	Cfg.Set("members", 2)
	Cfg.Set("member_ids", []string{})
	Cfg.Set("cluster", "local")
	Cfg.Set("workers", 2)
	Cfg.Set("save_image", true)
	Cfg.Set("dpi", 30.0)
	Cfg.Set("truncate", false)
	Cfg.Set("log_level", "warn")
	return dir
}

func TestConfig(t *testing.T) {
	cfg := viper.New()
	cfg.Set("provider", "ncar")
	cfg.Set("cluster", "k8s")
	cfg.Set("dpi", "150")
	cfg.Set("members", 3)
	cfg.Set("member_ids", []string{})
	cfg.Set("output_dir", "s3://bucket/figures")
	cfg.Set("save_image", true)
	c, err := Config(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if c.Provider != nacordex.NCAR || c.DPI != 150 || c.Panels != 3 || c.Cluster.String() != "gateway" {
		t.Errorf("config: %+v", c)
	}
	if got, want := c.OutputPath(testKey, nacordex.StatMaps), "s3://bucket/figures/"+testKey+"_statmaps.png"; got != want {
		t.Errorf("output path %s != %s", got, want)
	}
	if !strings.Contains(c.Catalog(), "stratus.ucar.edu") {
		t.Errorf("catalog %s", c.Catalog())
	}

	cfg.Set("member_ids", "[a, b]")
	if c, err = Config(cfg); err != nil {
		t.Fatal(err)
	}
	if c.Panels != 2 {
		t.Errorf("panels %d for explicit members", c.Panels)
	}

	for k, v := range map[string]interface{}{"provider": "azure", "members": 17} {
		bad := viper.New()
		for kk, vv := range cfg.AllSettings() {
			bad.Set(kk, vv)
		}
		bad.Set("member_ids", []string{})
		bad.Set(k, v)
		if _, err := Config(bad); !errors.Is(err, nacordex.ErrInvalidArgument) {
			t.Errorf("%s=%v: want ErrInvalidArgument, got %v", k, v, err)
		}
	}
}

func TestQuery(t *testing.T) {
	cfg := viper.New()
	cfg.Set("variable", "tmax, pr")
	cfg.Set("grid", "")
	cfg.Set("scenario", "eval")
	want := catalog.Query{"variable": {"tmax", "pr"}, "scenario": {"eval"}}
	if got := Query(cfg); !reflect.DeepEqual(got, want) {
		t.Errorf("%v != %v", got, want)
	}
	if _, err := variable(cfg); !errors.Is(err, nacordex.ErrInvalidArgument) {
		t.Errorf("want ErrInvalidArgument, got %v", err)
	}
}

func TestPrintConfig(t *testing.T) {
	cfg := viper.New()
	cfg.Set("provider", "ncar")
	cfg.Set("gateway.namespace", "climate")
	var b bytes.Buffer
	if err := PrintConfig(&b, cfg); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`provider = "ncar"`, "[gateway]", `namespace = "climate"`} {
		if !strings.Contains(b.String(), want) {
			t.Errorf("missing %q in\n%s", want, b.String())
		}
	}
}

func TestPrintUnique(t *testing.T) {
	var b bytes.Buffer
	err := printUnique(&b, []string{"variable", "grid"}, map[string][]string{
		"variable": {"pr", "tmax"},
		"grid":     {"NAM-22i", "NAM-44i"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(b.String(), "pr, tmax") || !strings.Contains(b.String(), "grid") {
		t.Errorf("output:\n%s", b.String())
	}
}

func TestLogger(t *testing.T) {
	cfg := viper.New()
	cfg.Set("log_level", "debug")
	log, err := Logger(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !log.IsLevelEnabled(logrus.DebugLevel) {
		t.Error("debug logging is disabled")
	}
	cfg.Set("log_level", "loud")
	if _, err := Logger(cfg); err == nil {
		t.Error("want error for invalid level")
	}
}

func TestVersion(t *testing.T) {
	var b bytes.Buffer
	Root.SetOut(&b)
	defer Root.SetOut(nil)
	Root.SetArgs([]string{"version"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	if want := "nacordex v" + nacordex.Version; !strings.Contains(b.String(), want) {
		t.Errorf("%q does not contain %q", b.String(), want)
	}
}

func TestCatalogSearch(t *testing.T) {
	setTestConfig(t)
	var b bytes.Buffer
	Root.SetOut(&b)
	defer Root.SetOut(nil)
	Root.SetArgs([]string{"catalog", "search"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(b.String(), testKey+"\t") || strings.Count(b.String(), "\n") != 1 {
		t.Errorf("search output:\n%s", b.String())
	}

	Cfg.Set("scenario", "")
	c, err := Search(context.Background(), Cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := selectEntry(c, ""); !errors.Is(err, nacordex.ErrInvalidArgument) {
		t.Errorf("want ErrInvalidArgument, got %v", err)
	}
	if _, err := selectEntry(c, "tmax.day.rcp85.NAM-44i.raw"); !errors.Is(err, nacordex.ErrLookup) {
		t.Errorf("want ErrLookup, got %v", err)
	}
	e, err := selectEntry(c, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(e.Location(), testKey+".zarr") {
		t.Errorf("location %s", e.Location())
	}
}

func TestPlot(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []nacordex.Kind{nacordex.Snapshots, nacordex.StatMaps, nacordex.Timeseries} {
		t.Run(string(kind), func(t *testing.T) {
			dir := setTestConfig(t)
			fig, err := Plot(ctx, Cfg, kind)
			if err != nil {
				t.Fatal(err)
			}
			if fig.Rows() != 2 {
				t.Errorf("%d rows", fig.Rows())
			}
			if _, err := os.Stat(filepath.Join(dir, nacordex.OutputName(testKey, kind))); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestPlotCommand(t *testing.T) {
	dir := setTestConfig(t)
	Cfg.Set("member_ids", []string{"MPI-ESM-LR.RegCM4"})
	defer Cfg.Set("member_ids", []string{})
	Root.SetArgs([]string{"plot", "timeseries"})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, testKey+"_timeseries.png")); err != nil {
		t.Error(err)
	}
}

func TestPlot_tooManyMembers(t *testing.T) {
	setTestConfig(t)
	Cfg.Set("members", 3)
	if _, err := Plot(context.Background(), Cfg, nacordex.Snapshots); !errors.Is(err, nacordex.ErrInsufficientMembers) {
		t.Errorf("want ErrInsufficientMembers, got %v", err)
	}
}

func TestSubset(t *testing.T) {
	ctx := context.Background()
	dir := setTestConfig(t)
	out := "file://" + filepath.Join(dir, "subset.zarr")
	Cfg.Set("output", out)
	Cfg.Set("member_ids", []string{"MPI-ESM-LR.RegCM4"})
	Cfg.Set("years", 0)
	defer Cfg.Set("member_ids", []string{})
	if err := Subset(ctx, Cfg); err != nil {
		t.Fatal(err)
	}
	ds, err := nacordex.OpenDataset(ctx, "subset", out, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ds.Close()
	if len(ds.Times) != 10 {
		t.Errorf("%d steps", len(ds.Times))
	}
	f, err := nacordex.SelectMember(ds, "tmax", "subset")
	if err != nil {
		t.Fatal(err)
	}
	v, err := f.Step(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if v[0] != 3 {
		t.Errorf("value %g, want 3", v[0])
	}

	Cfg.Set("output", "")
	if err := Subset(ctx, Cfg); !errors.Is(err, nacordex.ErrInvalidArgument) {
		t.Errorf("want ErrInvalidArgument, got %v", err)
	}
}

var errTeardown = errors.New("teardown failed")

// failingCluster is a cluster whose teardown fails.
type failingCluster struct{ cluster.Cluster }

func (failingCluster) Close(context.Context) error { return errTeardown }

func TestSessionClose(t *testing.T) {
	ctx := context.Background()
	open := func() *session {
		m := source.NewMemory()
		if err := m.Add("time", &source.MemVar{Dims: []string{"time"}, Shape: []int{2}, Data: []float64{0, 1},
			Attrs: map[string]interface{}{"units": "days since 2000-01-01"}}); err != nil {
			t.Fatal(err)
		}
		ds, err := nacordex.NewDataset(ctx, "test", "mem://nacordexutil_test/test.zarr", m, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		return &session{ds: ds, cl: failingCluster{}}
	}

	var err error
	open().closeInto(ctx, &err)
	if !errors.Is(err, errTeardown) {
		t.Errorf("have %v, want the teardown error", err)
	}

	err = nacordex.ErrNoValidData
	open().closeInto(ctx, &err)
	if !errors.Is(err, nacordex.ErrNoValidData) {
		t.Errorf("have %v, want the first error to be kept", err)
	}
}
