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
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/nacordex"
	"github.com/spatialmodel/nacordex/catalog"
	"github.com/spatialmodel/nacordex/cluster"
	"github.com/spatialmodel/nacordex/source"
	"github.com/spf13/cast"
)

// queryColumns are the catalog columns that can be searched on.
var queryColumns = []string{"variable", "grid", "scenario", "frequency", "bias_correction"}

// Config returns the session configuration held by cfg.
func Config(cfg *viper.Viper) (nacordex.Config, error) {
	c := nacordex.DefaultConfig()
	var err error
	if c.Provider, err = nacordex.ParseProvider(cfg.GetString("provider")); err != nil {
		return c, err
	}
	if c.Cluster, err = cluster.ParseBackend(cfg.GetString("cluster")); err != nil {
		return c, err
	}
	c.CatalogURL = os.ExpandEnv(cfg.GetString("catalog_url"))
	c.Truncate = cfg.GetBool("truncate")
	c.SaveImage = cfg.GetBool("save_image")
	c.OutputDir = os.ExpandEnv(cfg.GetString("output_dir"))
	c.MidFromValidWindow = cfg.GetBool("mid_from_valid_window")
	if c.DPI, err = cast.ToFloat64E(cfg.Get("dpi")); err != nil {
		return c, fmt.Errorf("nacordex: invalid dpi: %w", err)
	}
	if c.Panels, err = cast.ToIntE(cfg.Get("members")); err != nil {
		return c, fmt.Errorf("nacordex: invalid members: %w", err)
	}
	if ids := memberIDs(cfg); len(ids) > 0 {
		c.Panels = len(ids)
	}
	return c, c.Validate()
}

// memberIDs returns the explicitly requested members.
func memberIDs(cfg *viper.Viper) []string {
	var raw []string
	switch v := cfg.Get("member_ids").(type) {
	case string:
		raw = strings.Split(strings.Trim(v, "[]"), ",")
	default:
		raw = cast.ToStringSlice(v)
	}
	var o []string
	for _, m := range raw {
		if m = strings.TrimSpace(m); m != "" {
			o = append(o, m)
		}
	}
	return o
}

// Query returns the catalog search specified by cfg. Empty options are
// left out of the query.
func Query(cfg *viper.Viper) catalog.Query {
	q := make(catalog.Query)
	for _, col := range queryColumns {
		var vals []string
		for _, v := range strings.Split(cfg.GetString(col), ",") {
			if v = strings.TrimSpace(v); v != "" {
				vals = append(vals, v)
			}
		}
		if len(vals) > 0 {
			q[col] = vals
		}
	}
	return q
}

// Logger returns a logger writing to standard error at the level given
// by the log_level option.
func Logger(cfg *viper.Viper) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.GetString("log_level"))
	if err != nil {
		return nil, fmt.Errorf("nacordex: %w", err)
	}
	log := logrus.New()
	log.Out = os.Stderr
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return log, nil
}

// Provisioner returns the cluster provisioner for the configured backend.
func Provisioner(cfg *viper.Viper, backend cluster.Backend, log logrus.FieldLogger) (cluster.Provisioner, error) {
	switch backend {
	case cluster.Local:
		open := func(ctx context.Context, location string) (source.Source, error) {
			return source.OpenWithLog(ctx, location, log)
		}
		return cluster.NewLocal(cfg.GetInt("workers"), open, log), nil
	case cluster.PBS:
		return &cluster.PBSProvisioner{
			Command: fmt.Sprintf("%s --rpcport=%s", cfg.GetString("pbs.command"), cfg.GetString("rpcport")),
			RPCPort: cfg.GetString("rpcport"),
			LogDir:  os.ExpandEnv(cfg.GetString("pbs.log_dir")),
			Log:     log,
		}, nil
	case cluster.Gateway:
		client, err := cluster.NewKubernetesClient(os.ExpandEnv(cfg.GetString("gateway.kubeconfig")))
		if err != nil {
			return nil, err
		}
		return &cluster.GatewayProvisioner{
			Client:    client,
			Namespace: cfg.GetString("gateway.namespace"),
			Image:     cfg.GetString("gateway.image"),
			Workers:   int32(cfg.GetInt("workers")),
			MemoryGB:  int32(cfg.GetInt("gateway.memory_gb")),
			RPCPort:   cfg.GetString("rpcport"),
			Log:       log,
		}, nil
	default:
		return nil, fmt.Errorf("nacordex: unsupported cluster backend %v", backend)
	}
}

// PrintConfig writes the settings held by cfg to w in TOML format.
func PrintConfig(w io.Writer, cfg *viper.Viper) error {
	if err := toml.NewEncoder(w).Encode(cfg.AllSettings()); err != nil {
		return fmt.Errorf("nacordex: encoding configuration: %w", err)
	}
	return nil
}

// maxListed is the largest number of unique values printed for a column.
const maxListed = 12

func printUnique(w io.Writer, columns []string, unique map[string][]string) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "column\tunique\tvalues")
	for _, col := range columns {
		vals := unique[col]
		listed := ""
		if len(vals) <= maxListed {
			listed = strings.Join(vals, ", ")
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", col, len(vals), listed)
	}
	return tw.Flush()
}
