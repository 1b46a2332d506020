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

// Package nacordexutil contains the command-line interface of nacordex.
package nacordexutil

import (
	"context"
	"fmt"
	"os"

	"github.com/lnashier/viper"
	"github.com/spatialmodel/nacordex"
	"github.com/spatialmodel/nacordex/cluster"
	"github.com/spatialmodel/nacordex/source"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(configCmd)
	Root.AddCommand(catalogCmd)
	catalogCmd.AddCommand(searchCmd)
	catalogCmd.AddCommand(uniqueCmd)
	Root.AddCommand(plotCmd)
	for _, kind := range []nacordex.Kind{nacordex.Snapshots, nacordex.StatMaps, nacordex.Timeseries} {
		plotCmd.AddCommand(plotKindCmd(kind))
	}
	Root.AddCommand(subsetCmd)
	Root.AddCommand(workerCmd)
}

func init() {
	// Options are the configuration options available to nacordex.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "log_level",
			usage: `
              log_level is the logging verbosity: one of panic, fatal, error,
              warn, info, debug or trace.`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "provider",
			usage: `
              provider is the storage provider of the archive: "aws" for the
              AWS Open Data S3 bucket or "ncar" for the NCAR Stratus
              object store.`,
			defaultVal: "aws",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "catalog_url",
			usage: `
              catalog_url overrides the location of the catalog description
              of the provider. It may be a local path, a blob URL or an
              http(s) URL.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "variable",
			usage: `
              variable selects the catalog variable, for example tmax.`,
			shorthand:  "v",
			defaultVal: "tmax",
			flagsets:   []*pflag.FlagSet{searchCmd.Flags(), plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
		{
			name: "grid",
			usage: `
              grid selects the catalog grid, for example NAM-44i.`,
			defaultVal: "NAM-44i",
			flagsets:   []*pflag.FlagSet{searchCmd.Flags(), plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
		{
			name: "scenario",
			usage: `
              scenario selects the catalog scenario, for example eval, hist or rcp85.`,
			defaultVal: "eval",
			flagsets:   []*pflag.FlagSet{searchCmd.Flags(), plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
		{
			name: "frequency",
			usage: `
              frequency selects the catalog output frequency, for example day or mon.`,
			defaultVal: "day",
			flagsets:   []*pflag.FlagSet{searchCmd.Flags(), plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
		{
			name: "bias_correction",
			usage: `
              bias_correction selects the catalog bias correction, for example
              raw or mbcn-gridMET.`,
			defaultVal: "raw",
			flagsets:   []*pflag.FlagSet{searchCmd.Flags(), plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
		{
			name: "dataset_key",
			usage: `
              dataset_key selects one of the datasets matching the search. It
              is required when the search matches more than one dataset.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
		{
			name: "members",
			usage: `
              members is the number of ensemble members plotted, between 1 and 16.`,
			shorthand:  "n",
			defaultVal: 4,
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags()},
		},
		{
			name: "member_ids",
			usage: `
              member_ids lists the ensemble members to use. If empty, the first
              members of the dataset are used.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
		{
			name: "truncate",
			usage: `
              truncate restricts the statistic figures to the first year that
              has valid data.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags()},
		},
		{
			name: "mid_from_valid_window",
			usage: `
              mid_from_valid_window places the middle snapshot halfway through the
              valid time steps instead of halfway through the time axis.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags()},
		},
		{
			name: "save_image",
			usage: `
              save_image specifies whether figures are saved to output_dir.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags()},
		},
		{
			name: "output_dir",
			usage: `
              output_dir is the local directory or blob URL that figures are
              saved to, as <dataset key>_<kind>.png.`,
			shorthand:  "o",
			defaultVal: ".",
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags()},
		},
		{
			name: "dpi",
			usage: `
              dpi is the resolution of saved figures.`,
			defaultVal: 100.0,
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags()},
		},
		{
			name: "years",
			usage: `
              years is the number of years, starting with the first year with
              valid data, that are saved. Zero saves all years.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{subsetCmd.Flags()},
		},
		{
			name: "output",
			usage: `
              output is the location of the Zarr store that the subset is
              written to, for example file:///data/subset.zarr.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{subsetCmd.Flags()},
		},
		{
			name: "cluster",
			usage: `
              cluster is the backend that reads data blocks: "local" for a
              pool of goroutines, "pbs" for workers on the nodes of a PBS job
              or "gateway" for worker pods in a Kubernetes cluster.`,
			defaultVal: "local",
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
		{
			name: "workers",
			usage: `
              workers is the number of workers in local and gateway clusters.
              Zero selects the default.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
		{
			name: "rpcport",
			usage: `
              rpcport is the port that cluster workers listen on.`,
			defaultVal: cluster.RPCPort,
			flagsets:   []*pflag.FlagSet{workerCmd.Flags(), plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
		{
			name: "pbs.command",
			usage: `
              pbs.command is the command run over ssh on each PBS node to
              start a worker.`,
			defaultVal: "nacordex worker",
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
		{
			name: "pbs.log_dir",
			usage: `
              pbs.log_dir is the directory that PBS worker output is written to.`,
			defaultVal: ".",
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
		{
			name: "gateway.namespace",
			usage: `
              gateway.namespace is the Kubernetes namespace of the worker job.`,
			defaultVal: "nacordex",
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
		{
			name: "gateway.image",
			usage: `
              gateway.image is the container image of the worker pods.`,
			defaultVal: "nacordex/nacordex:latest",
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
		{
			name: "gateway.memory_gb",
			usage: `
              gateway.memory_gb is the memory requested by each worker pod.`,
			defaultVal: 4,
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
		{
			name: "gateway.kubeconfig",
			usage: `
              gateway.kubeconfig is the path to the kubeconfig file of the
              Kubernetes cluster. If empty, the in-cluster configuration is used.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{plotCmd.PersistentFlags(), subsetCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("NACORDEX")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch v := option.defaultVal.(type) {
			case string:
				set.StringP(option.name, option.shorthand, v, option.usage)
			case []string:
				set.StringSliceP(option.name, option.shorthand, v, option.usage)
			case bool:
				set.BoolP(option.name, option.shorthand, v, option.usage)
			case int:
				set.IntP(option.name, option.shorthand, v, option.usage)
			case float64:
				set.Float64P(option.name, option.shorthand, v, option.usage)
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(os.ExpandEnv(cfgpath))
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("nacordex: problem reading configuration file: %w", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "nacordex",
	Short: "Explore the NA-CORDEX regional climate archive.",
	Long: `nacordex searches the catalog of the NA-CORDEX regional climate model
archive, loads ensemble members of a dataset from cloud object storage and
renders diagnostic figures from them.

Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'NACORDEX_var' where 'var' is the
name of the variable to be set.`,
	DisableAutoGenTag: true,
	SilenceUsage:      true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of nacordex.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("nacordex v%s\n", nacordex.Version)
	},
	DisableAutoGenTag: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the configuration",
	Long:  "config prints the configuration that results from the defaults, the configuration file, the environment and the command line, in TOML format.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return PrintConfig(cmd.OutOrStdout(), Cfg)
	},
	DisableAutoGenTag: true,
}

var catalogCmd = &cobra.Command{
	Use:               "catalog",
	Short:             "Explore the dataset catalog.",
	DisableAutoGenTag: true,
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "List the datasets matching a search.",
	Long: `search lists the keys and locations of the datasets in the catalog that
match the variable, grid, scenario, frequency and bias_correction options.
Empty options match any value.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := Search(cmd.Context(), Cfg)
		if err != nil {
			return err
		}
		entries := c.Entries()
		for _, k := range c.Keys() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", k, entries[k].Location())
		}
		return nil
	},
	DisableAutoGenTag: true,
}

var uniqueCmd = &cobra.Command{
	Use:   "unique",
	Short: "Summarize the catalog.",
	Long:  "unique prints the number of unique values in each catalog column, and the values of the columns that have few of them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := OpenCatalog(cmd.Context(), Cfg)
		if err != nil {
			return err
		}
		return printUnique(cmd.OutOrStdout(), c.Columns(), c.Unique())
	},
	DisableAutoGenTag: true,
}

var plotCmd = &cobra.Command{
	Use:   "plot",
	Short: "Render diagnostic figures of a dataset.",
	Long: `plot renders one kind of diagnostic figure of the dataset selected by
the catalog options, with one row for each ensemble member.`,
	DisableAutoGenTag: true,
}

func plotKindCmd(kind nacordex.Kind) *cobra.Command {
	short := map[nacordex.Kind]string{
		nacordex.Snapshots:  "Maps of the first, middle and last valid time steps.",
		nacordex.StatMaps:   "Maps of the temporal minimum, maximum, mean and standard deviation.",
		nacordex.Timeseries: "Time series of spatial statistics with missing-data markers.",
	}
	use := string(kind)
	if kind == nacordex.Snapshots {
		use = "snapshots"
	}
	return &cobra.Command{
		Use:     use,
		Aliases: []string{string(kind)},
		Short:   short[kind],
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := Plot(cmd.Context(), Cfg, kind)
			return err
		},
		DisableAutoGenTag: true,
	}
}

var subsetCmd = &cobra.Command{
	Use:   "subset",
	Short: "Save one ensemble member of a dataset as a Zarr store.",
	Long: `subset saves one ensemble member of the selected dataset to the Zarr
store at output, optionally limited to the first years with valid data.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Subset(cmd.Context(), Cfg)
	},
	DisableAutoGenTag: true,
}

// workerCmd is a command that starts a new worker.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a nacordex worker.",
	Long: `worker starts a nacordex worker that listens over RPC for requests for
blocks of data, reads them from storage, and returns them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := Logger(Cfg)
		if err != nil {
			return err
		}
		open := func(ctx context.Context, location string) (source.Source, error) {
			return source.OpenWithLog(ctx, location, log)
		}
		w := cluster.NewWorker(open, log)
		return cluster.WorkerListen(cmd.Context(), w, Cfg.GetString("rpcport"))
	},
	DisableAutoGenTag: true,
}
