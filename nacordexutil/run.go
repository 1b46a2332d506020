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
	"os"
	"strings"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/nacordex"
	"github.com/spatialmodel/nacordex/catalog"
	"github.com/spatialmodel/nacordex/cluster"
)

// OpenCatalog opens the catalog of the configured provider.
func OpenCatalog(ctx context.Context, cfg *viper.Viper) (*catalog.Catalog, error) {
	p, err := nacordex.ParseProvider(cfg.GetString("provider"))
	if err != nil {
		return nil, err
	}
	c := nacordex.Config{Provider: p, CatalogURL: os.ExpandEnv(cfg.GetString("catalog_url"))}
	return catalog.Open(ctx, c.Catalog())
}

// Search returns the catalog entries matching the configured search.
func Search(ctx context.Context, cfg *viper.Viper) (*catalog.Catalog, error) {
	c, err := OpenCatalog(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c.Search(Query(cfg))
}

// selectEntry returns the dataset with the given key, or the only dataset
// in c if key is empty.
func selectEntry(c *catalog.Catalog, key string) (catalog.Entry, error) {
	entries := c.Entries()
	if key != "" {
		e, ok := entries[key]
		if !ok {
			return e, fmt.Errorf("%w: dataset %q is not among the matching datasets %s",
				nacordex.ErrLookup, key, strings.Join(c.Keys(), ", "))
		}
		return e, nil
	}
	if len(entries) != 1 {
		return catalog.Entry{}, fmt.Errorf("%w: the search matches %d datasets; set dataset_key to one of %s",
			nacordex.ErrInvalidArgument, len(entries), strings.Join(c.Keys(), ", "))
	}
	return entries[c.Keys()[0]], nil
}

// variable returns the single variable selected by cfg.
func variable(cfg *viper.Viper) (string, error) {
	v := Query(cfg)["variable"]
	if len(v) != 1 {
		return "", fmt.Errorf("%w: exactly one variable must be selected, got %v", nacordex.ErrInvalidArgument, v)
	}
	return v[0], nil
}

// session is an opened dataset and the cluster serving its reads.
type session struct {
	ds       *nacordex.Dataset
	cl       cluster.Cluster
	variable string
	log      logrus.FieldLogger
}

func (s *session) Close(ctx context.Context) error {
	err := s.ds.Close()
	if cerr := s.cl.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

// closeInto closes s and stores the error in err unless err already
// holds one.
func (s *session) closeInto(ctx context.Context, err *error) {
	if cerr := s.Close(ctx); *err == nil {
		*err = cerr
	}
}

// openSession searches the catalog, starts the configured cluster and
// opens the selected dataset.
func openSession(ctx context.Context, cfg *viper.Viper, backend cluster.Backend, log *logrus.Logger) (*session, error) {
	v, err := variable(cfg)
	if err != nil {
		return nil, err
	}
	c, err := Search(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e, err := selectEntry(c, cfg.GetString("dataset_key"))
	if err != nil {
		return nil, err
	}
	if len(e.Locations) > 1 {
		log.WithField("dataset", e.Key).Warnf("nacordex: dataset has %d locations; using %s", len(e.Locations), e.Location())
	}
	p, err := Provisioner(cfg, backend, log)
	if err != nil {
		return nil, err
	}
	cl, err := p.Create(ctx)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"backend": cl.Backend(), "workers": cl.Workers()}).Info("nacordex: cluster ready")
	ds, err := nacordex.OpenDataset(ctx, e.Key, e.Location(), cl, log)
	if err != nil {
		cl.Close(ctx)
		return nil, err
	}
	return &session{ds: ds, cl: cl, variable: v, log: log}, nil
}

// Plot renders a figure of the given kind for the configured dataset and
// saves it if save_image is set.
func Plot(ctx context.Context, cfg *viper.Viper, kind nacordex.Kind) (fig *nacordex.Figure, err error) {
	log, err := Logger(cfg)
	if err != nil {
		return nil, err
	}
	conf, err := Config(cfg)
	if err != nil {
		return nil, err
	}
	s, err := openSession(ctx, cfg, conf.Cluster, log)
	if err != nil {
		return nil, err
	}
	defer s.closeInto(ctx, &err)
	if ids := memberIDs(cfg); len(ids) > 0 {
		return nacordex.RenderMembers(ctx, conf, s.ds, s.variable, kind, ids, log)
	}
	return nacordex.Render(ctx, conf, s.ds, s.variable, kind, log)
}

// Subset saves one ensemble member of the configured dataset as a Zarr
// store.
func Subset(ctx context.Context, cfg *viper.Viper) (err error) {
	output := os.ExpandEnv(cfg.GetString("output"))
	if output == "" {
		return fmt.Errorf("%w: no output location specified", nacordex.ErrInvalidArgument)
	}
	log, err := Logger(cfg)
	if err != nil {
		return err
	}
	backend, err := cluster.ParseBackend(cfg.GetString("cluster"))
	if err != nil {
		return err
	}
	s, err := openSession(ctx, cfg, backend, log)
	if err != nil {
		return err
	}
	defer s.closeInto(ctx, &err)

	member := s.ds.Members[0]
	if ids := memberIDs(cfg); len(ids) > 0 {
		member = ids[0]
	}
	f, err := nacordex.SelectMember(s.ds, s.variable, member)
	if err != nil {
		return err
	}
	if years := cfg.GetInt("years"); years > 0 {
		if f, err = nacordex.Truncate(ctx, f, years); err != nil {
			return err
		}
	}
	if err := nacordex.WriteZarr(ctx, f, output); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"member": member, "steps": f.Len(), "output": output}).Info("nacordex: saved subset")
	return nil
}
