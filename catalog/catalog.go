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

// Package catalog reads intake-esm catalogs: a JSON collection
// description together with a CSV table that lists one dataset asset
// per row.
package catalog

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spatialmodel/nacordex"
	"github.com/spatialmodel/nacordex/blobstore"
)

// ErrNoMatch is returned when a search matches no catalog rows. It
// wraps nacordex.ErrLookup.
var ErrNoMatch = fmt.Errorf("catalog: no matching datasets: %w", nacordex.ErrLookup)

// Collection is the JSON description of an intake-esm catalog.
type Collection struct {
	ESMCatVersion      string             `json:"esmcat_version"`
	ID                 string             `json:"id"`
	Description        string             `json:"description"`
	CatalogFile        string             `json:"catalog_file"`
	Attributes         []Attribute        `json:"attributes"`
	Assets             Assets             `json:"assets"`
	AggregationControl AggregationControl `json:"aggregation_control"`
}

// Attribute describes a catalog column.
type Attribute struct {
	ColumnName string `json:"column_name"`
	Vocabulary string `json:"vocabulary"`
}

// Assets names the column that holds dataset locations.
type Assets struct {
	ColumnName string `json:"column_name"`
	Format     string `json:"format"`
}

// AggregationControl specifies how rows are grouped into datasets.
type AggregationControl struct {
	VariableColumnName string   `json:"variable_column_name"`
	GroupbyAttrs       []string `json:"groupby_attrs"`
}

// Catalog is a table of dataset assets.
type Catalog struct {
	Collection
	columns []string
	index   map[string]int
	rows    [][]string
}

// Entry is a dataset, made of the catalog rows that share the values of
// the groupby attributes.
type Entry struct {
	// Key joins the groupby attribute values with ".", e.g.
	// "tmax.day.hist.NAM-22i.raw".
	Key string

	// Locations lists the assets of the dataset's rows, in catalog order.
	Locations []string

	// Attrs holds the column values of the dataset's first row.
	Attrs map[string]string
}

// Location returns the location of the dataset's first asset.
func (e Entry) Location() string {
	if len(e.Locations) == 0 {
		return ""
	}
	return e.Locations[0]
}

// Open reads the catalog described by the JSON file at location, which
// may be a blob URL, an http(s) URL or a local path. A relative
// catalog_file is resolved against the directory of location.
func Open(ctx context.Context, location string) (*Catalog, error) {
	b, err := blobstore.ReadAll(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading %s: %w", location, err)
	}
	var col Collection
	if err := json.Unmarshal(b, &col); err != nil {
		return nil, fmt.Errorf("catalog: parsing %s: %w", location, err)
	}
	if col.CatalogFile == "" {
		return nil, fmt.Errorf("catalog: %s has no catalog_file", location)
	}
	csvLoc := col.CatalogFile
	if !strings.Contains(csvLoc, "://") && !path.IsAbs(csvLoc) {
		csvLoc = resolve(location, csvLoc)
	}
	data, err := blobstore.ReadAll(ctx, csvLoc)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading table %s: %w", csvLoc, err)
	}
	c, err := parse(col, data)
	if err != nil {
		return nil, fmt.Errorf("catalog: table %s: %w", csvLoc, err)
	}
	return c, nil
}

func resolve(base, rel string) string {
	i := strings.LastIndex(base, "/")
	if i < 0 {
		return rel
	}
	return base[:i+1] + strings.TrimPrefix(rel, "./")
}

// New creates a catalog from a collection description and the CSV
// table, which may be gzip-compressed.
func New(col Collection, table []byte) (*Catalog, error) {
	return parse(col, table)
}

func parse(col Collection, data []byte) (*Catalog, error) {
	var r io.Reader = bytes.NewReader(data)
	if len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty table")
	}
	c := &Catalog{Collection: col, columns: records[0], index: make(map[string]int), rows: records[1:]}
	for i, name := range c.columns {
		c.index[name] = i
	}
	if _, ok := c.index[col.Assets.ColumnName]; !ok {
		return nil, fmt.Errorf("missing assets column %q", col.Assets.ColumnName)
	}
	for _, g := range col.AggregationControl.GroupbyAttrs {
		if _, ok := c.index[g]; !ok {
			return nil, fmt.Errorf("missing groupby column %q", g)
		}
	}
	return c, nil
}

// Columns returns the column names.
func (c *Catalog) Columns() []string { return append([]string(nil), c.columns...) }

// Len returns the number of rows.
func (c *Catalog) Len() int { return len(c.rows) }

// Query maps column names to lists of accepted values. A row matches
// when, for every column in the query, its value is one of the values
// listed.
type Query map[string][]string

// Search returns the subset of the catalog that matches q. It returns
// an error wrapping ErrNoMatch if no rows match.
func (c *Catalog) Search(q Query) (*Catalog, error) {
	type cond struct {
		col    int
		values map[string]struct{}
	}
	var conds []cond
	for k, vals := range q {
		i, ok := c.index[k]
		if !ok {
			return nil, fmt.Errorf("catalog: unknown column %q: %w", k, ErrNoMatch)
		}
		m := make(map[string]struct{}, len(vals))
		for _, v := range vals {
			m[v] = struct{}{}
		}
		conds = append(conds, cond{col: i, values: m})
	}
	o := &Catalog{Collection: c.Collection, columns: c.columns, index: c.index}
	for _, row := range c.rows {
		match := true
		for _, cd := range conds {
			if _, ok := cd.values[row[cd.col]]; !ok {
				match = false
				break
			}
		}
		if match {
			o.rows = append(o.rows, row)
		}
	}
	if len(o.rows) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoMatch, q)
	}
	return o, nil
}

func (q Query) String() string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, strings.Join(q[k], "|"))
	}
	return strings.Join(parts, ",")
}

// Unique returns the sorted unique values of every column.
func (c *Catalog) Unique() map[string][]string {
	o := make(map[string][]string, len(c.columns))
	for i, name := range c.columns {
		seen := make(map[string]struct{})
		for _, row := range c.rows {
			seen[row[i]] = struct{}{}
		}
		vals := make([]string, 0, len(seen))
		for v := range seen {
			vals = append(vals, v)
		}
		sort.Strings(vals)
		o[name] = vals
	}
	return o
}

func (c *Catalog) key(row []string) string {
	parts := make([]string, len(c.AggregationControl.GroupbyAttrs))
	for i, g := range c.AggregationControl.GroupbyAttrs {
		parts[i] = row[c.index[g]]
	}
	return strings.Join(parts, ".")
}

// Entries groups the rows into datasets.
func (c *Catalog) Entries() map[string]Entry {
	o := make(map[string]Entry)
	ai := c.index[c.Assets.ColumnName]
	for _, row := range c.rows {
		k := c.key(row)
		e, ok := o[k]
		if !ok {
			e = Entry{Key: k, Attrs: make(map[string]string, len(c.columns))}
			for i, name := range c.columns {
				e.Attrs[name] = row[i]
			}
		}
		e.Locations = append(e.Locations, row[ai])
		o[k] = e
	}
	return o
}

// Keys returns the sorted dataset keys.
func (c *Catalog) Keys() []string {
	e := c.Entries()
	o := make([]string, 0, len(e))
	for k := range e {
		o = append(o, k)
	}
	sort.Strings(o)
	return o
}
