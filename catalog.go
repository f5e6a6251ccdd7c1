// Copyright 2025 Rastermill Contributors.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

package rastermill

import (
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Catalog, Collection and Variable are read-only configuration maintained by
// an external store; the pipeline never edits them. The mutable parts of a
// dataset - items, assets, recorded extents - live with the ItemStore.

var (
	// ErrUnknownCatalog is returned when a path's catalog segment does not
	// resolve to an active catalog.
	ErrUnknownCatalog = errors.New("unknown or inactive catalog")

	// ErrUnknownCollection is returned when an explicit collection segment
	// does not resolve under its catalog.
	ErrUnknownCollection = errors.New("unknown or inactive collection")

	// ErrNoActiveCollections is returned when a path without a collection
	// segment fans out to a catalog with no active collections.
	ErrNoActiveCollections = errors.New("catalog has no active collections")
)

// ClipMode controls how a catalog's boundary is applied.
type ClipMode string

const (
	ClipNone ClipMode = "none" // no clipping
	ClipBBox ClipMode = "bbox" // window to the boundary bounding box only
	ClipMask ClipMode = "mask" // bbox window plus precise geometry mask
)

// Boundary is a clip region: a bounding box plus optional polygon rings
// (outer ring first, in lon/lat order).
type Boundary struct {
	BBox    Bounds         `toml:"bbox"`
	Polygon [][][2]float64 `toml:"polygon"`
}

// Catalog is a data-family configuration.
type Catalog struct {
	Slug           string    `toml:"slug"`
	FileFormat     string    `toml:"format"`
	ClipMode       ClipMode  `toml:"clip_mode"`
	Boundary       *Boundary `toml:"boundary"`
	ArchiveSources bool      `toml:"archive"`
	Active         bool      `toml:"active"`

	Collections []Collection `toml:"collections"`
}

// Collection is a dataset grouping sharing one spatial grid and temporal
// cadence within a catalog.
type Collection struct {
	Slug    string `toml:"slug"`
	Catalog string `toml:"-"`
	CRS     string `toml:"crs"`
	Active  bool   `toml:"active"`

	Variables []Variable `toml:"variables"`
}

// ActiveVariables returns the collection's active variables in order.
func (c *Collection) ActiveVariables() []Variable {
	var out []Variable
	for _, v := range c.Variables {
		if v.Active {
			out = append(out, v)
		}
	}
	return out
}

// TransformType determines how a variable's sources combine into one grid.
type TransformType string

const (
	TransformPassthrough     TransformType = "passthrough"
	TransformVectorMagnitude TransformType = "vector_magnitude"
	TransformVectorDirection TransformType = "vector_direction"
	TransformBandMath        TransformType = "band_math"
	TransformThreshold       TransformType = "threshold"
)

// Variable is a named measurable quantity with its unit conversion, value
// range, visual scale, and source bindings into the raw file.
type Variable struct {
	Slug           string        `toml:"slug"`
	Units          string        `toml:"units"`
	UnitConversion string        `toml:"unit_conversion"`
	ValueMin       *float64      `toml:"value_min"`
	ValueMax       *float64      `toml:"value_max"`
	ScaleType      string        `toml:"scale_type"`
	Transform      TransformType `toml:"transform"`
	Expression     string        `toml:"expression"`
	Active         bool          `toml:"active"`

	Sources []VariableSource `toml:"sources"`
}

// Well-known source roles. Vector transforms require the two component
// roles; everything else defaults to primary.
const (
	RolePrimary    = "primary"
	RoleUComponent = "u_component"
	RoleVComponent = "v_component"
)

// PrimarySource returns the source with role "primary", or the first source.
func (v *Variable) PrimarySource() (VariableSource, error) {
	if len(v.Sources) == 0 {
		return VariableSource{}, errors.Errorf("variable %q has no sources", v.Slug)
	}
	for _, s := range v.Sources {
		if s.Role == RolePrimary {
			return s, nil
		}
	}
	return v.Sources[0], nil
}

// SourceByRole finds a source by role.
func (v *Variable) SourceByRole(role string) (VariableSource, error) {
	for _, s := range v.Sources {
		if s.Role == role {
			return s, nil
		}
	}
	return VariableSource{}, errors.Errorf("variable %q has no source with role %q", v.Slug, role)
}

// VariableSource binds a variable to one parameter in the raw file.
type VariableSource struct {
	SourceName string   `toml:"source_name"`
	Role       string   `toml:"role"`
	LevelType  string   `toml:"level_type"`
	Level      *float64 `toml:"level"`
	SortOrder  int      `toml:"sort_order"`
}

// Selector converts the binding into a plugin selector, attaching a
// VariableKey when the source pins a vertical level.
func (s VariableSource) Selector() Selector {
	sel := Selector{Name: s.SourceName}
	if s.LevelType != "" {
		sel.Key = &VariableKey{ShortName: s.SourceName, LevelType: s.LevelType, Level: s.Level}
	}
	return sel
}

// ConfigStore is the read-only catalog configuration lookup.
type ConfigStore interface {
	// Catalog returns the active catalog for slug, or ErrUnknownCatalog.
	Catalog(slug string) (*Catalog, error)

	// Collection returns the named collection under the catalog, or
	// ErrUnknownCollection. Inactive collections are not returned.
	Collection(catalog, slug string) (*Collection, error)

	// Collections returns every active collection under the catalog.
	Collections(catalog string) ([]Collection, error)
}

// FileStore is a ConfigStore backed by one TOML file.
type FileStore struct {
	catalogs map[string]*Catalog
}

type catalogFile struct {
	Catalogs []Catalog `toml:"catalogs"`
}

// LoadFileStore reads catalog configuration from a TOML file.
func LoadFileStore(path string) (*FileStore, error) {
	var cf catalogFile
	if _, err := toml.DecodeFile(path, &cf); err != nil {
		return nil, errors.Wrapf(err, "decoding catalog config %q", path)
	}
	fs := &FileStore{catalogs: make(map[string]*Catalog, len(cf.Catalogs))}
	for i := range cf.Catalogs {
		cat := cf.Catalogs[i]
		for j := range cat.Collections {
			cat.Collections[j].Catalog = cat.Slug
		}
		fs.catalogs[cat.Slug] = &cat
	}
	return fs, nil
}

// Catalog implements ConfigStore.
func (fs *FileStore) Catalog(slug string) (*Catalog, error) {
	cat, ok := fs.catalogs[slug]
	if !ok || !cat.Active {
		return nil, errors.Wrapf(ErrUnknownCatalog, "%q", slug)
	}
	return cat, nil
}

// Collection implements ConfigStore.
func (fs *FileStore) Collection(catalog, slug string) (*Collection, error) {
	cat, err := fs.Catalog(catalog)
	if err != nil {
		return nil, err
	}
	for i := range cat.Collections {
		c := &cat.Collections[i]
		if c.Slug == slug && c.Active {
			return c, nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownCollection, "%s/%s", catalog, slug)
}

// Collections implements ConfigStore.
func (fs *FileStore) Collections(catalog string) ([]Collection, error) {
	cat, err := fs.Catalog(catalog)
	if err != nil {
		return nil, err
	}
	var out []Collection
	for _, c := range cat.Collections {
		if c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

// CachedStore wraps a ConfigStore with a bounded per-slug TTL cache. The
// notification ingress hits the catalog existence check on every event;
// the cache keeps that path off the backing store without holding config
// as unbounded global state.
type CachedStore struct {
	ConfigStore
	TTL time.Duration

	mu      sync.Mutex
	entries map[string]cachedCatalog
}

type cachedCatalog struct {
	cat     *Catalog
	err     error
	fetched time.Time
}

const cachedStoreMaxEntries = 256

// NewCachedStore wraps store with a TTL cache over Catalog lookups.
func NewCachedStore(store ConfigStore, ttl time.Duration) *CachedStore {
	return &CachedStore{ConfigStore: store, TTL: ttl, entries: map[string]cachedCatalog{}}
}

// Catalog implements ConfigStore with caching. Negative results are cached
// too, so a flood of events for an unknown catalog stays cheap.
func (cs *CachedStore) Catalog(slug string) (*Catalog, error) {
	cs.mu.Lock()
	e, ok := cs.entries[slug]
	cs.mu.Unlock()
	if ok && time.Since(e.fetched) < cs.TTL {
		return e.cat, e.err
	}
	cat, err := cs.ConfigStore.Catalog(slug)
	cs.mu.Lock()
	if len(cs.entries) >= cachedStoreMaxEntries {
		cs.entries = map[string]cachedCatalog{}
	}
	cs.entries[slug] = cachedCatalog{cat: cat, err: err, fetched: time.Now()}
	cs.mu.Unlock()
	return cat, err
}
