package rastermill

import "time"

// Items and assets are the pipeline's outputs: one Item per (collection,
// timestamp) granule, and per Item one Asset per (variable, format). The
// ingestion worker is their only writer.

// Item is one (collection, timestamp) granule.
type Item struct {
	Collection    string     `json:"collection"`
	Time          time.Time  `json:"time"`
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
	SourceFile    string     `json:"source_file"`

	Bounds      Bounds  `json:"bounds"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	ResolutionX float64 `json:"resolution_x"`
	ResolutionY float64 `json:"resolution_y"`
	CRS         string  `json:"crs"`

	// Geohash of the bounds center, for coarse spatial lookups.
	Geohash string `json:"geohash,omitempty"`
}

// AssetFormat is the physical output kind.
type AssetFormat string

const (
	AssetPNG      AssetFormat = "png"     // visual-encoded image
	AssetGeoTIFF  AssetFormat = "geotiff" // data-bearing geotransformed raster
	AssetMetadata AssetFormat = "json"    // metadata sidecar
)

// Stats are per-asset value statistics; nil fields mean not computed.
type Stats struct {
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
	Mean *float64 `json:"mean,omitempty"`
	Std  *float64 `json:"std,omitempty"`
}

// Asset is one physical output file tied to an Item and a Variable.
type Asset struct {
	Collection string      `json:"collection"`
	ItemTime   time.Time   `json:"item_time"`
	Variable   string      `json:"variable"`
	Format     AssetFormat `json:"format"`

	Href      string   `json:"href"`
	MediaType string   `json:"media_type"`
	Roles     []string `json:"roles"`
	FileSize  int64    `json:"file_size"`

	Width  int `json:"width"`
	Height int `json:"height"`
	Bands  int `json:"bands"`

	Stats Stats                  `json:"stats"`
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Extent is a collection's recorded coverage, extended by the worker after
// each successful batch.
type Extent struct {
	Bounds Bounds    `json:"bounds"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

// ItemStore persists items, assets and collection extents.
type ItemStore interface {
	// UpsertItem creates or updates the item keyed (collection, time).
	// The bool reports creation.
	UpsertItem(item *Item) (bool, error)

	// UpsertAsset creates or replaces the asset keyed (collection,
	// item time, variable, format).
	UpsertAsset(a *Asset) error

	// Items returns a collection's items ordered by time.
	Items(collection string) ([]*Item, error)

	// ExtendExtent grows a collection's recorded spatial/temporal extent.
	ExtendExtent(collection string, b Bounds, t time.Time) error

	// Extent returns the recorded extent, or nil if nothing was ingested.
	Extent(collection string) (*Extent, error)

	Close() error
}
