package rastermill

import (
	"fmt"
	"time"
)

// Origin identifies which ingest-enabled bucket a file arrived through.
type Origin string

const (
	// OriginIncoming holds human-uploaded raw data.
	OriginIncoming Origin = "incoming"

	// OriginSources holds data fetched by automated collector plugins.
	OriginSources Origin = "sources"
)

// Origins lists the ingest-enabled origins.
var Origins = []Origin{OriginIncoming, OriginSources}

// Buckets maps bucket roles to physical bucket names.
//
//	incoming/  user uploads             {catalog}/{collection?}/{filename}
//	sources/   collector plugin output  {catalog}/{collection?}/{filename}
//	archive/   raw copy of processed    {incoming|sources}/{catalog}/{collection?}/{filename}
//	assets/    finished products        {catalog}/{collection}/{variable}/{YYYY}/{MM}/{DD}/{filename}
type Buckets struct {
	Incoming string
	Sources  string
	Archive  string
	Assets   string
}

// DefaultBuckets returns the conventional bucket names.
func DefaultBuckets() Buckets {
	return Buckets{
		Incoming: "rastermill-incoming",
		Sources:  "rastermill-sources",
		Archive:  "rastermill-archive",
		Assets:   "rastermill-assets",
	}
}

// ForOrigin returns the bucket name for an ingest origin.
func (b Buckets) ForOrigin(o Origin) string {
	if o == OriginSources {
		return b.Sources
	}
	return b.Incoming
}

// OriginForBucket maps a physical bucket name back to its ingest origin.
// Only ingest-enabled buckets map; events for archive, assets or unknown
// buckets return false.
func (b Buckets) OriginForBucket(name string) (Origin, bool) {
	switch name {
	case b.Incoming:
		return OriginIncoming, true
	case b.Sources:
		return OriginSources, true
	}
	return "", false
}

// ArchiveKey returns the archive-bucket key for a raw file: the origin
// segment keeps incoming and sources trees apart.
func ArchiveKey(origin Origin, path string) string {
	return string(origin) + "/" + path
}

// AssetKey returns the assets-bucket key for one output file.
func AssetKey(catalog, collection, variable string, ts time.Time, filename string) string {
	ts = ts.UTC()
	return fmt.Sprintf("%s/%s/%s/%04d/%02d/%02d/%s",
		catalog, collection, variable, ts.Year(), int(ts.Month()), ts.Day(), filename)
}

// StoredObject is one object listed from a bucket.
type StoredObject struct {
	Key  string
	Size int64
}

// ObjectStore is the object-store surface the pipeline needs. Distinct
// paths are safe for concurrent writes; no cross-file coordination exists
// or is needed.
type ObjectStore interface {
	// List returns all objects under prefix in bucket.
	List(bucket, prefix string) ([]StoredObject, error)

	// Download copies an object to a local path.
	Download(bucket, key, localPath string) error

	// Put writes an object.
	Put(bucket, key string, data []byte) error

	// Copy duplicates an object between buckets server-side.
	Copy(srcBucket, srcKey, dstBucket, dstKey string) error

	// Delete removes an object.
	Delete(bucket, key string) error
}
