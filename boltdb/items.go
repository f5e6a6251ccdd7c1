package boltdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/mmcloughlin/geohash"
	"github.com/pkg/errors"

	"github.com/rastermill/rastermill"
)

var (
	itemsBucket   = []byte("items")
	assetsBucket  = []byte("assets")
	extentsBucket = []byte("extents")
)

const itemGeohashPrecision = 6

var _ rastermill.ItemStore = (*Items)(nil)

// Items is a rastermill.ItemStore stored in boltdb. Items are keyed by
// collection and timestamp, assets by collection, timestamp and variable.
type Items struct {
	Db *bolt.DB
}

// NewItems opens (creating if needed) an item catalog at filename.
func NewItems(filename string) (*Items, error) {
	db, err := bolt.Open(filename, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening db file '%v'", filename)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{itemsBucket, assetsBucket, extentsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "creating %s bucket", name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "ensuring bucket existence")
	}
	return &Items{Db: db}, nil
}

// Close syncs and closes the underlying boltdb.
func (s *Items) Close() error {
	if err := s.Db.Sync(); err != nil {
		return errors.Wrap(err, "syncing db")
	}
	return s.Db.Close()
}

func itemKey(collection string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s\x00%s", collection, ts.UTC().Format(time.RFC3339)))
}

func assetKey(collection string, ts time.Time, variable string, format rastermill.AssetFormat) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%s\x00%s", collection, ts.UTC().Format(time.RFC3339), variable, format))
}

// UpsertItem writes the item, stamping its geohash from the bounds center.
// Returns true when the item did not exist before.
func (s *Items) UpsertItem(item *rastermill.Item) (bool, error) {
	lat, lon := item.Bounds.Center()
	item.Geohash = geohash.EncodeWithPrecision(lat, lon, itemGeohashPrecision)
	key := itemKey(item.Collection, item.Time)
	var created bool
	err := s.Db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(itemsBucket)
		created = b.Get(key) == nil
		raw, err := json.Marshal(item)
		if err != nil {
			return errors.Wrap(err, "marshaling item")
		}
		return b.Put(key, raw)
	})
	if err != nil {
		return false, errors.Wrapf(err, "upserting item %s@%v", item.Collection, item.Time)
	}
	return created, nil
}

// UpsertAsset writes the asset record.
func (s *Items) UpsertAsset(asset *rastermill.Asset) error {
	key := assetKey(asset.Collection, asset.ItemTime, asset.Variable, asset.Format)
	err := s.Db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(asset)
		if err != nil {
			return errors.Wrap(err, "marshaling asset")
		}
		return tx.Bucket(assetsBucket).Put(key, raw)
	})
	return errors.Wrapf(err, "upserting asset %s/%s", asset.Collection, asset.Variable)
}

// Items returns all items of a collection ordered by timestamp.
func (s *Items) Items(collection string) ([]*rastermill.Item, error) {
	prefix := []byte(collection + "\x00")
	var out []*rastermill.Item
	err := s.Db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(itemsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item rastermill.Item
			if err := json.Unmarshal(v, &item); err != nil {
				return errors.Wrap(err, "unmarshaling item")
			}
			out = append(out, &item)
		}
		return nil
	})
	return out, errors.Wrapf(err, "listing items for %s", collection)
}

// ExtendExtent grows the collection's spatial and temporal extent to cover
// the given bounds and timestamp.
func (s *Items) ExtendExtent(collection string, b rastermill.Bounds, t time.Time) error {
	t = t.UTC()
	err := s.Db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(extentsBucket)
		ext := rastermill.Extent{Bounds: b, Start: t, End: t}
		if raw := bk.Get([]byte(collection)); raw != nil {
			if err := json.Unmarshal(raw, &ext); err != nil {
				return errors.Wrap(err, "unmarshaling extent")
			}
			if b.West < ext.Bounds.West {
				ext.Bounds.West = b.West
			}
			if b.South < ext.Bounds.South {
				ext.Bounds.South = b.South
			}
			if b.East > ext.Bounds.East {
				ext.Bounds.East = b.East
			}
			if b.North > ext.Bounds.North {
				ext.Bounds.North = b.North
			}
			if t.Before(ext.Start) {
				ext.Start = t
			}
			if t.After(ext.End) {
				ext.End = t
			}
		}
		raw, err := json.Marshal(&ext)
		if err != nil {
			return errors.Wrap(err, "marshaling extent")
		}
		return bk.Put([]byte(collection), raw)
	})
	return errors.Wrapf(err, "extending extent for %s", collection)
}

// Extent returns the collection's recorded extent, or nil if no items have
// been cataloged yet.
func (s *Items) Extent(collection string) (*rastermill.Extent, error) {
	var ext *rastermill.Extent
	err := s.Db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(extentsBucket).Get([]byte(collection))
		if raw == nil {
			return nil
		}
		var e rastermill.Extent
		if err := json.Unmarshal(raw, &e); err != nil {
			return errors.Wrap(err, "unmarshaling extent")
		}
		ext = &e
		return nil
	})
	return ext, errors.Wrapf(err, "getting extent for %s", collection)
}
