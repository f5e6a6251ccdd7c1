package boltdb

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"

	"github.com/rastermill/rastermill"
)

func tempItems(t *testing.T) (*Items, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "rastermill-items")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}
	s, err := NewItems(filepath.Join(dir, "items.db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("opening item store: %v", err)
	}
	return s, func() {
		s.Close()
		os.RemoveAll(dir)
	}
}

func TestItemUpsert(t *testing.T) {
	s, cleanup := tempItems(t)
	defer cleanup()

	ts := time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)
	item := &rastermill.Item{
		Collection: "gfs",
		Time:       ts,
		SourceFile: "gfs_025.grib2",
		Bounds:     rastermill.Bounds{West: -10, South: 40, East: 10, North: 60},
		Width:      100,
		Height:     80,
	}
	created, err := s.UpsertItem(item)
	if err != nil {
		t.Fatalf("upserting: %v", err)
	}
	if !created {
		t.Fatal("expected created on first upsert")
	}
	if item.Geohash == "" {
		t.Fatal("expected geohash to be stamped")
	}
	// Center is (lat 50, lon 0) which geohashes into the u... cell.
	if item.Geohash[0] != 'u' {
		t.Fatalf("unexpected geohash %q for center 50,0", item.Geohash)
	}

	item.Width = 200
	created, err = s.UpsertItem(item)
	if err != nil {
		t.Fatalf("re-upserting: %v", err)
	}
	if created {
		t.Fatal("expected update, not create, on second upsert")
	}

	items, err := s.Items("gfs")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(items) != 1 || items[0].Width != 200 {
		t.Fatalf("unexpected items: %+v", items)
	}
	if other, _ := s.Items("other"); len(other) != 0 {
		t.Fatalf("expected no items in other collection, got %d", len(other))
	}
}

func TestItemAssets(t *testing.T) {
	s, cleanup := tempItems(t)
	defer cleanup()

	ts := time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)
	mean := 12.5
	err := s.UpsertAsset(&rastermill.Asset{
		Collection: "gfs",
		ItemTime:   ts,
		Variable:   "temperature_2m",
		Format:     rastermill.AssetPNG,
		Href:       "gfs/temperature_2m/2025/01/15/t.png",
		MediaType:  "image/png",
		Stats:      rastermill.Stats{Mean: &mean},
	})
	if err != nil {
		t.Fatalf("upserting asset: %v", err)
	}
}

func TestAssetFormatsKeptDistinct(t *testing.T) {
	s, cleanup := tempItems(t)
	defer cleanup()

	ts := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	formats := []rastermill.AssetFormat{
		rastermill.AssetPNG, rastermill.AssetGeoTIFF, rastermill.AssetMetadata,
	}
	for _, f := range formats {
		err := s.UpsertAsset(&rastermill.Asset{
			Collection: "gfs",
			ItemTime:   ts,
			Variable:   "temperature_2m",
			Format:     f,
			Href:       "gfs/temperature_2m/t." + string(f),
		})
		if err != nil {
			t.Fatalf("upserting %s asset: %v", f, err)
		}
	}

	count := 0
	err := s.Db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(assetsBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("counting assets: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 asset records (png, geotiff, json), got %d", count)
	}
}

func TestExtent(t *testing.T) {
	s, cleanup := tempItems(t)
	defer cleanup()

	if ext, err := s.Extent("gfs"); err != nil || ext != nil {
		t.Fatalf("expected no extent yet, got %+v err=%v", ext, err)
	}

	t1 := time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)
	t2 := t1.Add(6 * time.Hour)
	if err := s.ExtendExtent("gfs", rastermill.Bounds{West: 0, South: 40, East: 10, North: 50}, t2); err != nil {
		t.Fatalf("extending: %v", err)
	}
	if err := s.ExtendExtent("gfs", rastermill.Bounds{West: -5, South: 45, East: 5, North: 55}, t1); err != nil {
		t.Fatalf("extending again: %v", err)
	}

	ext, err := s.Extent("gfs")
	if err != nil {
		t.Fatalf("getting extent: %v", err)
	}
	want := rastermill.Bounds{West: -5, South: 40, East: 10, North: 55}
	if ext.Bounds != want {
		t.Fatalf("expected bounds %+v, got %+v", want, ext.Bounds)
	}
	if !ext.Start.Equal(t1) || !ext.End.Equal(t2) {
		t.Fatalf("expected extent %v..%v, got %v..%v", t1, t2, ext.Start, ext.End)
	}
}
