package sweep

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rastermill/rastermill"
	"github.com/rastermill/rastermill/boltdb"
	"github.com/rastermill/rastermill/mock"
)

type stubConfig struct{}

func (stubConfig) Catalog(slug string) (*rastermill.Catalog, error) {
	if slug != "weather-models" {
		return nil, rastermill.ErrUnknownCatalog
	}
	return &rastermill.Catalog{Slug: slug, Active: true}, nil
}

func (stubConfig) Collection(catalog, slug string) (*rastermill.Collection, error) {
	return &rastermill.Collection{Slug: slug, Active: true}, nil
}

func (stubConfig) Collections(catalog string) ([]rastermill.Collection, error) {
	return nil, nil
}

func tempSweeper(t *testing.T) (*Sweeper, *mock.ObjectStore, func()) {
	dir, err := ioutil.TempDir("", "sweep-test")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}
	ledger, err := boltdb.NewLedger(filepath.Join(dir, "ledger.db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("opening ledger: %v", err)
	}
	store := mock.NewObjectStore()
	s := &Sweeper{
		Store:   store,
		Ledger:  ledger,
		Config:  stubConfig{},
		Buckets: rastermill.DefaultBuckets(),
		Enqueue: func(rastermill.Origin, string) {},
	}
	return s, store, func() {
		ledger.Close()
		os.RemoveAll(dir)
	}
}

func TestSweepDiscoversUnregistered(t *testing.T) {
	s, store, cleanup := tempSweeper(t)
	defer cleanup()

	key := "weather-models/gfs/GR--20250115T0600--gfs_025.grib2"
	plain := "weather-models/gfs/static_dem.tif" // no reference-time marker, still conforming
	store.Put(s.Buckets.Incoming, key, []byte("data"))
	store.Put(s.Buckets.Incoming, plain, []byte("data"))
	store.Put(s.Buckets.Incoming, "weather-models/.keep", []byte{})
	store.Put(s.Buckets.Incoming, "weather-models/gfs/.DS_Store", []byte("junk"))
	store.Put(s.Buckets.Incoming, "toplevel-file.grib2", []byte("no catalog segment"))
	store.Put(s.Buckets.Incoming, "mystery/run/GR--20250115T0600--x.grib2", []byte("data"))

	var enqueued []string
	s.Enqueue = func(origin rastermill.Origin, path string) {
		if origin != rastermill.OriginIncoming {
			t.Fatalf("expected incoming origin, got %v", origin)
		}
		enqueued = append(enqueued, path)
	}

	res, err := s.Sweep()
	if err != nil {
		t.Fatalf("sweeping: %v", err)
	}
	if res.Discovered != 2 {
		t.Fatalf("expected 2 discovered, got %d", res.Discovered)
	}
	if len(enqueued) != 2 || enqueued[0] != key || enqueued[1] != plain {
		t.Fatalf("unexpected enqueued set: %v", enqueued)
	}

	e, err := s.Ledger.Get(rastermill.OriginIncoming, key)
	if err != nil || e == nil {
		t.Fatalf("expected registered entry, got %v, %v", e, err)
	}
	if e.CatalogSlug != "weather-models" || e.CollectionSlug != "gfs" {
		t.Fatalf("wrong slugs on entry: %+v", e)
	}
	if e.ReferenceTime == nil || !e.ReferenceTime.Equal(time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)) {
		t.Fatalf("wrong reference time: %v", e.ReferenceTime)
	}
	if e.FileSize != 4 {
		t.Fatalf("expected file size 4, got %d", e.FileSize)
	}
	p, err := s.Ledger.Get(rastermill.OriginIncoming, plain)
	if err != nil || p == nil {
		t.Fatalf("expected registered entry for plain name, got %v, %v", p, err)
	}
	if p.ReferenceTime != nil {
		t.Fatalf("plain name must register without reference time, got %v", p.ReferenceTime)
	}

	// A second sweep finds nothing new.
	res, err = s.Sweep()
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if res.Discovered != 0 {
		t.Fatalf("expected 0 discovered on resweep, got %d", res.Discovered)
	}
}

func TestSweepRequeuesFailed(t *testing.T) {
	s, _, cleanup := tempSweeper(t)
	defer cleanup()

	key := "weather-models/gfs/GR--20250115T0600--gfs_025.grib2"
	if _, _, err := s.Ledger.Register(rastermill.OriginIncoming, key, rastermill.RegisterMeta{}); err != nil {
		t.Fatalf("registering: %v", err)
	}
	if _, err := s.Ledger.Acquire(rastermill.OriginIncoming, key, "w1"); err != nil {
		t.Fatalf("acquiring: %v", err)
	}
	if err := s.Ledger.MarkFailed(rastermill.OriginIncoming, key, "boom"); err != nil {
		t.Fatalf("marking failed: %v", err)
	}

	var enqueued []string
	s.Enqueue = func(origin rastermill.Origin, path string) {
		enqueued = append(enqueued, path)
	}
	res, err := s.Sweep()
	if err != nil {
		t.Fatalf("sweeping: %v", err)
	}
	if res.Requeued != 1 {
		t.Fatalf("expected 1 requeued, got %d", res.Requeued)
	}
	if len(enqueued) != 1 || enqueued[0] != key {
		t.Fatalf("unexpected enqueued set: %v", enqueued)
	}
}

func TestSweepResetsStaleLocks(t *testing.T) {
	s, _, cleanup := tempSweeper(t)
	defer cleanup()

	ledger := s.Ledger.(*boltdb.Ledger)
	ledger.LockTimeout = time.Minute

	key := "weather-models/gfs/GR--20250115T0600--gfs_025.grib2"
	if _, _, err := ledger.Register(rastermill.OriginIncoming, key, rastermill.RegisterMeta{}); err != nil {
		t.Fatalf("registering: %v", err)
	}
	if _, err := ledger.Acquire(rastermill.OriginIncoming, key, "w1"); err != nil {
		t.Fatalf("acquiring: %v", err)
	}

	res, err := s.Sweep()
	if err != nil {
		t.Fatalf("sweeping: %v", err)
	}
	if res.LocksReset != 0 {
		t.Fatalf("fresh lock should survive sweep, got %d resets", res.LocksReset)
	}
}

func TestSweepCountsPermanentFailures(t *testing.T) {
	s, _, cleanup := tempSweeper(t)
	defer cleanup()

	ledger := s.Ledger.(*boltdb.Ledger)
	ledger.MaxRetries = 1

	key := "weather-models/gfs/GR--20250115T0600--gfs_025.grib2"
	if _, _, err := ledger.Register(rastermill.OriginIncoming, key, rastermill.RegisterMeta{}); err != nil {
		t.Fatalf("registering: %v", err)
	}
	if _, err := ledger.Acquire(rastermill.OriginIncoming, key, "w1"); err != nil {
		t.Fatalf("acquiring: %v", err)
	}
	if err := ledger.MarkFailed(rastermill.OriginIncoming, key, "boom"); err != nil {
		t.Fatalf("marking failed: %v", err)
	}

	res, err := s.Sweep()
	if err != nil {
		t.Fatalf("sweeping: %v", err)
	}
	if res.PermanentlyFailed != 1 {
		t.Fatalf("expected 1 permanent failure, got %d", res.PermanentlyFailed)
	}
	if res.Requeued != 0 {
		t.Fatalf("exhausted entry must not requeue, got %d", res.Requeued)
	}
}
