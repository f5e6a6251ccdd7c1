package rastermill

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestEncodeDecodeFilenameRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		ref  time.Time
	}{
		{"gfs_025.grib2", time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)},
		{"era5_hourly.nc", time.Date(1999, 12, 31, 23, 59, 0, 0, time.UTC)},
		{"weird--name--with--dashes.tif", time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		enc, err := EncodeFilename(c.name, &c.ref)
		if err != nil {
			t.Fatalf("encoding %v: %v", c.name, err)
		}
		ref, orig := DecodeFilename(enc)
		if orig != c.name {
			t.Errorf("round trip of %q gave original %q", c.name, orig)
		}
		if ref == nil || !ref.Equal(c.ref) {
			t.Errorf("round trip of %q gave ref %v, want %v", c.name, ref, c.ref)
		}
	}
}

func TestEncodeFilenameConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	ref := time.Date(2025, 1, 15, 11, 0, 0, 0, loc)
	enc, err := EncodeFilename("gfs_025.grib2", &ref)
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	if enc != "GR--20250115T0600--gfs_025.grib2" {
		t.Fatalf("unexpected encoded name: %q", enc)
	}
}

func TestEncodeFilenameNoReferenceTimeIsIdentity(t *testing.T) {
	enc, err := EncodeFilename("sentinel2_ndvi.tif", nil)
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	if enc != "sentinel2_ndvi.tif" {
		t.Fatalf("got %q, want identity", enc)
	}
}

func TestEncodeFilenameRejectsUnanchoredTime(t *testing.T) {
	var zero time.Time
	_, err := EncodeFilename("gfs_025.grib2", &zero)
	if errors.Cause(err) != ErrInvalidReferenceTime {
		t.Fatalf("got %v, want ErrInvalidReferenceTime", err)
	}
}

func TestParseReferenceTimeRequiresOffset(t *testing.T) {
	if _, err := ParseReferenceTime("2025-01-15T06:00:00Z"); err != nil {
		t.Fatalf("zulu time should parse: %v", err)
	}
	if _, err := ParseReferenceTime("2025-01-15T06:00:00+02:00"); err != nil {
		t.Fatalf("offset time should parse: %v", err)
	}
	_, err := ParseReferenceTime("2025-01-15T06:00:00")
	if errors.Cause(err) != ErrInvalidReferenceTime {
		t.Fatalf("naive string: got %v, want ErrInvalidReferenceTime", err)
	}
}

func TestDecodeFilenameMalformedTimestampPassesThrough(t *testing.T) {
	ref, orig := DecodeFilename("GR--20251345T9999--junk.grib2")
	if ref != nil {
		t.Fatalf("malformed timestamp should yield no reference time, got %v", ref)
	}
	if orig != "GR--20251345T9999--junk.grib2" {
		t.Fatalf("original name mangled: %q", orig)
	}
}

func TestDecodePath(t *testing.T) {
	meta, err := DecodePath("weather-models/gfs/GR--20250115T0600--gfs_025.grib2")
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if meta.Catalog != "weather-models" || meta.Collection != "gfs" {
		t.Fatalf("unexpected catalog/collection: %q/%q", meta.Catalog, meta.Collection)
	}
	if meta.OriginalName != "gfs_025.grib2" {
		t.Fatalf("unexpected original name: %q", meta.OriginalName)
	}
	want := time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)
	if meta.ReferenceTime == nil || !meta.ReferenceTime.Equal(want) {
		t.Fatalf("unexpected reference time: %v", meta.ReferenceTime)
	}

	meta, err = DecodePath("station-data/synop_hourly.csv")
	if err != nil {
		t.Fatalf("decoding two-segment path: %v", err)
	}
	if meta.Catalog != "station-data" || meta.Collection != "" {
		t.Fatalf("two-segment path should have no collection: %+v", meta)
	}
	if meta.ReferenceTime != nil {
		t.Fatalf("plain name should have no reference time")
	}
}

func TestDecodePathTooFewSegments(t *testing.T) {
	for _, p := range []string{"", "lonefile.grib2", "catalog/"} {
		if _, err := DecodePath(p); errors.Cause(err) != ErrInvalidPath {
			t.Errorf("path %q: got %v, want ErrInvalidPath", p, err)
		}
	}
}
