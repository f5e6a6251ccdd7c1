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

package ingest

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rastermill/rastermill"
)

// Service runs the full pipeline for one source file: decode the path,
// resolve the catalog, download, extract every configured variable at
// every timestamp, write assets, catalog items, and archive the source.
type Service struct {
	Store    rastermill.ObjectStore
	Ledger   rastermill.Ledger
	Items    rastermill.ItemStore
	Config   rastermill.ConfigStore
	Buckets  rastermill.Buckets
	Scratch  string // parent dir for download scratch space, "" = system temp
	WorkerID string
	Log      *logrus.Logger
}

func (s *Service) log() *logrus.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

// ProcessLocked gates Process behind the ledger lock. A file someone else
// holds, or one out of retries, is skipped without error. Failures are
// recorded on the ledger and returned.
func (s *Service) ProcessLocked(origin rastermill.Origin, path string) error {
	ok, err := s.Ledger.Acquire(origin, path, s.WorkerID)
	if err != nil {
		return errors.Wrap(err, "acquiring ledger lock")
	}
	if !ok {
		s.log().WithFields(logrus.Fields{"origin": origin, "path": path}).
			Debug("skipping file, not eligible for processing")
		return nil
	}
	items, assets, perr := s.Process(origin, path)
	if perr != nil {
		if ferr := s.Ledger.MarkFailed(origin, path, perr.Error()); ferr != nil {
			s.log().WithError(ferr).Error("recording failure")
		}
		return perr
	}
	archivePath := ""
	if cat, _, _, err := s.resolve(path); err == nil && cat.ArchiveSources {
		archivePath = rastermill.ArchiveKey(origin, path)
	}
	if err := s.Ledger.MarkCompleted(origin, path, archivePath, items, assets); err != nil {
		return errors.Wrap(err, "recording completion")
	}
	return nil
}

func (s *Service) resolve(path string) (*rastermill.Catalog, []rastermill.Collection, rastermill.PathMeta, error) {
	meta, err := rastermill.DecodePath(path)
	if err != nil {
		return nil, nil, meta, err
	}
	cat, cols, err := rastermill.ResolveCollections(s.Config, meta.Catalog, meta.Collection)
	if err != nil {
		return nil, nil, meta, err
	}
	return cat, cols, meta, nil
}

// Process ingests one file and returns the item and asset counts. The
// ledger is not touched; use ProcessLocked for the full protocol.
func (s *Service) Process(origin rastermill.Origin, path string) (int, int, error) {
	cat, cols, meta, err := s.resolve(path)
	if err != nil {
		return 0, 0, err
	}
	log := s.log().WithFields(logrus.Fields{
		"origin":  origin,
		"path":    path,
		"catalog": cat.Slug,
	})

	scratch, err := ioutil.TempDir(s.Scratch, "rastermill-ingest")
	if err != nil {
		return 0, 0, errors.Wrap(err, "creating scratch dir")
	}
	defer os.RemoveAll(scratch)

	local := filepath.Join(scratch, filepath.Base(meta.OriginalName))
	bucket := s.Buckets.ForOrigin(origin)
	if err := s.Store.Download(bucket, path, local); err != nil {
		return 0, 0, errors.Wrap(err, "downloading source")
	}

	plugin, err := s.pluginFor(cat, local)
	if err != nil {
		return 0, 0, err
	}

	itemCount, assetCount := 0, 0
	for i := range cols {
		col := &cols[i]
		ni, na, err := s.processCollection(plugin, local, cat, col, meta)
		if err != nil {
			return itemCount, assetCount, errors.Wrapf(err, "processing collection %q", col.Slug)
		}
		itemCount += ni
		assetCount += na
	}

	if cat.ArchiveSources {
		key := rastermill.ArchiveKey(origin, path)
		if err := s.Store.Copy(bucket, path, s.Buckets.Archive, key); err != nil {
			return itemCount, assetCount, errors.Wrap(err, "archiving source")
		}
		if err := s.Store.Delete(bucket, path); err != nil {
			return itemCount, assetCount, errors.Wrap(err, "removing archived source")
		}
		log.WithField("archive", key).Info("archived source file")
	}
	log.WithFields(logrus.Fields{"items": itemCount, "assets": assetCount}).Info("file processed")
	return itemCount, assetCount, nil
}

func (s *Service) pluginFor(cat *rastermill.Catalog, local string) (rastermill.FormatPlugin, error) {
	if cat.FileFormat != "" {
		p, ok := rastermill.FormatByName(cat.FileFormat)
		if !ok {
			return nil, errors.Errorf("catalog %q names unknown format %q", cat.Slug, cat.FileFormat)
		}
		return p, nil
	}
	p, ok := rastermill.FormatForFile(local)
	if !ok {
		return nil, errors.Errorf("no format plugin recognizes '%v'", local)
	}
	return p, nil
}

func (s *Service) processCollection(plugin rastermill.FormatPlugin, local string, cat *rastermill.Catalog, col *rastermill.Collection, meta rastermill.PathMeta) (int, int, error) {
	ex := &Extractor{Plugin: plugin, Path: local}
	itemCount, assetCount := 0, 0
	itemsSeen := map[time.Time]bool{}
	for vi := range col.Variables {
		v := &col.Variables[vi]
		if !v.Active {
			continue
		}
		primary, err := v.PrimarySource()
		if err != nil {
			return itemCount, assetCount, err
		}
		stamps, err := plugin.Timestamps(local, primary.Selector())
		if err != nil {
			return itemCount, assetCount, errors.Wrapf(err, "listing timestamps of %q", v.Slug)
		}
		for _, srcTS := range stamps {
			ts := srcTS
			if ts.IsZero() {
				// Formats without a time axis inherit the path's
				// reference time.
				if meta.ReferenceTime == nil {
					return itemCount, assetCount, errors.Errorf(
						"variable %q has no timestamps and path carries no reference time", v.Slug)
				}
				ts = *meta.ReferenceTime
			}
			created, na, err := s.processTimestep(ex, plugin, local, cat, col, v, primary, meta, ts, srcTS, itemsSeen)
			if err != nil {
				return itemCount, assetCount, err
			}
			if created {
				itemCount++
			}
			assetCount += na
		}
	}
	return itemCount, assetCount, nil
}

// processTimestep handles one (variable, timestamp). ts is the canonical
// item time, srcTS the timestamp the plugin knows the data by (zero for
// formats without a time axis).
func (s *Service) processTimestep(ex *Extractor, plugin rastermill.FormatPlugin, local string, cat *rastermill.Catalog, col *rastermill.Collection, v *rastermill.Variable, primary rastermill.VariableSource, meta rastermill.PathMeta, ts, srcTS time.Time, itemsSeen map[time.Time]bool) (bool, int, error) {
	win, exact, err := s.clipWindow(plugin, local, primary, srcTS, cat)
	if err != nil {
		return false, 0, errors.Wrapf(err, "clipping %q", v.Slug)
	}

	grid, err := ex.Extract(v, srcTS, win)
	if err != nil {
		return false, 0, err
	}
	if win != nil {
		grid.Bounds = exact
	}
	normalizeBounds(&grid.Bounds)

	stats := ComputeStats(grid.Data)

	enc := &Encoder{ScaleType: v.ScaleType, Min: v.ValueMin, Max: v.ValueMax}
	pix, scaleMin, scaleMax, err := enc.Encode(grid)
	if err != nil {
		return false, 0, errors.Wrapf(err, "encoding %q", v.Slug)
	}
	if cat.ClipMode == rastermill.ClipMask {
		// The data asset gets NaN outside the polygon, the visual asset
		// the matching transparency. Stats stay on the bbox-clipped data.
		ApplyMask(grid, cat.Boundary)
		ApplyAlphaMask(pix, grid.Width, grid.Height, grid.Bounds, cat.Boundary)
	}
	pngBytes, err := EncodePNG(pix, grid.Width, grid.Height)
	if err != nil {
		return false, 0, err
	}
	tiffBytes, err := EncodeGeoTIFF(grid)
	if err != nil {
		return false, 0, errors.Wrapf(err, "writing geotiff for %q", v.Slug)
	}
	sidecar := map[string]interface{}{
		"collection": col.Slug,
		"variable":   v.Slug,
		"time":       ts.UTC().Format(time.RFC3339),
		"units":      grid.Units,
		"width":      grid.Width,
		"height":     grid.Height,
		"bounds":     grid.Bounds,
		"crs":        grid.CRS,
		"scale_type": v.ScaleType,
		"scale_min":  scaleMin,
		"scale_max":  scaleMax,
		"stats":      stats,
		"source":     meta.OriginalName,
	}
	jsonBytes, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return false, 0, errors.Wrap(err, "marshaling sidecar")
	}

	stampName := ts.UTC().Format("20060102T1504")
	assets := []struct {
		format rastermill.AssetFormat
		name   string
		media  string
		role   string
		data   []byte
	}{
		{rastermill.AssetPNG, fmt.Sprintf("%s_%s.png", v.Slug, stampName), "image/png", "visual", pngBytes},
		{rastermill.AssetGeoTIFF, fmt.Sprintf("%s_%s.tif", v.Slug, stampName), "image/tiff", "data", tiffBytes},
		{rastermill.AssetMetadata, fmt.Sprintf("%s_%s.json", v.Slug, stampName), "application/json", "metadata", jsonBytes},
	}
	for _, a := range assets {
		key := rastermill.AssetKey(cat.Slug, col.Slug, v.Slug, ts, a.name)
		if err := s.Store.Put(s.Buckets.Assets, key, a.data); err != nil {
			return false, 0, errors.Wrapf(err, "storing %s asset", a.format)
		}
		rec := &rastermill.Asset{
			Collection: col.Slug,
			ItemTime:   ts,
			Variable:   v.Slug,
			Format:     a.format,
			Href:       key,
			MediaType:  a.media,
			Roles:      []string{a.role},
			FileSize:   int64(len(a.data)),
			Width:      grid.Width,
			Height:     grid.Height,
			Bands:      1,
			Stats:      stats,
		}
		if err := s.Items.UpsertAsset(rec); err != nil {
			return false, 0, errors.Wrap(err, "cataloging asset")
		}
	}

	created := false
	if !itemsSeen[ts] {
		itemsSeen[ts] = true
		item := &rastermill.Item{
			Collection:    col.Slug,
			Time:          ts,
			ReferenceTime: meta.ReferenceTime,
			SourceFile:    meta.OriginalName,
			Bounds:        grid.Bounds,
			Width:         grid.Width,
			Height:        grid.Height,
			ResolutionX:   grid.Resolution[0],
			ResolutionY:   grid.Resolution[1],
			CRS:           grid.CRS,
		}
		if created, err = s.Items.UpsertItem(item); err != nil {
			return false, 0, errors.Wrap(err, "cataloging item")
		}
		if err := s.Items.ExtendExtent(col.Slug, grid.Bounds, ts); err != nil {
			return false, 0, errors.Wrap(err, "extending extent")
		}
	}
	return created, len(assets), nil
}

// clipWindow computes the pixel window for the catalog's clip mode, nil
// when the whole grid is wanted.
func (s *Service) clipWindow(plugin rastermill.FormatPlugin, local string, primary rastermill.VariableSource, ts time.Time, cat *rastermill.Catalog) (*rastermill.Window, rastermill.Bounds, error) {
	if cat.ClipMode == "" || cat.ClipMode == rastermill.ClipNone {
		return nil, rastermill.Bounds{}, nil
	}
	if cat.Boundary == nil {
		return nil, rastermill.Bounds{}, errors.Errorf("catalog %q clips but has no boundary", cat.Slug)
	}
	clip := cat.Boundary.BBox
	if clip.East == clip.West || clip.North == clip.South {
		return nil, rastermill.Bounds{}, errors.Errorf("catalog %q clips but has no boundary bbox", cat.Slug)
	}
	md, err := plugin.Metadata(local, primary.Selector(), ts)
	if err != nil {
		return nil, rastermill.Bounds{}, errors.Wrap(err, "reading grid metadata")
	}
	win, exact, err := ComputeWindow(md.Bounds, md.Width, md.Height, clip)
	if err == ErrNoOverlap && md.Bounds.East > 180 {
		// Global model grids often run 0..360; retry the clip region
		// shifted into that frame.
		shifted := clip
		shifted.West += 360
		shifted.East += 360
		win, exact, err = ComputeWindow(md.Bounds, md.Width, md.Height, shifted)
		if err == nil {
			exact.West -= 360
			exact.East -= 360
		}
	}
	if err != nil {
		return nil, rastermill.Bounds{}, err
	}
	return win, exact, nil
}

// normalizeBounds brings 0..360 longitudes into -180..180 when the grid
// sits entirely beyond the antimeridian.
func normalizeBounds(b *rastermill.Bounds) {
	if b.West >= 180 {
		b.West -= 360
		b.East -= 360
	}
}
