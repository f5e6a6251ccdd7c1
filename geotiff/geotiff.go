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

// Package geotiff reads uncompressed single-band GeoTIFF rasters. GeoTIFF
// carries no time axis; Timestamps reports a single zero time and the
// caller substitutes the file's reference time.
package geotiff

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rastermill/rastermill"
)

func init() {
	rastermill.RegisterFormat(&Plugin{})
}

const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
	tagGDALNoData      = 42113

	geoKeyGeographicType = 2048
	geoKeyProjectedCS    = 3072

	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3
)

var fieldTypeSize = map[uint16]int{
	1:  1, // BYTE
	2:  1, // ASCII
	3:  2, // SHORT
	4:  4, // LONG
	5:  8, // RATIONAL
	11: 4, // FLOAT
	12: 8, // DOUBLE
}

type field struct {
	ftype uint16
	count int
	// raw holds the value bytes, already dereferenced when the value
	// did not fit inline.
	raw []byte
}

type tiff struct {
	f     *os.File
	order binary.ByteOrder

	width, height   int
	bits            int
	sampleFormat    int
	rowsPerStrip    int
	stripOffsets    []int64
	stripByteCounts []int64

	pixelScale [3]float64
	tiepoint   [6]float64
	epsg       int
	noData     float64
	hasNoData  bool
}

func (t *tiff) close() error { return t.f.Close() }

func (t *tiff) fieldUints(fld field) ([]uint64, error) {
	size := fieldTypeSize[fld.ftype]
	out := make([]uint64, fld.count)
	for i := range out {
		off := i * size
		switch fld.ftype {
		case 1:
			out[i] = uint64(fld.raw[off])
		case 3:
			out[i] = uint64(t.order.Uint16(fld.raw[off:]))
		case 4:
			out[i] = uint64(t.order.Uint32(fld.raw[off:]))
		default:
			return nil, errors.Errorf("unexpected field type %d", fld.ftype)
		}
	}
	return out, nil
}

func (t *tiff) fieldDoubles(fld field) ([]float64, error) {
	if fld.ftype != 12 {
		return nil, errors.Errorf("expected DOUBLE field, got type %d", fld.ftype)
	}
	out := make([]float64, fld.count)
	for i := range out {
		out[i] = math.Float64frombits(t.order.Uint64(fld.raw[8*i:]))
	}
	return out, nil
}

func openTiff(path string) (*tiff, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening '%s'", path)
	}
	t, err := parseTiff(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func parseTiff(f *os.File) (*tiff, error) {
	header := make([]byte, 8)
	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}
	t := &tiff{f: f, sampleFormat: sampleUint, epsg: 0}
	switch string(header[:2]) {
	case "II":
		t.order = binary.LittleEndian
	case "MM":
		t.order = binary.BigEndian
	default:
		return nil, errors.New("not a TIFF file")
	}
	if t.order.Uint16(header[2:4]) != 42 {
		return nil, errors.New("bad TIFF version")
	}
	ifdOffset := int64(t.order.Uint32(header[4:8]))

	countBuf := make([]byte, 2)
	if _, err := f.ReadAt(countBuf, ifdOffset); err != nil {
		return nil, errors.Wrap(err, "reading IFD entry count")
	}
	n := int(t.order.Uint16(countBuf))
	entries := make([]byte, 12*n)
	if _, err := f.ReadAt(entries, ifdOffset+2); err != nil {
		return nil, errors.Wrap(err, "reading IFD entries")
	}

	fields := map[uint16]field{}
	for i := 0; i < n; i++ {
		e := entries[12*i : 12*i+12]
		tag := t.order.Uint16(e[0:2])
		ftype := t.order.Uint16(e[2:4])
		count := int(t.order.Uint32(e[4:8]))
		size, ok := fieldTypeSize[ftype]
		if !ok {
			continue
		}
		total := size * count
		var raw []byte
		if total <= 4 {
			raw = append([]byte(nil), e[8:8+total]...)
		} else {
			raw = make([]byte, total)
			valOff := int64(t.order.Uint32(e[8:12]))
			if _, err := f.ReadAt(raw, valOff); err != nil {
				return nil, errors.Wrapf(err, "reading value of tag %d", tag)
			}
		}
		fields[tag] = field{ftype: ftype, count: count, raw: raw}
	}

	uintTag := func(tag uint16, def uint64) (uint64, error) {
		fld, ok := fields[tag]
		if !ok {
			return def, nil
		}
		vals, err := t.fieldUints(fld)
		if err != nil || len(vals) == 0 {
			return def, err
		}
		return vals[0], nil
	}

	w, err := uintTag(tagImageWidth, 0)
	if err != nil {
		return nil, err
	}
	h, err := uintTag(tagImageLength, 0)
	if err != nil {
		return nil, err
	}
	t.width, t.height = int(w), int(h)
	if t.width == 0 || t.height == 0 {
		return nil, errors.New("missing image dimensions")
	}
	if comp, err := uintTag(tagCompression, 1); err != nil {
		return nil, err
	} else if comp != 1 {
		return nil, errors.Errorf("unsupported compression %d", comp)
	}
	if spp, err := uintTag(tagSamplesPerPixel, 1); err != nil {
		return nil, err
	} else if spp != 1 {
		return nil, errors.Errorf("only single-band rasters supported, got %d samples", spp)
	}
	bits, err := uintTag(tagBitsPerSample, 8)
	if err != nil {
		return nil, err
	}
	t.bits = int(bits)
	sf, err := uintTag(tagSampleFormat, sampleUint)
	if err != nil {
		return nil, err
	}
	t.sampleFormat = int(sf)
	rps, err := uintTag(tagRowsPerStrip, uint64(t.height))
	if err != nil {
		return nil, err
	}
	t.rowsPerStrip = int(rps)

	offsets, ok := fields[tagStripOffsets]
	if !ok {
		return nil, errors.New("missing strip offsets")
	}
	offVals, err := t.fieldUints(offsets)
	if err != nil {
		return nil, err
	}
	for _, v := range offVals {
		t.stripOffsets = append(t.stripOffsets, int64(v))
	}
	if counts, ok := fields[tagStripByteCounts]; ok {
		countVals, err := t.fieldUints(counts)
		if err != nil {
			return nil, err
		}
		for _, v := range countVals {
			t.stripByteCounts = append(t.stripByteCounts, int64(v))
		}
	}

	if fld, ok := fields[tagModelPixelScale]; ok {
		vals, err := t.fieldDoubles(fld)
		if err != nil || len(vals) < 2 {
			return nil, errors.Wrap(err, "reading pixel scale")
		}
		copy(t.pixelScale[:], vals)
	} else {
		return nil, errors.New("missing ModelPixelScale, raster is not georeferenced")
	}
	if fld, ok := fields[tagModelTiepoint]; ok {
		vals, err := t.fieldDoubles(fld)
		if err != nil || len(vals) < 6 {
			return nil, errors.Wrap(err, "reading tiepoint")
		}
		copy(t.tiepoint[:], vals)
	} else {
		return nil, errors.New("missing ModelTiepoint, raster is not georeferenced")
	}
	if fld, ok := fields[tagGeoKeyDirectory]; ok {
		keys, err := t.fieldUints(fld)
		if err != nil {
			return nil, err
		}
		// Rows of (key id, location, count, value); row 0 is the header.
		for i := 4; i+3 < len(keys); i += 4 {
			switch keys[i] {
			case geoKeyGeographicType, geoKeyProjectedCS:
				if keys[i+1] == 0 {
					t.epsg = int(keys[i+3])
				}
			}
		}
	}
	if fld, ok := fields[tagGDALNoData]; ok && fld.ftype == 2 {
		s := strings.TrimRight(string(fld.raw), "\x00")
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			t.noData = v
			t.hasNoData = true
		}
	}
	return t, nil
}

func (t *tiff) sampleSize() int { return t.bits / 8 }

// bounds derives the geographic extent from the tiepoint and pixel scale
// using area registration: the tiepoint maps a raster corner to map space.
func (t *tiff) bounds() rastermill.Bounds {
	west := t.tiepoint[3] - t.tiepoint[0]*t.pixelScale[0]
	north := t.tiepoint[4] + t.tiepoint[1]*t.pixelScale[1]
	return rastermill.Bounds{
		West:  west,
		North: north,
		East:  west + float64(t.width)*t.pixelScale[0],
		South: north - float64(t.height)*t.pixelScale[1],
	}
}

func (t *tiff) crs() string {
	if t.epsg != 0 {
		return "EPSG:" + strconv.Itoa(t.epsg)
	}
	return ""
}

// readRows reads rows [y0, y0+count) as float32, resolving strips.
func (t *tiff) readRows(y0, count int) ([]float32, error) {
	size := t.sampleSize()
	rowBytes := t.width * size
	out := make([]float32, 0, count*t.width)
	buf := make([]byte, rowBytes)
	for y := y0; y < y0+count; y++ {
		strip := y / t.rowsPerStrip
		if strip >= len(t.stripOffsets) {
			return nil, errors.Errorf("row %d beyond strip table", y)
		}
		rowInStrip := y % t.rowsPerStrip
		off := t.stripOffsets[strip] + int64(rowInStrip*rowBytes)
		if _, err := t.f.ReadAt(buf, off); err != nil {
			return nil, errors.Wrapf(err, "reading row %d", y)
		}
		for x := 0; x < t.width; x++ {
			v, err := t.sample(buf[x*size:])
			if err != nil {
				return nil, err
			}
			if t.hasNoData && v == t.noData {
				v = math.NaN()
			}
			out = append(out, float32(v))
		}
	}
	return out, nil
}

func (t *tiff) sample(b []byte) (float64, error) {
	switch {
	case t.bits == 8 && t.sampleFormat == sampleUint:
		return float64(b[0]), nil
	case t.bits == 8 && t.sampleFormat == sampleInt:
		return float64(int8(b[0])), nil
	case t.bits == 16 && t.sampleFormat == sampleUint:
		return float64(t.order.Uint16(b)), nil
	case t.bits == 16 && t.sampleFormat == sampleInt:
		return float64(int16(t.order.Uint16(b))), nil
	case t.bits == 32 && t.sampleFormat == sampleUint:
		return float64(t.order.Uint32(b)), nil
	case t.bits == 32 && t.sampleFormat == sampleInt:
		return float64(int32(t.order.Uint32(b))), nil
	case t.bits == 32 && t.sampleFormat == sampleFloat:
		return float64(math.Float32frombits(t.order.Uint32(b))), nil
	case t.bits == 64 && t.sampleFormat == sampleFloat:
		return math.Float64frombits(t.order.Uint64(b)), nil
	}
	return 0, errors.Errorf("unsupported sample: %d bits format %d", t.bits, t.sampleFormat)
}

// BandName is the single variable name every GeoTIFF exposes.
const BandName = "band_1"

var _ rastermill.FormatPlugin = (*Plugin)(nil)

// Plugin reads single-band GeoTIFF files.
type Plugin struct{}

// Name implements rastermill.FormatPlugin.
func (p *Plugin) Name() string { return "geotiff" }

// Extensions implements rastermill.FormatPlugin.
func (p *Plugin) Extensions() []string { return []string{".tif", ".tiff", ".gtiff"} }

// CanHandle sniffs the TIFF byte-order magic.
func (p *Plugin) CanHandle(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	return string(magic) == "II*\x00" || string(magic) == "MM\x00*"
}

// ListVariables reports the single band.
func (p *Plugin) ListVariables(path string) ([]rastermill.VariableDescriptor, error) {
	t, err := openTiff(path)
	if err != nil {
		return nil, err
	}
	defer t.close()
	return []rastermill.VariableDescriptor{{
		Name:       BandName,
		Dimensions: []string{"y", "x"},
		Shape:      []int{t.height, t.width},
	}}, nil
}

// Timestamps returns a single zero time: GeoTIFF has no time axis.
func (p *Plugin) Timestamps(path string, sel rastermill.Selector) ([]time.Time, error) {
	t, err := openTiff(path)
	if err != nil {
		return nil, err
	}
	t.close()
	return []time.Time{{}}, nil
}

// Open returns a lazy view over the band. Only the windowed rows are read
// from disk.
func (p *Plugin) Open(path string, sel rastermill.Selector, ts time.Time, win *rastermill.Window) (*rastermill.VariableView, error) {
	if sel.Name != "" && sel.Name != BandName {
		return nil, errors.Errorf("variable %q not found, GeoTIFF exposes only %s", sel.Name, BandName)
	}
	t, err := openTiff(path)
	if err != nil {
		return nil, err
	}
	bounds := t.bounds()
	width, height := t.width, t.height
	y0, x0 := 0, 0
	if win != nil {
		if win.X < 0 || win.Y < 0 || win.X+win.Width > t.width || win.Y+win.Height > t.height {
			t.close()
			return nil, errors.Errorf("window %+v outside %dx%d raster", *win, t.width, t.height)
		}
		width, height = win.Width, win.Height
		x0, y0 = win.X, win.Y
		bounds = rastermill.Bounds{
			West:  bounds.West + float64(x0)*t.pixelScale[0],
			North: bounds.North - float64(y0)*t.pixelScale[1],
		}
		bounds.East = bounds.West + float64(width)*t.pixelScale[0]
		bounds.South = bounds.North - float64(height)*t.pixelScale[1]
	}
	view := rastermill.NewVariableView(func() ([]float32, error) {
		rows, err := t.readRows(y0, height)
		if err != nil {
			return nil, err
		}
		if width == t.width {
			return rows, nil
		}
		sub := make([]float32, 0, width*height)
		for y := 0; y < height; y++ {
			row := y*t.width + x0
			sub = append(sub, rows[row:row+width]...)
		}
		return sub, nil
	})
	view.OnClose(t.close)
	view.Name = BandName
	view.Bounds = bounds
	view.CRS = t.crs()
	view.Width = width
	view.Height = height
	view.Resolution = [2]float64{t.pixelScale[0], t.pixelScale[1]}
	view.Timestamp = ts
	view.Meta["full_width"] = t.width
	view.Meta["full_height"] = t.height
	view.Meta["bits"] = t.bits
	return view, nil
}

// Extract implements rastermill.FormatPlugin.
func (p *Plugin) Extract(path string, sel rastermill.Selector, ts time.Time, win *rastermill.Window) (*rastermill.Grid, error) {
	return rastermill.ExtractViaOpen(p, path, sel, ts, win)
}

// Metadata implements rastermill.FormatPlugin.
func (p *Plugin) Metadata(path string, sel rastermill.Selector, ts time.Time) (*rastermill.Metadata, error) {
	t, err := openTiff(path)
	if err != nil {
		return nil, err
	}
	defer t.close()
	return &rastermill.Metadata{
		Width:  t.width,
		Height: t.height,
		Bounds: t.bounds(),
		CRS:    t.crs(),
	}, nil
}
