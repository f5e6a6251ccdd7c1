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

// Package netcdf reads NetCDF classic files (CDF-1 and CDF-2). That covers
// the files most reanalysis and satellite products ship; NetCDF-4/HDF5
// containers are out of scope. Gridded variables are located through their
// lat/lon coordinate variables, and CF scale_factor, add_offset and
// _FillValue attributes are applied on read.
package netcdf

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rastermill/rastermill"
)

func init() {
	rastermill.RegisterFormat(&Plugin{})
}

const (
	ncByte   = 1
	ncChar   = 2
	ncShort  = 3
	ncInt    = 4
	ncFloat  = 5
	ncDouble = 6

	tagDimension = 0x0A
	tagVariable  = 0x0B
	tagAttribute = 0x0C
)

func typeSize(t uint32) (int, error) {
	switch t {
	case ncByte, ncChar:
		return 1, nil
	case ncShort:
		return 2, nil
	case ncInt, ncFloat:
		return 4, nil
	case ncDouble:
		return 8, nil
	}
	return 0, errors.Errorf("unknown nc_type %d", t)
}

type dimension struct {
	name   string
	length int // 0 means the record dimension
}

type variable struct {
	name   string
	dims   []int // indexes into file.dims
	attrs  map[string]interface{}
	nctype uint32
	vsize  int
	begin  int64
	record bool // first dimension is the record dimension
}

type file struct {
	f        *os.File
	version  byte
	numrecs  int
	dims     []dimension
	attrs    map[string]interface{}
	vars     []variable
	recSize  int
	recDim   int // index of the record dimension, -1 if none
}

type headerReader struct {
	f   *os.File
	pos int64
}

func (r *headerReader) bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := r.f.ReadAt(b, r.pos); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}
	r.pos += int64(n)
	return b, nil
}

func (r *headerReader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func pad4(n int) int {
	if rem := n % 4; rem != 0 {
		return n + 4 - rem
	}
	return n
}

func (r *headerReader) name() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(pad4(int(n)))
	if err != nil {
		return "", err
	}
	return string(b[:n]), nil
}

// attrValue decodes an attribute into a float64, string, or []float64.
func (r *headerReader) attrValue() (interface{}, error) {
	nctype, err := r.uint32()
	if err != nil {
		return nil, err
	}
	nelems, err := r.uint32()
	if err != nil {
		return nil, err
	}
	size, err := typeSize(nctype)
	if err != nil {
		return nil, err
	}
	raw, err := r.bytes(pad4(int(nelems) * size))
	if err != nil {
		return nil, err
	}
	raw = raw[:int(nelems)*size]
	if nctype == ncChar {
		return string(raw), nil
	}
	vals := make([]float64, nelems)
	for i := range vals {
		off := i * size
		switch nctype {
		case ncByte:
			vals[i] = float64(int8(raw[off]))
		case ncShort:
			vals[i] = float64(int16(binary.BigEndian.Uint16(raw[off:])))
		case ncInt:
			vals[i] = float64(int32(binary.BigEndian.Uint32(raw[off:])))
		case ncFloat:
			vals[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(raw[off:])))
		case ncDouble:
			vals[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[off:]))
		}
	}
	if len(vals) == 1 {
		return vals[0], nil
	}
	return vals, nil
}

func (r *headerReader) attrList() (map[string]interface{}, error) {
	tag, err := r.uint32()
	if err != nil {
		return nil, err
	}
	nelems, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if tag == 0 && nelems == 0 {
		return map[string]interface{}{}, nil
	}
	if tag != tagAttribute {
		return nil, errors.Errorf("expected attribute list tag, got 0x%x", tag)
	}
	out := make(map[string]interface{}, nelems)
	for i := 0; i < int(nelems); i++ {
		name, err := r.name()
		if err != nil {
			return nil, err
		}
		val, err := r.attrValue()
		if err != nil {
			return nil, errors.Wrapf(err, "reading attribute %q", name)
		}
		out[name] = val
	}
	return out, nil
}

func open(path string) (*file, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening '%s'", path)
	}
	nc, err := parseHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return nc, nil
}

func parseHeader(f *os.File) (*file, error) {
	r := &headerReader{f: f}
	magic, err := r.bytes(4)
	if err != nil {
		return nil, err
	}
	if string(magic[:3]) != "CDF" || (magic[3] != 1 && magic[3] != 2) {
		return nil, errors.New("not a NetCDF classic file")
	}
	nc := &file{f: f, version: magic[3], recDim: -1}
	numrecs, err := r.uint32()
	if err != nil {
		return nil, err
	}
	nc.numrecs = int(numrecs)

	// Dimension list.
	tag, err := r.uint32()
	if err != nil {
		return nil, err
	}
	ndims, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if tag == tagDimension {
		for i := 0; i < int(ndims); i++ {
			name, err := r.name()
			if err != nil {
				return nil, err
			}
			length, err := r.uint32()
			if err != nil {
				return nil, err
			}
			if length == 0 {
				nc.recDim = i
			}
			nc.dims = append(nc.dims, dimension{name: name, length: int(length)})
		}
	} else if tag != 0 || ndims != 0 {
		return nil, errors.Errorf("expected dimension list tag, got 0x%x", tag)
	}

	if nc.attrs, err = r.attrList(); err != nil {
		return nil, errors.Wrap(err, "reading global attributes")
	}

	// Variable list.
	tag, err = r.uint32()
	if err != nil {
		return nil, err
	}
	nvars, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if tag == tagVariable {
		for i := 0; i < int(nvars); i++ {
			v := variable{}
			if v.name, err = r.name(); err != nil {
				return nil, err
			}
			ndims, err := r.uint32()
			if err != nil {
				return nil, err
			}
			for d := 0; d < int(ndims); d++ {
				id, err := r.uint32()
				if err != nil {
					return nil, err
				}
				v.dims = append(v.dims, int(id))
			}
			if v.attrs, err = r.attrList(); err != nil {
				return nil, errors.Wrapf(err, "reading attributes of %q", v.name)
			}
			if v.nctype, err = r.uint32(); err != nil {
				return nil, err
			}
			vsize, err := r.uint32()
			if err != nil {
				return nil, err
			}
			v.vsize = int(vsize)
			if nc.version == 2 {
				b, err := r.bytes(8)
				if err != nil {
					return nil, err
				}
				v.begin = int64(binary.BigEndian.Uint64(b))
			} else {
				b, err := r.uint32()
				if err != nil {
					return nil, err
				}
				v.begin = int64(b)
			}
			v.record = len(v.dims) > 0 && v.dims[0] == nc.recDim
			if v.record {
				nc.recSize += v.vsize
			}
			nc.vars = append(nc.vars, v)
		}
	} else if tag != 0 || nvars != 0 {
		return nil, errors.Errorf("expected variable list tag, got 0x%x", tag)
	}
	return nc, nil
}

func (nc *file) close() error { return nc.f.Close() }

func (nc *file) variable(name string) *variable {
	for i := range nc.vars {
		if nc.vars[i].name == name {
			return &nc.vars[i]
		}
	}
	return nil
}

// shape resolves dimension lengths, with the record dimension taking the
// current record count.
func (nc *file) shape(v *variable) []int {
	out := make([]int, len(v.dims))
	for i, d := range v.dims {
		if d == nc.recDim {
			out[i] = nc.numrecs
		} else {
			out[i] = nc.dims[d].length
		}
	}
	return out
}

// read returns the full contents of a non-record variable, or one record
// of a record variable, as float64 values.
func (nc *file) read(v *variable, record int) ([]float64, error) {
	size, err := typeSize(v.nctype)
	if err != nil {
		return nil, err
	}
	n := 1
	for i, d := range v.dims {
		if i == 0 && v.record {
			continue
		}
		n *= nc.dims[d].length
	}
	offset := v.begin
	if v.record {
		offset += int64(record) * int64(nc.recSize)
	}
	raw := make([]byte, n*size)
	if _, err := nc.f.ReadAt(raw, offset); err != nil {
		return nil, errors.Wrapf(err, "reading %q", v.name)
	}
	out := make([]float64, n)
	for i := range out {
		off := i * size
		switch v.nctype {
		case ncByte:
			out[i] = float64(int8(raw[off]))
		case ncChar:
			out[i] = float64(raw[off])
		case ncShort:
			out[i] = float64(int16(binary.BigEndian.Uint16(raw[off:])))
		case ncInt:
			out[i] = float64(int32(binary.BigEndian.Uint32(raw[off:])))
		case ncFloat:
			out[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(raw[off:])))
		case ncDouble:
			out[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[off:]))
		}
	}
	return out, nil
}

// readSlab reads one lat/lon slab of a gridded variable: the whole thing
// for 2-D variables, the timeIdx-th slab for 3-D ones, whether the time
// dimension is the record dimension or a fixed one.
func (nc *file) readSlab(v *variable, timeDim, timeIdx int) ([]float64, error) {
	size, err := typeSize(v.nctype)
	if err != nil {
		return nil, err
	}
	slab := 1
	for i, d := range v.dims {
		if i == timeDim {
			continue
		}
		slab *= nc.dims[d].length
	}
	offset := v.begin
	switch {
	case v.record:
		offset += int64(timeIdx) * int64(nc.recSize)
	case timeDim == 0:
		offset += int64(timeIdx) * int64(slab*size)
	}
	raw := make([]byte, slab*size)
	if _, err := nc.f.ReadAt(raw, offset); err != nil {
		return nil, errors.Wrapf(err, "reading %q", v.name)
	}
	out := make([]float64, slab)
	for i := range out {
		off := i * size
		switch v.nctype {
		case ncByte:
			out[i] = float64(int8(raw[off]))
		case ncChar:
			out[i] = float64(raw[off])
		case ncShort:
			out[i] = float64(int16(binary.BigEndian.Uint16(raw[off:])))
		case ncInt:
			out[i] = float64(int32(binary.BigEndian.Uint32(raw[off:])))
		case ncFloat:
			out[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(raw[off:])))
		case ncDouble:
			out[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[off:]))
		}
	}
	return out, nil
}

func attrString(attrs map[string]interface{}, name string) string {
	s, _ := attrs[name].(string)
	return strings.TrimRight(s, "\x00 ")
}

func attrFloat(attrs map[string]interface{}, name string) (float64, bool) {
	f, ok := attrs[name].(float64)
	return f, ok
}

func isLatName(name string) bool {
	switch strings.ToLower(name) {
	case "lat", "latitude", "y":
		return true
	}
	return false
}

func isLonName(name string) bool {
	switch strings.ToLower(name) {
	case "lon", "longitude", "x":
		return true
	}
	return false
}

func isTimeName(name string) bool {
	return strings.ToLower(name) == "time"
}

// gridDims returns the (time, lat, lon) dimension positions of a gridded
// variable, with timeDim -1 when the variable has no time axis. Variables
// that are not lat/lon grids return ok=false.
func (nc *file) gridDims(v *variable) (timeDim, latDim, lonDim int, ok bool) {
	timeDim, latDim, lonDim = -1, -1, -1
	for i, d := range v.dims {
		name := nc.dims[d].name
		switch {
		case isTimeName(name):
			timeDim = i
		case isLatName(name):
			latDim = i
		case isLonName(name):
			lonDim = i
		}
	}
	// Only the (time, lat, lon) and (lat, lon) layouts are supported.
	if latDim == -1 || lonDim == -1 || lonDim != len(v.dims)-1 || latDim != lonDim-1 {
		return 0, 0, 0, false
	}
	if timeDim != -1 && timeDim != 0 {
		return 0, 0, 0, false
	}
	if len(v.dims) != 2 && !(len(v.dims) == 3 && timeDim == 0) {
		return 0, 0, 0, false
	}
	return timeDim, latDim, lonDim, true
}

// timeEpoch parses CF "units since epoch" attributes.
func timeEpoch(units string) (time.Duration, time.Time, error) {
	parts := strings.SplitN(units, " since ", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, errors.Errorf("unsupported time units %q", units)
	}
	var step time.Duration
	switch strings.ToLower(strings.TrimSpace(parts[0])) {
	case "seconds", "second":
		step = time.Second
	case "minutes", "minute":
		step = time.Minute
	case "hours", "hour":
		step = time.Hour
	case "days", "day":
		step = 24 * time.Hour
	default:
		return 0, time.Time{}, errors.Errorf("unsupported time unit %q", parts[0])
	}
	stamp := strings.TrimSpace(parts[1])
	for _, layout := range []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04",
		"2006-01-02",
	} {
		if t, err := time.ParseInLocation(layout, stamp, time.UTC); err == nil {
			return step, t, nil
		}
	}
	return 0, time.Time{}, errors.Errorf("unparseable epoch %q", stamp)
}

func (nc *file) timestamps() ([]time.Time, error) {
	tv := nc.variable("time")
	if tv == nil {
		for i := range nc.vars {
			if isTimeName(nc.vars[i].name) {
				tv = &nc.vars[i]
				break
			}
		}
	}
	if tv == nil {
		return nil, errors.New("no time coordinate variable")
	}
	step, epoch, err := timeEpoch(attrString(tv.attrs, "units"))
	if err != nil {
		return nil, err
	}
	var vals []float64
	if tv.record {
		for r := 0; r < nc.numrecs; r++ {
			v, err := nc.read(tv, r)
			if err != nil {
				return nil, err
			}
			vals = append(vals, v...)
		}
	} else {
		if vals, err = nc.read(tv, 0); err != nil {
			return nil, err
		}
	}
	out := make([]time.Time, len(vals))
	for i, v := range vals {
		out[i] = epoch.Add(time.Duration(v * float64(step)))
	}
	return out, nil
}

// coord reads a 1-D coordinate variable for the dimension index, or nil if
// the file has none.
func (nc *file) coord(dim int) ([]float64, error) {
	name := nc.dims[dim].name
	v := nc.variable(name)
	if v == nil || len(v.dims) != 1 || v.dims[0] != dim {
		return nil, nil
	}
	return nc.read(v, 0)
}

var _ rastermill.FormatPlugin = (*Plugin)(nil)

// Plugin reads NetCDF classic files.
type Plugin struct{}

// Name implements rastermill.FormatPlugin.
func (p *Plugin) Name() string { return "netcdf" }

// Extensions implements rastermill.FormatPlugin.
func (p *Plugin) Extensions() []string { return []string{".nc", ".nc4", ".cdf"} }

// CanHandle sniffs for the CDF magic.
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
	return string(magic[:3]) == "CDF" && (magic[3] == 1 || magic[3] == 2)
}

// ListVariables returns the gridded (lat/lon) variables. Keys are nil:
// NetCDF variable names are unique within a file.
func (p *Plugin) ListVariables(path string) ([]rastermill.VariableDescriptor, error) {
	nc, err := open(path)
	if err != nil {
		return nil, err
	}
	defer nc.close()
	var out []rastermill.VariableDescriptor
	for i := range nc.vars {
		v := &nc.vars[i]
		if _, _, _, ok := nc.gridDims(v); !ok {
			continue
		}
		dims := make([]string, len(v.dims))
		for j, d := range v.dims {
			dims[j] = nc.dims[d].name
		}
		out = append(out, rastermill.VariableDescriptor{
			Name:       v.name,
			LongName:   attrString(v.attrs, "long_name"),
			Units:      attrString(v.attrs, "units"),
			Dimensions: dims,
			Shape:      nc.shape(v),
		})
	}
	return out, nil
}

// Timestamps returns the variable's time axis, or a single zero time for
// variables without one (the caller substitutes the reference time).
func (p *Plugin) Timestamps(path string, sel rastermill.Selector) ([]time.Time, error) {
	nc, err := open(path)
	if err != nil {
		return nil, err
	}
	defer nc.close()
	v := nc.variable(sel.Name)
	if v == nil {
		return nil, errors.Errorf("variable %q not found in '%s'", sel.Name, path)
	}
	timeDim, _, _, ok := nc.gridDims(v)
	if !ok {
		return nil, errors.Errorf("variable %q is not a lat/lon grid", sel.Name)
	}
	if timeDim == -1 {
		return []time.Time{{}}, nil
	}
	return nc.timestamps()
}

// Open returns a lazy view over one time step of the variable.
func (p *Plugin) Open(path string, sel rastermill.Selector, ts time.Time, win *rastermill.Window) (*rastermill.VariableView, error) {
	nc, err := open(path)
	if err != nil {
		return nil, err
	}
	v := nc.variable(sel.Name)
	if v == nil {
		nc.close()
		return nil, errors.Errorf("variable %q not found in '%s'", sel.Name, path)
	}
	timeDim, latDim, lonDim, ok := nc.gridDims(v)
	if !ok {
		nc.close()
		return nil, errors.Errorf("variable %q is not a lat/lon grid", sel.Name)
	}

	record := 0
	if timeDim != -1 {
		stamps, err := nc.timestamps()
		if err != nil {
			nc.close()
			return nil, errors.Wrap(err, "reading time axis")
		}
		record = -1
		for i, t := range stamps {
			if t.Equal(ts) {
				record = i
				break
			}
		}
		if record == -1 {
			nc.close()
			return nil, errors.Errorf("no time step %v for %q in '%s'", ts, sel.Name, path)
		}
	}

	lats, err := nc.coord(v.dims[latDim])
	if err != nil {
		nc.close()
		return nil, errors.Wrap(err, "reading latitude coordinate")
	}
	lons, err := nc.coord(v.dims[lonDim])
	if err != nil {
		nc.close()
		return nil, errors.Wrap(err, "reading longitude coordinate")
	}
	fullW := nc.dims[v.dims[lonDim]].length
	fullH := nc.dims[v.dims[latDim]].length
	if len(lats) != fullH || len(lons) != fullW {
		nc.close()
		return nil, errors.Errorf("missing coordinate variables for %q", sel.Name)
	}
	// Ascending latitudes store row 0 at the south edge.
	southToNorth := lats[0] < lats[len(lats)-1]
	bounds := rastermill.Bounds{
		West:  math.Min(lons[0], lons[len(lons)-1]),
		East:  math.Max(lons[0], lons[len(lons)-1]),
		South: math.Min(lats[0], lats[len(lats)-1]),
		North: math.Max(lats[0], lats[len(lats)-1]),
	}
	resX := 0.0
	if fullW > 1 {
		resX = (bounds.East - bounds.West) / float64(fullW-1)
	}
	resY := 0.0
	if fullH > 1 {
		resY = (bounds.North - bounds.South) / float64(fullH-1)
	}

	width, height := fullW, fullH
	viewBounds := bounds
	if win != nil {
		if win.X < 0 || win.Y < 0 || win.X+win.Width > fullW || win.Y+win.Height > fullH {
			nc.close()
			return nil, errors.Errorf("window %+v outside %dx%d grid", *win, fullW, fullH)
		}
		width, height = win.Width, win.Height
		viewBounds = rastermill.Bounds{
			West:  bounds.West + float64(win.X)*resX,
			North: bounds.North - float64(win.Y)*resY,
		}
		viewBounds.East = viewBounds.West + float64(win.Width)*resX
		viewBounds.South = viewBounds.North - float64(win.Height)*resY
	}

	scale, hasScale := attrFloat(v.attrs, "scale_factor")
	offset, hasOffset := attrFloat(v.attrs, "add_offset")
	fill, hasFill := attrFloat(v.attrs, "_FillValue")
	window := win
	view := rastermill.NewVariableView(func() ([]float32, error) {
		vals, err := nc.readSlab(v, timeDim, record)
		if err != nil {
			return nil, err
		}
		data := make([]float32, len(vals))
		for i, raw := range vals {
			if hasFill && raw == fill {
				data[i] = float32(math.NaN())
				continue
			}
			if hasScale {
				raw *= scale
			}
			if hasOffset {
				raw += offset
			}
			data[i] = float32(raw)
		}
		if window == nil {
			return data, nil
		}
		if southToNorth {
			flipRows(data, fullW, fullH)
		}
		sub := make([]float32, 0, window.Width*window.Height)
		for y := window.Y; y < window.Y+window.Height; y++ {
			row := y*fullW + window.X
			sub = append(sub, data[row:row+window.Width]...)
		}
		return sub, nil
	})
	view.OnClose(nc.close)
	view.Name = v.name
	view.Units = attrString(v.attrs, "units")
	view.Bounds = viewBounds
	view.CRS = "EPSG:4326"
	view.Width = width
	view.Height = height
	view.Resolution = [2]float64{resX, resY}
	view.Timestamp = ts
	view.NeedsRowFlip = win == nil && southToNorth
	view.Meta["full_width"] = fullW
	view.Meta["full_height"] = fullH
	if ln := attrString(v.attrs, "long_name"); ln != "" {
		view.Meta["long_name"] = ln
	}
	return view, nil
}

func flipRows(data []float32, width, height int) {
	row := make([]float32, width)
	for y := 0; y < height/2; y++ {
		top := data[y*width : (y+1)*width]
		bot := data[(height-1-y)*width : (height-y)*width]
		copy(row, top)
		copy(top, bot)
		copy(bot, row)
	}
}

// Extract implements rastermill.FormatPlugin.
func (p *Plugin) Extract(path string, sel rastermill.Selector, ts time.Time, win *rastermill.Window) (*rastermill.Grid, error) {
	return rastermill.ExtractViaOpen(p, path, sel, ts, win)
}

// Metadata implements rastermill.FormatPlugin.
func (p *Plugin) Metadata(path string, sel rastermill.Selector, ts time.Time) (*rastermill.Metadata, error) {
	return rastermill.MetadataViaOpen(p, path, sel, ts)
}
