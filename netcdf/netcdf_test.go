package netcdf

import (
	"encoding/binary"
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rastermill/rastermill"
)

// Builder helpers producing a CDF-1 file with fixed dimensions
// time=2, lat=3, lon=4 and a short t2m(time, lat, lon) variable with CF
// packing attributes.

func ncName(s string) []byte {
	out := make([]byte, 4+pad4(len(s)))
	binary.BigEndian.PutUint32(out, uint32(len(s)))
	copy(out[4:], s)
	return out
}

func ncCharAttr(name, val string) []byte {
	out := ncName(name)
	head := make([]byte, 8)
	binary.BigEndian.PutUint32(head[0:4], ncChar)
	binary.BigEndian.PutUint32(head[4:8], uint32(len(val)))
	out = append(out, head...)
	padded := make([]byte, pad4(len(val)))
	copy(padded, val)
	return append(out, padded...)
}

func ncDoubleAttr(name string, val float64) []byte {
	out := ncName(name)
	body := make([]byte, 16)
	binary.BigEndian.PutUint32(body[0:4], ncDouble)
	binary.BigEndian.PutUint32(body[4:8], 1)
	binary.BigEndian.PutUint64(body[8:16], math.Float64bits(val))
	return append(out, body...)
}

func ncAttrList(attrs ...[]byte) []byte {
	out := make([]byte, 8)
	if len(attrs) == 0 {
		return out
	}
	binary.BigEndian.PutUint32(out[0:4], tagAttribute)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(attrs)))
	for _, a := range attrs {
		out = append(out, a...)
	}
	return out
}

type ncVar struct {
	name   string
	dimids []uint32
	attrs  []byte
	nctype uint32
	data   []byte
}

func ncVarEntry(v ncVar, begin uint32) []byte {
	out := ncName(v.name)
	nd := make([]byte, 4)
	binary.BigEndian.PutUint32(nd, uint32(len(v.dimids)))
	out = append(out, nd...)
	for _, d := range v.dimids {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, d)
		out = append(out, b...)
	}
	out = append(out, v.attrs...)
	tail := make([]byte, 12)
	binary.BigEndian.PutUint32(tail[0:4], v.nctype)
	binary.BigEndian.PutUint32(tail[4:8], uint32(pad4(len(v.data))))
	binary.BigEndian.PutUint32(tail[8:12], begin)
	return append(out, tail...)
}

func doubles(vals ...float64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint64(out[8*i:], math.Float64bits(v))
	}
	return out
}

func floats(vals ...float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func shorts(vals ...int16) []byte {
	out := make([]byte, pad4(2*len(vals)))
	for i, v := range vals {
		binary.BigEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func buildTestFile(t *testing.T) string {
	t.Helper()

	// time step 0 holds 0..11 (index 7 is the fill value), step 1 holds
	// 100..111. Scaled value = raw*0.5 + 270.
	step0 := []int16{0, 1, 2, 3, 4, 5, 6, -999, 8, 9, 10, 11}
	step1 := []int16{100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110, 111}

	vars := []ncVar{
		{
			name: "time", dimids: []uint32{0}, nctype: ncDouble,
			attrs: ncAttrList(ncCharAttr("units", "hours since 2025-01-15 00:00:00")),
			data:  doubles(6, 12),
		},
		{
			name: "lat", dimids: []uint32{1}, nctype: ncFloat,
			attrs: ncAttrList(ncCharAttr("units", "degrees_north")),
			data:  floats(53, 54, 55), // ascending, rows start at the south
		},
		{
			name: "lon", dimids: []uint32{2}, nctype: ncFloat,
			attrs: ncAttrList(ncCharAttr("units", "degrees_east")),
			data:  floats(5, 6, 7, 8),
		},
		{
			name: "t2m", dimids: []uint32{0, 1, 2}, nctype: ncShort,
			attrs: ncAttrList(
				ncCharAttr("units", "K"),
				ncCharAttr("long_name", "2 metre temperature"),
				ncDoubleAttr("scale_factor", 0.5),
				ncDoubleAttr("add_offset", 270),
				ncDoubleAttr("_FillValue", -999),
			),
			data: shorts(append(append([]int16{}, step0...), step1...)...),
		},
	}

	header := func(begins []uint32) []byte {
		var out []byte
		out = append(out, 'C', 'D', 'F', 1)
		out = append(out, make([]byte, 4)...) // numrecs 0, no record vars

		dimList := make([]byte, 8)
		binary.BigEndian.PutUint32(dimList[0:4], tagDimension)
		binary.BigEndian.PutUint32(dimList[4:8], 3)
		out = append(out, dimList...)
		for _, d := range []struct {
			name string
			len  uint32
		}{{"time", 2}, {"lat", 3}, {"lon", 4}} {
			out = append(out, ncName(d.name)...)
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, d.len)
			out = append(out, b...)
		}

		out = append(out, ncAttrList()...) // no global attributes

		varList := make([]byte, 8)
		binary.BigEndian.PutUint32(varList[0:4], tagVariable)
		binary.BigEndian.PutUint32(varList[4:8], uint32(len(vars)))
		out = append(out, varList...)
		for i, v := range vars {
			out = append(out, ncVarEntry(v, begins[i])...)
		}
		return out
	}

	// Header size does not depend on begin values, so lay it out once
	// with zeros, then rebuild with real offsets.
	headerLen := len(header(make([]uint32, len(vars))))
	begins := make([]uint32, len(vars))
	off := uint32(headerLen)
	for i, v := range vars {
		begins[i] = off
		off += uint32(pad4(len(v.data)))
	}
	buf := header(begins)
	for _, v := range vars {
		padded := make([]byte, pad4(len(v.data)))
		copy(padded, v.data)
		buf = append(buf, padded...)
	}

	dir, err := ioutil.TempDir("", "rastermill-netcdf")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "test.nc")
	if err := ioutil.WriteFile(path, buf, 0644); err != nil {
		t.Fatalf("writing netcdf file: %v", err)
	}
	return path
}

func TestCanHandle(t *testing.T) {
	p := &Plugin{}
	path := buildTestFile(t)
	if !p.CanHandle(path) {
		t.Fatal("expected CanHandle true")
	}
	junk := filepath.Join(filepath.Dir(path), "junk.nc")
	if err := ioutil.WriteFile(junk, []byte("HDF\x89 something"), 0644); err != nil {
		t.Fatalf("writing junk: %v", err)
	}
	if p.CanHandle(junk) {
		t.Fatal("expected CanHandle false for junk")
	}
}

func TestListVariables(t *testing.T) {
	p := &Plugin{}
	vars, err := p.ListVariables(buildTestFile(t))
	if err != nil {
		t.Fatalf("listing variables: %v", err)
	}
	if len(vars) != 1 {
		t.Fatalf("expected only the gridded variable, got %+v", vars)
	}
	v := vars[0]
	if v.Name != "t2m" || v.Units != "K" || v.LongName != "2 metre temperature" {
		t.Fatalf("unexpected descriptor %+v", v)
	}
	if len(v.Shape) != 3 || v.Shape[0] != 2 || v.Shape[1] != 3 || v.Shape[2] != 4 {
		t.Fatalf("unexpected shape %v", v.Shape)
	}
	if v.Key != nil {
		t.Fatal("expected nil key for self-describing format")
	}
}

func TestTimestamps(t *testing.T) {
	p := &Plugin{}
	ts, err := p.Timestamps(buildTestFile(t), rastermill.Selector{Name: "t2m"})
	if err != nil {
		t.Fatalf("getting timestamps: %v", err)
	}
	epoch := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	if len(ts) != 2 || !ts[0].Equal(epoch.Add(6*time.Hour)) || !ts[1].Equal(epoch.Add(12*time.Hour)) {
		t.Fatalf("unexpected timestamps %v", ts)
	}
}

func TestExtract(t *testing.T) {
	p := &Plugin{}
	path := buildTestFile(t)
	ts := time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)

	g, err := p.Extract(path, rastermill.Selector{Name: "t2m"}, ts, nil)
	if err != nil {
		t.Fatalf("extracting: %v", err)
	}
	if g.Width != 4 || g.Height != 3 {
		t.Fatalf("expected 4x3 grid, got %dx%d", g.Width, g.Height)
	}
	// Latitudes ascend in the file, so canonical row 0 is the file's last
	// row: raw 8 scales to 8*0.5+270.
	if g.Data[0] != 274 {
		t.Fatalf("expected 274 at row 0, got %v", g.Data[0])
	}
	// Raw -999 is the fill value; it sits in the file's middle row which
	// the flip leaves in place, so canonical row 1, col 3.
	if !math.IsNaN(float64(g.Data[1*4+3])) {
		t.Fatalf("expected NaN for fill value, got %v", g.Data[1*4+3])
	}
	if g.Bounds.West != 5 || g.Bounds.East != 8 || g.Bounds.South != 53 || g.Bounds.North != 55 {
		t.Fatalf("unexpected bounds %+v", g.Bounds)
	}

	// Second time step.
	g2, err := p.Extract(path, rastermill.Selector{Name: "t2m"}, ts.Add(6*time.Hour), nil)
	if err != nil {
		t.Fatalf("extracting second step: %v", err)
	}
	// Same flip as step one: canonical row 0 is the file's last row,
	// raw 108 scales to 108*0.5+270.
	if g2.Data[0] != 108*0.5+270 {
		t.Fatalf("expected second step data, got %v", g2.Data[0])
	}

	if _, err := p.Extract(path, rastermill.Selector{Name: "t2m"}, ts.Add(time.Hour), nil); err == nil {
		t.Fatal("expected error for missing time step")
	}
}

func TestExtractWindow(t *testing.T) {
	p := &Plugin{}
	ts := time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)
	win := &rastermill.Window{X: 1, Y: 0, Width: 2, Height: 2}

	g, err := p.Extract(buildTestFile(t), rastermill.Selector{Name: "t2m"}, ts, win)
	if err != nil {
		t.Fatalf("extracting window: %v", err)
	}
	// Canonical rows 0 and 1 are file rows 2 and 1; columns 1..2.
	want := []float32{9*0.5 + 270, 10*0.5 + 270, 5*0.5 + 270, 6*0.5 + 270}
	for i, v := range want {
		if g.Data[i] != v {
			t.Fatalf("window value %d: expected %v, got %v", i, v, g.Data[i])
		}
	}
}
