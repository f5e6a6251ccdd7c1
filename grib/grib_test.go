package grib

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

// msgSpec describes one synthetic GRIB2 message for tests.
type msgSpec struct {
	discipline  byte
	category    byte
	number      byte
	refTime     time.Time
	fcstHours   uint32
	levelType   byte
	levelValue  int32 // unscaled (scale factor 0)
	ni, nj      int
	la1, lo1    float64 // first grid point
	la2, lo2    float64 // last grid point
	di, dj      float64
	scanMode    byte
	intervalEnd time.Time // non-zero emits product template 4.8
	values      []float32 // ni*nj, non-negative integers for exact packing
}

func putSignMag32(b []byte, v int32) {
	u := uint32(v)
	if v < 0 {
		u = uint32(-v) | 0x80000000
	}
	binary.BigEndian.PutUint32(b, u)
}

func deg(v float64) int32 { return int32(math.Round(v * 1e6)) }

// buildMessage encodes spec as a single GRIB2 message with simple packing
// at 16 bits per value, reference value 0, no scaling.
func buildMessage(spec msgSpec) []byte {
	var out []byte

	sec0 := make([]byte, 16)
	copy(sec0, "GRIB")
	sec0[6] = spec.discipline
	sec0[7] = 2
	out = append(out, sec0...)

	sec1 := make([]byte, 21)
	binary.BigEndian.PutUint32(sec1[0:4], 21)
	sec1[4] = 1
	binary.BigEndian.PutUint16(sec1[12:14], uint16(spec.refTime.Year()))
	sec1[14] = byte(spec.refTime.Month())
	sec1[15] = byte(spec.refTime.Day())
	sec1[16] = byte(spec.refTime.Hour())
	sec1[17] = byte(spec.refTime.Minute())
	out = append(out, sec1...)

	sec3 := make([]byte, 72)
	binary.BigEndian.PutUint32(sec3[0:4], 72)
	sec3[4] = 3
	binary.BigEndian.PutUint32(sec3[6:10], uint32(spec.ni*spec.nj))
	binary.BigEndian.PutUint16(sec3[12:14], 0) // lat/lon template
	binary.BigEndian.PutUint32(sec3[30:34], uint32(spec.ni))
	binary.BigEndian.PutUint32(sec3[34:38], uint32(spec.nj))
	putSignMag32(sec3[46:50], deg(spec.la1))
	putSignMag32(sec3[50:54], deg(spec.lo1))
	putSignMag32(sec3[55:59], deg(spec.la2))
	putSignMag32(sec3[59:63], deg(spec.lo2))
	binary.BigEndian.PutUint32(sec3[63:67], uint32(deg(spec.di)))
	binary.BigEndian.PutUint32(sec3[67:71], uint32(deg(spec.dj)))
	sec3[71] = spec.scanMode
	out = append(out, sec3...)

	sec4Len := 34
	if !spec.intervalEnd.IsZero() {
		sec4Len = 58
	}
	sec4 := make([]byte, sec4Len)
	binary.BigEndian.PutUint32(sec4[0:4], uint32(sec4Len))
	sec4[4] = 4
	binary.BigEndian.PutUint16(sec4[7:9], 0) // template 4.0
	sec4[9] = spec.category
	sec4[10] = spec.number
	sec4[17] = 1 // hours
	binary.BigEndian.PutUint32(sec4[18:22], spec.fcstHours)
	sec4[22] = spec.levelType
	sec4[23] = 0
	putSignMag32(sec4[24:28], spec.levelValue)
	sec4[28] = 255
	if !spec.intervalEnd.IsZero() {
		binary.BigEndian.PutUint16(sec4[7:9], 8) // template 4.8
		end := spec.intervalEnd.UTC()
		binary.BigEndian.PutUint16(sec4[34:36], uint16(end.Year()))
		sec4[36] = byte(end.Month())
		sec4[37] = byte(end.Day())
		sec4[38] = byte(end.Hour())
		sec4[39] = byte(end.Minute())
		sec4[40] = byte(end.Second())
		sec4[41] = 1 // one time range spec
		sec4[46] = 1 // accumulation
		sec4[48] = 1 // hours
	}
	out = append(out, sec4...)

	sec5 := make([]byte, 21)
	binary.BigEndian.PutUint32(sec5[0:4], 21)
	sec5[4] = 5
	binary.BigEndian.PutUint32(sec5[5:9], uint32(len(spec.values)))
	binary.BigEndian.PutUint16(sec5[9:11], 0) // simple packing
	binary.BigEndian.PutUint32(sec5[11:15], math.Float32bits(0))
	sec5[19] = 16
	out = append(out, sec5...)

	sec6 := make([]byte, 6)
	binary.BigEndian.PutUint32(sec6[0:4], 6)
	sec6[4] = 6
	sec6[5] = 255
	out = append(out, sec6...)

	packed := make([]byte, 2*len(spec.values))
	for i, v := range spec.values {
		binary.BigEndian.PutUint16(packed[2*i:], uint16(v))
	}
	sec7 := make([]byte, 5+len(packed))
	binary.BigEndian.PutUint32(sec7[0:4], uint32(len(sec7)))
	sec7[4] = 7
	copy(sec7[5:], packed)
	out = append(out, sec7...)

	out = append(out, "7777"...)
	binary.BigEndian.PutUint64(out[8:16], uint64(len(out)))
	return out
}

func writeGrib(t *testing.T, specs ...msgSpec) string {
	t.Helper()
	var buf []byte
	for _, s := range specs {
		buf = append(buf, buildMessage(s)...)
	}
	dir, err := ioutil.TempDir("", "rastermill-grib")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "test.grib2")
	if err := ioutil.WriteFile(path, buf, 0644); err != nil {
		t.Fatalf("writing grib file: %v", err)
	}
	return path
}

var refTime = time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)

func tempSpec() msgSpec {
	return msgSpec{
		discipline: 0, category: 0, number: 0,
		refTime:   refTime,
		fcstHours: 3,
		levelType: 103, levelValue: 2,
		ni: 4, nj: 3,
		la1: 55, lo1: 5, la2: 53, lo2: 8,
		di: 1, dj: 1,
		scanMode: 0x00, // west to east, north to south
		values:   []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
	}
}

func TestCanHandle(t *testing.T) {
	p := &Plugin{}
	path := writeGrib(t, tempSpec())
	if !p.CanHandle(path) {
		t.Fatal("expected CanHandle true for grib file")
	}
	junk := filepath.Join(filepath.Dir(path), "junk.grib2")
	if err := ioutil.WriteFile(junk, []byte("not a grib at all"), 0644); err != nil {
		t.Fatalf("writing junk: %v", err)
	}
	if p.CanHandle(junk) {
		t.Fatal("expected CanHandle false for junk")
	}
}

func TestListVariables(t *testing.T) {
	p := &Plugin{}
	t850 := tempSpec()
	t850.levelType = 100
	t850.levelValue = 85000 // Pa
	u := tempSpec()
	u.category, u.number = 2, 2
	u.levelType, u.levelValue = 103, 10
	path := writeGrib(t, tempSpec(), t850, u)

	vars, err := p.ListVariables(path)
	if err != nil {
		t.Fatalf("listing variables: %v", err)
	}
	if len(vars) != 3 {
		t.Fatalf("expected 3 variables, got %d: %+v", len(vars), vars)
	}
	byName := map[string]rastermill.VariableDescriptor{}
	for _, v := range vars {
		byName[v.Name] = v
	}
	two, ok := byName["2t"]
	if !ok {
		t.Fatalf("expected 2m temperature aliased to 2t, got %+v", vars)
	}
	if two.Key == nil || two.Key.LevelType != "heightAboveGround" || *two.Key.Level != 2 {
		t.Fatalf("unexpected 2t key: %+v", two.Key)
	}
	if two.Units != "K" {
		t.Fatalf("expected units K, got %q", two.Units)
	}
	iso, ok := byName["t"]
	if !ok {
		t.Fatal("expected isobaric temperature present as t")
	}
	if iso.Key.LevelType != "isobaricInhPa" || *iso.Key.Level != 850 {
		t.Fatalf("expected 850 hPa key, got %+v", iso.Key)
	}
	if wind, ok := byName["10u"]; !ok || *wind.Key.Level != 10 {
		t.Fatalf("expected 10u present, got %+v", byName)
	}
}

func TestTimestamps(t *testing.T) {
	p := &Plugin{}
	h3 := tempSpec()
	h6 := tempSpec()
	h6.fcstHours = 6
	path := writeGrib(t, h3, h6)

	ts, err := p.Timestamps(path, rastermill.Selector{Name: "2t"})
	if err != nil {
		t.Fatalf("getting timestamps: %v", err)
	}
	want := []time.Time{refTime.Add(3 * time.Hour), refTime.Add(6 * time.Hour)}
	if len(ts) != 2 || !ts[0].Equal(want[0]) || !ts[1].Equal(want[1]) {
		t.Fatalf("expected %v, got %v", want, ts)
	}
	if _, err := p.Timestamps(path, rastermill.Selector{Name: "nope"}); err == nil {
		t.Fatal("expected error for unknown variable")
	}
}

func TestAccumulationValidTime(t *testing.T) {
	p := &Plugin{}
	tp := tempSpec()
	tp.category, tp.number = 1, 8 // total precipitation
	tp.levelType, tp.levelValue = 1, 0
	tp.fcstHours = 0
	tp.intervalEnd = refTime.Add(3 * time.Hour)
	path := writeGrib(t, tp)

	// An accumulation's valid time is the end of its interval, not
	// reference plus forecast offset.
	ts, err := p.Timestamps(path, rastermill.Selector{Name: "tp"})
	if err != nil {
		t.Fatalf("getting timestamps: %v", err)
	}
	if len(ts) != 1 || !ts[0].Equal(refTime.Add(3*time.Hour)) {
		t.Fatalf("expected interval end %v, got %v", refTime.Add(3*time.Hour), ts)
	}

	g, err := p.Extract(path, rastermill.Selector{Name: "tp"}, ts[0], nil)
	if err != nil {
		t.Fatalf("extracting accumulation: %v", err)
	}
	if g.Data[0] != 0 || g.Data[11] != 11 {
		t.Fatalf("unexpected data %v", g.Data)
	}
	if !g.Timestamp.Equal(refTime.Add(3 * time.Hour)) {
		t.Fatalf("unexpected grid timestamp %v", g.Timestamp)
	}
}

func TestExtract(t *testing.T) {
	p := &Plugin{}
	path := writeGrib(t, tempSpec())

	g, err := p.Extract(path, rastermill.Selector{Name: "2t"}, refTime.Add(3*time.Hour), nil)
	if err != nil {
		t.Fatalf("extracting: %v", err)
	}
	if g.Width != 4 || g.Height != 3 {
		t.Fatalf("expected 4x3 grid, got %dx%d", g.Width, g.Height)
	}
	for i, v := range g.Data {
		if v != float32(i) {
			t.Fatalf("value %d: expected %d, got %v", i, i, v)
		}
	}
	if g.Bounds.North != 55 || g.Bounds.South != 53 || g.Bounds.West != 5 || g.Bounds.East != 8 {
		t.Fatalf("unexpected bounds %+v", g.Bounds)
	}
	if !g.Timestamp.Equal(refTime.Add(3 * time.Hour)) {
		t.Fatalf("unexpected timestamp %v", g.Timestamp)
	}
}

func TestExtractFlipsSouthToNorth(t *testing.T) {
	p := &Plugin{}
	spec := tempSpec()
	spec.scanMode = 0x40 // south to north
	spec.la1, spec.la2 = 53, 55
	path := writeGrib(t, spec)

	g, err := p.Extract(path, rastermill.Selector{Name: "2t"}, refTime.Add(3*time.Hour), nil)
	if err != nil {
		t.Fatalf("extracting: %v", err)
	}
	// Stored row 0 is the southernmost; canonical row 0 must be the
	// northernmost, so the first output value is the start of the last
	// stored row.
	if g.Data[0] != 8 || g.Data[len(g.Data)-1] != 3 {
		t.Fatalf("expected flipped rows, got %v", g.Data)
	}
}

func TestExtractWindow(t *testing.T) {
	p := &Plugin{}
	path := writeGrib(t, tempSpec())

	win := &rastermill.Window{X: 1, Y: 1, Width: 2, Height: 2}
	g, err := p.Extract(path, rastermill.Selector{Name: "2t"}, refTime.Add(3*time.Hour), win)
	if err != nil {
		t.Fatalf("extracting window: %v", err)
	}
	want := []float32{5, 6, 9, 10}
	if len(g.Data) != 4 {
		t.Fatalf("expected 4 values, got %d", len(g.Data))
	}
	for i, v := range want {
		if g.Data[i] != v {
			t.Fatalf("window value %d: expected %v, got %v", i, v, g.Data[i])
		}
	}
	if g.Bounds.West != 6 || g.Bounds.North != 54 || g.Bounds.East != 8 || g.Bounds.South != 52 {
		t.Fatalf("unexpected window bounds %+v", g.Bounds)
	}

	bad := &rastermill.Window{X: 3, Y: 0, Width: 2, Height: 2}
	if _, err := p.Extract(path, rastermill.Selector{Name: "2t"}, refTime.Add(3*time.Hour), bad); err == nil {
		t.Fatal("expected error for out-of-range window")
	}
}

func TestSelectByKey(t *testing.T) {
	p := &Plugin{}
	surface := tempSpec()
	surface.levelType = 100
	surface.levelValue = 85000
	for i := range surface.values {
		surface.values[i] = 100
	}
	path := writeGrib(t, tempSpec(), surface)

	lvl := 850.0
	sel := rastermill.Selector{
		Name: "t",
		Key:  &rastermill.VariableKey{ShortName: "t", LevelType: "isobaricInhPa", Level: &lvl},
	}
	g, err := p.Extract(path, sel, refTime.Add(3*time.Hour), nil)
	if err != nil {
		t.Fatalf("extracting by key: %v", err)
	}
	if g.Data[0] != 100 {
		t.Fatalf("expected isobaric message selected, got %v", g.Data[0])
	}
}

func TestMetadata(t *testing.T) {
	p := &Plugin{}
	path := writeGrib(t, tempSpec())
	md, err := p.Metadata(path, rastermill.Selector{Name: "2t"}, refTime.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("getting metadata: %v", err)
	}
	if md.Width != 4 || md.Height != 3 || md.CRS != "EPSG:4326" {
		t.Fatalf("unexpected metadata %+v", md)
	}
}
