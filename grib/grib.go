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

// Package grib reads GRIB2 files with regular lat/lon grids and simple
// packing, which covers the common weather-model products (GFS, ICON,
// HRRR pressure fields). Messages are indexed header-only on open; packed
// data is read and decoded only when a variable is materialized.
package grib

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rastermill/rastermill"
)

func init() {
	rastermill.RegisterFormat(&Plugin{})
}

// paramInfo is a row of the subset of the WMO parameter tables this reader
// knows. Keyed by (discipline, category, number).
type paramInfo struct {
	shortName string
	longName  string
	units     string
}

var paramTable = map[[3]int]paramInfo{
	{0, 0, 0}:  {"t", "Temperature", "K"},
	{0, 0, 6}:  {"dpt", "Dew point temperature", "K"},
	{0, 1, 1}:  {"r", "Relative humidity", "%"},
	{0, 1, 8}:  {"tp", "Total precipitation", "kg m**-2"},
	{0, 1, 52}: {"tprate", "Total precipitation rate", "kg m**-2 s**-1"},
	{0, 2, 2}:  {"u", "U component of wind", "m s**-1"},
	{0, 2, 3}:  {"v", "V component of wind", "m s**-1"},
	{0, 2, 22}: {"gust", "Wind speed (gust)", "m s**-1"},
	{0, 3, 0}:  {"pres", "Pressure", "Pa"},
	{0, 3, 1}:  {"msl", "Mean sea level pressure", "Pa"},
	{0, 3, 5}:  {"gh", "Geopotential height", "gpm"},
	{0, 6, 1}:  {"tcc", "Total cloud cover", "%"},
	{0, 19, 0}: {"vis", "Visibility", "m"},
}

var levelTypes = map[int]string{
	1:   "surface",
	100: "isobaricInhPa",
	101: "meanSea",
	103: "heightAboveGround",
}

// aliasShortName folds the level into the name for the handful of
// near-surface fields that forecasters know by their 2m/10m names.
func aliasShortName(short, levelType string, level float64) string {
	if levelType != "heightAboveGround" {
		return short
	}
	switch {
	case short == "t" && level == 2:
		return "2t"
	case short == "dpt" && level == 2:
		return "2d"
	case short == "r" && level == 2:
		return "2r"
	case short == "u" && level == 10:
		return "10u"
	case short == "v" && level == 10:
		return "10v"
	}
	return short
}

// message is the header-only index of one GRIB2 message. dataOffset points
// at the first packed byte of section 7 so extraction can read it directly.
type message struct {
	discipline int
	category   int
	number     int

	refTime      time.Time
	forecast     time.Duration
	intervalEnd  time.Time // template 4.8: end of the statistical interval
	levelType    string
	levelRaw     int
	level        float64
	hasLevel     bool
	shortName    string
	longName     string
	units        string

	ni, nj       int
	la1, lo1     float64
	la2, lo2     float64
	di, dj       float64
	southToNorth bool

	refValue   float64
	binScale   int
	decScale   int
	bitsPer    int
	numVals    int
	dataOffset int64
	dataLen    int
}

// validTime is the instant the field describes: the forecast offset for
// instantaneous products, the end of the statistical interval for
// accumulations and averages.
func (m *message) validTime() time.Time {
	if !m.intervalEnd.IsZero() {
		return m.intervalEnd
	}
	return m.refTime.Add(m.forecast)
}

func (m *message) key() rastermill.VariableKey {
	k := rastermill.VariableKey{ShortName: m.shortName, LevelType: m.levelType}
	if m.hasLevel {
		l := m.level
		k.Level = &l
	}
	return k
}

func (m *message) bounds() rastermill.Bounds {
	return rastermill.Bounds{
		West:  math.Min(m.lo1, m.lo2),
		East:  math.Max(m.lo1, m.lo2),
		South: math.Min(m.la1, m.la2),
		North: math.Max(m.la1, m.la2),
	}
}

var _ rastermill.FormatPlugin = (*Plugin)(nil)

// Plugin reads GRIB2 files.
type Plugin struct{}

// Name implements rastermill.FormatPlugin.
func (p *Plugin) Name() string { return "grib2" }

// Extensions implements rastermill.FormatPlugin.
func (p *Plugin) Extensions() []string {
	return []string{".grib2", ".grb2", ".grib", ".grb"}
}

// CanHandle sniffs for the GRIB magic and edition 2.
func (p *Plugin) CanHandle(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	header := make([]byte, 8)
	if _, err := io.ReadFull(f, header); err != nil {
		return false
	}
	return string(header[:4]) == "GRIB" && header[7] == 2
}

func signMag32(b []byte) int {
	v := binary.BigEndian.Uint32(b)
	if v&0x80000000 != 0 {
		return -int(v & 0x7FFFFFFF)
	}
	return int(v)
}

func signMag16(b []byte) int {
	v := binary.BigEndian.Uint16(b)
	if v&0x8000 != 0 {
		return -int(v & 0x7FFF)
	}
	return int(v)
}

func signMag8(b byte) int {
	if b&0x80 != 0 {
		return -int(b & 0x7F)
	}
	return int(b)
}

func timeUnit(code int) (time.Duration, error) {
	switch code {
	case 0:
		return time.Minute, nil
	case 1:
		return time.Hour, nil
	case 2:
		return 24 * time.Hour, nil
	case 10:
		return 3 * time.Hour, nil
	case 11:
		return 6 * time.Hour, nil
	case 12:
		return 12 * time.Hour, nil
	case 13:
		return time.Second, nil
	}
	return 0, errors.Errorf("unsupported time unit code %d", code)
}

const microdeg = 1e-6

// scanMessages indexes every message in the file without reading packed
// data. Messages this reader cannot represent (non-lat/lon grids, complex
// packing, bitmaps) are skipped rather than failing the whole file; a
// file whose every message is skipped yields an empty index.
func scanMessages(f *os.File) ([]message, error) {
	var out []message
	var offset int64
	indicator := make([]byte, 16)
	for {
		_, err := f.ReadAt(indicator, offset)
		if err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, errors.Wrap(err, "reading indicator section")
		}
		if string(indicator[:4]) != "GRIB" {
			return nil, errors.Errorf("bad message magic at offset %d", offset)
		}
		if indicator[7] != 2 {
			return nil, errors.Errorf("unsupported GRIB edition %d", indicator[7])
		}
		msgLen := int64(binary.BigEndian.Uint64(indicator[8:16]))
		m, err := scanMessage(f, offset, indicator[6])
		if err != nil {
			return nil, errors.Wrapf(err, "scanning message at offset %d", offset)
		}
		if m != nil {
			out = append(out, *m)
		}
		offset += msgLen
	}
}

// scanMessage parses the sections of the message starting at msgOffset.
// Returns nil (no error) for messages the reader skips.
func scanMessage(f *os.File, msgOffset int64, discipline byte) (*message, error) {
	m := &message{discipline: int(discipline)}
	pos := msgOffset + 16
	head := make([]byte, 4)
	num := make([]byte, 1)
	skip := false
	for {
		// The 4-byte end marker is all that remains of the last message,
		// so the section number byte is read only once we know this is
		// not the marker.
		if _, err := f.ReadAt(head, pos); err != nil {
			return nil, errors.Wrap(err, "reading section header")
		}
		if string(head) == "7777" {
			break
		}
		if _, err := f.ReadAt(num, pos+4); err != nil {
			return nil, errors.Wrap(err, "reading section number")
		}
		secLen := int(binary.BigEndian.Uint32(head))
		secNum := num[0]
		if secLen < 5 {
			return nil, errors.Errorf("bad section length %d", secLen)
		}
		if secNum == 7 {
			// Index the packed data without reading it.
			m.dataOffset = pos + 5
			m.dataLen = secLen - 5
			pos += int64(secLen)
			continue
		}
		sec := make([]byte, secLen)
		if _, err := f.ReadAt(sec, pos); err != nil {
			return nil, errors.Wrapf(err, "reading section %d", secNum)
		}
		if err := parseSection(m, secNum, sec, &skip); err != nil {
			return nil, err
		}
		pos += int64(secLen)
	}
	if skip {
		return nil, nil
	}
	return m, nil
}

func parseSection(m *message, num byte, sec []byte, skip *bool) error {
	switch num {
	case 1: // identification
		if len(sec) < 21 {
			return errors.New("short identification section")
		}
		year := int(binary.BigEndian.Uint16(sec[12:14]))
		m.refTime = time.Date(year, time.Month(sec[14]), int(sec[15]),
			int(sec[16]), int(sec[17]), 0, 0, time.UTC)
	case 2: // local use, ignored
	case 3: // grid definition
		if len(sec) < 14 {
			return errors.New("short grid definition section")
		}
		template := int(binary.BigEndian.Uint16(sec[12:14]))
		if template != 0 {
			*skip = true // only regular lat/lon
			return nil
		}
		if len(sec) < 72 {
			return errors.New("short lat/lon grid template")
		}
		m.ni = int(binary.BigEndian.Uint32(sec[30:34]))
		m.nj = int(binary.BigEndian.Uint32(sec[34:38]))
		m.la1 = float64(signMag32(sec[46:50])) * microdeg
		m.lo1 = float64(signMag32(sec[50:54])) * microdeg
		m.la2 = float64(signMag32(sec[55:59])) * microdeg
		m.lo2 = float64(signMag32(sec[59:63])) * microdeg
		m.di = float64(binary.BigEndian.Uint32(sec[63:67])) * microdeg
		m.dj = float64(binary.BigEndian.Uint32(sec[67:71])) * microdeg
		m.southToNorth = sec[71]&0x40 != 0
	case 4: // product definition
		if len(sec) < 28 {
			return errors.New("short product definition section")
		}
		template := int(binary.BigEndian.Uint16(sec[7:9]))
		if template != 0 && template != 8 {
			*skip = true // instantaneous (4.0) and statistical (4.8) only
			return nil
		}
		if template == 8 {
			// Octets 35-41 carry the end of the overall time interval,
			// which is the accumulation's valid time.
			if len(sec) < 41 {
				return errors.New("short statistical product template")
			}
			year := int(binary.BigEndian.Uint16(sec[34:36]))
			m.intervalEnd = time.Date(year, time.Month(sec[36]), int(sec[37]),
				int(sec[38]), int(sec[39]), int(sec[40]), 0, time.UTC)
		}
		m.category = int(sec[9])
		m.number = int(sec[10])
		unit, err := timeUnit(int(sec[17]))
		if err != nil {
			*skip = true
			return nil
		}
		m.forecast = time.Duration(binary.BigEndian.Uint32(sec[18:22])) * unit
		m.levelRaw = int(sec[22])
		lt, ok := levelTypes[m.levelRaw]
		if !ok {
			*skip = true
			return nil
		}
		m.levelType = lt
		scale := signMag8(sec[23])
		scaled := signMag32(sec[24:28])
		if scaled != 0 || m.levelRaw != 1 {
			m.hasLevel = true
			m.level = float64(scaled) * math.Pow(10, float64(-scale))
			if m.levelRaw == 100 {
				m.level /= 100 // Pa to hPa
			}
		}
		info, ok := paramTable[[3]int{m.discipline, m.category, m.number}]
		if !ok {
			*skip = true
			return nil
		}
		m.shortName = aliasShortName(info.shortName, m.levelType, m.level)
		m.longName = info.longName
		m.units = info.units
	case 5: // data representation
		if len(sec) < 20 {
			return errors.New("short data representation section")
		}
		if template := int(binary.BigEndian.Uint16(sec[9:11])); template != 0 {
			*skip = true // simple packing only
			return nil
		}
		m.numVals = int(binary.BigEndian.Uint32(sec[5:9]))
		m.refValue = float64(math.Float32frombits(binary.BigEndian.Uint32(sec[11:15])))
		m.binScale = signMag16(sec[15:17])
		m.decScale = signMag16(sec[17:19])
		m.bitsPer = int(sec[19])
	case 6: // bitmap
		if len(sec) < 6 {
			return errors.New("short bitmap section")
		}
		if sec[5] != 255 {
			*skip = true // bitmapped fields not supported
			return nil
		}
	}
	return nil
}

// decode unpacks the simple-packed section 7 payload of m.
func decode(f *os.File, m *message) ([]float32, error) {
	want := m.ni * m.nj
	if m.numVals != want {
		return nil, errors.Errorf("message has %d values for %dx%d grid", m.numVals, m.ni, m.nj)
	}
	out := make([]float32, want)
	binFac := math.Pow(2, float64(m.binScale))
	decFac := math.Pow(10, float64(m.decScale))
	if m.bitsPer == 0 {
		// Constant field.
		c := float32(m.refValue / decFac)
		for i := range out {
			out[i] = c
		}
		return out, nil
	}
	raw := make([]byte, m.dataLen)
	if _, err := f.ReadAt(raw, m.dataOffset); err != nil {
		return nil, errors.Wrap(err, "reading packed data")
	}
	if m.bitsPer > 32 {
		return nil, errors.Errorf("unsupported packing width %d bits", m.bitsPer)
	}
	bitPos := 0
	for i := 0; i < want; i++ {
		var v uint64
		for b := 0; b < m.bitsPer; b++ {
			byteIdx := bitPos >> 3
			if byteIdx >= len(raw) {
				return nil, errors.New("packed data truncated")
			}
			v <<= 1
			if raw[byteIdx]&(0x80>>uint(bitPos&7)) != 0 {
				v |= 1
			}
			bitPos++
		}
		out[i] = float32((m.refValue + float64(v)*binFac) / decFac)
	}
	return out, nil
}

// ListVariables returns one descriptor per (parameter, level) pair in the
// file. Every descriptor carries a Key; callers resolving by bare name get
// the first-match behavior described on Selector.
func (p *Plugin) ListVariables(path string) ([]rastermill.VariableDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening '%s'", path)
	}
	defer f.Close()
	msgs, err := scanMessages(f)
	if err != nil {
		return nil, errors.Wrap(err, "indexing messages")
	}
	type dedupKey struct {
		short, levelType string
		level            float64
		hasLevel         bool
	}
	seen := map[dedupKey]bool{}
	var out []rastermill.VariableDescriptor
	for i := range msgs {
		m := &msgs[i]
		dedup := dedupKey{m.shortName, m.levelType, m.level, m.hasLevel}
		if seen[dedup] {
			continue
		}
		seen[dedup] = true
		key := m.key()
		out = append(out, rastermill.VariableDescriptor{
			Name:       m.shortName,
			LongName:   m.longName,
			Units:      m.units,
			Dimensions: []string{"lat", "lon"},
			Shape:      []int{m.nj, m.ni},
			Key:        &key,
		})
	}
	return out, nil
}

func (p *Plugin) selectMessages(msgs []message, sel rastermill.Selector) []*message {
	var out []*message
	for i := range msgs {
		m := &msgs[i]
		if sel.Key != nil {
			var lvl *float64
			if m.hasLevel {
				l := m.level
				lvl = &l
			}
			if sel.Key.Matches(m.shortName, m.levelType, lvl) {
				out = append(out, m)
			}
			continue
		}
		if m.shortName == sel.Name {
			out = append(out, m)
		}
	}
	if sel.Key == nil && len(out) > 1 {
		ambiguous := false
		first := out[0]
		for _, m := range out[1:] {
			if m.levelType != first.levelType || m.level != first.level {
				ambiguous = true
				break
			}
		}
		if ambiguous {
			logrus.WithFields(logrus.Fields{
				"variable": sel.Name,
				"picked":   first.levelType,
			}).Warn("name matches multiple levels, using first")
			var filtered []*message
			for _, m := range out {
				if m.levelType == first.levelType && m.level == first.level {
					filtered = append(filtered, m)
				}
			}
			out = filtered
		}
	}
	return out
}

// Timestamps returns the sorted valid times available for the variable.
func (p *Plugin) Timestamps(path string, sel rastermill.Selector) ([]time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening '%s'", path)
	}
	defer f.Close()
	msgs, err := scanMessages(f)
	if err != nil {
		return nil, errors.Wrap(err, "indexing messages")
	}
	matched := p.selectMessages(msgs, sel)
	if len(matched) == 0 {
		return nil, errors.Errorf("variable %q not found in '%s'", sel.Name, path)
	}
	seen := map[time.Time]bool{}
	var out []time.Time
	for _, m := range matched {
		t := m.validTime()
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Open returns a lazy view over the message matching (sel, ts). The packed
// data is not read until Materialize.
func (p *Plugin) Open(path string, sel rastermill.Selector, ts time.Time, win *rastermill.Window) (*rastermill.VariableView, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening '%s'", path)
	}
	msgs, err := scanMessages(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "indexing messages")
	}
	var m *message
	for _, cand := range p.selectMessages(msgs, sel) {
		if cand.validTime().Equal(ts) {
			m = cand
			break
		}
	}
	if m == nil {
		f.Close()
		return nil, errors.Errorf("no message for %q at %v in '%s'", sel.Name, ts, path)
	}

	width, height := m.ni, m.nj
	bounds := m.bounds()
	if win != nil {
		if win.X < 0 || win.Y < 0 || win.X+win.Width > m.ni || win.Y+win.Height > m.nj {
			f.Close()
			return nil, errors.Errorf("window %+v outside %dx%d grid", *win, m.ni, m.nj)
		}
		width, height = win.Width, win.Height
		bounds = rastermill.Bounds{
			West:  m.bounds().West + float64(win.X)*m.di,
			North: m.bounds().North - float64(win.Y)*m.dj,
		}
		bounds.East = bounds.West + float64(width)*m.di
		bounds.South = bounds.North - float64(height)*m.dj
	}

	msg := *m
	window := win
	view := rastermill.NewVariableView(func() ([]float32, error) {
		data, err := decode(f, &msg)
		if err != nil {
			return nil, errors.Wrap(err, "decoding packed data")
		}
		if window == nil {
			return data, nil
		}
		// Orient before windowing so window coordinates always count
		// from the northwest corner.
		if msg.southToNorth {
			flipRows(data, msg.ni, msg.nj)
		}
		sub := make([]float32, 0, window.Width*window.Height)
		for y := window.Y; y < window.Y+window.Height; y++ {
			row := y*msg.ni + window.X
			sub = append(sub, data[row:row+window.Width]...)
		}
		return sub, nil
	})
	view.OnClose(f.Close)
	view.Name = m.shortName
	view.Units = m.units
	view.Bounds = bounds
	view.CRS = "EPSG:4326"
	view.Width = width
	view.Height = height
	view.Resolution = [2]float64{m.di, m.dj}
	view.Timestamp = m.validTime()
	view.NeedsRowFlip = win == nil && m.southToNorth
	view.Meta["discipline"] = m.discipline
	view.Meta["category"] = m.category
	view.Meta["number"] = m.number
	view.Meta["level_type"] = m.levelType
	if m.hasLevel {
		view.Meta["level"] = m.level
	}
	view.Meta["full_width"] = m.ni
	view.Meta["full_height"] = m.nj
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

// Extract reads the matching message directly instead of going through
// the lazy view: one scan, one decode, no intermediate graph.
func (p *Plugin) Extract(path string, sel rastermill.Selector, ts time.Time, win *rastermill.Window) (*rastermill.Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening '%s'", path)
	}
	defer f.Close()
	msgs, err := scanMessages(f)
	if err != nil {
		return nil, errors.Wrap(err, "indexing messages")
	}
	var m *message
	for _, cand := range p.selectMessages(msgs, sel) {
		if cand.validTime().Equal(ts) {
			m = cand
			break
		}
	}
	if m == nil {
		return nil, errors.Errorf("no message for %q at %v in '%s'", sel.Name, ts, path)
	}

	data, err := decode(f, m)
	if err != nil {
		return nil, errors.Wrap(err, "decoding packed data")
	}
	if m.southToNorth {
		flipRows(data, m.ni, m.nj)
	}
	width, height := m.ni, m.nj
	bounds := m.bounds()
	if win != nil {
		if win.X < 0 || win.Y < 0 || win.X+win.Width > m.ni || win.Y+win.Height > m.nj {
			return nil, errors.Errorf("window %+v outside %dx%d grid", *win, m.ni, m.nj)
		}
		sub := make([]float32, 0, win.Width*win.Height)
		for y := win.Y; y < win.Y+win.Height; y++ {
			row := y*m.ni + win.X
			sub = append(sub, data[row:row+win.Width]...)
		}
		data = sub
		width, height = win.Width, win.Height
		bounds = rastermill.Bounds{
			West:  m.bounds().West + float64(win.X)*m.di,
			North: m.bounds().North - float64(win.Y)*m.dj,
		}
		bounds.East = bounds.West + float64(width)*m.di
		bounds.South = bounds.North - float64(height)*m.dj
	}
	meta := map[string]interface{}{
		"discipline": m.discipline,
		"category":   m.category,
		"number":     m.number,
		"level_type": m.levelType,
	}
	if m.hasLevel {
		meta["level"] = m.level
	}
	return &rastermill.Grid{
		Name:       m.shortName,
		Units:      m.units,
		Data:       data,
		Bounds:     bounds,
		CRS:        "EPSG:4326",
		Width:      width,
		Height:     height,
		Resolution: [2]float64{m.di, m.dj},
		Timestamp:  m.validTime(),
		Meta:       meta,
	}, nil
}

// Metadata implements rastermill.FormatPlugin.
func (p *Plugin) Metadata(path string, sel rastermill.Selector, ts time.Time) (*rastermill.Metadata, error) {
	return rastermill.MetadataViaOpen(p, path, sel, ts)
}
