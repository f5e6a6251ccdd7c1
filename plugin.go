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

package rastermill

import (
	"time"

	"github.com/pkg/errors"
)

// Bounds is a geographic bounding box in degrees.
type Bounds struct {
	West  float64 `json:"west" toml:"west"`
	South float64 `json:"south" toml:"south"`
	East  float64 `json:"east" toml:"east"`
	North float64 `json:"north" toml:"north"`
}

// Center returns the midpoint of the box as (lat, lon).
func (b Bounds) Center() (lat, lon float64) {
	return (b.South + b.North) / 2, (b.West + b.East) / 2
}

// Intersects reports whether the boxes overlap.
func (b Bounds) Intersects(o Bounds) bool {
	return !(o.East <= b.West || o.West >= b.East || o.North <= b.South || o.South >= b.North)
}

// Window is a pixel-space subset: x/y offset from the top-left corner plus
// width and height.
type Window struct {
	X      int
	Y      int
	Width  int
	Height int
}

// VariableKey is the composite identity for formats where a variable name
// alone is ambiguous - the same GRIB short name recurs at many vertical
// levels and level types. The key is opaque to the core: only the plugin
// that produced it converts it into a format-native selector. Level is nil
// for level types without a numeric value (surface, mean sea level).
type VariableKey struct {
	ShortName string
	LevelType string
	Level     *float64
}

// Matches reports whether the key identifies the given (shortName,
// levelType, level) triple.
func (k VariableKey) Matches(shortName, levelType string, level *float64) bool {
	if k.ShortName != shortName || k.LevelType != levelType {
		return false
	}
	if k.Level == nil {
		return true
	}
	return level != nil && *k.Level == *level
}

// Selector names a variable inside a source file. Key is nil for
// self-describing formats; when present it must be passed back verbatim
// from a VariableDescriptor for deterministic resolution. With only a Name,
// plugins fall back to a slower linear search that may match more than one
// entry, in which case the first match wins.
type Selector struct {
	Name string
	Key  *VariableKey
}

// VariableDescriptor describes one variable available in a source file.
type VariableDescriptor struct {
	Name       string
	LongName   string
	Units      string
	Dimensions []string
	Shape      []int
	// Key carries format-specific identity for ambiguous formats; nil
	// where the name is already unique.
	Key *VariableKey
}

// Metadata is the lightweight descriptive scan of a variable: dimensions and
// georeferencing, no pixel data.
type Metadata struct {
	Width  int
	Height int
	Bounds Bounds
	CRS    string
}

// VariableView is a scoped, lazy handle on one (variable, timestamp) slice.
// Descriptive fields are populated at open time; pixel data is read only
// when Materialize is called. Close must be called on every exit path.
type VariableView struct {
	Name       string
	Units      string
	Bounds     Bounds
	CRS        string
	Width      int
	Height     int
	Resolution [2]float64
	Timestamp  time.Time

	// NeedsRowFlip is set when the underlying file stores rows south to
	// north; Materialize flips so row 0 is always the northernmost.
	NeedsRowFlip bool

	// Meta carries format-specific details, including the full unwindowed
	// dimensions under "full_width"/"full_height".
	Meta map[string]interface{}

	load    func() ([]float32, error)
	closers []func() error
}

// NewVariableView builds a view around a deferred load function. The load
// function returns Width*Height values in file row order; orientation is
// corrected by Materialize.
func NewVariableView(load func() ([]float32, error)) *VariableView {
	return &VariableView{Meta: map[string]interface{}{}, load: load}
}

// OnClose registers a release function run by Close. Functions run in
// reverse registration order.
func (v *VariableView) OnClose(f func() error) {
	v.closers = append(v.closers, f)
}

// Close releases the underlying file handles.
func (v *VariableView) Close() error {
	var first error
	for i := len(v.closers) - 1; i >= 0; i-- {
		if err := v.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	v.closers = nil
	return first
}

// Materialize forces the lazy read and returns the pixel grid, applying the
// row flip when flagged so row 0 is the northernmost row.
func (v *VariableView) Materialize() (*Grid, error) {
	data, err := v.load()
	if err != nil {
		return nil, errors.Wrapf(err, "materializing %s", v.Name)
	}
	if len(data) != v.Width*v.Height {
		return nil, errors.Errorf("materializing %s: got %d values, want %dx%d", v.Name, len(data), v.Width, v.Height)
	}
	if v.NeedsRowFlip {
		flipRows(data, v.Width, v.Height)
	}
	return &Grid{
		Name:       v.Name,
		Units:      v.Units,
		Data:       data,
		Bounds:     v.Bounds,
		CRS:        v.CRS,
		Width:      v.Width,
		Height:     v.Height,
		Resolution: v.Resolution,
		Timestamp:  v.Timestamp,
		Meta:       v.Meta,
	}, nil
}

// Grid is a materialized variable: row-major float32 values with row 0 the
// northernmost row, plus the descriptive fields of the view it came from.
type Grid struct {
	Name       string
	Units      string
	Data       []float32
	Bounds     Bounds
	CRS        string
	Width      int
	Height     int
	Resolution [2]float64
	Timestamp  time.Time
	Meta       map[string]interface{}
}

// At returns the value at pixel (x, y), y counted from the north.
func (g *Grid) At(x, y int) float32 {
	return g.Data[y*g.Width+x]
}

// FormatPlugin is the capability contract every binary-format reader
// satisfies. All selection - time slice, spatial window - stays lazy until
// an explicit materialization; CanHandle never performs a full parse.
type FormatPlugin interface {
	// Name is the format identifier catalogs declare (e.g. "grib2").
	Name() string

	// Extensions lists filename extensions, with leading dot.
	Extensions() []string

	// CanHandle checks extension first, then sniffs signature bytes.
	CanHandle(path string) bool

	// ListVariables enumerates the variables in a file. Descriptors from
	// ambiguous formats carry a Key the caller must pass back.
	ListVariables(path string) ([]VariableDescriptor, error)

	// Timestamps returns the sorted time axis of one variable. Different
	// variables in one file may have different axes.
	Timestamps(path string, sel Selector) ([]time.Time, error)

	// Open acquires a lazy VariableView scoped to (variable, timestamp),
	// optionally windowed. The caller must Close it on every exit path.
	Open(path string, sel Selector, ts time.Time, win *Window) (*VariableView, error)

	// Extract materializes a variable. Most plugins use ExtractViaOpen;
	// formats with a cheaper direct-read path override it.
	Extract(path string, sel Selector, ts time.Time, win *Window) (*Grid, error)

	// Metadata reads dimensions and georeferencing without touching pixel
	// data. Most plugins use MetadataViaOpen.
	Metadata(path string, sel Selector, ts time.Time) (*Metadata, error)
}

// ExtractViaOpen is the default Extract implementation: open lazily, force
// the read, release the handle.
func ExtractViaOpen(p FormatPlugin, path string, sel Selector, ts time.Time, win *Window) (*Grid, error) {
	v, err := p.Open(path, sel, ts, win)
	if err != nil {
		return nil, err
	}
	defer v.Close()
	return v.Materialize()
}

// MetadataViaOpen is the default Metadata implementation: open lazily and
// read only the descriptive fields.
func MetadataViaOpen(p FormatPlugin, path string, sel Selector, ts time.Time) (*Metadata, error) {
	v, err := p.Open(path, sel, ts, nil)
	if err != nil {
		return nil, err
	}
	defer v.Close()
	return &Metadata{Width: v.Width, Height: v.Height, Bounds: v.Bounds, CRS: v.CRS}, nil
}

func flipRows(data []float32, width, height int) {
	for y := 0; y < height/2; y++ {
		top := data[y*width : (y+1)*width]
		bot := data[(height-1-y)*width : (height-y)*width]
		for x := range top {
			top[x], bot[x] = bot[x], top[x]
		}
	}
}
