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

// Package ingest turns raw source files into cataloged raster assets: it
// extracts and transforms variables, clips them to catalog boundaries,
// encodes visualization rasters, and writes everything through the object
// store while the processing ledger tracks each file's fate.
package ingest

import (
	"math"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/pkg/errors"

	"github.com/rastermill/rastermill"
)

// unitConversions maps conversion names to per-value functions.
var unitConversions = map[string]func(float64) float64{
	"K_to_C":              func(v float64) float64 { return v - 273.15 },
	"Pa_to_hPa":           func(v float64) float64 { return v / 100 },
	"m_to_mm":             func(v float64) float64 { return v * 1000 },
	"ms_to_kmh":           func(v float64) float64 { return v * 3.6 },
	"kgm2s_to_mm":         func(v float64) float64 { return v * 3600 },
	"fraction_to_percent": func(v float64) float64 { return v * 100 },
}

// ConvertUnits applies a named conversion in place. Unknown names are an
// error so catalog typos surface instead of shipping wrong numbers.
func ConvertUnits(data []float32, conversion string) error {
	if conversion == "" {
		return nil
	}
	fn, ok := unitConversions[conversion]
	if !ok {
		return errors.Errorf("unknown unit conversion %q", conversion)
	}
	for i, v := range data {
		data[i] = float32(fn(float64(v)))
	}
	return nil
}

// Extractor pulls a configured variable out of a source file, combining
// multi-source transforms into a single grid.
type Extractor struct {
	Plugin rastermill.FormatPlugin
	Path   string
}

// roleGrids fetches one grid per source, keyed by role ("primary" when the
// role is empty).
func (e *Extractor) roleGrids(v *rastermill.Variable, ts time.Time, win *rastermill.Window) (map[string]*rastermill.Grid, error) {
	out := make(map[string]*rastermill.Grid, len(v.Sources))
	for _, src := range v.Sources {
		g, err := e.Plugin.Extract(e.Path, src.Selector(), ts, win)
		if err != nil {
			return nil, errors.Wrapf(err, "extracting source %q of %q", src.SourceName, v.Slug)
		}
		role := src.Role
		if role == "" {
			role = rastermill.RolePrimary
		}
		out[role] = g
	}
	return out, nil
}

// Extract produces the variable's final grid at ts: transform first, then
// unit conversion. The returned grid keeps the geometry of the first
// source.
func (e *Extractor) Extract(v *rastermill.Variable, ts time.Time, win *rastermill.Window) (*rastermill.Grid, error) {
	transform := v.Transform
	if transform == "" {
		transform = rastermill.TransformPassthrough
	}

	var out *rastermill.Grid
	var err error
	switch transform {
	case rastermill.TransformPassthrough:
		src, perr := v.PrimarySource()
		if perr != nil {
			return nil, perr
		}
		out, err = e.Plugin.Extract(e.Path, src.Selector(), ts, win)
		if err != nil {
			return nil, errors.Wrapf(err, "extracting %q", v.Slug)
		}
	case rastermill.TransformVectorMagnitude, rastermill.TransformVectorDirection:
		out, err = e.vector(v, transform, ts, win)
	case rastermill.TransformBandMath, rastermill.TransformThreshold:
		out, err = e.expression(v, ts, win)
	default:
		return nil, errors.Errorf("unknown transform %q for variable %q", transform, v.Slug)
	}
	if err != nil {
		return nil, err
	}
	if err := ConvertUnits(out.Data, v.UnitConversion); err != nil {
		return nil, errors.Wrapf(err, "converting units of %q", v.Slug)
	}
	if v.Units != "" {
		out.Units = v.Units
	}
	out.Name = v.Slug
	return out, nil
}

// vector combines u and v wind components into speed or meteorological
// direction. Direction is the bearing the wind blows from, degrees
// clockwise from north.
func (e *Extractor) vector(v *rastermill.Variable, transform rastermill.TransformType, ts time.Time, win *rastermill.Window) (*rastermill.Grid, error) {
	if _, err := v.SourceByRole(rastermill.RoleUComponent); err != nil {
		return nil, err
	}
	if _, err := v.SourceByRole(rastermill.RoleVComponent); err != nil {
		return nil, err
	}
	grids, err := e.roleGrids(v, ts, win)
	if err != nil {
		return nil, err
	}
	ug, vg := grids[rastermill.RoleUComponent], grids[rastermill.RoleVComponent]
	if len(ug.Data) != len(vg.Data) {
		return nil, errors.Errorf("u and v grids of %q differ in size: %d vs %d", v.Slug, len(ug.Data), len(vg.Data))
	}
	out := *ug
	out.Data = make([]float32, len(ug.Data))
	for i := range out.Data {
		u := float64(ug.Data[i])
		w := float64(vg.Data[i])
		if transform == rastermill.TransformVectorMagnitude {
			out.Data[i] = float32(math.Hypot(u, w))
			continue
		}
		deg := math.Atan2(u, w) * 180 / math.Pi
		out.Data[i] = float32(math.Mod(deg+180+360, 360))
	}
	return &out, nil
}

// expression evaluates the variable's expression per pixel with each
// source grid bound to its role name. Threshold expressions yield booleans
// which become 1 and 0.
func (e *Extractor) expression(v *rastermill.Variable, ts time.Time, win *rastermill.Window) (*rastermill.Grid, error) {
	if v.Expression == "" {
		return nil, errors.Errorf("variable %q has no expression", v.Slug)
	}
	expr, err := govaluate.NewEvaluableExpression(v.Expression)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing expression of %q", v.Slug)
	}
	grids, err := e.roleGrids(v, ts, win)
	if err != nil {
		return nil, err
	}
	var first *rastermill.Grid
	n := -1
	for _, g := range grids {
		if n == -1 {
			n = len(g.Data)
			first = g
		} else if len(g.Data) != n {
			return nil, errors.Errorf("source grids of %q differ in size", v.Slug)
		}
	}
	if first == nil {
		return nil, errors.Errorf("variable %q has no sources", v.Slug)
	}
	out := *first
	out.Data = make([]float32, n)
	params := make(map[string]interface{}, len(grids))
	for i := 0; i < n; i++ {
		nan := false
		for role, g := range grids {
			val := float64(g.Data[i])
			if math.IsNaN(val) {
				nan = true
				break
			}
			params[role] = val
		}
		if nan {
			out.Data[i] = float32(math.NaN())
			continue
		}
		res, err := expr.Evaluate(params)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluating expression of %q", v.Slug)
		}
		switch r := res.(type) {
		case float64:
			out.Data[i] = float32(r)
		case bool:
			if r {
				out.Data[i] = 1
			}
		default:
			return nil, errors.Errorf("expression of %q yielded %T, want number or bool", v.Slug, res)
		}
	}
	return &out, nil
}

// ComputeStats summarizes a grid ignoring NaN cells. All-NaN grids return
// empty stats.
func ComputeStats(data []float32) rastermill.Stats {
	var n int
	var sum, sumSq float64
	min := math.Inf(1)
	max := math.Inf(-1)
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) {
			continue
		}
		n++
		sum += f
		sumSq += f * f
		if f < min {
			min = f
		}
		if f > max {
			max = f
		}
	}
	if n == 0 {
		return rastermill.Stats{}
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	std := math.Sqrt(variance)
	return rastermill.Stats{Min: &min, Max: &max, Mean: &mean, Std: &std}
}
