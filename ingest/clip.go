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
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/pkg/errors"

	"github.com/rastermill/rastermill"
)

// ErrNoOverlap reports a clip region entirely outside the source grid.
var ErrNoOverlap = errors.New("clip region does not overlap grid")

// ComputeWindow converts a geographic clip region into pixel space.
// Returns the clamped window and the exact bounds it covers; the bounds
// can be slightly larger than the request because offsets snap outward to
// whole pixels.
func ComputeWindow(grid rastermill.Bounds, width, height int, clip rastermill.Bounds) (*rastermill.Window, rastermill.Bounds, error) {
	if width <= 0 || height <= 0 {
		return nil, rastermill.Bounds{}, errors.Errorf("bad grid dimensions %dx%d", width, height)
	}
	if !grid.Intersects(clip) {
		return nil, rastermill.Bounds{}, ErrNoOverlap
	}
	resX := (grid.East - grid.West) / float64(width)
	resY := (grid.North - grid.South) / float64(height)

	x0 := int(math.Floor((clip.West - grid.West) / resX))
	x1 := int(math.Ceil((clip.East - grid.West) / resX))
	// Row 0 is the northern edge.
	y0 := int(math.Floor((grid.North - clip.North) / resY))
	y1 := int(math.Ceil((grid.North - clip.South) / resY))

	x0 = clampInt(x0, 0, width)
	x1 = clampInt(x1, 0, width)
	y0 = clampInt(y0, 0, height)
	y1 = clampInt(y1, 0, height)
	if x1 <= x0 || y1 <= y0 {
		return nil, rastermill.Bounds{}, ErrNoOverlap
	}

	win := &rastermill.Window{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
	exact := rastermill.Bounds{
		West:  grid.West + float64(x0)*resX,
		East:  grid.West + float64(x1)*resX,
		North: grid.North - float64(y0)*resY,
		South: grid.North - float64(y1)*resY,
	}
	return win, exact, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// polygon converts boundary rings to an orb.Polygon.
func polygon(rings [][][2]float64) orb.Polygon {
	poly := make(orb.Polygon, len(rings))
	for i, ring := range rings {
		r := make(orb.Ring, len(ring))
		for j, pt := range ring {
			r[j] = orb.Point{pt[0], pt[1]}
		}
		poly[i] = r
	}
	return poly
}

// ApplyMask sets grid cells whose centers fall outside the boundary
// polygon to NaN. Grids without polygon rings pass through untouched.
func ApplyMask(g *rastermill.Grid, b *rastermill.Boundary) {
	if b == nil || len(b.Polygon) == 0 {
		return
	}
	poly := polygon(b.Polygon)
	resX := (g.Bounds.East - g.Bounds.West) / float64(g.Width)
	resY := (g.Bounds.North - g.Bounds.South) / float64(g.Height)
	nan := float32(math.NaN())
	for y := 0; y < g.Height; y++ {
		lat := g.Bounds.North - (float64(y)+0.5)*resY
		for x := 0; x < g.Width; x++ {
			lon := g.Bounds.West + (float64(x)+0.5)*resX
			if !planar.PolygonContains(poly, orb.Point{lon, lat}) {
				g.Data[y*g.Width+x] = nan
			}
		}
	}
}

// ApplyAlphaMask zeroes the alpha of RGBA pixels outside the polygon. Used
// when a caller wants the full rectangle of data but a shaped image.
func ApplyAlphaMask(pix []uint8, width, height int, bounds rastermill.Bounds, b *rastermill.Boundary) {
	if b == nil || len(b.Polygon) == 0 {
		return
	}
	poly := polygon(b.Polygon)
	resX := (bounds.East - bounds.West) / float64(width)
	resY := (bounds.North - bounds.South) / float64(height)
	for y := 0; y < height; y++ {
		lat := bounds.North - (float64(y)+0.5)*resY
		for x := 0; x < width; x++ {
			lon := bounds.West + (float64(x)+0.5)*resX
			if !planar.PolygonContains(poly, orb.Point{lon, lat}) {
				pix[(y*width+x)*4+3] = 0
			}
		}
	}
}
