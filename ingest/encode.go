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

	"github.com/pkg/errors"

	"github.com/rastermill/rastermill"
)

// Encoder maps grid values to a single-channel visualization raster: the
// scaled value lands in R, alpha marks validity, G and B stay zero so
// clients can recover the normalized value from R alone.
type Encoder struct {
	ScaleType string   // linear, log, sqrt, diverging; empty means linear
	Min       *float64 // nil derives from the data
	Max       *float64
}

// scaleValue normalizes v into [0, 1] under the encoder's scale type.
func (e *Encoder) scaleValue(v, min, max float64) float64 {
	switch e.ScaleType {
	case "", "linear":
		return (v - min) / (max - min)
	case "log":
		// Shift to keep the domain positive.
		if min <= 0 {
			shift := 1 - min
			v += shift
			max += shift
			min = 1
		}
		return math.Log(v/min) / math.Log(max/min)
	case "sqrt":
		n := (v - min) / (max - min)
		if n < 0 {
			return 0
		}
		return math.Sqrt(n)
	case "diverging":
		// Symmetric around zero: 0.5 is neutral.
		m := math.Max(math.Abs(min), math.Abs(max))
		if m == 0 {
			return 0.5
		}
		return v/(2*m) + 0.5
	}
	return (v - min) / (max - min)
}

// Encode renders the grid into RGBA pixels, 4 bytes per cell. NaN cells
// get alpha 0. Returns the pixel buffer and the (min, max) actually used.
func (e *Encoder) Encode(g *rastermill.Grid) ([]uint8, float64, float64, error) {
	if len(g.Data) != g.Width*g.Height {
		return nil, 0, 0, errors.Errorf("grid %q has %d values for %dx%d", g.Name, len(g.Data), g.Width, g.Height)
	}
	var min, max float64
	if e.Min != nil && e.Max != nil {
		min, max = *e.Min, *e.Max
	} else {
		stats := ComputeStats(g.Data)
		if stats.Min == nil {
			// All NaN: fully transparent image.
			return make([]uint8, 4*len(g.Data)), 0, 0, nil
		}
		min, max = *stats.Min, *stats.Max
		if e.Min != nil {
			min = *e.Min
		}
		if e.Max != nil {
			max = *e.Max
		}
	}
	if max <= min {
		max = min + 1
	}

	pix := make([]uint8, 4*len(g.Data))
	for i, v := range g.Data {
		f := float64(v)
		if math.IsNaN(f) {
			continue // alpha stays 0
		}
		n := e.scaleValue(f, min, max)
		if n < 0 {
			n = 0
		} else if n > 1 {
			n = 1
		}
		pix[4*i] = uint8(math.Round(n * 255))
		pix[4*i+3] = 255
	}
	return pix, min, max, nil
}
