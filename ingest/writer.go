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
	"bytes"
	"encoding/binary"
	"image"
	"image/png"
	"math"

	"github.com/pkg/errors"

	"github.com/rastermill/rastermill"
)

// EncodePNG wraps RGBA pixels into a PNG.
func EncodePNG(pix []uint8, width, height int) ([]byte, error) {
	if len(pix) != 4*width*height {
		return nil, errors.Errorf("got %d pixel bytes for %dx%d image", len(pix), width, height)
	}
	img := &image.NRGBA{Pix: pix, Stride: 4 * width, Rect: image.Rect(0, 0, width, height)}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, "encoding png")
	}
	return buf.Bytes(), nil
}

// TIFF field types and the tags the writer emits.
const (
	ftShort  = 3
	ftLong   = 4
	ftDouble = 12
)

type ifdEntry struct {
	tag    uint16
	ftype  uint16
	count  uint32
	value  uint32 // inline value or offset
}

// EncodeGeoTIFF writes a grid as an uncompressed single-strip float32
// GeoTIFF in EPSG:4326, NaN cells preserved as NaN. The output reads back
// through the geotiff plugin.
func EncodeGeoTIFF(g *rastermill.Grid) ([]byte, error) {
	if len(g.Data) != g.Width*g.Height {
		return nil, errors.Errorf("grid %q has %d values for %dx%d", g.Name, len(g.Data), g.Width, g.Height)
	}
	const numEntries = 13
	const ifdOff = 8
	ifdSize := 2 + numEntries*12 + 4
	pixelScaleOff := uint32(ifdOff + ifdSize)
	tiepointOff := pixelScaleOff + 3*8
	geoKeyOff := tiepointOff + 6*8
	stripOff := geoKeyOff + 12*2
	stripLen := uint32(4 * len(g.Data))

	resX := (g.Bounds.East - g.Bounds.West) / float64(g.Width)
	resY := (g.Bounds.North - g.Bounds.South) / float64(g.Height)

	entries := []ifdEntry{
		{256, ftLong, 1, uint32(g.Width)},
		{257, ftLong, 1, uint32(g.Height)},
		{258, ftShort, 1, 32},
		{259, ftShort, 1, 1}, // no compression
		{262, ftShort, 1, 1}, // BlackIsZero
		{273, ftLong, 1, stripOff},
		{277, ftShort, 1, 1},
		{278, ftLong, 1, uint32(g.Height)},
		{279, ftLong, 1, stripLen},
		{339, ftShort, 1, 3}, // IEEE float samples
		{33550, ftDouble, 3, pixelScaleOff},
		{33922, ftDouble, 6, tiepointOff},
		{34735, ftShort, 12, geoKeyOff},
	}

	buf := &bytes.Buffer{}
	le := binary.LittleEndian
	buf.WriteString("II")
	writeU16(buf, le, 42)
	writeU32(buf, le, ifdOff)

	writeU16(buf, le, numEntries)
	for _, e := range entries {
		writeU16(buf, le, e.tag)
		writeU16(buf, le, e.ftype)
		writeU32(buf, le, e.count)
		if e.ftype == ftShort && e.count == 1 {
			writeU16(buf, le, uint16(e.value))
			writeU16(buf, le, 0)
		} else {
			writeU32(buf, le, e.value)
		}
	}
	writeU32(buf, le, 0) // no next IFD

	for _, v := range []float64{resX, resY, 0} {
		writeU64(buf, le, math.Float64bits(v))
	}
	for _, v := range []float64{0, 0, 0, g.Bounds.West, g.Bounds.North, 0} {
		writeU64(buf, le, math.Float64bits(v))
	}
	// GeoKey directory: version header plus GTModelType=geographic and
	// GeographicType=EPSG:4326.
	for _, v := range []uint16{1, 1, 0, 2, 1024, 0, 1, 2, 2048, 0, 1, 4326} {
		writeU16(buf, le, v)
	}
	for _, v := range g.Data {
		writeU32(buf, le, math.Float32bits(v))
	}
	return buf.Bytes(), nil
}

func writeU16(buf *bytes.Buffer, order binary.ByteOrder, v uint16) {
	b := make([]byte, 2)
	order.PutUint16(b, v)
	buf.Write(b)
}

func writeU32(buf *bytes.Buffer, order binary.ByteOrder, v uint32) {
	b := make([]byte, 4)
	order.PutUint32(b, v)
	buf.Write(b)
}

func writeU64(buf *bytes.Buffer, order binary.ByteOrder, v uint64) {
	b := make([]byte, 8)
	order.PutUint64(b, v)
	buf.Write(b)
}
