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
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Filename convention. Files carrying a reference time (forecast or analysis
// cycle) are prefixed GR--{YYYYMMDDTHHMM}-- ahead of their original name:
//
//	GR--20250115T0600--gfs_025.grib2
//
// The 12-character block is UTC with no seconds and no zone suffix. The
// GR-- / -- delimiter pair is reserved: upstream producers embed timestamps
// in their own filenames all the time, but never wrapped in this delimiter,
// so a prefixed name can always be told apart from a plain one. Files
// without a reference time keep their original name untouched.
//
// Full path convention, with the collection segment optional:
//
//	{catalog}/{filename}
//	{catalog}/{collection}/{filename}

const refTimeLayout = "20060102T1504"

var refTimePattern = regexp.MustCompile(`^GR--(\d{8}T\d{4})--(.+)$`)

var (
	// ErrInvalidPath is returned for paths with fewer than two segments.
	ErrInvalidPath = errors.New("invalid path: expected at minimum {catalog}/{filename}")

	// ErrInvalidReferenceTime is returned when a reference time is not an
	// absolute instant with a known UTC offset.
	ErrInvalidReferenceTime = errors.New("reference time must be an absolute instant with a known UTC offset")
)

// PathMeta is the decoded form of an object-store path.
type PathMeta struct {
	Catalog       string
	Collection    string // empty when the path has no collection segment
	ReferenceTime *time.Time
	OriginalName  string
}

// EncodeFilename builds a storage filename. A nil ref passes the original
// name through unchanged. A non-nil ref must be an absolute instant; the
// zero time stands in for a time of unknown offset and is rejected with
// ErrInvalidReferenceTime.
func EncodeFilename(original string, ref *time.Time) (string, error) {
	if ref == nil {
		return original, nil
	}
	if ref.IsZero() {
		return "", errors.Wrapf(ErrInvalidReferenceTime, "encoding %q", original)
	}
	return fmt.Sprintf("GR--%s--%s", ref.UTC().Format(refTimeLayout), original), nil
}

// DecodeFilename splits a filename into its optional reference time and the
// original name. A name without the reserved delimiter, or with a malformed
// timestamp inside it, decodes as having no reference time.
func DecodeFilename(name string) (ref *time.Time, original string) {
	m := refTimePattern.FindStringSubmatch(name)
	if m == nil {
		return nil, name
	}
	t, err := time.ParseInLocation(refTimeLayout, m[1], time.UTC)
	if err != nil {
		return nil, name
	}
	return &t, m[2]
}

// DecodePath decodes a path relative to a bucket root. Paths must have at
// least a catalog segment and a filename; three or more segments put a
// collection after the catalog.
func DecodePath(path string) (PathMeta, error) {
	parts := splitPath(path)
	if len(parts) < 2 {
		return PathMeta{}, errors.Wrapf(ErrInvalidPath, "decoding %q", path)
	}
	ref, original := DecodeFilename(parts[len(parts)-1])
	meta := PathMeta{
		Catalog:       parts[0],
		ReferenceTime: ref,
		OriginalName:  original,
	}
	if len(parts) >= 3 {
		meta.Collection = parts[1]
	}
	return meta, nil
}

// ParseReferenceTime parses an operator- or collector-supplied reference
// time string. The offset must be explicit; zone-less strings are the
// "naive datetime" contract violation and fail with ErrInvalidReferenceTime.
func ParseReferenceTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-0700", "2006-01-02T15:04Z07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Wrapf(ErrInvalidReferenceTime, "parsing %q", s)
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
