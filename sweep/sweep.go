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

// Package sweep reconciles the object store with the processing ledger.
// Notifications get lost; workers crash mid-file; uploads appear out of
// band. The sweeper runs on a schedule and repairs all three: it resets
// stale locks, registers and enqueues files the ledger has never seen,
// and requeues failed files that still have retries left.
package sweep

import (
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rastermill/rastermill"
)

// DefaultRetryLimit caps how many failed entries one sweep requeues so a
// flood of broken files cannot starve fresh work.
const DefaultRetryLimit = 50

// Result counts what one sweep did.
type Result struct {
	LocksReset        int
	Discovered        int
	Requeued          int
	PermanentlyFailed int
}

// Sweeper scans source buckets and repairs ledger state. Enqueue receives
// every file that should be (re)processed; it must be safe for concurrent
// calls if the sweeper is shared.
type Sweeper struct {
	Store      rastermill.ObjectStore
	Ledger     rastermill.Ledger
	Config     rastermill.ConfigStore
	Buckets    rastermill.Buckets
	RetryLimit int
	Enqueue    func(origin rastermill.Origin, path string)
	Log        *logrus.Logger
}

func (s *Sweeper) log() *logrus.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

// Sweep runs the three reconciliation phases and reports what changed.
func (s *Sweeper) Sweep() (*Result, error) {
	res := &Result{}

	reset, err := s.Ledger.ResetStaleLocks()
	if err != nil {
		return res, errors.Wrap(err, "resetting stale locks")
	}
	res.LocksReset = reset
	if reset > 0 {
		s.log().WithField("count", reset).Info("reset stale processing locks")
	}

	for _, origin := range rastermill.Origins {
		n, err := s.scanOrigin(origin)
		if err != nil {
			return res, errors.Wrapf(err, "scanning %s bucket", origin)
		}
		res.Discovered += n
	}

	limit := s.RetryLimit
	if limit <= 0 {
		limit = DefaultRetryLimit
	}
	retryable, err := s.Ledger.Retryable(limit)
	if err != nil {
		return res, errors.Wrap(err, "listing retryable entries")
	}
	for _, e := range retryable {
		s.log().WithFields(logrus.Fields{
			"path":    e.Path,
			"retries": e.RetryCount,
		}).Info("requeueing failed file")
		s.Enqueue(e.Origin, e.Path)
		res.Requeued++
	}

	failed, err := s.Ledger.PermanentlyFailed()
	if err != nil {
		return res, errors.Wrap(err, "listing permanently failed entries")
	}
	res.PermanentlyFailed = len(failed)
	if len(failed) > 0 {
		s.log().WithField("count", len(failed)).Warn("entries out of retries need operator attention")
	}
	return res, nil
}

// scanOrigin registers and enqueues unknown files in one source bucket.
func (s *Sweeper) scanOrigin(origin rastermill.Origin) (int, error) {
	bucket := s.Buckets.ForOrigin(origin)
	objects, err := s.Store.List(bucket, "")
	if err != nil {
		return 0, errors.Wrapf(err, "listing bucket %q", bucket)
	}
	discovered := 0
	for _, obj := range objects {
		if skipObject(obj.Key) {
			continue
		}
		meta, err := rastermill.DecodePath(obj.Key)
		if err != nil {
			s.log().WithField("key", obj.Key).Debug("skipping non-conforming path")
			continue
		}
		if _, err := s.Config.Catalog(meta.Catalog); err != nil {
			s.log().WithFields(logrus.Fields{
				"key":     obj.Key,
				"catalog": meta.Catalog,
			}).Warn("skipping file for unknown catalog")
			continue
		}
		known, err := s.Ledger.IsKnown(origin, obj.Key)
		if err != nil {
			return discovered, errors.Wrapf(err, "checking %q", obj.Key)
		}
		if known {
			continue
		}
		_, created, err := s.Ledger.Register(origin, obj.Key, rastermill.RegisterMeta{
			CatalogSlug:    meta.Catalog,
			CollectionSlug: meta.Collection,
			ReferenceTime:  meta.ReferenceTime,
			FileSize:       obj.Size,
		})
		if err != nil {
			return discovered, errors.Wrapf(err, "registering %q", obj.Key)
		}
		if !created {
			continue
		}
		s.log().WithFields(logrus.Fields{"origin": origin, "key": obj.Key}).
			Info("discovered unregistered file")
		s.Enqueue(origin, obj.Key)
		discovered++
	}
	return discovered, nil
}

// skipObject filters bucket housekeeping objects: dotfiles anywhere in the
// path and the .keep placeholders that hold empty prefixes open.
func skipObject(key string) bool {
	for _, part := range strings.Split(key, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return path.Base(key) == ".keep"
}
