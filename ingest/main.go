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
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rastermill/rastermill"
	"github.com/rastermill/rastermill/aws/s3"
	"github.com/rastermill/rastermill/boltdb"
)

// Main holds the configuration for a one-shot ingest of a single object.
type Main struct {
	Catalog    string `help:"Path to the TOML catalog configuration."`
	LedgerPath string `help:"Path to the boltdb ledger file."`
	ItemsPath  string `help:"Path to the boltdb item store file."`
	S3Endpoint string `help:"Custom S3 endpoint (MinIO). Empty uses AWS."`
	S3Region   string `help:"S3 region."`
	Origin     string `help:"Source bucket role: incoming or sources."`
	Path       string `help:"Object key to process."`
	Scratch    string `help:"Parent directory for download scratch space."`
}

// NewMain returns a Main with local-development defaults.
func NewMain() *Main {
	return &Main{
		Catalog:    "catalogs.toml",
		LedgerPath: "rastermill-ledger.db",
		ItemsPath:  "rastermill-items.db",
		S3Region:   "us-east-1",
		Origin:     string(rastermill.OriginIncoming),
	}
}

// Run registers and processes one object, then reports its ledger state.
func (m *Main) Run() error {
	if m.Path == "" {
		return errors.New("path is required")
	}
	var origin rastermill.Origin
	switch m.Origin {
	case string(rastermill.OriginIncoming):
		origin = rastermill.OriginIncoming
	case string(rastermill.OriginSources):
		origin = rastermill.OriginSources
	default:
		return errors.Errorf("unknown origin '%v'", m.Origin)
	}

	log := logrus.StandardLogger()
	cfg, err := rastermill.LoadFileStore(m.Catalog)
	if err != nil {
		return errors.Wrap(err, "loading catalog config")
	}
	ledger, err := boltdb.NewLedger(m.LedgerPath)
	if err != nil {
		return errors.Wrap(err, "opening ledger")
	}
	defer ledger.Close()
	items, err := boltdb.NewItems(m.ItemsPath)
	if err != nil {
		return errors.Wrap(err, "opening item store")
	}
	defer items.Close()

	opts := []s3.StoreOption{s3.OptStoreRegion(m.S3Region)}
	if m.S3Endpoint != "" {
		opts = append(opts, s3.OptStoreEndpoint(m.S3Endpoint))
	}
	store, err := s3.NewStore(opts...)
	if err != nil {
		return errors.Wrap(err, "creating S3 store")
	}

	meta, err := rastermill.DecodePath(m.Path)
	if err != nil {
		return errors.Wrapf(err, "decoding path '%v'", m.Path)
	}

	svc := &Service{
		Store:    store,
		Ledger:   ledger,
		Items:    items,
		Config:   rastermill.NewCachedStore(cfg, 5*time.Minute),
		Buckets:  rastermill.DefaultBuckets(),
		Scratch:  m.Scratch,
		WorkerID: "ingest-" + uuid.New().String()[:8],
		Log:      log,
	}
	_, _, err = ledger.Register(origin, m.Path, rastermill.RegisterMeta{
		CatalogSlug:    meta.Catalog,
		CollectionSlug: meta.Collection,
		ReferenceTime:  meta.ReferenceTime,
	})
	if err != nil {
		return errors.Wrap(err, "registering file")
	}
	if err := svc.ProcessLocked(origin, m.Path); err != nil {
		return errors.Wrap(err, "processing file")
	}

	e, err := ledger.Get(origin, m.Path)
	if err != nil {
		return errors.Wrap(err, "reading ledger entry")
	}
	if e == nil {
		return errors.New("entry missing after processing")
	}
	log.WithFields(logrus.Fields{
		"status": e.Status,
		"items":  e.ItemsCreated,
		"assets": e.AssetsCreated,
	}).Info("ingest finished")
	if e.Status == rastermill.StatusFailed {
		return errors.Errorf("processing failed: %v", e.Error)
	}
	return nil
}
