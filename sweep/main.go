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

package sweep

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"

	"github.com/rastermill/rastermill"
	"github.com/rastermill/rastermill/aws/s3"
	"github.com/rastermill/rastermill/boltdb"
	"github.com/rastermill/rastermill/ingest"
)

// Main holds the configuration for the sweep reconciler.
type Main struct {
	Catalog    string `help:"Path to the TOML catalog configuration."`
	LedgerPath string `help:"Path to the boltdb ledger file."`
	ItemsPath  string `help:"Path to the boltdb item store file."`
	S3Endpoint string `help:"Custom S3 endpoint (MinIO). Empty uses AWS."`
	S3Region   string `help:"S3 region."`
	Schedule   string `help:"Cron schedule. Empty runs one sweep and exits."`
	RetryLimit int    `help:"Max failed entries requeued per sweep."`
	Scratch    string `help:"Parent directory for download scratch space."`
}

// NewMain returns a Main with local-development defaults.
func NewMain() *Main {
	return &Main{
		Catalog:    "catalogs.toml",
		LedgerPath: "rastermill-ledger.db",
		ItemsPath:  "rastermill-items.db",
		S3Region:   "us-east-1",
		Schedule:   "@every 10m",
		RetryLimit: DefaultRetryLimit,
	}
}

// Run sweeps once, or forever on the configured schedule. Discovered and
// requeued files are processed inline; the sweeper is the backstop, not
// the fast path, so sequential processing is fine here.
func (m *Main) Run() error {
	log := logrus.StandardLogger()
	workerID := "sweeper-" + uuid.New().String()[:8]

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

	buckets := rastermill.DefaultBuckets()
	svc := &ingest.Service{
		Store:    store,
		Ledger:   ledger,
		Items:    items,
		Config:   rastermill.NewCachedStore(cfg, 5*time.Minute),
		Buckets:  buckets,
		Scratch:  m.Scratch,
		WorkerID: workerID,
		Log:      log,
	}
	sweeper := &Sweeper{
		Store:      store,
		Ledger:     ledger,
		Config:     svc.Config,
		Buckets:    buckets,
		RetryLimit: m.RetryLimit,
		Log:        log,
		Enqueue: func(origin rastermill.Origin, path string) {
			if err := svc.ProcessLocked(origin, path); err != nil {
				log.WithError(err).WithField("path", path).Error("processing swept file")
			}
		},
	}

	runOnce := func() error {
		start := time.Now()
		res, err := sweeper.Sweep()
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"locks_reset":        res.LocksReset,
			"discovered":         res.Discovered,
			"requeued":           res.Requeued,
			"permanently_failed": res.PermanentlyFailed,
			"elapsed":            time.Since(start).Round(time.Millisecond),
		}).Info("sweep complete")
		return nil
	}

	if m.Schedule == "" {
		return runOnce()
	}

	c := cron.New()
	err = c.AddFunc(m.Schedule, func() {
		if err := runOnce(); err != nil {
			log.WithError(err).Error("sweep failed")
		}
	})
	if err != nil {
		return errors.Wrapf(err, "parsing schedule '%v'", m.Schedule)
	}
	if err := runOnce(); err != nil {
		log.WithError(err).Error("sweep failed")
	}
	c.Run()
	return nil
}
