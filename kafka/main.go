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

package kafka

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rastermill/rastermill"
	"github.com/rastermill/rastermill/aws/s3"
	"github.com/rastermill/rastermill/boltdb"
	"github.com/rastermill/rastermill/ingest"
)

// Main holds the configuration for the event-driven ingest worker.
type Main struct {
	KafkaHosts  []string `help:"Kafka cluster hosts."`
	Topics      []string `help:"Topics carrying bucket notification events."`
	Group       string   `help:"Consumer group id."`
	Catalog     string   `help:"Path to the TOML catalog configuration."`
	LedgerPath  string   `help:"Path to the boltdb ledger file."`
	ItemsPath   string   `help:"Path to the boltdb item store file."`
	S3Endpoint  string   `help:"Custom S3 endpoint (MinIO). Empty uses AWS."`
	S3Region    string   `help:"S3 region."`
	Concurrency int      `help:"Number of files processed in parallel."`
	Scratch     string   `help:"Parent directory for download scratch space."`
}

// NewMain returns a Main with local-development defaults.
func NewMain() *Main {
	return &Main{
		KafkaHosts:  []string{"localhost:9092"},
		Topics:      []string{"rastermill-events"},
		Group:       "rastermill-workers",
		Catalog:     "catalogs.toml",
		LedgerPath:  "rastermill-ledger.db",
		ItemsPath:   "rastermill-items.db",
		S3Region:    "us-east-1",
		Concurrency: 4,
	}
}

// Run consumes bucket events until the source closes. Each worker registers
// the file, then processes it under a ledger lock, so duplicate deliveries
// and competing workers on other hosts resolve to exactly one processor.
func (m *Main) Run() error {
	log := logrus.StandardLogger()
	workerID := "worker-" + uuid.New().String()[:8]

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

	source := NewSource()
	source.Hosts = m.KafkaHosts
	source.Topics = m.Topics
	source.Group = m.Group
	source.Log = log
	if err := source.Open(); err != nil {
		return errors.Wrap(err, "opening event source")
	}
	defer source.Close()

	log.WithFields(logrus.Fields{
		"worker": workerID,
		"topics": m.Topics,
	}).Info("worker started")

	events := make(chan *Event)
	var wg sync.WaitGroup
	for i := 0; i < m.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				m.handle(svc, buckets, ev, log)
				source.Ack(ev)
			}
		}()
	}

	var srcErr error
	for {
		ev, err := source.Next()
		if err != nil {
			srcErr = err
			break
		}
		events <- ev
	}
	close(events)
	wg.Wait()
	return srcErr
}

// handle registers and processes one notification. Failures are recorded
// in the ledger and logged; they never stop the worker.
func (m *Main) handle(svc *ingest.Service, buckets rastermill.Buckets, ev *Event, log *logrus.Logger) {
	origin, ok := buckets.OriginForBucket(ev.Bucket)
	if !ok {
		log.WithField("bucket", ev.Bucket).Debug("ignoring event for non-ingest bucket")
		return
	}
	meta, err := rastermill.DecodePath(ev.Key)
	if err != nil {
		log.WithField("key", ev.Key).Debug("ignoring non-conforming path")
		return
	}
	if _, err := svc.Config.Catalog(meta.Catalog); err != nil {
		log.WithFields(logrus.Fields{
			"key":     ev.Key,
			"catalog": meta.Catalog,
		}).Warn("rejecting event for unknown catalog")
		return
	}
	_, _, err = svc.Ledger.Register(origin, ev.Key, rastermill.RegisterMeta{
		CatalogSlug:    meta.Catalog,
		CollectionSlug: meta.Collection,
		ReferenceTime:  meta.ReferenceTime,
		FileSize:       ev.Size,
	})
	if err != nil {
		log.WithError(err).WithField("key", ev.Key).Error("registering file")
		return
	}
	if err := svc.ProcessLocked(origin, ev.Key); err != nil {
		log.WithError(err).WithField("key", ev.Key).Error("processing file")
	}
}
