// Package leveldb provides an alternate processing ledger on top of
// goleveldb for deployments that prefer its write throughput over bolt.
// LevelDB has no multi-key transactions, so a process-wide mutex serializes
// the read-modify-write of each transition. That makes this ledger safe for
// a single process with many goroutines, unlike the bolt ledger which is
// also safe across processes via its file lock.
package leveldb

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/rastermill/rastermill"
)

var _ rastermill.Ledger = (*Ledger)(nil)

// Ledger is a rastermill.Ledger stored in goleveldb.
type Ledger struct {
	mu          sync.Mutex
	db          *leveldb.DB
	MaxRetries  int
	LockTimeout time.Duration

	now func() time.Time
}

// NewLedger opens (creating if needed) a ledger in dirname.
func NewLedger(dirname string) (*Ledger, error) {
	db, err := leveldb.OpenFile(dirname, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening leveldb '%v'", dirname)
	}
	return &Ledger{
		db:          db,
		MaxRetries:  rastermill.DefaultMaxRetries,
		LockTimeout: rastermill.DefaultLockTimeout,
		now:         time.Now,
	}, nil
}

// Close closes the underlying leveldb.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func entryKey(origin rastermill.Origin, path string) []byte {
	k := make([]byte, 0, len(origin)+1+len(path))
	k = append(k, origin...)
	k = append(k, 0)
	k = append(k, path...)
	return k
}

func (l *Ledger) get(key []byte) (*rastermill.Entry, error) {
	raw, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "getting entry")
	}
	var e rastermill.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errors.Wrap(err, "unmarshaling entry")
	}
	return &e, nil
}

func (l *Ledger) put(key []byte, e *rastermill.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshaling entry")
	}
	return errors.Wrap(l.db.Put(key, raw, nil), "putting entry")
}

// Register creates the entry in pending, or returns the existing one
// unchanged.
func (l *Ledger) Register(origin rastermill.Origin, path string, meta rastermill.RegisterMeta) (*rastermill.Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := entryKey(origin, path)
	existing, err := l.get(key)
	if err != nil {
		return nil, false, errors.Wrapf(err, "registering %s/%s", origin, path)
	}
	if existing != nil {
		return existing, false, nil
	}
	now := l.now().UTC()
	e := &rastermill.Entry{
		Origin:         origin,
		Path:           path,
		Status:         rastermill.StatusPending,
		CatalogSlug:    meta.CatalogSlug,
		CollectionSlug: meta.CollectionSlug,
		ReferenceTime:  meta.ReferenceTime,
		FileSize:       meta.FileSize,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.put(key, e); err != nil {
		return nil, false, errors.Wrapf(err, "registering %s/%s", origin, path)
	}
	return e, true, nil
}

// Acquire atomically locks an entry for processing. See the bolt ledger
// for the eligibility rules; this one applies the same under the mutex.
func (l *Ledger) Acquire(origin rastermill.Origin, path, workerID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := entryKey(origin, path)
	e, err := l.get(key)
	if err != nil {
		return false, errors.Wrapf(err, "acquiring %s/%s", origin, path)
	}
	if e == nil {
		return false, nil
	}
	now := l.now().UTC()
	eligible := false
	switch e.Status {
	case rastermill.StatusPending, rastermill.StatusFailed:
		eligible = e.CanRetry(l.MaxRetries)
	case rastermill.StatusProcessing:
		eligible = e.IsStale(l.LockTimeout, now) && e.CanRetry(l.MaxRetries)
	}
	if !eligible {
		return false, nil
	}
	e.Status = rastermill.StatusProcessing
	e.LockedAt = now
	e.LockedBy = workerID
	e.RetryCount++
	e.UpdatedAt = now
	if err := l.put(key, e); err != nil {
		return false, errors.Wrapf(err, "acquiring %s/%s", origin, path)
	}
	return true, nil
}

// MarkCompleted records a successful attempt.
func (l *Ledger) MarkCompleted(origin rastermill.Origin, path, archivePath string, items, assets int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := entryKey(origin, path)
	e, err := l.get(key)
	if err != nil {
		return errors.Wrapf(err, "completing %s/%s", origin, path)
	}
	if e == nil {
		return errors.Errorf("no entry for %s/%s", origin, path)
	}
	now := l.now().UTC()
	e.Status = rastermill.StatusCompleted
	e.CompletedAt = now
	e.ArchivePath = archivePath
	e.ItemsCreated = items
	e.AssetsCreated = assets
	e.Error = ""
	e.UpdatedAt = now
	return errors.Wrapf(l.put(key, e), "completing %s/%s", origin, path)
}

// MarkFailed records a failed attempt and releases the lock.
func (l *Ledger) MarkFailed(origin rastermill.Origin, path, errMsg string) error {
	if len(errMsg) > rastermill.MaxErrorLen {
		errMsg = errMsg[:rastermill.MaxErrorLen]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := entryKey(origin, path)
	e, err := l.get(key)
	if err != nil {
		return errors.Wrapf(err, "failing %s/%s", origin, path)
	}
	if e == nil {
		return errors.Errorf("no entry for %s/%s", origin, path)
	}
	e.Status = rastermill.StatusFailed
	e.LockedAt = time.Time{}
	e.LockedBy = ""
	e.Error = errMsg
	e.UpdatedAt = l.now().UTC()
	return errors.Wrapf(l.put(key, e), "failing %s/%s", origin, path)
}

// ResetStaleLocks returns timed-out processing entries to pending.
func (l *Ledger) ResetStaleLocks() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	count := 0
	iter := l.db.NewIterator(&util.Range{}, nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		var e rastermill.Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return count, errors.Wrap(err, "unmarshaling entry")
		}
		if !e.IsStale(l.LockTimeout, now) {
			continue
		}
		e.Status = rastermill.StatusPending
		e.LockedAt = time.Time{}
		e.LockedBy = ""
		e.UpdatedAt = now
		raw, err := json.Marshal(&e)
		if err != nil {
			return count, errors.Wrap(err, "marshaling entry")
		}
		batch.Put(append([]byte(nil), iter.Key()...), raw)
		count++
	}
	if err := iter.Error(); err != nil {
		return count, errors.Wrap(err, "iterating entries")
	}
	if err := l.db.Write(batch, nil); err != nil {
		return count, errors.Wrap(err, "writing resets")
	}
	return count, nil
}

// Get returns the entry, or nil if unknown.
func (l *Ledger) Get(origin rastermill.Origin, path string) (*rastermill.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.get(entryKey(origin, path))
	return e, errors.Wrapf(err, "getting %s/%s", origin, path)
}

// IsKnown reports whether the file is registered in any status.
func (l *Ledger) IsKnown(origin rastermill.Origin, path string) (bool, error) {
	known, err := l.db.Has(entryKey(origin, path), nil)
	return known, errors.Wrapf(err, "checking %s/%s", origin, path)
}

// IsDone reports whether the file completed successfully.
func (l *Ledger) IsDone(origin rastermill.Origin, path string) (bool, error) {
	e, err := l.Get(origin, path)
	if err != nil || e == nil {
		return false, err
	}
	return e.Status == rastermill.StatusCompleted, nil
}

func (l *Ledger) scan(match func(*rastermill.Entry) bool) ([]*rastermill.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*rastermill.Entry
	iter := l.db.NewIterator(&util.Range{}, nil)
	defer iter.Release()
	for iter.Next() {
		var e rastermill.Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, errors.Wrap(err, "unmarshaling entry")
		}
		if match(&e) {
			cp := e
			out = append(out, &cp)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "iterating entries")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Retryable returns up to limit retryable failed entries, oldest first.
func (l *Ledger) Retryable(limit int) ([]*rastermill.Entry, error) {
	out, err := l.scan(func(e *rastermill.Entry) bool {
		return e.Status == rastermill.StatusFailed && e.CanRetry(l.MaxRetries)
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing retryable")
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PermanentlyFailed returns entries whose retry budget is exhausted.
func (l *Ledger) PermanentlyFailed() ([]*rastermill.Entry, error) {
	out, err := l.scan(func(e *rastermill.Entry) bool {
		return e.Status == rastermill.StatusFailed && !e.CanRetry(l.MaxRetries)
	})
	return out, errors.Wrap(err, "listing permanently failed")
}
