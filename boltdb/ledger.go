// Package boltdb provides the durable processing ledger and item catalog on
// top of boltdb. Bolt's serialized update transactions give the single
// atomic check-and-transition the ledger contract requires: the read of the
// current status and the conditional write happen inside one write
// transaction, so two workers racing to acquire the same entry cannot both
// win, even from separate processes (bolt holds an exclusive file lock).
package boltdb

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"

	"github.com/rastermill/rastermill"
)

var entriesBucket = []byte("ledger")

var _ rastermill.Ledger = (*Ledger)(nil)

// Ledger is a rastermill.Ledger stored in boltdb.
type Ledger struct {
	Db          *bolt.DB
	MaxRetries  int
	LockTimeout time.Duration

	now func() time.Time
}

// NewLedger opens (creating if needed) a ledger at filename.
func NewLedger(filename string) (*Ledger, error) {
	db, err := bolt.Open(filename, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening db file '%v'", filename)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "ensuring bucket existence")
	}
	return &Ledger{
		Db:          db,
		MaxRetries:  rastermill.DefaultMaxRetries,
		LockTimeout: rastermill.DefaultLockTimeout,
		now:         time.Now,
	}, nil
}

// Close syncs and closes the underlying boltdb.
func (l *Ledger) Close() error {
	if err := l.Db.Sync(); err != nil {
		return errors.Wrap(err, "syncing db")
	}
	return l.Db.Close()
}

func entryKey(origin rastermill.Origin, path string) []byte {
	k := make([]byte, 0, len(origin)+1+len(path))
	k = append(k, origin...)
	k = append(k, 0)
	k = append(k, path...)
	return k
}

func getEntry(b *bolt.Bucket, key []byte) (*rastermill.Entry, error) {
	raw := b.Get(key)
	if raw == nil {
		return nil, nil
	}
	var e rastermill.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errors.Wrap(err, "unmarshaling entry")
	}
	return &e, nil
}

func putEntry(b *bolt.Bucket, key []byte, e *rastermill.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshaling entry")
	}
	return b.Put(key, raw)
}

// Register creates the entry in pending, or returns the existing one
// unchanged.
func (l *Ledger) Register(origin rastermill.Origin, path string, meta rastermill.RegisterMeta) (*rastermill.Entry, bool, error) {
	key := entryKey(origin, path)
	var out *rastermill.Entry
	var created bool
	err := l.Db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		existing, err := getEntry(b, key)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
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
		if err := putEntry(b, key, e); err != nil {
			return err
		}
		out = e
		created = true
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "registering %s/%s", origin, path)
	}
	return out, created, nil
}

// Acquire atomically locks an entry for processing. Eligible entries are
// pending, failed with retries remaining, or processing with a lock older
// than the timeout (presumed crashed worker). Everything happens in one
// write transaction; a false return means no eligible row existed.
func (l *Ledger) Acquire(origin rastermill.Origin, path, workerID string) (bool, error) {
	key := entryKey(origin, path)
	var acquired bool
	err := l.Db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		e, err := getEntry(b, key)
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		now := l.now().UTC()
		eligible := false
		switch e.Status {
		case rastermill.StatusPending:
			eligible = e.CanRetry(l.MaxRetries)
		case rastermill.StatusFailed:
			eligible = e.CanRetry(l.MaxRetries)
		case rastermill.StatusProcessing:
			eligible = e.IsStale(l.LockTimeout, now) && e.CanRetry(l.MaxRetries)
		}
		if !eligible {
			return nil
		}
		e.Status = rastermill.StatusProcessing
		e.LockedAt = now
		e.LockedBy = workerID
		e.RetryCount++
		e.UpdatedAt = now
		if err := putEntry(b, key, e); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "acquiring %s/%s", origin, path)
	}
	return acquired, nil
}

// MarkCompleted records a successful attempt.
func (l *Ledger) MarkCompleted(origin rastermill.Origin, path, archivePath string, items, assets int) error {
	key := entryKey(origin, path)
	err := l.Db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		e, err := getEntry(b, key)
		if err != nil {
			return err
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
		return putEntry(b, key, e)
	})
	return errors.Wrapf(err, "completing %s/%s", origin, path)
}

// MarkFailed records a failed attempt and releases the lock so a later
// Acquire can retry while the budget lasts.
func (l *Ledger) MarkFailed(origin rastermill.Origin, path, errMsg string) error {
	if len(errMsg) > rastermill.MaxErrorLen {
		errMsg = errMsg[:rastermill.MaxErrorLen]
	}
	key := entryKey(origin, path)
	err := l.Db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		e, err := getEntry(b, key)
		if err != nil {
			return err
		}
		if e == nil {
			return errors.Errorf("no entry for %s/%s", origin, path)
		}
		e.Status = rastermill.StatusFailed
		e.LockedAt = time.Time{}
		e.LockedBy = ""
		e.Error = errMsg
		e.UpdatedAt = l.now().UTC()
		return putEntry(b, key, e)
	})
	return errors.Wrapf(err, "failing %s/%s", origin, path)
}

// ResetStaleLocks returns timed-out processing entries to pending.
func (l *Ledger) ResetStaleLocks() (int, error) {
	count := 0
	err := l.Db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		now := l.now().UTC()
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e rastermill.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return errors.Wrap(err, "unmarshaling entry")
			}
			if !e.IsStale(l.LockTimeout, now) {
				continue
			}
			e.Status = rastermill.StatusPending
			e.LockedAt = time.Time{}
			e.LockedBy = ""
			e.UpdatedAt = now
			if err := putEntry(b, append([]byte(nil), k...), &e); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, errors.Wrap(err, "resetting stale locks")
}

// Get returns the entry, or nil if unknown.
func (l *Ledger) Get(origin rastermill.Origin, path string) (*rastermill.Entry, error) {
	var e *rastermill.Entry
	err := l.Db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = getEntry(tx.Bucket(entriesBucket), entryKey(origin, path))
		return err
	})
	return e, errors.Wrapf(err, "getting %s/%s", origin, path)
}

// IsKnown reports whether the file is registered in any status.
func (l *Ledger) IsKnown(origin rastermill.Origin, path string) (bool, error) {
	var known bool
	err := l.Db.View(func(tx *bolt.Tx) error {
		known = tx.Bucket(entriesBucket).Get(entryKey(origin, path)) != nil
		return nil
	})
	return known, err
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
	var out []*rastermill.Entry
	err := l.Db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e rastermill.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return errors.Wrap(err, "unmarshaling entry")
			}
			if match(&e) {
				cp := e
				out = append(out, &cp)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
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

// PermanentlyFailed returns entries whose retry budget is exhausted. They
// are never deleted; operators triage them.
func (l *Ledger) PermanentlyFailed() ([]*rastermill.Entry, error) {
	out, err := l.scan(func(e *rastermill.Entry) bool {
		return e.Status == rastermill.StatusFailed && !e.CanRetry(l.MaxRetries)
	})
	return out, errors.Wrap(err, "listing permanently failed")
}
