package boltdb

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rastermill/rastermill"
)

func tempLedger(t *testing.T) (*Ledger, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "rastermill-ledger")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}
	l, err := NewLedger(filepath.Join(dir, "ledger.db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("opening ledger: %v", err)
	}
	return l, func() {
		l.Close()
		os.RemoveAll(dir)
	}
}

func TestLedgerLifecycle(t *testing.T) {
	l, cleanup := tempLedger(t)
	defer cleanup()

	path := "weather-models/gfs/GR--20250115T0600--gfs_025.grib2"
	e, created, err := l.Register(rastermill.OriginIncoming, path, rastermill.RegisterMeta{FileSize: 42})
	if err != nil {
		t.Fatalf("registering: %v", err)
	}
	if !created {
		t.Fatal("expected created on first register")
	}
	if e.Status != rastermill.StatusPending {
		t.Fatalf("expected pending, got %v", e.Status)
	}

	// Second register is a no-op returning the existing entry.
	e2, created, err := l.Register(rastermill.OriginIncoming, path, rastermill.RegisterMeta{FileSize: 99})
	if err != nil {
		t.Fatalf("re-registering: %v", err)
	}
	if created {
		t.Fatal("expected no create on second register")
	}
	if e2.FileSize != 42 {
		t.Fatalf("expected original file size preserved, got %d", e2.FileSize)
	}

	ok, err := l.Acquire(rastermill.OriginIncoming, path, "worker-1")
	if err != nil {
		t.Fatalf("acquiring: %v", err)
	}
	if !ok {
		t.Fatal("expected acquire to succeed")
	}
	e, err = l.Get(rastermill.OriginIncoming, path)
	if err != nil {
		t.Fatalf("getting: %v", err)
	}
	if e.Status != rastermill.StatusProcessing || e.LockedBy != "worker-1" || e.RetryCount != 1 {
		t.Fatalf("unexpected entry after acquire: %+v", e)
	}

	// An active lock cannot be acquired by someone else.
	ok, err = l.Acquire(rastermill.OriginIncoming, path, "worker-2")
	if err != nil {
		t.Fatalf("acquiring held lock: %v", err)
	}
	if ok {
		t.Fatal("expected acquire of held lock to fail")
	}

	err = l.MarkCompleted(rastermill.OriginIncoming, path, "incoming/"+path, 1, 3)
	if err != nil {
		t.Fatalf("completing: %v", err)
	}
	done, err := l.IsDone(rastermill.OriginIncoming, path)
	if err != nil {
		t.Fatalf("checking done: %v", err)
	}
	if !done {
		t.Fatal("expected done after completion")
	}
	e, _ = l.Get(rastermill.OriginIncoming, path)
	if e.ArchivePath != "incoming/"+path || e.ItemsCreated != 1 || e.AssetsCreated != 3 {
		t.Fatalf("unexpected completed entry: %+v", e)
	}

	// Completed entries are never reacquired.
	ok, err = l.Acquire(rastermill.OriginIncoming, path, "worker-3")
	if err != nil {
		t.Fatalf("acquiring completed: %v", err)
	}
	if ok {
		t.Fatal("expected acquire of completed entry to fail")
	}
}

func TestLedgerConcurrentAcquire(t *testing.T) {
	l, cleanup := tempLedger(t)
	defer cleanup()

	path := "gfs/file.grib2"
	if _, _, err := l.Register(rastermill.OriginIncoming, path, rastermill.RegisterMeta{}); err != nil {
		t.Fatalf("registering: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ok, err := l.Acquire(rastermill.OriginIncoming, path, "w")
			if err != nil {
				t.Errorf("acquiring: %v", err)
				return
			}
			if ok {
				wins <- "w"
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	n := 0
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("expected exactly one winner, got %d", n)
	}
}

func TestLedgerRetryBudget(t *testing.T) {
	l, cleanup := tempLedger(t)
	defer cleanup()
	l.MaxRetries = 2

	path := "gfs/flaky.grib2"
	if _, _, err := l.Register(rastermill.OriginIncoming, path, rastermill.RegisterMeta{}); err != nil {
		t.Fatalf("registering: %v", err)
	}

	for i := 0; i < 2; i++ {
		ok, err := l.Acquire(rastermill.OriginIncoming, path, "w")
		if err != nil || !ok {
			t.Fatalf("attempt %d: ok=%v err=%v", i, ok, err)
		}
		if err := l.MarkFailed(rastermill.OriginIncoming, path, "boom"); err != nil {
			t.Fatalf("failing attempt %d: %v", i, err)
		}
	}

	ok, err := l.Acquire(rastermill.OriginIncoming, path, "w")
	if err != nil {
		t.Fatalf("acquiring exhausted: %v", err)
	}
	if ok {
		t.Fatal("expected acquire to fail after retry budget exhausted")
	}

	failed, err := l.PermanentlyFailed()
	if err != nil {
		t.Fatalf("listing permanently failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Path != path {
		t.Fatalf("unexpected permanently failed: %+v", failed)
	}
	retryable, err := l.Retryable(50)
	if err != nil {
		t.Fatalf("listing retryable: %v", err)
	}
	if len(retryable) != 0 {
		t.Fatalf("expected no retryable entries, got %d", len(retryable))
	}
}

func TestLedgerStaleLockReclaim(t *testing.T) {
	l, cleanup := tempLedger(t)
	defer cleanup()

	path := "gfs/crashed.grib2"
	if _, _, err := l.Register(rastermill.OriginIncoming, path, rastermill.RegisterMeta{}); err != nil {
		t.Fatalf("registering: %v", err)
	}
	now := time.Now().UTC()
	l.now = func() time.Time { return now }
	if ok, _ := l.Acquire(rastermill.OriginIncoming, path, "dead-worker"); !ok {
		t.Fatal("expected initial acquire to succeed")
	}

	// Before the timeout the lock holds.
	l.now = func() time.Time { return now.Add(l.LockTimeout - time.Minute) }
	if ok, _ := l.Acquire(rastermill.OriginIncoming, path, "w2"); ok {
		t.Fatal("expected fresh lock to hold")
	}

	// After the timeout a direct acquire reclaims it.
	l.now = func() time.Time { return now.Add(l.LockTimeout + time.Minute) }
	ok, err := l.Acquire(rastermill.OriginIncoming, path, "w2")
	if err != nil {
		t.Fatalf("reclaiming: %v", err)
	}
	if !ok {
		t.Fatal("expected stale lock reclaim to succeed")
	}
	e, _ := l.Get(rastermill.OriginIncoming, path)
	if e.LockedBy != "w2" || e.RetryCount != 2 {
		t.Fatalf("unexpected entry after reclaim: %+v", e)
	}
}

func TestLedgerResetStaleLocks(t *testing.T) {
	l, cleanup := tempLedger(t)
	defer cleanup()

	now := time.Now().UTC()
	l.now = func() time.Time { return now }
	for _, p := range []string{"a.grib2", "b.grib2", "c.grib2"} {
		if _, _, err := l.Register(rastermill.OriginIncoming, p, rastermill.RegisterMeta{}); err != nil {
			t.Fatalf("registering %s: %v", p, err)
		}
	}
	l.Acquire(rastermill.OriginIncoming, "a.grib2", "w1")
	l.Acquire(rastermill.OriginIncoming, "b.grib2", "w1")

	l.now = func() time.Time { return now.Add(l.LockTimeout + time.Minute) }
	n, err := l.ResetStaleLocks()
	if err != nil {
		t.Fatalf("resetting: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 resets, got %d", n)
	}
	for _, p := range []string{"a.grib2", "b.grib2"} {
		e, _ := l.Get(rastermill.OriginIncoming, p)
		if e.Status != rastermill.StatusPending || e.LockedBy != "" {
			t.Fatalf("expected %s back to pending, got %+v", p, e)
		}
	}
}

func TestLedgerErrorTruncation(t *testing.T) {
	l, cleanup := tempLedger(t)
	defer cleanup()

	path := "gfs/verbose.grib2"
	l.Register(rastermill.OriginIncoming, path, rastermill.RegisterMeta{})
	l.Acquire(rastermill.OriginIncoming, path, "w")
	if err := l.MarkFailed(rastermill.OriginIncoming, path, strings.Repeat("x", 5000)); err != nil {
		t.Fatalf("failing: %v", err)
	}
	e, _ := l.Get(rastermill.OriginIncoming, path)
	if len(e.Error) != rastermill.MaxErrorLen {
		t.Fatalf("expected error truncated to %d, got %d", rastermill.MaxErrorLen, len(e.Error))
	}
	if !e.LockedAt.IsZero() || e.LockedBy != "" {
		t.Fatalf("expected lock cleared on failure, got %+v", e)
	}
}
