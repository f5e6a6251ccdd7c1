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

import "time"

// The processing ledger tracks every file entering the system through any
// bucket: one entry per (origin, path), never deleted, transitioning only
// forward except failed -> processing on retry.
//
//	pending -> processing (locked) -> completed
//	                               -> failed -> processing (retry) -> ...
//
// A crashed worker leaves no signal other than its lock's age; entries in
// processing past the lock timeout are reclaimed by the sweep (or directly
// by a later Acquire). Once RetryCount reaches the maximum, failed is
// terminal and the entry waits for operator triage.

// Status is a ledger entry's processing state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Ledger defaults.
const (
	DefaultMaxRetries  = 3
	DefaultLockTimeout = 30 * time.Minute

	// MaxErrorLen bounds the stored error message.
	MaxErrorLen = 2000
)

// Entry is the durable processing-state record for one inbound file.
type Entry struct {
	Origin Origin `json:"origin"`
	Path   string `json:"path"`

	Status     Status    `json:"status"`
	LockedAt   time.Time `json:"locked_at,omitempty"`
	LockedBy   string    `json:"locked_by,omitempty"`
	RetryCount int       `json:"retry_count"`

	CompletedAt   time.Time `json:"completed_at,omitempty"`
	ArchivePath   string    `json:"archive_path,omitempty"`
	ItemsCreated  int       `json:"items_created"`
	AssetsCreated int       `json:"assets_created"`
	Error         string    `json:"error,omitempty"`

	CatalogSlug    string     `json:"catalog_slug,omitempty"`
	CollectionSlug string     `json:"collection_slug,omitempty"`
	ReferenceTime  *time.Time `json:"reference_time,omitempty"`
	FileSize       int64      `json:"file_size,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanRetry reports whether the entry is under the retry limit.
func (e *Entry) CanRetry(maxRetries int) bool {
	return e.RetryCount < maxRetries
}

// IsStale reports whether a processing lock has outlived the timeout.
func (e *Entry) IsStale(timeout time.Duration, now time.Time) bool {
	if e.Status != StatusProcessing {
		return false
	}
	if e.LockedAt.IsZero() {
		return true
	}
	return now.Sub(e.LockedAt) > timeout
}

// RegisterMeta is the path-derived metadata recorded at registration.
type RegisterMeta struct {
	CatalogSlug    string
	CollectionSlug string
	ReferenceTime  *time.Time
	FileSize       int64
}

// Ledger is the durable record of every file's processing lifecycle. It is
// the sole concurrency-safety mechanism between workers: Acquire must be a
// single atomic check-and-transition, not an application-level mutex.
type Ledger interface {
	// Register creates the entry for (origin, path) in pending, or returns
	// the existing entry unchanged. The bool reports creation.
	Register(origin Origin, path string, meta RegisterMeta) (*Entry, bool, error)

	// Acquire atomically transitions a pending entry, a retryable failed
	// entry, or a stale processing entry into processing, stamping the
	// lock holder and time and incrementing the retry count. A false
	// return is the expected contention outcome: another worker holds the
	// lock, the file is done, or retries are exhausted.
	Acquire(origin Origin, path, workerID string) (bool, error)

	// MarkCompleted finishes an attempt successfully.
	MarkCompleted(origin Origin, path, archivePath string, items, assets int) error

	// MarkFailed finishes an attempt with an error, leaving the entry
	// retryable while under the limit.
	MarkFailed(origin Origin, path, errMsg string) error

	// ResetStaleLocks returns entries stuck in processing past the lock
	// timeout to pending, reporting how many were reset.
	ResetStaleLocks() (int, error)

	// Get returns the entry, or nil if unknown.
	Get(origin Origin, path string) (*Entry, error)

	// IsKnown reports whether the file is registered in any status.
	IsKnown(origin Origin, path string) (bool, error)

	// IsDone reports whether the file completed successfully.
	IsDone(origin Origin, path string) (bool, error)

	// Retryable returns up to limit failed entries under the retry limit,
	// oldest first.
	Retryable(limit int) ([]*Entry, error)

	// PermanentlyFailed returns entries whose retry budget is exhausted.
	PermanentlyFailed() ([]*Entry, error)

	Close() error
}
