// Package store persists session records in lifecycle directories.
//
// Directory membership is the coarse lifecycle state of a session: a record
// in DirActive is in progress, a record in DirCompleted is archived and never
// written again. Every read is a fresh parse; nothing is cached.
package store

import (
	"context"
	"errors"

	"github.com/grovetools/daas/internal/session"
)

// Dir names a lifecycle directory.
type Dir string

const (
	DirActive    Dir = "active"
	DirCompleted Dir = "completed"
)

var (
	// ErrNotFound is returned when a record or lock artifact does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by exclusive creates.
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the record store shared by every instance.
type Store interface {
	// Load returns every readable record in dir. Records that fail to parse
	// are logged and skipped.
	Load(ctx context.Context, dir Dir) ([]*session.Session, error)
	// Get loads one record by id.
	Get(ctx context.Context, id string, dir Dir) (*session.Session, error)
	// Write serializes the full record, replacing any prior content.
	Write(ctx context.Context, s *session.Session, dir Dir) error
	// Create writes a record that must not already exist.
	Create(ctx context.Context, s *session.Session, dir Dir) error
	// Move relocates a record between directories.
	Move(ctx context.Context, id string, from, to Dir) error
	// Delete removes a record.
	Delete(ctx context.Context, id string, dir Dir) error

	LockStore
}

// LockStore holds lock artifacts next to the active records.
type LockStore interface {
	// CreateLockArtifact creates name exclusively, failing with
	// ErrAlreadyExists when it is present.
	CreateLockArtifact(ctx context.Context, name string, data []byte) error
	ReadLockArtifact(ctx context.Context, name string) ([]byte, error)
	// RemoveLockArtifact is idempotent.
	RemoveLockArtifact(ctx context.Context, name string) error
}

// recordName is the file name of a record.
func recordName(id string) string {
	return id + ".json"
}
