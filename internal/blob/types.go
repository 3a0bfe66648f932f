// Package blob re-exports the archive abstractions and selects a backend.
// Packages outside the blob tree depend on this package, never on the infra
// implementations directly.
package blob

import (
	"custodyledger/internal/blob/core"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	// DriverFilesystem is the local filesystem driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
	// DriverMemory is the in-memory test driver.
	DriverMemory = core.DriverMemory
)

var (
	// ErrExists indicates a write to an occupied key.
	ErrExists = core.ErrExists
	// ErrNotFound indicates a missing key.
	ErrNotFound = core.ErrNotFound
	// ErrInvalidKey indicates a key no backend can store safely.
	ErrInvalidKey = core.ErrInvalidKey
)

// ValidateKey rejects empty, traversing and absolute keys.
func ValidateKey(key string) error { return core.ValidateKey(key) }
