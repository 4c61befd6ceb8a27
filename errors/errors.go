// Package errors defines all exported error sentinels for the spillsort
// library.
//
// This is the single source of truth for error values. Both the top-level
// spillsort package and the memory package import from here, ensuring
// errors.Is checks work across package boundaries.
package errors

import "errors"

// Memory errors
var (
	ErrMemoryUnavailable = errors.New("spillsort: memory unavailable and spilling did not recover")
	ErrPageTableFull     = errors.New("spillsort: page table is full")
	ErrPageTooLarge      = errors.New("spillsort: requested page exceeds maximum page size")
	ErrRecordTooLarge    = errors.New("spillsort: record does not fit in a single page")
	ErrPointerArrayFull  = errors.New("spillsort: pointer array has no space for another record")
)

// Sorter contract errors
var (
	ErrSorterClosed     = errors.New("spillsort: sorter no longer accepts records")
	ErrIteratorConsumed = errors.New("spillsort: an output iterator was already obtained")
	ErrNoRecordLoaded   = errors.New("spillsort: LoadNext called with no remaining records")
)

// Spill file errors
var (
	ErrWriterClosed        = errors.New("spillsort: spill writer is closed")
	ErrReaderOpened        = errors.New("spillsort: spill run reader was already opened")
	ErrRecordCountMismatch = errors.New("spillsort: spill run record count mismatch")
	ErrInvalidMagic        = errors.New("spillsort: invalid spill run magic number")
	ErrInvalidVersion      = errors.New("spillsort: unsupported spill run version")
	ErrChecksumFailed      = errors.New("spillsort: spill run checksum verification failed")
	ErrTruncatedRun        = errors.New("spillsort: spill run file is truncated")
)
