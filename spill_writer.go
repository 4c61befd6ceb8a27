package spillsort

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"

	spillerrors "github.com/xsq0718/spillsort/errors"
)

// Spill run file layout, all integers little-endian:
//
//	header:  magic "SPRN" | u8 version | u8 flags | u32 numRecords
//	stream:  per record: u64 prefix | u32 length | payload bytes
//	trailer: u64 xxhash64 of the stream
const (
	runMagic   = "SPRN"
	runVersion = 1

	runHeaderSize  = 10
	runTrailerSize = 8
	recHeaderSize  = 12
)

const writeBufferSize = 256 << 10

// runReader is a spill-run reader that can be force-closed when the
// run file is removed during cleanup.
type runReader interface {
	RecordIterator
	close() error
}

// SpillWriter writes one sorted run of records to a temp file. A run is
// produced atomically from one drain of the in-memory index: the writer
// is created sized to the record count, fed every record in sorted
// order, and closed. Closed runs are immutable until RemoveFile.
type SpillWriter struct {
	f       *os.File
	path    string
	bw      *bufio.Writer
	hash    *xxhash.Digest
	scratch [recHeaderSize]byte

	declared  int
	written   int
	fileBytes int64
	closed    bool

	reader runReader
}

// NewSpillWriter creates a run file in tempDir sized for numRecords
// records. expectedBytes is a hint used to pre-allocate disk blocks; it
// may overshoot, the file is truncated to its real size on Close.
func NewSpillWriter(tempDir string, numRecords int, expectedBytes int64) (*SpillWriter, error) {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	f, err := os.CreateTemp(tempDir, "spillsort-*.run")
	if err != nil {
		return nil, fmt.Errorf("create spill file: %w", err)
	}
	w := &SpillWriter{
		f:        f,
		path:     f.Name(),
		bw:       bufio.NewWriterSize(f, writeBufferSize),
		hash:     xxhash.New(),
		declared: numRecords,
	}

	if expectedBytes > 0 {
		// Best effort; a failed pre-allocation only costs the SIGBUS-free
		// guarantee streaming writes do not need anyway.
		_ = fallocateFile(f, runHeaderSize+expectedBytes+runTrailerSize)
	}

	var hdr [runHeaderSize]byte
	copy(hdr[:4], runMagic)
	hdr[4] = runVersion
	hdr[5] = 0
	binary.LittleEndian.PutUint32(hdr[6:], uint32(numRecords))
	if _, err := w.bw.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("write spill header: %w", err)
	}
	w.fileBytes = runHeaderSize
	return w, nil
}

// Write appends one record with its prefix to the run.
func (w *SpillWriter) Write(record []byte, prefix uint64) error {
	if w.closed {
		return spillerrors.ErrWriterClosed
	}
	binary.LittleEndian.PutUint64(w.scratch[:8], prefix)
	binary.LittleEndian.PutUint32(w.scratch[8:], uint32(len(record)))
	if _, err := w.bw.Write(w.scratch[:]); err != nil {
		return fmt.Errorf("write spill record header: %w", err)
	}
	if _, err := w.bw.Write(record); err != nil {
		return fmt.Errorf("write spill record: %w", err)
	}
	w.hash.Write(w.scratch[:])
	w.hash.Write(record)
	w.fileBytes += recHeaderSize + int64(len(record))
	w.written++
	return nil
}

// Close appends the checksum trailer and finalizes the file. The
// record count must match the count declared at creation.
func (w *SpillWriter) Close() error {
	if w.closed {
		return spillerrors.ErrWriterClosed
	}
	w.closed = true

	if w.written != w.declared {
		w.f.Close()
		return fmt.Errorf("%w: declared %d, wrote %d",
			spillerrors.ErrRecordCountMismatch, w.declared, w.written)
	}

	var trailer [runTrailerSize]byte
	binary.LittleEndian.PutUint64(trailer[:], w.hash.Sum64())
	if _, err := w.bw.Write(trailer[:]); err != nil {
		w.f.Close()
		return fmt.Errorf("write spill trailer: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("flush spill file: %w", err)
	}
	w.fileBytes += runTrailerSize

	// Trim the pre-allocation down to the bytes actually written.
	if err := w.f.Truncate(w.fileBytes); err != nil {
		w.f.Close()
		return fmt.Errorf("finalize spill file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close spill file: %w", err)
	}
	return nil
}

// NumRecords returns the number of records in the run.
func (w *SpillWriter) NumRecords() int { return w.declared }

// Path returns the run file's path.
func (w *SpillWriter) Path() string { return w.path }

// Reader opens the run for reading. Each run may be read at most once
// per output pass.
func (w *SpillWriter) Reader(mmapReads bool) (RecordIterator, error) {
	if !w.closed {
		return nil, fmt.Errorf("spill run %s is still being written", w.path)
	}
	if w.reader != nil {
		return nil, fmt.Errorf("%w: %s", spillerrors.ErrReaderOpened, w.path)
	}
	var (
		r   runReader
		err error
	)
	if mmapReads {
		r, err = newMmapSpillReader(w.path)
	} else {
		r, err = newSpillReader(w.path)
	}
	if err != nil {
		return nil, err
	}
	w.reader = r
	return r, nil
}

// RemoveFile deletes the run file, closing any open reader first.
func (w *SpillWriter) RemoveFile() error {
	if w.reader != nil {
		w.reader.close()
		w.reader = nil
	}
	if !w.closed {
		w.closed = true
		w.f.Close()
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
