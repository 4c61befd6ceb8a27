package spillsort

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"

	spillerrors "github.com/xsq0718/spillsort/errors"
)

const readBufferSize = 256 << 10

// parseRunHeader validates a run header and returns the record count.
func parseRunHeader(hdr []byte) (int, error) {
	if string(hdr[:4]) != runMagic {
		return 0, spillerrors.ErrInvalidMagic
	}
	if hdr[4] != runVersion {
		return 0, fmt.Errorf("%w: %d", spillerrors.ErrInvalidVersion, hdr[4])
	}
	return int(binary.LittleEndian.Uint32(hdr[6:])), nil
}

// spillReader streams one run back from disk in sorted order,
// verifying the checksum trailer when the last record is consumed.
type spillReader struct {
	f    *os.File
	br   *bufio.Reader
	hash *xxhash.Digest

	numRecords int
	loaded     int

	record []byte // reused across LoadNext calls
	prefix uint64
}

func newSpillReader(path string) (*spillReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spill run: %w", err)
	}
	fadviseSequential(int(f.Fd()), 0, 0)

	br := bufio.NewReaderSize(f, readBufferSize)
	var hdr [runHeaderSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", spillerrors.ErrTruncatedRun, path)
	}
	n, err := parseRunHeader(hdr[:])
	if err != nil {
		f.Close()
		return nil, err
	}
	return &spillReader{
		f:          f,
		br:         br,
		hash:       xxhash.New(),
		numRecords: n,
	}, nil
}

func (r *spillReader) HasNext() bool { return r.loaded < r.numRecords }

func (r *spillReader) LoadNext() error {
	if !r.HasNext() {
		return spillerrors.ErrNoRecordLoaded
	}
	var hdr [recHeaderSize]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", spillerrors.ErrTruncatedRun, err)
	}
	r.prefix = binary.LittleEndian.Uint64(hdr[:8])
	length := int(binary.LittleEndian.Uint32(hdr[8:]))
	if cap(r.record) < length {
		r.record = make([]byte, length)
	}
	r.record = r.record[:length]
	if _, err := io.ReadFull(r.br, r.record); err != nil {
		return fmt.Errorf("%w: %v", spillerrors.ErrTruncatedRun, err)
	}
	r.hash.Write(hdr[:])
	r.hash.Write(r.record)
	r.loaded++

	if r.loaded == r.numRecords {
		return r.verifyAndClose()
	}
	return nil
}

func (r *spillReader) verifyAndClose() error {
	var trailer [runTrailerSize]byte
	if _, err := io.ReadFull(r.br, trailer[:]); err != nil {
		return fmt.Errorf("%w: missing trailer", spillerrors.ErrTruncatedRun)
	}
	want := binary.LittleEndian.Uint64(trailer[:])
	if r.hash.Sum64() != want {
		return spillerrors.ErrChecksumFailed
	}
	return r.close()
}

func (r *spillReader) Record() []byte  { return r.record }
func (r *spillReader) Prefix() uint64  { return r.prefix }
func (r *spillReader) NumRecords() int { return r.numRecords }

func (r *spillReader) close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// mmapSpillReader serves records zero-copy out of a memory-mapped run.
// The mapping stays live until the owning writer's RemoveFile, so the
// record slice handed to the caller never dangles mid-iteration.
type mmapSpillReader struct {
	f    *os.File
	mm   mmap.MMap
	hash *xxhash.Digest

	numRecords int
	loaded     int
	off        int

	record []byte
	prefix uint64
}

func newMmapSpillReader(path string) (*mmapSpillReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spill run: %w", err)
	}
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap spill run: %w", err)
	}
	if len(mm) < runHeaderSize+runTrailerSize {
		mm.Unmap()
		f.Close()
		return nil, fmt.Errorf("%w: %s", spillerrors.ErrTruncatedRun, path)
	}
	n, err := parseRunHeader(mm[:runHeaderSize])
	if err != nil {
		mm.Unmap()
		f.Close()
		return nil, err
	}
	return &mmapSpillReader{
		f:          f,
		mm:         mm,
		hash:       xxhash.New(),
		numRecords: n,
		off:        runHeaderSize,
	}, nil
}

func (r *mmapSpillReader) HasNext() bool { return r.loaded < r.numRecords }

func (r *mmapSpillReader) LoadNext() error {
	if !r.HasNext() {
		return spillerrors.ErrNoRecordLoaded
	}
	if r.off+recHeaderSize > len(r.mm)-runTrailerSize {
		return fmt.Errorf("%w: record header past end of map", spillerrors.ErrTruncatedRun)
	}
	hdr := r.mm[r.off : r.off+recHeaderSize]
	r.prefix = binary.LittleEndian.Uint64(hdr[:8])
	length := int(binary.LittleEndian.Uint32(hdr[8:]))
	start := r.off + recHeaderSize
	if start+length > len(r.mm)-runTrailerSize {
		return fmt.Errorf("%w: record past end of map", spillerrors.ErrTruncatedRun)
	}
	r.record = r.mm[start : start+length]
	r.hash.Write(r.mm[r.off : start+length])
	r.off = start + length
	r.loaded++

	if r.loaded == r.numRecords {
		want := binary.LittleEndian.Uint64(r.mm[r.off:])
		if r.hash.Sum64() != want {
			return spillerrors.ErrChecksumFailed
		}
	}
	return nil
}

func (r *mmapSpillReader) Record() []byte  { return r.record }
func (r *mmapSpillReader) Prefix() uint64  { return r.prefix }
func (r *mmapSpillReader) NumRecords() int { return r.numRecords }

func (r *mmapSpillReader) close() error {
	if r.f == nil {
		return nil
	}
	unmapErr := r.mm.Unmap()
	closeErr := r.f.Close()
	r.f = nil
	r.mm = nil
	r.record = nil
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}
