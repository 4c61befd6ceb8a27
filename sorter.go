package spillsort

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	spillerrors "github.com/xsq0718/spillsort/errors"
	"github.com/xsq0718/spillsort/memory"
)

// ExternalSorter sorts binary records that may not fit in memory. It
// buffers records in pages from a TaskMemoryManager, indexes them by
// (address, prefix) in an InMemorySorter, and spills sorted runs to
// disk when the manager demands memory back. Output is either a k-way
// merged sorted stream or the runs chained in insertion order.
//
// The sorter is single-owner: one goroutine produces and one consumes
// (typically the same). The exception is Spill, which the memory
// manager may invoke from any goroutine; everything Spill mutates is
// serialized on the sorter's mutex, shared with CleanupResources.
type ExternalSorter struct {
	mu sync.Mutex

	mm        *memory.TaskMemoryManager
	taskCtx   *TaskContext
	recordCmp RecordComparator
	prefixCmp PrefixComparator
	cfg       *config
	logger    *slog.Logger

	allocatedPages []*memory.Page
	spillWriters   []*SpillWriter

	// Reset or replaced after spilling:
	inMemSorter *InMemorySorter

	currentPage *memory.Page
	pageCursor  int64

	peakMemoryUsed int64
	readingIter    *spillableIterator
	iterConsumed   bool
	closed         bool
}

var _ memory.Consumer = (*ExternalSorter)(nil)

// New creates a sorter. Cleanup is registered with the task context at
// construction, so task completion always releases pages, the index,
// and spill files, even when output is only partially consumed.
func New(
	mm *memory.TaskMemoryManager,
	tc *TaskContext,
	recordCmp RecordComparator,
	prefixCmp PrefixComparator,
	opts ...Option,
) (*ExternalSorter, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	s := &ExternalSorter{
		mm:        mm,
		taskCtx:   tc,
		recordCmp: recordCmp,
		prefixCmp: prefixCmp,
		cfg:       cfg,
		logger:    cfg.logger,
	}
	mm.Register(s)

	inMem, err := NewInMemorySorter(mm, s, recordCmp, prefixCmp, cfg.initialCapacity)
	if err != nil {
		mm.Unregister(s)
		return nil, err
	}
	s.inMemSorter = inMem
	s.peakMemoryUsed = s.memoryUsageLocked()

	if tc != nil {
		tc.OnCompletion(s.CleanupResources)
	}
	return s, nil
}

// NewWithExistingSorter creates a sorter from a pre-populated index.
// The index is immediately drained to a spill run and freed; the sorter
// operates index-less until the first insert re-creates one. Pages
// backing the supplied index's records are not adopted: they remain
// owned by whoever allocated them and stay live until the drain
// completes here.
func NewWithExistingSorter(
	mm *memory.TaskMemoryManager,
	tc *TaskContext,
	recordCmp RecordComparator,
	prefixCmp PrefixComparator,
	inMem *InMemorySorter,
	opts ...Option,
) (*ExternalSorter, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	s := &ExternalSorter{
		mm:          mm,
		taskCtx:     tc,
		recordCmp:   recordCmp,
		prefixCmp:   prefixCmp,
		cfg:         cfg,
		logger:      cfg.logger,
		inMemSorter: inMem,
	}
	mm.Register(s)
	s.peakMemoryUsed = s.memoryUsageLocked()

	if tc != nil {
		tc.OnCompletion(s.CleanupResources)
	}
	if _, err := s.Spill(math.MaxInt64, s); err != nil {
		s.CleanupResources()
		return nil, err
	}

	// The drained index will not be reused for inserts.
	s.mu.Lock()
	if s.inMemSorter != nil {
		s.inMemSorter.Free()
		s.inMemSorter = nil
	}
	s.mu.Unlock()
	return s, nil
}

// ensureWritable rejects inserts on a closed or consumed sorter and
// re-creates the index after an index-less phase.
func (s *ExternalSorter) ensureWritable() error {
	if s.closed {
		return spillerrors.ErrSorterClosed
	}
	if s.iterConsumed {
		return spillerrors.ErrIteratorConsumed
	}
	if s.inMemSorter == nil {
		inMem, err := NewInMemorySorter(s.mm, s, s.recordCmp, s.prefixCmp, s.cfg.initialCapacity)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.inMemSorter = inMem
		s.mu.Unlock()
	}
	return nil
}

// growPointerArrayIfNecessary doubles the index's backing array when it
// is full. The allocation itself can force a spill; when that spill
// already emptied the index, an allocation failure is swallowed and the
// fresh array, if any, is returned unused.
func (s *ExternalSorter) growPointerArrayIfNecessary() error {
	if s.inMemSorter.HasSpaceForAnotherRecord() {
		return nil
	}
	used := s.inMemSorter.MemoryUsage()
	array, err := s.mm.AllocateArray(used/8*2, s)
	if err != nil {
		if s.inMemSorter.HasSpaceForAnotherRecord() {
			// A forced spill drained the index while we were asking.
			return nil
		}
		return err
	}
	if s.inMemSorter.HasSpaceForAnotherRecord() {
		s.mm.FreeArray(array, s)
	} else {
		s.inMemSorter.ExpandPointerArray(array)
	}
	return nil
}

// acquireNewPageIfNecessary makes sure the current page has required
// bytes free, allocating a fresh page otherwise. required includes the
// record's length header and must fit in a single page.
func (s *ExternalSorter) acquireNewPageIfNecessary(required int64) error {
	if required > s.cfg.pageSize {
		return fmt.Errorf("%w: %d bytes, page size %d",
			spillerrors.ErrRecordTooLarge, required, s.cfg.pageSize)
	}
	if s.currentPage != nil && s.pageCursor+required <= s.currentPage.Size() {
		return nil
	}
	page, err := s.mm.AllocatePage(s.cfg.pageSize, s)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.allocatedPages = append(s.allocatedPages, page)
	s.mu.Unlock()
	s.currentPage = page
	s.pageCursor = 0
	return nil
}

// CloseCurrentPage marks the current page as full so the next insert
// acquires a fresh page.
func (s *ExternalSorter) CloseCurrentPage() {
	if s.currentPage != nil {
		s.pageCursor = s.currentPage.Size()
	}
}

// Insert writes one record to the sorter. On-page layout is a 4-byte
// little-endian length followed by the payload.
func (s *ExternalSorter) Insert(record []byte, prefix uint64) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if err := s.growPointerArrayIfNecessary(); err != nil {
		return err
	}
	required := int64(len(record)) + 4
	if err := s.acquireNewPageIfNecessary(required); err != nil {
		return err
	}

	data := s.currentPage.Data()
	addr := memory.EncodePageNumberAndOffset(s.currentPage, s.pageCursor)
	binary.LittleEndian.PutUint32(data[s.pageCursor:], uint32(len(record)))
	s.pageCursor += 4
	copy(data[s.pageCursor:], record)
	s.pageCursor += int64(len(record))

	return s.inMemSorter.InsertRecord(addr, prefix)
}

// InsertKV writes a key-value record. Key and value are stored together
// as: 4-byte total inner length (keyLen + valueLen + 4), 4-byte key
// length, key bytes, value bytes.
func (s *ExternalSorter) InsertKV(key, value []byte, prefix uint64) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if err := s.growPointerArrayIfNecessary(); err != nil {
		return err
	}
	keyLen, valueLen := int64(len(key)), int64(len(value))
	required := keyLen + valueLen + 4 + 4
	if err := s.acquireNewPageIfNecessary(required); err != nil {
		return err
	}

	data := s.currentPage.Data()
	addr := memory.EncodePageNumberAndOffset(s.currentPage, s.pageCursor)
	binary.LittleEndian.PutUint32(data[s.pageCursor:], uint32(keyLen+valueLen+4))
	s.pageCursor += 4
	binary.LittleEndian.PutUint32(data[s.pageCursor:], uint32(keyLen))
	s.pageCursor += 4
	copy(data[s.pageCursor:], key)
	s.pageCursor += keyLen
	copy(data[s.pageCursor:], value)
	s.pageCursor += valueLen

	return s.inMemSorter.InsertRecord(addr, prefix)
}

// Spill releases memory in response to pressure from the memory
// manager. When trigger is another consumer, the request is delegated
// to the active reading iterator if one exists; with no iterator there
// is nothing safe to give back and Spill returns 0. When trigger is
// this sorter, the in-memory index is drained to a new spill run and
// all pages are freed.
func (s *ExternalSorter) Spill(size int64, trigger memory.Consumer) (int64, error) {
	if trigger != memory.Consumer(s) {
		s.mu.Lock()
		it := s.readingIter
		s.mu.Unlock()
		if it != nil {
			return it.spill()
		}
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inMemSorter == nil || s.inMemSorter.NumRecords() <= 0 {
		return 0, nil
	}

	s.logger.Info("spilling sort data to disk",
		"bytes", byteString(s.memoryUsageLocked()),
		"spills_so_far", len(s.spillWriters))

	n := s.inMemSorter.NumRecords()
	writer, err := NewSpillWriter(s.cfg.tempDir, n,
		s.pagesBytesLocked()+int64(n)*recHeaderSize)
	if err != nil {
		return 0, err
	}
	s.spillWriters = append(s.spillWriters, writer)

	iter := s.inMemSorter.SortedIterator()
	for iter.HasNext() {
		if err := iter.LoadNext(); err != nil {
			return 0, err
		}
		if err := writer.Write(iter.Record(), iter.Prefix()); err != nil {
			return 0, err
		}
	}
	if err := writer.Close(); err != nil {
		return 0, err
	}

	s.inMemSorter.Reset()
	return s.freeMemoryLocked(), nil
}

// Merge spills other, transfers its spill runs to this sorter, and
// cleans other up. After Merge, other holds no pages, index memory, or
// files.
func (s *ExternalSorter) Merge(other *ExternalSorter) error {
	if _, err := other.Spill(math.MaxInt64, other); err != nil {
		return err
	}
	other.mu.Lock()
	transferred := other.spillWriters
	other.spillWriters = nil
	other.mu.Unlock()

	s.mu.Lock()
	s.spillWriters = append(s.spillWriters, transferred...)
	s.mu.Unlock()

	other.CleanupResources()
	return nil
}

// pagesBytesLocked sums the live pages. Callers hold s.mu.
func (s *ExternalSorter) pagesBytesLocked() int64 {
	var total int64
	for _, page := range s.allocatedPages {
		total += page.Size()
	}
	return total
}

// memoryUsageLocked returns pages plus index bytes. Callers hold s.mu
// or are inside construction.
func (s *ExternalSorter) memoryUsageLocked() int64 {
	var index int64
	if s.inMemSorter != nil {
		index = s.inMemSorter.MemoryUsage()
	}
	return s.pagesBytesLocked() + index
}

func (s *ExternalSorter) updatePeakMemoryUsedLocked() {
	if mem := s.memoryUsageLocked(); mem > s.peakMemoryUsed {
		s.peakMemoryUsed = mem
	}
}

// MemoryUsage returns the bytes currently held in pages and the index.
func (s *ExternalSorter) MemoryUsage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memoryUsageLocked()
}

// PeakMemoryUsedBytes returns the high-water mark of memory held by
// this sorter. It never decreases between calls.
func (s *ExternalSorter) PeakMemoryUsedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatePeakMemoryUsedLocked()
	return s.peakMemoryUsed
}

// NumberOfAllocatedPages returns the live page count.
func (s *ExternalSorter) NumberOfAllocatedPages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.allocatedPages)
}

// NumSpills returns the number of spill runs produced so far.
func (s *ExternalSorter) NumSpills() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spillWriters)
}

// freeMemoryLocked frees all data pages and reports the bytes freed.
// The peak is recorded first so it reflects the true high-water mark.
func (s *ExternalSorter) freeMemoryLocked() int64 {
	s.updatePeakMemoryUsedLocked()
	var freed int64
	for _, page := range s.allocatedPages {
		freed += page.Size()
		s.mm.FreePage(page, s)
	}
	s.allocatedPages = nil
	s.currentPage = nil
	s.pageCursor = 0
	return freed
}

// removePageLocked drops page from the live list, reporting whether it
// was present. The spillable iterator uses this to release its pinned
// page exactly once even when cleanup already freed it.
func (s *ExternalSorter) removePageLocked(page *memory.Page) bool {
	for i, p := range s.allocatedPages {
		if p == page {
			s.allocatedPages = append(s.allocatedPages[:i], s.allocatedPages[i+1:]...)
			return true
		}
	}
	return false
}

// deleteSpillFilesLocked removes every run file. Removal failures are
// logged and swallowed so cleanup always completes.
func (s *ExternalSorter) deleteSpillFilesLocked() {
	for _, writer := range s.spillWriters {
		if err := writer.RemoveFile(); err != nil {
			s.logger.Error("failed to remove spill file",
				"path", writer.Path(), "error", err)
		}
	}
	s.spillWriters = nil
}

// CleanupResources frees the sorter's pages and index and deletes its
// spill files. It is idempotent and registered with the task context at
// construction, so it runs on every exit path including cancellation.
func (s *ExternalSorter) CleanupResources() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.deleteSpillFilesLocked()
	s.freeMemoryLocked()
	if s.inMemSorter != nil {
		s.inMemSorter.Free()
		s.inMemSorter = nil
	}
	s.mm.Unregister(s)
}
