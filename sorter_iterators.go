package spillsort

import (
	"sync"

	spillerrors "github.com/xsq0718/spillsort/errors"
	"github.com/xsq0718/spillsort/memory"
)

// SortedIterator returns the sorter's records in comparator order.
// With no spill runs, the in-memory sorted iterator is returned wrapped
// so it can still be spilled mid-consumption; otherwise every run
// reader plus the wrapped in-memory tail feed a k-way merge.
//
// Exactly one of SortedIterator and InsertionOrderIterator may be
// consumed per sorter instance. The caller must still call
// CleanupResources (or let the task context do it) after consuming.
func (s *ExternalSorter) SortedIterator() (RecordIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, spillerrors.ErrSorterClosed
	}
	if s.iterConsumed {
		return nil, spillerrors.ErrIteratorConsumed
	}
	s.iterConsumed = true

	if len(s.spillWriters) == 0 {
		if s.inMemSorter == nil {
			return nil, spillerrors.ErrSorterClosed
		}
		s.readingIter = newSpillableIterator(s, s.inMemSorter.SortedIterator())
		return s.readingIter, nil
	}

	merger := newSpillMerger(s.recordCmp, s.prefixCmp, len(s.spillWriters)+1)
	for _, writer := range s.spillWriters {
		reader, err := writer.Reader(s.cfg.mmapReads)
		if err != nil {
			return nil, err
		}
		if err := merger.addIfNotEmpty(reader); err != nil {
			return nil, err
		}
	}
	if s.inMemSorter != nil {
		s.readingIter = newSpillableIterator(s, s.inMemSorter.SortedIterator())
		if err := merger.addIfNotEmpty(s.readingIter); err != nil {
			return nil, err
		}
	}
	return merger.sortedIterator(), nil
}

// InsertionOrderIterator chains the record segments in the order they
// were created: spill runs in creation order, then the in-memory tail.
// Records within each segment come out in sorted order, not in the
// order they were inserted. There is no spill-during-iteration support
// on this path.
func (s *ExternalSorter) InsertionOrderIterator() (RecordIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, spillerrors.ErrSorterClosed
	}
	if s.iterConsumed {
		return nil, spillerrors.ErrIteratorConsumed
	}
	s.iterConsumed = true

	if len(s.spillWriters) == 0 {
		if s.inMemSorter == nil {
			return nil, spillerrors.ErrSorterClosed
		}
		return s.inMemSorter.SortedIterator(), nil
	}

	iterators := make([]RecordIterator, 0, len(s.spillWriters)+1)
	for _, writer := range s.spillWriters {
		reader, err := writer.Reader(s.cfg.mmapReads)
		if err != nil {
			return nil, err
		}
		iterators = append(iterators, reader)
	}
	if s.inMemSorter != nil {
		iterators = append(iterators, s.inMemSorter.SortedIterator())
	}
	return newChainedIterator(iterators), nil
}

// spillableIterator wraps the in-memory sorted iterator and tolerates a
// spill in the middle of consumption. Before a spill it reads from the
// in-memory cursor; a spill writes the unread tail to a run and stashes
// the run's reader, which LoadNext swaps in on the next advance.
//
// Lock order: the iterator's own mutex is always acquired before the
// sorter's, never the reverse.
type spillableIterator struct {
	mu     sync.Mutex
	sorter *ExternalSorter

	upstream     RecordIterator
	nextUpstream RecordIterator

	// lastPage is the single page kept live across a mid-iteration
	// spill because the caller may still be reading the last-returned
	// record.
	lastPage *memory.Page

	loaded       bool
	totalRecords int
	remaining    int
}

func newSpillableIterator(s *ExternalSorter, inMem *InMemSortedIterator) *spillableIterator {
	return &spillableIterator{
		sorter:       s,
		upstream:     inMem,
		totalRecords: inMem.NumRecords(),
		remaining:    inMem.NumRecords(),
	}
}

// spill writes the unread tail of the in-memory iterator to a new run
// and releases the sorter's pages and index, except the page backing
// the record the caller is still holding. That pinned page is freed in
// the next LoadNext, immediately before the reader swap. Permitted only
// while the upstream is still the in-memory cursor; otherwise there is
// nothing left to release and spill returns 0.
func (it *spillableIterator) spill() (int64, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	inMem, ok := it.upstream.(*InMemSortedIterator)
	if !ok || it.nextUpstream != nil || it.remaining <= 0 {
		return 0, nil
	}
	s := it.sorter

	// Write the records that have not been returned yet, in sorted
	// order, from an independent cursor at the current position.
	clone := inMem.Clone()
	writer, err := NewSpillWriter(s.cfg.tempDir, it.remaining,
		s.MemoryUsage()+int64(it.remaining)*recHeaderSize)
	if err != nil {
		return 0, err
	}
	for clone.HasNext() {
		if err := clone.LoadNext(); err != nil {
			writer.RemoveFile()
			return 0, err
		}
		if err := writer.Write(clone.Record(), clone.Prefix()); err != nil {
			writer.RemoveFile()
			return 0, err
		}
	}
	if err := writer.Close(); err != nil {
		writer.RemoveFile()
		return 0, err
	}

	var released int64
	s.mu.Lock()
	s.updatePeakMemoryUsedLocked()
	s.spillWriters = append(s.spillWriters, writer)
	reader, err := writer.Reader(s.cfg.mmapReads)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	it.nextUpstream = reader

	// Release every page except the one holding the last-returned
	// record; the caller may still be reading those bytes. That page
	// stays in the queue, pinned, until the next LoadNext.
	kept := s.allocatedPages[:0]
	for _, page := range s.allocatedPages {
		if it.loaded && page == inMem.CurrentPage() {
			it.lastPage = page
			kept = append(kept, page)
			continue
		}
		released += page.Size()
		s.mm.FreePage(page, s)
	}
	s.allocatedPages = kept
	s.currentPage = nil
	s.pageCursor = 0

	// The in-memory index will not be used after spilling.
	if s.inMemSorter != nil {
		released += s.inMemSorter.MemoryUsage()
		s.inMemSorter.Free()
		s.inMemSorter = nil
	}
	s.mu.Unlock()
	return released, nil
}

// HasNext reports whether another record remains.
func (it *spillableIterator) HasNext() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.remaining > 0
}

// LoadNext advances to the next record. If a spill produced a pending
// reader, the pinned page is freed here and the reader becomes the new
// upstream before advancing.
func (it *spillableIterator) LoadNext() error {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.remaining <= 0 {
		return spillerrors.ErrNoRecordLoaded
	}
	it.loaded = true
	if it.nextUpstream != nil {
		if it.lastPage != nil {
			s := it.sorter
			s.mu.Lock()
			if s.removePageLocked(it.lastPage) {
				s.mm.FreePage(it.lastPage, s)
			}
			s.mu.Unlock()
			it.lastPage = nil
		}
		it.upstream = it.nextUpstream
		it.nextUpstream = nil
	}
	it.remaining--
	return it.upstream.LoadNext()
}

func (it *spillableIterator) Record() []byte  { return it.upstream.Record() }
func (it *spillableIterator) Prefix() uint64  { return it.upstream.Prefix() }
func (it *spillableIterator) NumRecords() int { return it.totalRecords }

// chainedIterator concatenates record sources, advancing to the next as
// each is exhausted.
type chainedIterator struct {
	iterators  []RecordIterator
	current    RecordIterator
	numRecords int
}

func newChainedIterator(iterators []RecordIterator) *chainedIterator {
	total := 0
	for _, it := range iterators {
		total += it.NumRecords()
	}
	return &chainedIterator{
		iterators:  iterators[1:],
		current:    iterators[0],
		numRecords: total,
	}
}

func (c *chainedIterator) advance() {
	for !c.current.HasNext() && len(c.iterators) > 0 {
		c.current = c.iterators[0]
		c.iterators = c.iterators[1:]
	}
}

func (c *chainedIterator) HasNext() bool {
	c.advance()
	return c.current.HasNext()
}

func (c *chainedIterator) LoadNext() error {
	c.advance()
	return c.current.LoadNext()
}

func (c *chainedIterator) Record() []byte  { return c.current.Record() }
func (c *chainedIterator) Prefix() uint64  { return c.current.Prefix() }
func (c *chainedIterator) NumRecords() int { return c.numRecords }
