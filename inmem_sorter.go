package spillsort

import (
	"encoding/binary"
	"sort"

	spillerrors "github.com/xsq0718/spillsort/errors"
	"github.com/xsq0718/spillsort/memory"
)

// InMemorySorter is the in-memory index of (record address, prefix)
// pairs. Pairs are stored flat in a LongArray as [addr, prefix, addr,
// prefix, ...]; sorting happens in place when a sorted iterator is
// requested. The backing array is allocated by the owning sorter
// through the memory manager, so its bytes count against the task
// budget.
type InMemorySorter struct {
	mm        *memory.TaskMemoryManager
	consumer  memory.Consumer
	recordCmp RecordComparator
	prefixCmp PrefixComparator

	array *memory.LongArray
	pos   int64 // words used; two per record
}

// NewInMemorySorter allocates an index with room for initialCapacity
// records.
func NewInMemorySorter(
	mm *memory.TaskMemoryManager,
	consumer memory.Consumer,
	recordCmp RecordComparator,
	prefixCmp PrefixComparator,
	initialCapacity int,
) (*InMemorySorter, error) {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	array, err := mm.AllocateArray(int64(initialCapacity)*2, consumer)
	if err != nil {
		return nil, err
	}
	return &InMemorySorter{
		mm:        mm,
		consumer:  consumer,
		recordCmp: recordCmp,
		prefixCmp: prefixCmp,
		array:     array,
	}, nil
}

// NumRecords returns the number of indexed records.
func (s *InMemorySorter) NumRecords() int { return int(s.pos / 2) }

// MemoryUsage returns the bytes held by the backing array.
func (s *InMemorySorter) MemoryUsage() int64 {
	if s.array == nil {
		return 0
	}
	return s.array.SizeBytes()
}

// HasSpaceForAnotherRecord reports whether InsertRecord can accept
// another entry without growing the array.
func (s *InMemorySorter) HasSpaceForAnotherRecord() bool {
	return s.pos+2 <= s.array.Len()
}

// ExpandPointerArray adopts a larger backing array, copying the live
// pairs over and releasing the old array to the memory manager.
func (s *InMemorySorter) ExpandPointerArray(newArray *memory.LongArray) {
	newArray.Copy(s.array, s.pos)
	s.mm.FreeArray(s.array, s.consumer)
	s.array = newArray
}

// InsertRecord appends an (address, prefix) pair. The caller must have
// checked HasSpaceForAnotherRecord.
func (s *InMemorySorter) InsertRecord(addr uint64, prefix uint64) error {
	if !s.HasSpaceForAnotherRecord() {
		return spillerrors.ErrPointerArrayFull
	}
	s.array.Set(s.pos, addr)
	s.array.Set(s.pos+1, prefix)
	s.pos += 2
	return nil
}

// Reset empties the index for reuse. Iterators obtained before Reset
// keep their snapshot of the pair ordering but must not be advanced
// once the addresses they hold point into freed pages.
func (s *InMemorySorter) Reset() { s.pos = 0 }

// Free releases the backing array. The index is unusable afterwards.
func (s *InMemorySorter) Free() {
	if s.array != nil {
		s.mm.FreeArray(s.array, s.consumer)
		s.array = nil
	}
}

// recordAt dereferences a record address into the payload bytes stored
// on its page (past the 4-byte length header).
func (s *InMemorySorter) recordAt(addr uint64) []byte {
	page := s.mm.Page(addr)
	off := memory.DecodeOffset(addr)
	data := page.Data()
	length := binary.LittleEndian.Uint32(data[off:])
	return data[off+4 : off+4+int64(length)]
}

// pairSorter adapts the flat pair array to sort.Interface.
type pairSorter struct {
	s *InMemorySorter
	n int // records
}

func (p pairSorter) Len() int { return p.n }

func (p pairSorter) Swap(i, j int) {
	a := p.s.array
	i2, j2 := int64(i)*2, int64(j)*2
	ai, api := a.Get(i2), a.Get(i2+1)
	a.Set(i2, a.Get(j2))
	a.Set(i2+1, a.Get(j2+1))
	a.Set(j2, ai)
	a.Set(j2+1, api)
}

func (p pairSorter) Less(i, j int) bool {
	a := p.s.array
	i2, j2 := int64(i)*2, int64(j)*2
	if c := p.s.prefixCmp(a.Get(i2+1), a.Get(j2+1)); c != 0 {
		return c < 0
	}
	if p.s.recordCmp == nil {
		return false
	}
	return p.s.recordCmp(p.s.recordAt(a.Get(i2)), p.s.recordAt(a.Get(j2))) < 0
}

// SortedIterator sorts the index in place and returns an iterator over
// it. The iterator dereferences record addresses lazily, so the pages
// they point into must stay live while it is advanced.
func (s *InMemorySorter) SortedIterator() *InMemSortedIterator {
	sort.Sort(pairSorter{s: s, n: s.NumRecords()})
	return &InMemSortedIterator{
		mm:         s.mm,
		array:      s.array,
		numRecords: s.NumRecords(),
	}
}

// InMemSortedIterator walks the sorted pair array. Clone returns an
// independent cursor at the same position, which is what lets a
// mid-consumption spill write out exactly the unread tail.
type InMemSortedIterator struct {
	mm         *memory.TaskMemoryManager
	array      *memory.LongArray
	numRecords int
	position   int // pairs consumed

	currentPage *memory.Page
	record      []byte
	prefix      uint64
}

// Clone returns an independent iterator at the current position.
func (it *InMemSortedIterator) Clone() *InMemSortedIterator {
	c := *it
	return &c
}

// HasNext reports whether another record remains.
func (it *InMemSortedIterator) HasNext() bool {
	return it.position < it.numRecords
}

// LoadNext dereferences the next (address, prefix) pair.
func (it *InMemSortedIterator) LoadNext() error {
	if !it.HasNext() {
		return spillerrors.ErrNoRecordLoaded
	}
	i := int64(it.position) * 2
	addr := it.array.Get(i)
	it.prefix = it.array.Get(i + 1)

	page := it.mm.Page(addr)
	off := memory.DecodeOffset(addr)
	data := page.Data()
	length := binary.LittleEndian.Uint32(data[off:])
	it.currentPage = page
	it.record = data[off+4 : off+4+int64(length)]
	it.position++
	return nil
}

// Record returns the current record's payload bytes, a view into the
// owning page.
func (it *InMemSortedIterator) Record() []byte { return it.record }

// Prefix returns the current record's sort prefix.
func (it *InMemSortedIterator) Prefix() uint64 { return it.prefix }

// NumRecords returns the total record count of the underlying index at
// iterator creation.
func (it *InMemSortedIterator) NumRecords() int { return it.numRecords }

// CurrentPage returns the page backing the most recently loaded record,
// or nil before the first LoadNext. The spillable wrapper pins this
// page across a mid-consumption spill.
func (it *InMemSortedIterator) CurrentPage() *memory.Page { return it.currentPage }
