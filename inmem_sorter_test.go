package spillsort

import (
	"bytes"
	"errors"
	"testing"

	spillerrors "github.com/xsq0718/spillsort/errors"
	"github.com/xsq0718/spillsort/memory"
)

// inMemFixture holds an index populated with records written into a
// single manually managed page.
type inMemFixture struct {
	mm   *memory.TaskMemoryManager
	page *memory.Page
	s    *InMemorySorter
}

func newInMemFixture(t *testing.T, payloads [][]byte, prefixes []uint64, capacity int) *inMemFixture {
	t.Helper()
	mm := memory.NewTaskMemoryManager(1 << 20)
	page, err := mm.AllocatePage(1<<16, nopConsumer{})
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	s, err := NewInMemorySorter(mm, nopConsumer{}, BytesComparator, PrefixComparatorUnsigned, capacity)
	if err != nil {
		t.Fatalf("NewInMemorySorter: %v", err)
	}
	var off int64
	for i, p := range payloads {
		addr, next := appendRecordToPage(page, off, p)
		off = next
		if err := s.InsertRecord(addr, prefixes[i]); err != nil {
			t.Fatalf("InsertRecord %d: %v", i, err)
		}
	}
	return &inMemFixture{mm: mm, page: page, s: s}
}

func TestInMemorySorterSortsByPrefix(t *testing.T) {
	payloads := [][]byte{{0xA}, {0xB}, {0xC}, {0xD}}
	prefixes := []uint64{3, 1, 4, 2}
	f := newInMemFixture(t, payloads, prefixes, 8)

	it := f.s.SortedIterator()
	if it.NumRecords() != 4 {
		t.Fatalf("NumRecords = %d, want 4", it.NumRecords())
	}
	var got []uint64
	for it.HasNext() {
		if err := it.LoadNext(); err != nil {
			t.Fatalf("LoadNext: %v", err)
		}
		got = append(got, it.Prefix())
	}
	want := []uint64{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("prefix order %v, want %v", got, want)
		}
	}
	if err := it.LoadNext(); !errors.Is(err, spillerrors.ErrNoRecordLoaded) {
		t.Fatalf("LoadNext past end = %v, want ErrNoRecordLoaded", err)
	}
}

func TestInMemorySorterPrefixTieBrokenByRecord(t *testing.T) {
	payloads := [][]byte{{0x09}, {0x02}, {0x05}}
	prefixes := []uint64{7, 7, 7}
	f := newInMemFixture(t, payloads, prefixes, 8)

	it := f.s.SortedIterator()
	var got []byte
	for it.HasNext() {
		if err := it.LoadNext(); err != nil {
			t.Fatalf("LoadNext: %v", err)
		}
		got = append(got, it.Record()[0])
	}
	if !bytes.Equal(got, []byte{0x02, 0x05, 0x09}) {
		t.Fatalf("tie-break order = %v", got)
	}
}

func TestInMemorySorterCloneIsIndependent(t *testing.T) {
	payloads := [][]byte{{1}, {2}, {3}, {4}, {5}}
	prefixes := []uint64{1, 2, 3, 4, 5}
	f := newInMemFixture(t, payloads, prefixes, 8)

	it := f.s.SortedIterator()
	for i := 0; i < 2; i++ {
		if err := it.LoadNext(); err != nil {
			t.Fatalf("LoadNext: %v", err)
		}
	}
	clone := it.Clone()

	// The clone resumes at the original's position.
	if err := clone.LoadNext(); err != nil {
		t.Fatalf("clone LoadNext: %v", err)
	}
	if clone.Prefix() != 3 {
		t.Fatalf("clone prefix = %d, want 3", clone.Prefix())
	}

	// Advancing the clone does not move the original.
	if err := it.LoadNext(); err != nil {
		t.Fatalf("LoadNext: %v", err)
	}
	if it.Prefix() != 3 {
		t.Fatalf("original prefix = %d, want 3", it.Prefix())
	}
}

func TestInMemorySorterGrowth(t *testing.T) {
	payloads := [][]byte{{1}, {2}}
	prefixes := []uint64{2, 1}
	f := newInMemFixture(t, payloads, prefixes, 2)

	if f.s.HasSpaceForAnotherRecord() {
		t.Fatal("index at capacity should report no space")
	}
	newArray, err := f.mm.AllocateArray(8, nopConsumer{})
	if err != nil {
		t.Fatalf("AllocateArray: %v", err)
	}
	f.s.ExpandPointerArray(newArray)
	if !f.s.HasSpaceForAnotherRecord() {
		t.Fatal("expanded index should have space")
	}

	addr, _ := appendRecordToPage(f.page, 64, []byte{3})
	if err := f.s.InsertRecord(addr, 3); err != nil {
		t.Fatalf("InsertRecord after expand: %v", err)
	}

	it := f.s.SortedIterator()
	var got []uint64
	for it.HasNext() {
		if err := it.LoadNext(); err != nil {
			t.Fatalf("LoadNext: %v", err)
		}
		got = append(got, it.Prefix())
	}
	for i, want := range []uint64{1, 2, 3} {
		if got[i] != want {
			t.Fatalf("after growth, prefixes = %v", got)
		}
	}
}

func TestInMemorySorterResetAndFree(t *testing.T) {
	payloads := [][]byte{{1}}
	prefixes := []uint64{1}
	f := newInMemFixture(t, payloads, prefixes, 4)

	used := f.s.MemoryUsage()
	if used == 0 {
		t.Fatal("MemoryUsage should be non-zero while the array is live")
	}
	f.s.Reset()
	if f.s.NumRecords() != 0 {
		t.Fatalf("NumRecords after Reset = %d", f.s.NumRecords())
	}
	if f.s.MemoryUsage() != used {
		t.Fatal("Reset should keep the backing array")
	}

	f.s.Free()
	if f.s.MemoryUsage() != 0 {
		t.Fatal("MemoryUsage after Free should be zero")
	}
	f.mm.FreePage(f.page, nopConsumer{})
	if got := f.mm.MemoryUsed(); got != 0 {
		t.Fatalf("manager reports %d bytes still in use", got)
	}
}

func TestInMemorySorterFullArrayRejectsInsert(t *testing.T) {
	payloads := [][]byte{{1}, {2}}
	prefixes := []uint64{1, 2}
	f := newInMemFixture(t, payloads, prefixes, 2)

	addr, _ := appendRecordToPage(f.page, 64, []byte{3})
	if err := f.s.InsertRecord(addr, 3); !errors.Is(err, spillerrors.ErrPointerArrayFull) {
		t.Fatalf("InsertRecord on full array = %v, want ErrPointerArrayFull", err)
	}
}
