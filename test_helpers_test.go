package spillsort

import (
	"encoding/binary"
	"hash/fnv"
	randv2 "math/rand"
	"testing"

	"github.com/xsq0718/spillsort/memory"
)

// Named seeds for deterministic reproduction.
const (
	testSeed1 = 0x9E3779B97F4A7C15
	testSeed2 = 0xC2B2AE3D27D4EB4F
)

func newTestRNG(t testing.TB) *randv2.Rand {
	t.Helper()
	h := fnv.New128a()
	h.Write([]byte(t.Name()))
	sum := h.Sum(nil)
	s1 := binary.LittleEndian.Uint64(sum[:8])
	s2 := binary.LittleEndian.Uint64(sum[8:])
	return randv2.New(randv2.NewSource(int64(testSeed1 ^ testSeed2 ^ s1 ^ s2)))
}

// testEnv bundles the collaborators a sorter needs.
type testEnv struct {
	mm *memory.TaskMemoryManager
	tc *TaskContext
}

func newTestEnv(budget int64) *testEnv {
	return &testEnv{
		mm: memory.NewTaskMemoryManager(budget),
		tc: NewTaskContext(nil),
	}
}

func newTestSorter(t *testing.T, env *testEnv, opts ...Option) *ExternalSorter {
	t.Helper()
	opts = append([]Option{WithTempDir(t.TempDir())}, opts...)
	s, err := New(env.mm, env.tc, BytesComparator, PrefixComparatorUnsigned, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// numberedRecord builds an 8-byte big-endian record for n. Its
// BytesPrefix equals n, so prefix order and record order agree.
func numberedRecord(n uint64) []byte {
	rec := make([]byte, 8)
	binary.BigEndian.PutUint64(rec, n)
	return rec
}

// drainIterator consumes it fully and returns the prefixes and record
// copies in output order.
func drainIterator(t *testing.T, it RecordIterator) (prefixes []uint64, records [][]byte) {
	t.Helper()
	for it.HasNext() {
		if err := it.LoadNext(); err != nil {
			t.Fatalf("LoadNext: %v", err)
		}
		prefixes = append(prefixes, it.Prefix())
		records = append(records, append([]byte(nil), it.Record()...))
	}
	return prefixes, records
}

// appendRecordToPage writes the on-page form of payload at off and
// returns the encoded record address and the next free offset. Used by
// tests that populate an InMemorySorter without going through an
// ExternalSorter.
func appendRecordToPage(page *memory.Page, off int64, payload []byte) (uint64, int64) {
	data := page.Data()
	addr := memory.EncodePageNumberAndOffset(page, off)
	binary.LittleEndian.PutUint32(data[off:], uint32(len(payload)))
	copy(data[off+4:], payload)
	return addr, off + 4 + int64(len(payload))
}

// nopConsumer satisfies memory.Consumer for tests that allocate outside
// a sorter.
type nopConsumer struct{}

func (nopConsumer) Spill(int64, memory.Consumer) (int64, error) { return 0, nil }
