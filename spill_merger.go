package spillsort

import (
	spillerrors "github.com/xsq0718/spillsort/errors"
	"github.com/xsq0718/spillsort/internal/queue"
)

// spillMerger re-establishes a single sorted order across spill-run
// readers and the in-memory tail. Each added source sits in a priority
// queue keyed by its current record; the merged iterator repeatedly
// advances and re-queues the source it last served.
type spillMerger struct {
	pq         *queue.PriorityQueue[RecordIterator]
	numRecords int
}

func newSpillMerger(recordCmp RecordComparator, prefixCmp PrefixComparator, capHint int) *spillMerger {
	less := func(a, b RecordIterator) bool {
		if c := prefixCmp(a.Prefix(), b.Prefix()); c != 0 {
			return c < 0
		}
		if recordCmp == nil {
			return false
		}
		return recordCmp(a.Record(), b.Record()) < 0
	}
	return &spillMerger{pq: queue.New(less, capHint)}
}

// addIfNotEmpty primes it with its first record and queues it. Empty
// sources are skipped.
func (m *spillMerger) addIfNotEmpty(it RecordIterator) error {
	if !it.HasNext() {
		return nil
	}
	if err := it.LoadNext(); err != nil {
		return err
	}
	m.numRecords += it.NumRecords()
	m.pq.Push(it)
	return nil
}

// sortedIterator returns the merged stream. Sources must all have been
// added first.
func (m *spillMerger) sortedIterator() RecordIterator {
	return &mergedIterator{pq: m.pq, numRecords: m.numRecords}
}

// mergedIterator serves the smallest current record among the queued
// sources. current holds the source whose record was last served; it
// is re-queued (if non-exhausted) before the next source is popped.
type mergedIterator struct {
	pq         *queue.PriorityQueue[RecordIterator]
	current    RecordIterator
	numRecords int
}

func (m *mergedIterator) HasNext() bool {
	return m.pq.Len() > 0 || (m.current != nil && m.current.HasNext())
}

func (m *mergedIterator) LoadNext() error {
	if m.current != nil && m.current.HasNext() {
		if err := m.current.LoadNext(); err != nil {
			return err
		}
		m.pq.Push(m.current)
	}
	if m.pq.Len() == 0 {
		return spillerrors.ErrNoRecordLoaded
	}
	m.current = m.pq.Pop()
	return nil
}

func (m *mergedIterator) Record() []byte  { return m.current.Record() }
func (m *mergedIterator) Prefix() uint64  { return m.current.Prefix() }
func (m *mergedIterator) NumRecords() int { return m.numRecords }
