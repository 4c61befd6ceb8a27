// Package spillsort implements an external sorter for binary records
// with cooperative memory eviction.
//
// Records are buffered in raw pages allocated from a budgeted
// TaskMemoryManager and indexed by (address, prefix) pairs in an
// in-memory pointer-array sorter. When the manager demands memory back,
// the index is drained into a sorted spill run on disk; at output time
// the runs and the in-memory tail are k-way merged back into a single
// sorted stream. The sorted output iterator itself tolerates a spill in
// the middle of consumption.
//
// # Basic Usage
//
//	mm := memory.NewTaskMemoryManager(64 << 20)
//	tc := spillsort.NewTaskContext(ctx)
//	sorter, err := spillsort.New(mm, tc, spillsort.BytesComparator,
//	    spillsort.PrefixComparatorUnsigned)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, rec := range records {
//	    if err := sorter.Insert(rec, spillsort.BytesPrefix(rec)); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//	iter, err := sorter.SortedIterator()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for iter.HasNext() {
//	    if err := iter.LoadNext(); err != nil {
//	        log.Fatal(err)
//	    }
//	    process(iter.Record(), iter.Prefix())
//	}
//	tc.Complete() // runs CleanupResources
//
// # Package Structure
//
//   - Public API: sorter.go (New, Insert, Spill, Merge, CleanupResources),
//     sorter_iterators.go (SortedIterator, InsertionOrderIterator)
//   - Configuration: sorter_options.go (Option, With* functions)
//   - In-memory index: inmem_sorter.go (InMemorySorter, cloneable cursor)
//   - Spill runs: spill_writer.go, spill_reader.go, spill_merger.go
//   - Budgeted allocation: memory/ (TaskMemoryManager, Page, LongArray)
//   - Platform: fallocate_*.go, fadvise_*.go (OS-specific I/O hints)
package spillsort
