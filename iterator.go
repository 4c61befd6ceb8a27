package spillsort

// RecordIterator is the single capability set shared by every record
// source in the sorter: the in-memory sorted iterator, spill-run
// readers, the chained insertion-order iterator, the k-way merged
// iterator, and the spillable wrapper.
//
// The protocol is load-then-read: LoadNext positions the iterator on
// the next record, after which Record and Prefix describe it. The slice
// returned by Record is a view owned by the iterator and is only valid
// until the next LoadNext call.
type RecordIterator interface {
	// HasNext reports whether another record remains.
	HasNext() bool

	// LoadNext advances to the next record.
	LoadNext() error

	// Record returns the current record's payload bytes.
	Record() []byte

	// Prefix returns the current record's 64-bit sort prefix.
	Prefix() uint64

	// NumRecords returns the total number of records this iterator was
	// created over, independent of how many have been consumed.
	NumRecords() int
}
