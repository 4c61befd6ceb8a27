package memory

// LongArray is a fixed-size array of uint64 words whose backing storage
// is accounted against the owning manager's budget. The pointer-array
// sorter stores (address, prefix) pairs in one.
type LongArray struct {
	data []uint64
}

// Len returns the number of words in the array.
func (a *LongArray) Len() int64 { return int64(len(a.data)) }

// SizeBytes returns the accounted size of the array in bytes.
func (a *LongArray) SizeBytes() int64 { return int64(len(a.data)) * 8 }

// Get returns the word at index i.
func (a *LongArray) Get(i int64) uint64 { return a.data[i] }

// Set stores v at index i.
func (a *LongArray) Set(i int64, v uint64) { a.data[i] = v }

// Copy copies words from src into a starting at index 0.
func (a *LongArray) Copy(src *LongArray, words int64) {
	copy(a.data[:words], src.data[:words])
}
