package spillsort

import "github.com/zeebo/xxh3"

// BytesPrefix packs up to the first eight bytes of b into a big-endian
// uint64, zero-padded on the right. Comparing two such prefixes as
// unsigned integers agrees with lexicographic comparison of the
// underlying bytes up to the eighth byte, which makes it a valid
// first-cut key for BytesComparator.
func BytesPrefix(b []byte) uint64 {
	var p uint64
	n := len(b)
	if n > 8 {
		n = 8
	}
	for i := 0; i < n; i++ {
		p |= uint64(b[i]) << (56 - 8*i)
	}
	return p
}

// HashedPrefix returns an xxh3 hash of b. Hashed prefixes group equal
// records together but carry no ordering relation to the record bytes;
// use them when the comparator defines grouping rather than a total
// byte order.
func HashedPrefix(b []byte) uint64 {
	return xxh3.Hash(b)
}
