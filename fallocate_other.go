//go:build !linux && !darwin

package spillsort

import "os"

// fallocateFile pre-allocates disk blocks for a spill run.
// On platforms without native fallocate, uses Truncate as a fallback.
func fallocateFile(file *os.File, size int64) error {
	return file.Truncate(size)
}
