// Package prealloc implements the Preallocator (§4.J): an optional,
// best-effort reservation of the final file's space ahead of the merge
// pass, so later sequential writes do not contend with filesystem
// fragmentation.
package prealloc

import (
	"segfetch/internal"
	"segfetch/utils"
)

// Preallocate creates finalPath and truncates it to totalSize if it does
// not already exist. A failure here is never fatal to the Download; the
// caller logs the returned error as a warning and proceeds. fo is the
// Coordinator's shared FileOperations, so tests can substitute an
// in-memory afero.Fs instead of touching disk.
func Preallocate(fo *utils.FileOperations, finalPath string, totalSize int64) error {
	if err := fo.Preallocate(finalPath, totalSize); err != nil {
		return internal.NewFileIOError("preallocate", finalPath, err)
	}
	return nil
}
