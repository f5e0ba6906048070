package utils

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// FileOperations provides the small set of filesystem primitives the
// Coordinator needs around a Download's final output path and segment
// scratch files: existence/size checks on resume, preallocation, and
// cleanup on cancel. It is backed by an afero.Fs so callers can
// substitute an in-memory filesystem in tests instead of touching disk.
type FileOperations struct {
	fs afero.Fs
}

// NewFileOperations creates a FileOperations backed by the real OS
// filesystem.
func NewFileOperations() *FileOperations {
	return &FileOperations{fs: afero.NewOsFs()}
}

// NewFileOperationsWithFs creates a FileOperations backed by an
// arbitrary afero.Fs, e.g. afero.NewMemMapFs() in tests.
func NewFileOperationsWithFs(fs afero.Fs) *FileOperations {
	return &FileOperations{fs: fs}
}

// EnsureDir creates path's parent directory if it doesn't exist.
func (f *FileOperations) EnsureDir(path string) error {
	dir := filepath.Dir(path)
	return f.fs.MkdirAll(dir, 0o755)
}

// FileExists reports whether path exists.
func (f *FileOperations) FileExists(path string) bool {
	exists, err := afero.Exists(f.fs, path)
	return err == nil && exists
}

// GetFileSize returns the size of an existing file.
func (f *FileOperations) GetFileSize(path string) (int64, error) {
	info, err := f.fs.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Remove deletes path. A nonexistent path is reported as an
// os.ErrNotExist-wrapping error, the same as the underlying afero.Fs.
func (f *FileOperations) Remove(path string) error {
	return f.fs.Remove(path)
}

// AtomicRename performs an atomic rename within the same filesystem.
// Segment scratch files and the final output path always live under
// the same output directory, so this is safe to use for finalizing a
// completed Download without a cross-device copy fallback.
func (f *FileOperations) AtomicRename(oldPath, newPath string) error {
	return f.fs.Rename(oldPath, newPath)
}

// Preallocate creates path and truncates it to size if it does not
// already exist; a pre-existing file (a resumed Download) is left
// untouched. Used by the Preallocator (§4.J) ahead of the merge pass.
func (f *FileOperations) Preallocate(path string, size int64) error {
	if f.FileExists(path) {
		return nil
	}
	file, err := f.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	return file.Truncate(size)
}
