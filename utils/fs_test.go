package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileOperations_EnsureDir(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir := t.TempDir()
	testPath := filepath.Join(tempDir, "subdir", "test.txt")

	if err := fileOps.EnsureDir(testPath); err != nil {
		t.Fatalf("EnsureDir() error: %v", err)
	}

	dirPath := filepath.Dir(testPath)
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		t.Errorf("directory was not created: %s", dirPath)
	}
}

func TestFileOperations_FileExists(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir := t.TempDir()
	testPath := filepath.Join(tempDir, "test.txt")

	if fileOps.FileExists(testPath) {
		t.Errorf("file should not exist initially")
	}

	if err := os.WriteFile(testPath, []byte("test"), 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	if !fileOps.FileExists(testPath) {
		t.Errorf("file should exist after creation")
	}
}

func TestFileOperations_GetFileSize(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir := t.TempDir()
	testPath := filepath.Join(tempDir, "test.txt")
	testData := make([]byte, 1024)

	if err := os.WriteFile(testPath, testData, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	size, err := fileOps.GetFileSize(testPath)
	if err != nil {
		t.Fatalf("GetFileSize() error: %v", err)
	}
	if size != 1024 {
		t.Errorf("size = %d, want 1024", size)
	}
}

func TestFileOperations_AtomicRename(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir := t.TempDir()
	oldPath := filepath.Join(tempDir, "old.txt")
	newPath := filepath.Join(tempDir, "new.txt")
	testData := []byte("test content")

	if err := os.WriteFile(oldPath, testData, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	if err := fileOps.AtomicRename(oldPath, newPath); err != nil {
		t.Fatalf("AtomicRename() error: %v", err)
	}

	if fileOps.FileExists(oldPath) {
		t.Errorf("old file should not exist after rename")
	}
	if !fileOps.FileExists(newPath) {
		t.Errorf("new file should exist after rename")
	}

	content, err := os.ReadFile(newPath)
	if err != nil {
		t.Fatalf("read renamed file: %v", err)
	}
	if string(content) != string(testData) {
		t.Errorf("file content mismatch after rename")
	}
}

func TestFileOperations_Preallocate(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "out")

	if err := fileOps.Preallocate(path, 4096); err != nil {
		t.Fatalf("Preallocate() error: %v", err)
	}
	size, err := fileOps.GetFileSize(path)
	if err != nil {
		t.Fatalf("GetFileSize() error: %v", err)
	}
	if size != 4096 {
		t.Errorf("size = %d, want 4096", size)
	}
}

func TestFileOperations_PreallocateSkipsExistingFile(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "out")
	if err := os.WriteFile(path, []byte("already here"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := fileOps.Preallocate(path, 99999); err != nil {
		t.Fatalf("Preallocate() error: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "already here" {
		t.Errorf("Preallocate must not touch an existing file, got %q", got)
	}
}

func TestFileOperations_Remove(t *testing.T) {
	fileOps := NewFileOperations()
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "scratch")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := fileOps.Remove(path); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if fileOps.FileExists(path) {
		t.Errorf("file should not exist after Remove")
	}
}
