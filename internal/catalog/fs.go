package catalog

import (
	"fmt"
	"os"
	"path/filepath"
)

// OSFileSystem implements FileSystem on the local disk with
// write-then-rename semantics so readers never observe a torn file.
type OSFileSystem struct{}

func NewOSFileSystem() *OSFileSystem {
	return &OSFileSystem{}
}

func (fs *OSFileSystem) EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// CanWrite probes the directory with a throwaway file.
func (fs *OSFileSystem) CanWrite(path string) error {
	probe := filepath.Join(path, ".write-probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("failed to remove write probe: %w", err)
	}
	return nil
}

func (fs *OSFileSystem) FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (fs *OSFileSystem) WriteFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".partial"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RemoveArtifacts deletes a task's partially-downloaded directory.
func (fs *OSFileSystem) RemoveArtifacts(path string) error {
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}
