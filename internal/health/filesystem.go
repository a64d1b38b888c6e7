// Package health checks that the directories the download needs are usable.
package health

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// FolderStatus is the outcome of checking one directory.
type FolderStatus struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Folder names a directory to check.
type Folder struct {
	Name string
	Path string
}

// FilesystemChecker provides filesystem health checks.
type FilesystemChecker struct {
	fs      afero.Fs
	folders []Folder
}

// NewFilesystemChecker creates a checker for folders. A nil fs uses the OS filesystem.
func NewFilesystemChecker(fs afero.Fs, folders ...Folder) *FilesystemChecker {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FilesystemChecker{fs: fs, folders: folders}
}

// CheckFolderAccessible verifies that a path exists and is a directory.
func (c *FilesystemChecker) CheckFolderAccessible(path string) error {
	info, err := c.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("path does not exist: %s", path)
		}
		if os.IsPermission(err) {
			return fmt.Errorf("permission denied: %s", path)
		}
		return fmt.Errorf("cannot access path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	return nil
}

// CheckFolderWritable verifies that a directory is writable by creating and
// removing a test file.
func (c *FilesystemChecker) CheckFolderWritable(path string) error {
	testFile := filepath.Join(path, fmt.Sprintf(".bgdownload_health_check_%s", uuid.New().String()[:8]))

	file, err := c.fs.Create(testFile)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("folder is read-only: %s", path)
		}
		return fmt.Errorf("cannot write to folder: %w", err)
	}

	if _, err := file.Write([]byte("health check")); err != nil {
		file.Close()
		c.fs.Remove(testFile)
		return fmt.Errorf("cannot write data: %w", err)
	}

	if err := file.Close(); err != nil {
		c.fs.Remove(testFile)
		return fmt.Errorf("cannot close file: %w", err)
	}

	if err := c.fs.Remove(testFile); err != nil {
		return fmt.Errorf("cannot remove test file: %w", err)
	}

	return nil
}

// EnsureFolders creates any missing configured folder.
func (c *FilesystemChecker) EnsureFolders() error {
	for _, f := range c.folders {
		if err := c.fs.MkdirAll(f.Path, 0o755); err != nil {
			return fmt.Errorf("failed to create %s folder: %w", f.Name, err)
		}
	}
	return nil
}

// Check runs accessibility and writability checks on every configured folder.
func (c *FilesystemChecker) Check() []FolderStatus {
	results := make([]FolderStatus, 0, len(c.folders))
	for _, f := range c.folders {
		st := FolderStatus{Name: f.Name, Path: f.Path, OK: true}
		if err := c.CheckFolderAccessible(f.Path); err != nil {
			st.OK, st.Message = false, err.Error()
		} else if err := c.CheckFolderWritable(f.Path); err != nil {
			st.OK, st.Message = false, err.Error()
		}
		results = append(results, st)
	}
	return results
}

// Healthy reports whether every status is OK.
func Healthy(statuses []FolderStatus) bool {
	for _, st := range statuses {
		if !st.OK {
			return false
		}
	}
	return true
}
