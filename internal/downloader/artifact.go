package downloader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// replaceArtifact moves the finished temporary file over the destination and
// returns the resulting size. The existing destination is removed first, so
// a crash between the remove and the move leaves no artifact at all.
func (s *Service) replaceArtifact(tempLocation string) (int64, error) {
	dest := s.cfg.DestinationPath

	if err := s.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, &FilesystemError{Op: "create directory for", Path: dest, Err: err}
	}

	if err := s.fs.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, &FilesystemError{Op: "remove existing", Path: dest, Err: err}
	}

	if err := s.fs.Rename(tempLocation, dest); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return 0, &FilesystemError{Op: "move download to", Path: dest, Err: err}
		}

		s.logger.Debug().Str("from", tempLocation).Str("to", dest).Msg("Cross-device move, copying instead")
		if err := s.copyFile(tempLocation, dest); err != nil {
			if rmErr := s.fs.Remove(dest); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				s.logger.Warn().Err(rmErr).Str("path", dest).Msg("Failed to remove partial artifact")
			}
			return 0, &FilesystemError{Op: "copy download to", Path: dest, Err: err}
		}
		_ = s.fs.Remove(tempLocation)
	}

	info, err := s.fs.Stat(dest)
	if err != nil {
		return 0, &FilesystemError{Op: "stat", Path: dest, Err: err}
	}
	return info.Size(), nil
}

func (s *Service) copyFile(src, dst string) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := s.fs.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync: %w", err)
	}
	return out.Close()
}
