package history

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// attachmentPath maps a file id to its cached ciphertext path. Empty when
// the store has no data directory.
func (s *Store) attachmentPath(fileID string) string {
	if s.dataDir == "" {
		return ""
	}
	return filepath.Join(s.dataDir, "attachments", fileID+".bin")
}

func (s *Store) previewPath(fileID string) string {
	if s.dataDir == "" {
		return ""
	}
	return filepath.Join(s.dataDir, "previews", fileID+".bin")
}

// CacheAttachment stores attachment ciphertext on disk so later reads and
// secure wipes have a local copy to work with.
func (s *Store) CacheAttachment(fileID string, ciphertext []byte) error {
	path := s.attachmentPath(fileID)
	if path == "" {
		return nil
	}
	return writeBlob(path, ciphertext)
}

// CachedAttachment returns the locally cached ciphertext for a file id,
// or nil when no copy exists.
func (s *Store) CachedAttachment(fileID string) []byte {
	path := s.attachmentPath(fileID)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return data
}

// StorePreview saves a small plaintext preview (thumbnail) for a file id.
func (s *Store) StorePreview(fileID string, preview []byte) error {
	path := s.previewPath(fileID)
	if path == "" {
		return fmt.Errorf("store preview: no data directory configured")
	}
	return writeBlob(path, preview)
}

// LoadPreview returns the stored preview bytes, or nil.
func (s *Store) LoadPreview(fileID string) []byte {
	path := s.previewPath(fileID)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return data
}

func (s *Store) removeAttachment(fileID string, secureWipe bool) error {
	var firstErr error
	for _, path := range []string{s.attachmentPath(fileID), s.previewPath(fileID)} {
		if path == "" {
			continue
		}
		var err error
		if secureWipe {
			err = SecureRemove(path)
		} else {
			err = os.Remove(path)
		}
		if err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func writeBlob(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	return nil
}

// SecureRemove overwrites a file with zeros, syncs, and then unlinks it.
// A plain remove leaves the bytes recoverable on disk until the blocks
// are reused.
func SecureRemove(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	zeros := make([]byte, 32*1024)
	remaining := info.Size()
	for remaining > 0 {
		n := int64(len(zeros))
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(zeros[:n]); err != nil {
			f.Close()
			return fmt.Errorf("failed to overwrite %s: %w", path, err)
		}
		remaining -= n
	}
	if err := f.Sync(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SecureRemove",
			"path":     path,
			"error":    err,
		}).Warn("Sync after overwrite failed")
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
