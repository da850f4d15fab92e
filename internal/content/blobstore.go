package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// blobStore keeps blob files addressed by the SHA-256 of their cache key.
// A file lives at baseDir/{hash[0:2]}/{hash[2:4]}/{hash}; the two-level fan-out
// keeps directories small.
type blobStore struct {
	baseDir string
}

func newBlobStore(baseDir string) (*blobStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &blobStore{baseDir: baseDir}, nil
}

// hashKey returns the hex SHA-256 of key.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// pathFor returns the file path for key.
func (s *blobStore) pathFor(key string) string {
	hash := hashKey(key)
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash)
}

// write streams r into the blob file for key. The file is written to a temp
// name and renamed so a reader never sees a partial blob.
func (s *blobStore) write(key string, r io.Reader) (string, int64, error) {
	dest := s.pathFor(key)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", 0, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("failed to write blob: %w", err)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("failed to move blob into place: %w", err)
	}
	return dest, n, nil
}

// remove deletes a blob file and prunes empty fan-out directories.
func (s *blobStore) remove(path string) error {
	if !s.contains(path) {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	// Try to remove empty directories
	dir := filepath.Dir(path)
	os.Remove(dir) // Ignore error
	os.Remove(filepath.Dir(dir))
	return nil
}

// contains reports whether path is inside the blob directory.
func (s *blobStore) contains(path string) bool {
	rel, err := filepath.Rel(s.baseDir, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// walk calls fn for every regular file in the blob directory.
func (s *blobStore) walk(fn func(path string, size int64) error) error {
	return filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		return fn(path, info.Size())
	})
}

// totalSize sums the sizes of all files in the blob directory.
func (s *blobStore) totalSize() (int64, error) {
	var total int64
	err := s.walk(func(_ string, size int64) error {
		total += size
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk blob directory: %w", err)
	}
	return total, nil
}

// wipe removes every blob and recreates the empty directory.
func (s *blobStore) wipe() error {
	if err := os.RemoveAll(s.baseDir); err != nil {
		return fmt.Errorf("failed to wipe blob directory: %w", err)
	}
	return os.MkdirAll(s.baseDir, 0o700)
}
