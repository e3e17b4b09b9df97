package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bleepstore/bleepcore/internal/uid"
)

// LocalBackend stores blobs as files under RootDir, fanned out into
// directories by the first two characters of the content id.
type LocalBackend struct {
	// RootDir is the base directory for all blob data.
	RootDir string
}

// NewLocalBackend creates a LocalBackend rooted at rootDir, creating the root
// and the temp directory if they do not exist.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root directory %q: %w", rootDir, err)
	}
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes every file in the .tmp directory. It is called on
// startup; anything left there is an incomplete write from a crash.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (b *LocalBackend) blobPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid content id %q", id)
	}
	fan := id
	if len(fan) > 2 {
		fan = fan[:2]
	}
	return filepath.Join(b.RootDir, fan, id), nil
}

func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, ".tmp", "tmp-"+uid.New())
}

// writeAtomic streams r into a temp file, fsyncs it and renames it to path.
func (b *LocalBackend) writeAtomic(path string, write func(w io.Writer) (int64, error)) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("creating parent directory: %w", err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	n, err := write(tmpFile)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return n, nil
}

// Put writes the blob using the crash-only pattern: temp file, fsync, rename.
func (b *LocalBackend) Put(ctx context.Context, id string, r io.Reader, size int64) (int64, error) {
	path, err := b.blobPath(id)
	if err != nil {
		return 0, err
	}
	return b.writeAtomic(path, func(w io.Writer) (int64, error) {
		n, err := io.Copy(w, r)
		if err != nil {
			return 0, fmt.Errorf("writing content %s: %w", id, err)
		}
		return n, nil
	})
}

// fileSection closes the underlying file when the limited reader is closed.
type fileSection struct {
	io.Reader
	f *os.File
}

func (s *fileSection) Close() error {
	return s.f.Close()
}

func (b *LocalBackend) Get(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	path, err := b.blobPath(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening content %s: %w", id, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seeking content %s: %w", id, err)
		}
	}
	if length < 0 {
		return f, nil
	}
	return &fileSection{Reader: io.LimitReader(f, length), f: f}, nil
}

// Delete removes the blob file and its fan-out directory when it becomes empty.
func (b *LocalBackend) Delete(ctx context.Context, id string) error {
	path, err := b.blobPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing content %s: %w", id, err)
	}
	// Fails silently when the directory still holds other blobs.
	os.Remove(filepath.Dir(path))
	return nil
}

func (b *LocalBackend) Exists(ctx context.Context, id string) (bool, error) {
	path, err := b.blobPath(id)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking content %s: %w", id, err)
}

// Compose concatenates source files into a new file using the atomic write
// pattern.
func (b *LocalBackend) Compose(ctx context.Context, dst string, srcs []string) (int64, error) {
	dstPath, err := b.blobPath(dst)
	if err != nil {
		return 0, err
	}
	return b.writeAtomic(dstPath, func(w io.Writer) (int64, error) {
		var total int64
		for _, id := range srcs {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			rc, err := b.Get(ctx, id, 0, -1)
			if err != nil {
				return 0, fmt.Errorf("opening source %s: %w", id, err)
			}
			n, err := io.Copy(w, rc)
			rc.Close()
			if err != nil {
				return 0, fmt.Errorf("copying source %s: %w", id, err)
			}
			total += n
		}
		return total, nil
	})
}

// HealthCheck verifies that the storage root directory is accessible.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(b.RootDir)
	return err
}

var (
	_ Backend  = (*LocalBackend)(nil)
	_ Composer = (*LocalBackend)(nil)
)
