// Package file is an os.File-backed partition.Port, grounded on the
// teacher's plain os.ReadFile/os.WriteFile idiom (internal/config), here
// extended to partial reads/writes at an offset plus a rename-based
// atomic commit.
package file

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rofi-net/rofinet/internal/rerr"
)

// Partition is a flash update slot backed by two files: the update slot
// being written, and the "active" file that Commit atomically replaces.
type Partition struct {
	slotPath   string
	activePath string
	size       int64

	f *os.File
}

// Open opens (creating if absent) the update slot file at slotPath,
// sized to size bytes, committing into activePath.
func Open(slotPath, activePath string, size int64) (*Partition, error) {
	f, err := os.OpenFile(slotPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, rerr.Wrap(rerr.Storage, "file partition: open slot", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, rerr.Wrap(rerr.Storage, "file partition: truncate slot", err)
	}
	return &Partition{slotPath: slotPath, activePath: activePath, size: size, f: f}, nil
}

func (p *Partition) Read(offset int64, buf []byte) (int, error) {
	n, err := p.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, rerr.Wrap(rerr.Storage, "file partition: read", err)
	}
	return n, nil
}

func (p *Partition) Write(offset int64, bytes []byte) error {
	if _, err := p.f.WriteAt(bytes, offset); err != nil {
		return rerr.Wrap(rerr.Storage, "file partition: write", err)
	}
	return nil
}

// Commit syncs the slot to disk and atomically renames it onto
// activePath, making it the next boot image.
func (p *Partition) Commit() error {
	if err := p.f.Sync(); err != nil {
		return rerr.Wrap(rerr.Storage, "file partition: sync", err)
	}
	if err := os.Rename(p.slotPath, p.activePath); err != nil {
		return rerr.Wrap(rerr.Storage, "file partition: commit rename", err)
	}
	// re-open the (now-renamed-away) slot path fresh for any subsequent update
	f, err := os.OpenFile(p.slotPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return rerr.Wrap(rerr.Storage, "file partition: reopen slot after commit", err)
	}
	if err := f.Truncate(p.size); err != nil {
		f.Close()
		return rerr.Wrap(rerr.Storage, "file partition: truncate slot after commit", err)
	}
	p.f.Close()
	p.f = f
	return nil
}

func (p *Partition) Size() int64 { return p.size }

// Close releases the underlying file handle.
func (p *Partition) Close() error {
	return p.f.Close()
}

// EnsureDir creates the parent directory of path if missing, mirroring
// the teacher's config.Save pattern of creating its containing directory
// before writing.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
