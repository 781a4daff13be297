package exec

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/geetanshjuneja/datafusion/internal/errors"
)

// DiskManager allocates temp files for spilling. It is shared process-wide;
// temp files themselves are ref-counted so they outlive the manager call
// that created them.
type DiskManager struct {
	dir     string
	enabled bool
}

// NewDiskManager creates a disk manager rooted at dir. When enabled is false
// the manager refuses to create temp files, which surfaces as a
// resources-exhausted error in callers that needed to spill.
func NewDiskManager(dir string, enabled bool) *DiskManager {
	if dir == "" {
		dir = os.TempDir()
	}
	return &DiskManager{dir: dir, enabled: enabled}
}

// TempFilesEnabled reports whether spill files may be created.
func (d *DiskManager) TempFilesEnabled() bool {
	return d.enabled
}

// NewTempFile creates a fresh ref-counted temp file with the given name
// prefix. The file starts with one reference held by the caller.
func (d *DiskManager) NewTempFile(prefix string) (*TempFile, error) {
	if !d.enabled {
		return nil, errors.NewInternal("temp files requested while disk manager is disabled")
	}
	path := filepath.Join(d.dir, fmt.Sprintf("%s-%s.arrow", prefix, uuid.NewString()))
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.NewIO("temp file create", err)
	}
	if err := f.Close(); err != nil {
		return nil, errors.NewIO("temp file create", err)
	}
	tf := &TempFile{path: path}
	tf.refs.Store(1)
	return tf, nil
}

// TempFile is a ref-counted temp file. The underlying file is removed when
// the last reference is released, whether the owning operator finished
// normally or was cancelled.
type TempFile struct {
	path string
	refs atomic.Int32
}

// Path returns the file path.
func (f *TempFile) Path() string {
	return f.path
}

// Retain adds a reference.
func (f *TempFile) Retain() {
	f.refs.Add(1)
}

// Release drops a reference, removing the file when none remain.
func (f *TempFile) Release() error {
	if f.refs.Add(-1) == 0 {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return errors.NewIO("temp file remove", err)
		}
	}
	return nil
}
