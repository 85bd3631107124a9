// Package jsonstore implements the JSON-file-backed durable record sets
// named in the data model: one file per record set under the state
// directory, guarded by a sibling short lock for writers. Readers
// tolerate an absent file (empty default); malformed content fails fast
// with the offending path rather than being silently overwritten.
package jsonstore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/metyatech/agent-runner/internal/errtype"
	"github.com/metyatech/agent-runner/internal/lock"
)

// File is a single JSON-encoded record set with its own short lock.
type File struct {
	path     string
	lockPath string
}

// New returns a File handle for name under dir (e.g. "review-queue.json").
func New(dir, name string) *File {
	return &File{
		path:     filepath.Join(dir, name),
		lockPath: filepath.Join(dir, name+".lock"),
	}
}

// Read decodes the file into dst. dst must be a pointer. If the file is
// absent, dst is left at its zero value and no error is returned.
func (f *File) Read(dst interface{}) error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading %s", f.path)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errtype.Wrap(errtype.StateCorruption, err, "decoding "+f.path)
	}
	return nil
}

// Write acquires the short lock, then atomically replaces the file's
// contents (write-to-temp, rename) so a crash mid-write cannot corrupt
// the record set a later reader would otherwise fail fast on.
func (f *File) Write(src interface{}) error {
	h, err := lock.Acquire(f.lockPath, lock.DefaultStateLockOptions())
	if err != nil {
		return err
	}
	defer h.Release()
	return f.writeLocked(src)
}

// Update reads the current value into dst, invokes mutate, and writes
// the (possibly modified) value back, all under a single lock hold so
// the read-modify-write cycle is atomic with respect to other writers.
func (f *File) Update(dst interface{}, mutate func() error) error {
	h, err := lock.Acquire(f.lockPath, lock.DefaultStateLockOptions())
	if err != nil {
		return err
	}
	defer h.Release()

	raw, err := os.ReadFile(f.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "reading %s", f.path)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, dst); err != nil {
			return errtype.Wrap(errtype.StateCorruption, err, "decoding "+f.path)
		}
	}
	if err := mutate(); err != nil {
		return err
	}
	return f.writeLocked(dst)
}

func (f *File) writeLocked(src interface{}) error {
	raw, err := json.MarshalIndent(src, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %s", f.path)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", f.path)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Wrapf(err, "renaming %s to %s", tmp, f.path)
	}
	return nil
}
