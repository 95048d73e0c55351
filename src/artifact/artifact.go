// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package artifact gives analyzers read-only access to the bytes behind an
// opaque artifact locator.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

var ErrNotContainer = errors.New("artifact is not a container")

// Accessor reads one artifact. Implementations never modify the artifact.
type Accessor interface {
	Ref() string
	Name() string
	Open(ctx context.Context) (io.ReadCloser, error)
	IsContainer() bool
	// Members lists the artifacts inside a container, in a stable order.
	Members(ctx context.Context) ([]Accessor, error)
	// LocalPath returns a filesystem path holding the artifact bytes. The
	// cleanup func must be called once the path is no longer needed.
	LocalPath(ctx context.Context) (string, func(), error)
}

// ModTimer is implemented by accessors that know when the artifact last
// changed.
type ModTimer interface {
	ModTime() (time.Time, bool)
}

// LocalFile is a regular file on the worker's filesystem.
type LocalFile struct {
	ref  string
	path string
}

func NewLocalFile(ref, path string) *LocalFile {
	return &LocalFile{ref: ref, path: path}
}

func (f *LocalFile) Ref() string       { return f.ref }
func (f *LocalFile) Name() string      { return filepath.Base(f.path) }
func (f *LocalFile) IsContainer() bool { return false }

func (f *LocalFile) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.ref, err)
	}
	return file, nil
}

func (f *LocalFile) Members(context.Context) ([]Accessor, error) {
	return nil, ErrNotContainer
}

func (f *LocalFile) LocalPath(context.Context) (string, func(), error) {
	return f.path, func() {}, nil
}

func (f *LocalFile) ModTime() (time.Time, bool) {
	info, err := os.Stat(f.path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// LocalDir is a directory submitted as one container artifact.
type LocalDir struct {
	ref  string
	path string
}

func NewLocalDir(ref, path string) *LocalDir {
	return &LocalDir{ref: ref, path: path}
}

func (d *LocalDir) Ref() string       { return d.ref }
func (d *LocalDir) Name() string      { return filepath.Base(d.path) }
func (d *LocalDir) IsContainer() bool { return true }

func (d *LocalDir) Open(context.Context) (io.ReadCloser, error) {
	return nil, fmt.Errorf("open %s: is a directory", d.ref)
}

func (d *LocalDir) LocalPath(context.Context) (string, func(), error) {
	return d.path, func() {}, nil
}

// Members walks the directory recursively. Entries that cannot be walked are
// returned as members whose Open fails, so callers can report them as skipped.
func (d *LocalDir) Members(ctx context.Context) ([]Accessor, error) {
	var members []Accessor
	err := filepath.WalkDir(d.path, func(path string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(d.path, path)
		if relErr != nil {
			rel = path
		}
		ref := d.ref + "/" + filepath.ToSlash(rel)
		if err != nil {
			if path == d.path {
				return err
			}
			members = append(members, &Broken{ref: ref, err: err})
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if entry.Type().IsRegular() {
			members = append(members, NewLocalFile(ref, path))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", d.ref, err)
	}
	sort.SliceStable(members, func(i, j int) bool { return members[i].Ref() < members[j].Ref() })
	return members, nil
}

// Broken stands in for a member that could not be listed.
type Broken struct {
	ref string
	err error
}

func NewBroken(ref string, err error) *Broken {
	return &Broken{ref: ref, err: err}
}

func (b *Broken) Ref() string       { return b.ref }
func (b *Broken) Name() string      { return filepath.Base(b.ref) }
func (b *Broken) IsContainer() bool { return false }

func (b *Broken) Open(context.Context) (io.ReadCloser, error) {
	return nil, b.err
}

func (b *Broken) Members(context.Context) ([]Accessor, error) {
	return nil, ErrNotContainer
}

func (b *Broken) LocalPath(context.Context) (string, func(), error) {
	return "", func() {}, b.err
}

// spool copies r into a temporary file and returns its path.
func spool(pattern string, r io.Reader) (string, func(), error) {
	tmp, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", func() {}, fmt.Errorf("create spool file: %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("spool artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("close spool file: %w", err)
	}
	return tmp.Name(), cleanup, nil
}
