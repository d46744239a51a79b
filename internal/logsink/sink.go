// Package logsink stores per-run log artifacts and streams them to readers
// while they are still being written.
//
// A Dir owns one directory through an os.Root, so artifact names supplied
// by clients can never resolve outside of it. Writers obtain a Sink with
// Create; any number of readers may follow the same artifact with Tail.
package logsink

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CZERTAINLY/Autotest/internal/model"
)

type Dir struct {
	path string
	root *os.Root
}

// OpenDir opens (and creates if needed) the artifact directory.
func OpenDir(path string) (*Dir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", abs, err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("opening directory %s: %w", abs, err)
	}
	return &Dir{path: abs, root: root}, nil
}

func (d *Dir) Close() error {
	if d.root == nil {
		return errors.New("dir already closed")
	}
	err := d.root.Close()
	d.root = nil
	return err
}

// Path returns the absolute path of the directory.
func (d *Dir) Path() string {
	return d.path
}

// Create creates or truncates the named artifact and returns a Sink
// appending to it.
func (d *Dir) Create(name string) (*Sink, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	f, err := d.root.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating log %s: %w", name, err)
	}
	return &Sink{name: name, f: f}, nil
}

// Open opens the artifact for reading. A missing artifact is reported
// as model.ErrNotFound.
func (d *Dir) Open(name string) (*os.File, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	f, err := d.root.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("log %s: %w", name, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", name, err)
	}
	return f, nil
}

// ReadFile returns the full content of the artifact.
func (d *Dir) ReadFile(name string) ([]byte, error) {
	f, err := d.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return io.ReadAll(f)
}

// Prune removes regular files last modified before now-olderThan and
// returns their names.
func (d *Dir) Prune(olderThan time.Duration, now time.Time) ([]string, error) {
	entries, err := fs.ReadDir(d.root.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", d.path, err)
	}
	deadline := now.Add(-olderThan)
	var removed []string
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(deadline) {
			continue
		}
		if err := d.root.Remove(e.Name()); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, e.Name())
	}
	return removed, errors.Join(errs...)
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return fmt.Errorf("invalid log name %q", name)
	}
	return nil
}

// Sink is the write side of one artifact. It is safe for concurrent use, so
// stdout and stderr copies of a process can share it.
type Sink struct {
	mx   sync.Mutex
	name string
	f    *os.File
}

func (s *Sink) Name() string {
	return s.name
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.f == nil {
		return 0, fs.ErrClosed
	}
	return s.f.Write(p)
}

func (s *Sink) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

func (s *Sink) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.f == nil {
		return fs.ErrClosed
	}
	err := s.f.Close()
	s.f = nil
	return err
}
