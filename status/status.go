// Package status holds the process-wide "endpoint degraded" marker.
//
// The marker is written whenever a connection attempt fails and cleared on the next successful
// connection. Request handlers poll it to short-circuit with a "service degraded" response
// instead of spawning a new worker against an endpoint that is known to be bad.
// There is a single flag with last-writer-wins semantics, so no locking beyond an atomic file replace is needed.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Degradation describes why the endpoint was marked as degraded.
type Degradation struct {
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// Marker is the failure marker store.
type Marker interface {
	// Mark sets the marker.
	Mark(reason string) error
	// Clear removes the marker. Clearing an unset marker is not an error.
	Clear() error
	// Get returns the current degradation, or nil if the endpoint is not degraded.
	Get() (*Degradation, error)
}

// Degraded reports whether the marker is set. Read errors are reported as not degraded.
func Degraded(m Marker) bool {
	d, err := m.Get()
	return err == nil && d != nil
}

// DefaultPath is the well-known location of the marker file.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), "nativebridge", "endpoint.degraded")
}

// FileMarker stores the marker as a file. The file existing means the endpoint is degraded.
type FileMarker struct {
	Path string
	now  func() time.Time
}

func NewFileMarker(path string) *FileMarker {
	return &FileMarker{Path: path, now: time.Now}
}

func (m *FileMarker) Mark(reason string) error {
	b, err := json.Marshal(Degradation{Reason: reason, Since: m.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshaling marker: %w", err)
	}
	dir := filepath.Dir(m.Path)
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return fmt.Errorf("creating marker dir: %w", err)
	}
	f, err := os.CreateTemp(dir, ".marker-*")
	if err != nil {
		return fmt.Errorf("creating temp marker: %w", err)
	}
	_, err = f.Write(b)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("writing temp marker: %w", err)
	}
	err = os.Rename(f.Name(), m.Path)
	if err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("replacing marker: %w", err)
	}
	return nil
}

func (m *FileMarker) Clear() error {
	err := os.Remove(m.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing marker: %w", err)
	}
	return nil
}

func (m *FileMarker) Get() (*Degradation, error) {
	b, err := os.ReadFile(m.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading marker: %w", err)
	}
	d := &Degradation{}
	// a marker written by something else still counts, it just has no details
	if err := json.Unmarshal(b, d); err != nil {
		d.Reason = "unknown"
	}
	return d, nil
}

// MemoryMarker is an in-process Marker, for embedding and tests.
type MemoryMarker struct {
	m sync.Mutex
	d *Degradation
}

func (m *MemoryMarker) Mark(reason string) error {
	m.m.Lock()
	defer m.m.Unlock()
	m.d = &Degradation{Reason: reason, Since: time.Now().UTC()}
	return nil
}

func (m *MemoryMarker) Clear() error {
	m.m.Lock()
	defer m.m.Unlock()
	m.d = nil
	return nil
}

func (m *MemoryMarker) Get() (*Degradation, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.d == nil {
		return nil, nil
	}
	d := *m.d
	return &d, nil
}
