package faceindex

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio"
)

// Store persists snapshots. Implementations must make Save atomic: after a
// crash, Load returns either the previous or the new state, never a mix.
type Store interface {
	Load(ctx context.Context, site string) (*Snapshot, error)
	Save(ctx context.Context, site string, snap *Snapshot) error
}

const (
	snapshotFileVersion = 1
	snapshotExt         = ".snapshot"
)

// snapshotFile is the gob layout of one site's snapshot.
type snapshotFile struct {
	Version int
	Site    string
	Dim     int
	Count   int
	SavedAt time.Time
	Vectors []float32 // row-major Count x Dim matrix
	Mapping []SlotEntry
}

// FileStore keeps one snapshot file per site in a directory.
type FileStore struct {
	dir string
	dim int

	// beforeReplace runs after the temp file is fully written and before it
	// replaces the live file. Tests use it to simulate a crash.
	beforeReplace func(tmpPath string) error
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, dim int) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: creating snapshot directory: %v", ErrIO, err)
	}
	return &FileStore{dir: dir, dim: dim}, nil
}

// Path returns the snapshot file path for site.
func (s *FileStore) Path(site string) string {
	return filepath.Join(s.dir, site+snapshotExt)
}

// Load reads the snapshot for site, or returns an empty one if none exists.
func (s *FileStore) Load(ctx context.Context, site string) (*Snapshot, error) {
	if err := ValidateSite(site); err != nil {
		return nil, err
	}

	f, err := os.Open(s.Path(site))
	if errors.Is(err, os.ErrNotExist) {
		return NewSnapshot(site, s.dim), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: opening snapshot for %s: %v", ErrIO, site, err)
	}
	defer f.Close()

	var file snapshotFile
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: decoding snapshot for %s: %v", ErrCorruptState, site, err)
	}
	return s.fromFile(site, &file)
}

func (s *FileStore) fromFile(site string, file *snapshotFile) (*Snapshot, error) {
	switch {
	case file.Version != snapshotFileVersion:
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorruptState, site, file.Version)
	case file.Site != site:
		return nil, fmt.Errorf("%w: %s: file belongs to site %q", ErrCorruptState, site, file.Site)
	case file.Dim != s.dim:
		return nil, fmt.Errorf("%w: %s: dimension %d, expected %d", ErrCorruptState, site, file.Dim, s.dim)
	case len(file.Vectors) != file.Count*file.Dim:
		return nil, fmt.Errorf("%w: %s: %d floats for %d vectors", ErrCorruptState, site, len(file.Vectors), file.Count)
	}

	snap := &Snapshot{
		Site:    site,
		Index:   &Index{dim: file.Dim, data: file.Vectors},
		Mapping: file.Mapping,
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", site, err)
	}
	return snap, nil
}

// Save writes the snapshot to a temp file and renames it over the live file.
func (s *FileStore) Save(ctx context.Context, site string, snap *Snapshot) error {
	if err := ValidateSite(site); err != nil {
		return err
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("refusing to save %s: %w", site, err)
	}

	pf, err := renameio.TempFile(s.dir, s.Path(site))
	if err != nil {
		return fmt.Errorf("%w: creating temp file for %s: %v", ErrIO, site, err)
	}
	defer pf.Cleanup()

	file := snapshotFile{
		Version: snapshotFileVersion,
		Site:    site,
		Dim:     snap.Index.Dim(),
		Count:   snap.Len(),
		SavedAt: time.Now().UTC(),
		Vectors: snap.Index.data,
		Mapping: snap.Mapping,
	}

	w := bufio.NewWriter(pf)
	if err := gob.NewEncoder(w).Encode(&file); err != nil {
		return fmt.Errorf("%w: encoding snapshot for %s: %v", ErrIO, site, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%w: writing snapshot for %s: %v", ErrIO, site, err)
	}

	if s.beforeReplace != nil {
		if err := s.beforeReplace(pf.Name()); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%w: replacing snapshot for %s: %v", ErrIO, site, err)
	}
	return nil
}

// Sites lists every site with a snapshot file, sorted.
func (s *FileStore) Sites() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing snapshots: %v", ErrIO, err)
	}
	var sites []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotExt) || strings.HasPrefix(name, ".") {
			continue
		}
		sites = append(sites, strings.TrimSuffix(name, snapshotExt))
	}
	sort.Strings(sites)
	return sites, nil
}
