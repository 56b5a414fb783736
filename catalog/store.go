/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Stats counts catalog resolution outcomes, surfaced to callers wanting
// observability into how trustworthy a decoded stream's string resolution
// was (§3 CatalogStats).
type Stats struct {
	Hits       uint64
	Misses     uint64
	OutOfRange uint64
}

// Store lazily indexes a uuidtext root directory (uuidtext/XX/<uuid> files
// plus uuidtext/dsc/<uuid> shared caches) and answers resolve_fmt queries
// against it. Safe for concurrent use by multiple Parsers, per §5.
type Store struct {
	root string

	mtx   sync.RWMutex
	files map[uuid.UUID]*File
	dscs  map[uuid.UUID]*SharedCache
	stats Stats
}

// Load prepares a Store for the directory tree rooted at uuidtextRoot. It
// only checks that the root is a directory; individual uuidtext/dsc files are
// read and parsed lazily on first lookup.
func Load(uuidtextRoot string) (*Store, error) {
	if fi, err := os.Stat(uuidtextRoot); err != nil {
		return nil, err
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", uuidtextRoot)
	}
	return &Store{
		root:  uuidtextRoot,
		files: make(map[uuid.UUID]*File),
		dscs:  make(map[uuid.UUID]*SharedCache),
	}, nil
}

// Stats returns a snapshot of the resolution counters accumulated so far.
func (s *Store) Stats() Stats {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.stats
}

func (s *Store) uuidtextPath(id uuid.UUID) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	return filepath.Join(s.root, strings.ToUpper(hex[:2]), strings.ToUpper(hex[2:]))
}

func (s *Store) dscPath(id uuid.UUID) string {
	hex := strings.ReplaceAll(id.String(), "-", "")
	return filepath.Join(s.root, "dsc", strings.ToUpper(hex))
}

func (s *Store) loadFile(id uuid.UUID) (*File, error) {
	s.mtx.RLock()
	f, ok := s.files[id]
	s.mtx.RUnlock()
	if ok {
		return f, nil
	}
	buf, err := os.ReadFile(s.uuidtextPath(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUuidNotFound, id, err)
	}
	f, err = ParseUuidtext(id, buf)
	if err != nil {
		return nil, err
	}
	s.mtx.Lock()
	s.files[id] = f
	s.mtx.Unlock()
	return f, nil
}

func (s *Store) loadDsc(id uuid.UUID) (*SharedCache, error) {
	s.mtx.RLock()
	d, ok := s.dscs[id]
	s.mtx.RUnlock()
	if ok {
		return d, nil
	}
	buf, err := os.ReadFile(s.dscPath(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUuidNotFound, id, err)
	}
	d, err = ParseDsc(buf)
	if err != nil {
		return nil, err
	}
	s.mtx.Lock()
	s.dscs[id] = d
	s.mtx.Unlock()
	return d, nil
}

// ResolveFmt implements §4.3's resolve_fmt(uuid, offset, via_dsc) contract.
// On a catalog miss it returns a synthetic placeholder message alongside
// the error so callers can still emit a record, per §4.3/§7.
func (s *Store) ResolveFmt(id uuid.UUID, offset uint32, viaDsc bool) (Resolved, error) {
	var (
		res Resolved
		err error
	)
	if viaDsc {
		var d *SharedCache
		if d, err = s.loadDsc(id); err == nil {
			res, err = d.ResolveFmt(offset)
		}
	} else {
		var f *File
		if f, err = s.loadFile(id); err == nil {
			var format string
			if format, err = f.ResolveFmt(offset); err == nil {
				res = Resolved{Format: format, LibraryPath: f.LibraryPath, LibraryUUID: f.UUID}
			}
		}
	}
	s.mtx.Lock()
	if err == nil {
		s.stats.Hits++
	} else if errors.Is(err, ErrUuidNotFound) {
		s.stats.Misses++
	} else {
		s.stats.OutOfRange++
	}
	s.mtx.Unlock()
	if err != nil {
		return Resolved{Format: fmt.Sprintf("<missing format at %s+%#x>", id, offset)}, err
	}
	return res, nil
}
