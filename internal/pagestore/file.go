package pagestore

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/neet-007/cowtree/internal/logging"
	"github.com/pkg/errors"
)

/*
The file is a sequence of PageSize pages. Page 0 is the meta page:

| sig | root | npages | freehead |
| 16B |  8B  |   8B   |    8B    |

Free pointers are persisted as a chain of free list pages:

| next | count | ptrs       |
|  8B  |  8B   | count * 8B |

The chain pages are themselves free; they are only read by Open.
*/

const (
	DB_SIG = "cowtree/pages/v1"

	META_SIZE        = 16 + 8 + 8 + 8
	FREE_LIST_HEADER = 8 + 8
	FREE_LIST_CAP    = (PageSize - FREE_LIST_HEADER) / 8
)

type Options struct {
	// NoSync skips fsync on Commit. Only for tests and bulk loads.
	NoSync bool
}

type Stats struct {
	Pages   uint64 // pages in the file, meta page included
	Free    int    // pointers reusable by New
	Pending int    // pointers freed since the last Commit
	Dirty   int    // pages written since the last Commit
}

// FileStore is a PageStore over a single file. New pages and frees are held in
// memory until Commit. Pointers freed by Del are not handed out again until
// after the next Commit, so the last committed tree stays intact on disk.
type FileStore struct {
	mu     sync.RWMutex
	fp     *os.File
	path   string
	noSync bool
	log    *slog.Logger

	root    uint64
	npages  uint64
	free    []uint64
	pending []uint64
	freed   map[uint64]struct{} // free and pending
	updates map[uint64][]byte
}

func Open(path string, opts Options) (*FileStore, error) {
	fp, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	s := &FileStore{
		fp:      fp,
		path:    path,
		noSync:  opts.NoSync,
		log:     logging.WithComponent("pagestore").With("path", path),
		freed:   make(map[uint64]struct{}),
		updates: make(map[uint64][]byte),
	}

	if err := s.load(); err != nil {
		fp.Close()
		return nil, err
	}
	s.log.Info("page file opened", "root", s.root, "pages", s.npages, "free", len(s.free))
	return s, nil
}

func (s *FileStore) load() error {
	fi, err := s.fp.Stat()
	if err != nil {
		return errors.Wrap(err, "stat")
	}

	if fi.Size() == 0 {
		s.npages = 1
		return s.writeMeta(0)
	}

	meta := make([]byte, META_SIZE)
	if _, err := s.fp.ReadAt(meta, 0); err != nil {
		return errors.Wrap(err, "read meta page")
	}
	if string(meta[:16]) != DB_SIG {
		return errors.Errorf("%s: bad signature %q", s.path, meta[:16])
	}
	s.root = binary.LittleEndian.Uint64(meta[16:])
	s.npages = binary.LittleEndian.Uint64(meta[24:])
	head := binary.LittleEndian.Uint64(meta[32:])

	if s.npages == 0 || fi.Size() < int64(s.npages)*PageSize {
		return errors.Errorf("%s: meta page claims %d pages, file has %d bytes", s.path, s.npages, fi.Size())
	}
	if s.root >= s.npages {
		return errors.Errorf("%s: root %d out of range", s.path, s.root)
	}
	return s.loadFreeList(head)
}

func (s *FileStore) loadFreeList(head uint64) error {
	buf := make([]byte, PageSize)
	for ptr := head; ptr != 0; {
		if !s.valid(ptr) {
			return errors.Errorf("free list page %d out of range", ptr)
		}
		if _, dup := s.freed[ptr]; dup {
			return errors.Errorf("free list page %d seen twice", ptr)
		}
		if _, err := s.fp.ReadAt(buf, int64(ptr)*PageSize); err != nil {
			return errors.Wrapf(err, "read free list page %d", ptr)
		}
		s.addFree(ptr)

		next := binary.LittleEndian.Uint64(buf[0:])
		count := binary.LittleEndian.Uint64(buf[8:])
		if count > FREE_LIST_CAP {
			return errors.Errorf("free list page %d holds %d entries", ptr, count)
		}
		for i := uint64(0); i < count; i++ {
			p := binary.LittleEndian.Uint64(buf[FREE_LIST_HEADER+8*i:])
			if !s.valid(p) {
				return errors.Errorf("free pointer %d out of range", p)
			}
			if _, dup := s.freed[p]; dup {
				return errors.Errorf("free pointer %d listed twice", p)
			}
			s.addFree(p)
		}
		ptr = next
	}
	return nil
}

func (s *FileStore) addFree(ptr uint64) {
	s.free = append(s.free, ptr)
	s.freed[ptr] = struct{}{}
}

func (s *FileStore) valid(ptr uint64) bool {
	return ptr != 0 && ptr < s.npages
}

// Get returns the page. An uncommitted page is returned without copying, so
// the result must not be modified.
func (s *FileStore) Get(ptr uint64) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.valid(ptr) {
		panic(fmt.Sprintf("pagestore: get of unknown page %d", ptr))
	}
	if _, ok := s.freed[ptr]; ok {
		panic(fmt.Sprintf("pagestore: get of freed page %d", ptr))
	}
	if page, ok := s.updates[ptr]; ok {
		return page
	}

	page := make([]byte, PageSize)
	if _, err := s.fp.ReadAt(page, int64(ptr)*PageSize); err != nil {
		panic(fmt.Sprintf("pagestore: read page %d: %v", ptr, err))
	}
	return page
}

func (s *FileStore) New(node []byte) uint64 {
	page := toPage(node)

	s.mu.Lock()
	defer s.mu.Unlock()

	var ptr uint64
	if n := len(s.free); n > 0 {
		ptr = s.free[n-1]
		s.free = s.free[:n-1]
		delete(s.freed, ptr)
	} else {
		ptr = s.npages
		s.npages++
	}
	s.updates[ptr] = page
	return ptr
}

func (s *FileStore) Del(ptr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.valid(ptr) {
		panic(fmt.Sprintf("pagestore: del of unknown page %d", ptr))
	}
	if _, ok := s.freed[ptr]; ok {
		panic(fmt.Sprintf("pagestore: double free of page %d", ptr))
	}
	delete(s.updates, ptr)
	s.pending = append(s.pending, ptr)
	s.freed[ptr] = struct{}{}
}

// Root returns the root pointer of the last Commit.
func (s *FileStore) Root() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

func (s *FileStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Pages:   s.npages,
		Free:    len(s.free),
		Pending: len(s.pending),
		Dirty:   len(s.updates),
	}
}

// Commit writes every pending page and the free list, then points the meta
// page at root. Pages freed since the previous Commit become reusable.
func (s *FileStore) Commit(root uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if root != 0 && !s.valid(root) {
		panic(fmt.Sprintf("pagestore: commit of unknown root %d", root))
	}
	if _, ok := s.freed[root]; ok && root != 0 {
		panic(fmt.Sprintf("pagestore: commit of freed root %d", root))
	}

	s.free = append(s.free, s.pending...)
	s.pending = s.pending[:0]

	dirty := len(s.updates)
	if err := s.writePages(); err != nil {
		return err
	}
	head, err := s.writeFreeList()
	if err != nil {
		return err
	}
	if err := s.fp.Truncate(int64(s.npages) * PageSize); err != nil {
		return errors.Wrap(err, "extend file")
	}
	if err := s.sync(); err != nil {
		return err
	}

	if err := s.writeMetaWithHead(root, head); err != nil {
		return err
	}
	s.root = root
	s.log.Debug("commit", "root", root, "dirty", dirty, "pages", s.npages, "free", len(s.free))
	return nil
}

func (s *FileStore) writePages() error {
	ptrs := make([]uint64, 0, len(s.updates))
	for ptr := range s.updates {
		ptrs = append(ptrs, ptr)
	}
	sort.Slice(ptrs, func(i, j int) bool { return ptrs[i] < ptrs[j] })

	for _, ptr := range ptrs {
		if _, err := s.fp.WriteAt(s.updates[ptr], int64(ptr)*PageSize); err != nil {
			logging.WithPage(ptr).Error("page write failed", "path", s.path, "err", err)
			return errors.Wrapf(err, "write page %d", ptr)
		}
	}
	clear(s.updates)
	return nil
}

// writeFreeList stores s.free in a chain of pages taken from s.free itself.
// With k chain pages the remaining len(free)-k entries must fit k pages.
func (s *FileStore) writeFreeList() (uint64, error) {
	n := len(s.free)
	if n == 0 {
		return 0, nil
	}
	k := (n + FREE_LIST_CAP) / (FREE_LIST_CAP + 1)
	chain := s.free[n-k:]
	entries := s.free[:n-k]

	buf := make([]byte, PageSize)
	for i, ptr := range chain {
		clear(buf)
		var next uint64
		if i+1 < len(chain) {
			next = chain[i+1]
		}
		part := entries[min(len(entries), i*FREE_LIST_CAP):min(len(entries), (i+1)*FREE_LIST_CAP)]
		binary.LittleEndian.PutUint64(buf[0:], next)
		binary.LittleEndian.PutUint64(buf[8:], uint64(len(part)))
		for j, p := range part {
			binary.LittleEndian.PutUint64(buf[FREE_LIST_HEADER+8*j:], p)
		}
		if _, err := s.fp.WriteAt(buf, int64(ptr)*PageSize); err != nil {
			return 0, errors.Wrapf(err, "write free list page %d", ptr)
		}
	}
	return chain[0], nil
}

func (s *FileStore) writeMeta(root uint64) error {
	return s.writeMetaWithHead(root, 0)
}

func (s *FileStore) writeMetaWithHead(root, head uint64) error {
	meta := make([]byte, PageSize)
	copy(meta[:16], DB_SIG)
	binary.LittleEndian.PutUint64(meta[16:], root)
	binary.LittleEndian.PutUint64(meta[24:], s.npages)
	binary.LittleEndian.PutUint64(meta[32:], head)
	if _, err := s.fp.WriteAt(meta, 0); err != nil {
		return errors.Wrap(err, "write meta page")
	}
	return s.sync()
}

func (s *FileStore) sync() error {
	if s.noSync {
		return nil
	}
	return errors.Wrap(s.fp.Sync(), "fsync")
}

// Close discards anything not committed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.updates) > 0 || len(s.pending) > 0 {
		s.log.Warn("closing with uncommitted pages", "dirty", len(s.updates), "pending", len(s.pending))
	}
	return errors.Wrapf(s.fp.Close(), "close %s", s.path)
}
