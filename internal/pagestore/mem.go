// Package pagestore maps 64-bit page pointers to fixed-size page buffers.
//
// Pointer 0 is never handed out; the tree uses it to mean "no page".
package pagestore

import (
	"fmt"
	"sync"
)

const PageSize = 4096

// MemStore keeps pages in a map. Pointers grow monotonically and are never
// reused, so a deleted pointer stays invalid for the life of the store.
type MemStore struct {
	mu    sync.RWMutex
	pages map[uint64][]byte
	next  uint64
}

func NewMemStore() *MemStore {
	return &MemStore{
		pages: make(map[uint64][]byte),
		next:  1,
	}
}

// Get returns the stored page itself, not a copy. It must not be modified.
func (s *MemStore) Get(ptr uint64) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, ok := s.pages[ptr]
	if !ok {
		panic(fmt.Sprintf("pagestore: get of unknown page %d", ptr))
	}
	return page
}

// New copies node into a page sized buffer. A node longer than PageSize is an
// overflow the caller should have split.
func (s *MemStore) New(node []byte) uint64 {
	page := toPage(node)

	s.mu.Lock()
	defer s.mu.Unlock()

	ptr := s.next
	s.next++
	s.pages[ptr] = page
	return ptr
}

func (s *MemStore) Del(ptr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pages[ptr]; !ok {
		panic(fmt.Sprintf("pagestore: del of unknown page %d", ptr))
	}
	delete(s.pages, ptr)
}

// Len returns the number of live pages.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

func toPage(node []byte) []byte {
	if len(node) > PageSize {
		panic(fmt.Sprintf("pagestore: node of %d bytes does not fit a page", len(node)))
	}
	page := make([]byte, PageSize)
	copy(page, node)
	return page
}
