package pagestore

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, path string) *FileStore {
	t.Helper()
	s, err := Open(path, Options{NoSync: true})
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	return s
}

func page(b byte) []byte {
	return bytes.Repeat([]byte{b}, PageSize)
}

func TestFileStoreNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	s := openTestStore(t, path)
	defer s.Close()

	if s.Root() != 0 {
		t.Errorf("root = %d, want 0", s.Root())
	}
	if st := s.Stats(); st.Pages != 1 || st.Free != 0 {
		t.Errorf("stats = %+v", st)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != PageSize || string(data[:16]) != DB_SIG {
		t.Errorf("meta page: %d bytes, sig %q", len(data), data[:16])
	}
}

func TestFileStoreCommitAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	s := openTestStore(t, path)

	a := s.New(page('a'))
	b := s.New(page('b'))
	if a == 0 || b == 0 || a == b {
		t.Fatalf("pointers %d, %d", a, b)
	}
	// uncommitted pages are served from memory
	if !bytes.Equal(s.Get(a), page('a')) {
		t.Error("uncommitted page a differs")
	}
	if err := s.Commit(b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if st := s.Stats(); st.Dirty != 0 || st.Pages != 3 {
		t.Errorf("stats after commit = %+v", st)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s = openTestStore(t, path)
	defer s.Close()
	if s.Root() != b {
		t.Errorf("root = %d, want %d", s.Root(), b)
	}
	if !bytes.Equal(s.Get(a), page('a')) || !bytes.Equal(s.Get(b), page('b')) {
		t.Error("pages differ after reopen")
	}
}

func TestFileStoreUncommittedIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	s := openTestStore(t, path)
	a := s.New(page('a'))
	if err := s.Commit(a); err != nil {
		t.Fatal(err)
	}
	s.New(page('b'))
	s.Close()

	s = openTestStore(t, path)
	defer s.Close()
	if st := s.Stats(); st.Pages != 2 {
		t.Errorf("pages = %d, want 2", st.Pages)
	}
	mustPanic(t, "get of uncommitted page", func() { s.Get(2) })
}

func TestFileStoreFreedPagesReusedAfterCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	s := openTestStore(t, path)
	defer s.Close()

	a := s.New(page('a'))
	b := s.New(page('b'))
	if err := s.Commit(b); err != nil {
		t.Fatal(err)
	}

	s.Del(a)
	mustPanic(t, "get after del", func() { s.Get(a) })
	mustPanic(t, "double del", func() { s.Del(a) })

	// a is pending until the commit: New must not hand it out
	c := s.New(page('c'))
	if c == a {
		t.Fatal("freed page reused before commit")
	}
	if err := s.Commit(c); err != nil {
		t.Fatal(err)
	}
	if st := s.Stats(); st.Free != 1 || st.Pending != 0 {
		t.Errorf("stats = %+v", st)
	}

	d := s.New(page('d'))
	if d != a {
		t.Errorf("New = %d, want reused %d", d, a)
	}
	if !bytes.Equal(s.Get(d), page('d')) {
		t.Error("reused page has stale content")
	}
}

func TestFileStoreFreeListSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pages.db")
	s := openTestStore(t, path)

	// enough frees to need more than one free list page
	const n = FREE_LIST_CAP + 100
	ptrs := make([]uint64, n)
	for i := range ptrs {
		ptrs[i] = s.New(page(byte(i)))
	}
	root := s.New(page('r'))
	if err := s.Commit(root); err != nil {
		t.Fatal(err)
	}
	for _, ptr := range ptrs {
		s.Del(ptr)
	}
	if err := s.Commit(root); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	head := binary.LittleEndian.Uint64(data[32:])
	if head == 0 {
		t.Fatal("no free list head in meta page")
	}
	s.Close()

	s = openTestStore(t, path)
	defer s.Close()
	if st := s.Stats(); st.Free != n {
		t.Errorf("free = %d after reopen, want %d", st.Free, n)
	}
	if !bytes.Equal(s.Get(root), page('r')) {
		t.Error("root page lost")
	}

	seen := map[uint64]bool{}
	for i := 0; i < n; i++ {
		ptr := s.New(nil)
		if ptr == root || seen[ptr] {
			t.Fatalf("New handed out %d twice or the root", ptr)
		}
		seen[ptr] = true
	}
	if st := s.Stats(); st.Pages != uint64(n)+2 {
		t.Errorf("file grew to %d pages while free pages were left", st.Pages)
	}
}

func TestFileStoreContractViolations(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "pages.db"))
	defer s.Close()

	mustPanic(t, "get null pointer", func() { s.Get(0) })
	mustPanic(t, "get past end", func() { s.Get(7) })
	mustPanic(t, "del past end", func() { s.Del(7) })
	mustPanic(t, "oversized node", func() { s.New(make([]byte, PageSize+1)) })
	mustPanic(t, "commit unknown root", func() { s.Commit(99) })
}

func TestFileStoreBadFiles(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.db")
	if err := os.WriteFile(garbage, page('x'), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(garbage, Options{}); err == nil {
		t.Error("opened a file with a bad signature")
	}

	short := filepath.Join(dir, "short.db")
	meta := make([]byte, PageSize)
	copy(meta, DB_SIG)
	binary.LittleEndian.PutUint64(meta[24:], 10) // claims 10 pages
	if err := os.WriteFile(short, meta, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(short, Options{}); err == nil {
		t.Error("opened a truncated file")
	}

	if _, err := Open(filepath.Join(dir, "missing", "x.db"), Options{}); err == nil {
		t.Error("opened a file in a missing directory")
	}
}
