package kv

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/neet-007/cowtree/internal/bplustree"
	"github.com/pkg/errors"
)

func setupTestKV(t *testing.T) (*KV, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(Options{Path: path, NoSync: true})
	if err != nil {
		t.Fatalf("failed to open kv: %v", err)
	}
	return db, path
}

func TestKVBasicOperations(t *testing.T) {
	db, _ := setupTestKV(t)
	defer db.Close()

	if err := db.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := db.Set([]byte("c"), []byte("3")); err != nil {
		t.Fatalf("set: %v", err)
	}

	if val, ok := db.Get([]byte("a")); !ok || string(val) != "1" {
		t.Errorf("get a = %q %v", val, ok)
	}
	if _, ok := db.Get([]byte("b")); ok {
		t.Error("found missing key b")
	}

	deleted, err := db.Del([]byte("a"))
	if err != nil || !deleted {
		t.Fatalf("del a = %v, %v", deleted, err)
	}
	deleted, err = db.Del([]byte("a"))
	if err != nil || deleted {
		t.Errorf("second del a = %v, %v", deleted, err)
	}
}

func TestKVRejectsBadInput(t *testing.T) {
	db, _ := setupTestKV(t)
	defer db.Close()

	if err := db.Set(nil, []byte("v")); !errors.Is(err, bplustree.ErrEmptyKey) {
		t.Errorf("set empty key: %v", err)
	}
	big := bytes.Repeat([]byte("x"), bplustree.BTREE_MAX_KEY_SIZE+1)
	if err := db.Set(big, nil); !errors.Is(err, bplustree.ErrKeyTooLarge) {
		t.Errorf("set big key: %v", err)
	}
	if _, err := Open(Options{}); err == nil {
		t.Error("opened with an empty path")
	}
}

func TestKVPersistence(t *testing.T) {
	db, path := setupTestKV(t)

	for i := 0; i < 3000; i++ {
		key := fmt.Sprintf("key%05d", i)
		if err := db.Set([]byte(key), []byte(fmt.Sprintf("value-%d", i))); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	for i := 0; i < 3000; i += 3 {
		if _, err := db.Del([]byte(fmt.Sprintf("key%05d", i))); err != nil {
			t.Fatalf("del: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := Open(Options{Path: path, NoSync: true})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	if err := db.Verify(context.Background()); err != nil {
		t.Fatalf("verify after reopen: %v", err)
	}
	for i := 0; i < 3000; i++ {
		val, ok := db.Get([]byte(fmt.Sprintf("key%05d", i)))
		if i%3 == 0 {
			if ok {
				t.Fatalf("deleted key%05d came back", i)
			}
			continue
		}
		if !ok || string(val) != fmt.Sprintf("value-%d", i) {
			t.Fatalf("key%05d = %q %v", i, val, ok)
		}
	}

	n := 0
	db.Scan([]byte("key00000"), nil, func(key, val []byte) bool {
		n++
		return true
	})
	if n != 2000 {
		t.Errorf("scan saw %d keys, want 2000", n)
	}
}

func TestKVReusesFreedPages(t *testing.T) {
	db, _ := setupTestKV(t)
	defer db.Close()

	val := bytes.Repeat([]byte("v"), 1000)
	for i := 0; i < 200; i++ {
		if err := db.Set([]byte(fmt.Sprintf("k%03d", i)), val); err != nil {
			t.Fatal(err)
		}
	}
	grown := db.store.Stats().Pages

	// overwriting in place rewrites paths; freed pages must be recycled
	for round := 0; round < 5; round++ {
		for i := 0; i < 200; i++ {
			if err := db.Set([]byte(fmt.Sprintf("k%03d", i)), val); err != nil {
				t.Fatal(err)
			}
		}
	}
	if pages := db.store.Stats().Pages; pages > grown+16 {
		t.Errorf("file grew from %d to %d pages on overwrites", grown, pages)
	}
	if err := db.Verify(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestKVWriteAfterScan(t *testing.T) {
	db, _ := setupTestKV(t)
	defer db.Close()

	for i := 0; i < 500; i++ {
		if err := db.Set([]byte(fmt.Sprintf("key%03d", i)), bytes.Repeat([]byte("v"), 100)); err != nil {
			t.Fatal(err)
		}
	}

	var doomed [][]byte
	db.Scan([]byte("key100"), []byte("key400"), func(key, val []byte) bool {
		doomed = append(doomed, append([]byte(nil), key...))
		return true
	})
	if len(doomed) != 300 {
		t.Fatalf("scan collected %d keys, want 300", len(doomed))
	}
	for _, key := range doomed {
		if deleted, err := db.Del(key); err != nil || !deleted {
			t.Fatalf("del %s = %v, %v", key, deleted, err)
		}
	}

	n := 0
	db.Scan([]byte("key000"), nil, func(key, val []byte) bool {
		n++
		return true
	})
	if n != 200 {
		t.Errorf("%d keys left, want 200", n)
	}
	if err := db.Verify(context.Background()); err != nil {
		t.Fatal(err)
	}
}
