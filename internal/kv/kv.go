// Package kv is a single-file key-value store on top of the copy-on-write
// B+tree. Every write rewrites a root-to-leaf path into new pages and then
// commits the new root.
package kv

import (
	"context"
	"log/slog"

	"github.com/neet-007/cowtree/internal/bplustree"
	"github.com/neet-007/cowtree/internal/logging"
	"github.com/neet-007/cowtree/internal/pagestore"
	"github.com/pkg/errors"
)

type Options struct {
	Path string
	// NoSync skips fsync on commit.
	NoSync bool
}

// KV has a single writer. Reads are safe alongside other reads only.
type KV struct {
	path  string
	store *pagestore.FileStore
	tree  *bplustree.BTree
	log   *slog.Logger
}

func Open(opts Options) (*KV, error) {
	if opts.Path == "" {
		return nil, errors.New("kv: empty path")
	}

	store, err := pagestore.Open(opts.Path, pagestore.Options{NoSync: opts.NoSync})
	if err != nil {
		return nil, errors.Wrap(err, "kv: open page store")
	}

	db := &KV{
		path:  opts.Path,
		store: store,
		tree:  bplustree.New(store, store.Root()),
		log:   logging.WithComponent("kv").With("path", opts.Path),
	}
	db.log.Debug("opened", "root", store.Root())
	return db, nil
}

func (db *KV) Get(key []byte) ([]byte, bool) {
	return db.tree.Get(key)
}

// Set inserts or updates a key and commits.
func (db *KV) Set(key []byte, val []byte) error {
	if err := db.tree.Insert(key, val); err != nil {
		return err
	}
	return db.commit()
}

// Del removes a key and commits. It reports whether the key existed.
func (db *KV) Del(key []byte) (bool, error) {
	deleted, err := db.tree.Delete(key)
	if err != nil || !deleted {
		return false, err
	}
	return true, db.commit()
}

// Scan calls fn for keys in [start, end) in order; a nil end is unbounded.
// fn must not call Set or Del: a commit frees pages the scan is still
// reading. Collect the keys and write after Scan returns.
func (db *KV) Scan(start []byte, end []byte, fn func(key []byte, val []byte) bool) {
	db.tree.Scan(start, end, fn)
}

func (db *KV) Verify(ctx context.Context) error {
	return db.tree.Verify(ctx)
}

func (db *KV) commit() error {
	if err := db.store.Commit(db.tree.Root()); err != nil {
		db.log.Error("commit failed", "err", err)
		return errors.Wrap(err, "kv: commit")
	}
	return nil
}

func (db *KV) Close() error {
	db.log.Debug("closing", "stats", db.store.Stats())
	return db.store.Close()
}
