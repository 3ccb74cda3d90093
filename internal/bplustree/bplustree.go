package bplustree

import (
	"fmt"

	"github.com/neet-007/cowtree/internal/pagestore"
	"github.com/pkg/errors"
)

const HEADER = 4

const BTREE_PAGE_SIZE = pagestore.PageSize
const BTREE_MAX_KEY_SIZE = 1000
const BTREE_MAX_VAL_SIZE = 3000

func init() {
	node1max := HEADER + 8 + 2 + 4 + BTREE_MAX_KEY_SIZE + BTREE_MAX_VAL_SIZE
	if node1max > BTREE_PAGE_SIZE {
		panic(fmt.Sprintf("node1max %d exceeds BTREE_PAGE_SIZE", node1max))
	}
}

var (
	ErrEmptyKey    = errors.New("bplustree: empty key")
	ErrKeyTooLarge = errors.New("bplustree: key too large")
	ErrValTooLarge = errors.New("bplustree: value too large")
	ErrCorrupt     = errors.New("bplustree: corrupt tree")
)

type BNode []byte

// PageStore resolves page pointers. Get and Del panic on a pointer they do
// not know; New panics on a node larger than a page.
//
// Get returns the store's own buffer. Published pages are read-only: callers
// must not write through it.
type PageStore interface {
	Get(ptr uint64) []byte
	New(node []byte) uint64
	Del(ptr uint64)
}

type BTree struct {
	// pointer to the root page, 0 for an empty tree
	root uint64

	store PageStore
}

func New(store PageStore, root uint64) *BTree {
	return &BTree{root: root, store: store}
}

func (tree *BTree) Root() uint64 {
	return tree.root
}

func (tree *BTree) get(ptr uint64) BNode {
	return BNode(tree.store.Get(ptr))
}

// new publishes a node. The node must already fit a page; the buffer may be
// longer (construction buffers are 2 pages) but nothing past the page is kept.
func (tree *BTree) new(node BNode) uint64 {
	if node.nbytes() > BTREE_PAGE_SIZE {
		panic(fmt.Sprintf("publishing an overflowing node of %d bytes", node.nbytes()))
	}
	if len(node) > BTREE_PAGE_SIZE {
		node = node[:BTREE_PAGE_SIZE]
	}
	return tree.store.New(node)
}

func (tree *BTree) del(ptr uint64) {
	tree.store.Del(ptr)
}

func checkLimits(key []byte, val []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > BTREE_MAX_KEY_SIZE {
		return errors.Wrapf(ErrKeyTooLarge, "%d bytes", len(key))
	}
	if len(val) > BTREE_MAX_VAL_SIZE {
		return errors.Wrapf(ErrValTooLarge, "%d bytes", len(val))
	}
	return nil
}
