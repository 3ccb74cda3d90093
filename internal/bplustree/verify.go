package bplustree

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Verify walks the whole tree and checks node tags, page capacity, record
// limits, key order against the separators above, and that all leaves are at
// the same depth. Subtrees under the root are checked concurrently, so the
// store must allow concurrent Get.
func (tree *BTree) Verify(ctx context.Context) error {
	if tree.root == 0 {
		return nil
	}

	depth, err := tree.height()
	if err != nil {
		return err
	}

	root, err := tree.checkNode(tree.root, nil, nil, depth)
	if err != nil {
		return err
	}
	if root.btype() == BNODE_LEAF {
		if root.nkeys() < 2 || len(root.getKey(0)) != 0 {
			return errors.Wrapf(ErrCorrupt, "root leaf %d has no sentinel", tree.root)
		}
		return nil
	}
	if root.nkeys() < 2 {
		return errors.Wrapf(ErrCorrupt, "root %d has %d kids", tree.root, root.nkeys())
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := uint16(0); i < root.nkeys(); i++ {
		ptr, lo, hi := kidBounds(root, i, nil)
		g.Go(func() error {
			return tree.verifySubtree(ctx, ptr, lo, hi, depth-1)
		})
	}
	return g.Wait()
}

func (tree *BTree) height() (depth int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrCorrupt, "%v", r)
		}
	}()

	for ptr := tree.root; ; depth++ {
		node := tree.get(ptr)
		if node.btype() == BNODE_LEAF {
			return depth, nil
		}
		if node.nkeys() == 0 {
			return 0, errors.Wrapf(ErrCorrupt, "internal node %d has no kids", ptr)
		}
		ptr = node.getPtr(0)
	}
}

// kid i of node covers [node.key(i), node.key(i+1)), or up to hi for the last kid
func kidBounds(node BNode, i uint16, hi []byte) (uint64, []byte, []byte) {
	if i+1 < node.nkeys() {
		hi = node.getKey(i + 1)
	}
	return node.getPtr(i), node.getKey(i), hi
}

func (tree *BTree) verifySubtree(ctx context.Context, ptr uint64, lo []byte, hi []byte, depth int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	node, err := tree.checkNode(ptr, lo, hi, depth)
	if err != nil {
		return err
	}
	if node.nkeys() == 0 {
		return errors.Wrapf(ErrCorrupt, "page %d is empty", ptr)
	}
	if depth == 0 {
		return nil
	}
	for i := uint16(0); i < node.nkeys(); i++ {
		kid, klo, khi := kidBounds(node, i, hi)
		if err := tree.verifySubtree(ctx, kid, klo, khi, depth-1); err != nil {
			return err
		}
	}
	return nil
}

// checkNode validates a single page. Codec panics on a mangled page are
// turned into ErrCorrupt.
func (tree *BTree) checkNode(ptr uint64, lo []byte, hi []byte, depth int) (node BNode, err error) {
	defer func() {
		if r := recover(); r != nil {
			node, err = nil, errors.Wrapf(ErrCorrupt, "page %d: %v", ptr, r)
		}
	}()

	node = tree.get(ptr)
	btype := node.btype()
	if (btype == BNODE_LEAF) != (depth == 0) {
		return nil, errors.Wrapf(ErrCorrupt, "page %d: type %d at depth %d", ptr, btype, depth)
	}
	if node.nbytes() > BTREE_PAGE_SIZE {
		return nil, errors.Wrapf(ErrCorrupt, "page %d: %d bytes", ptr, node.nbytes())
	}

	var prev []byte
	for i := uint16(0); i < node.nkeys(); i++ {
		key, val := node.getKey(i), node.getVal(i)
		if len(key) > BTREE_MAX_KEY_SIZE || len(val) > BTREE_MAX_VAL_SIZE {
			return nil, errors.Wrapf(ErrCorrupt, "page %d: record %d too large", ptr, i)
		}
		if btype == BNODE_NODE && len(val) != 0 {
			return nil, errors.Wrapf(ErrCorrupt, "page %d: internal record %d has a value", ptr, i)
		}
		if i > 0 && bytes.Compare(prev, key) >= 0 {
			return nil, errors.Wrapf(ErrCorrupt, "page %d: key %d out of order", ptr, i)
		}
		if bytes.Compare(key, lo) < 0 || (hi != nil && bytes.Compare(key, hi) >= 0) {
			return nil, errors.Wrapf(ErrCorrupt, "page %d: key %d outside of parent range", ptr, i)
		}
		prev = key
	}
	return node, nil
}
