package bplustree

import "bytes"

// Get returns the value stored under key. The slice aliases the page and is
// valid while the page is.
func (tree *BTree) Get(key []byte) ([]byte, bool) {
	if tree.root == 0 || len(key) == 0 {
		return nil, false
	}

	node := tree.get(tree.root)
	for {
		idx := nodeLookupLE(node, key)
		switch node.btype() {
		case BNODE_LEAF:
			if !bytes.Equal(key, node.getKey(idx)) {
				return nil, false
			}
			return node.getVal(idx), true
		default:
			node = tree.get(node.getPtr(idx))
		}
	}
}

// BIter walks leaf KVs in key order. It holds the path from the root, so it
// keeps reading the tree version it was created on.
type BIter struct {
	tree *BTree
	path []BNode
	pos  []uint16
}

// SeekLE positions the iterator at the last key <= key. The iterator is not
// Valid if every key is greater; Next then moves to the first key.
func (tree *BTree) SeekLE(key []byte) *BIter {
	iter := &BIter{tree: tree}
	if tree.root == 0 {
		return iter
	}

	for ptr := tree.root; ptr != 0; {
		node := tree.get(ptr)
		idx := nodeLookupLE(node, key)
		iter.path = append(iter.path, node)
		iter.pos = append(iter.pos, idx)
		if node.btype() == BNODE_LEAF {
			if idx == 0 && node.nkeys() > 0 && bytes.Compare(node.getKey(0), key) > 0 {
				// the leaf's first key is above key; step back one
				iter.Prev()
			}
			break
		}
		ptr = node.getPtr(idx)
	}
	return iter
}

// Valid reports whether the iterator points at a key. The sentinel empty key
// of the leftmost leaf is never reported.
func (iter *BIter) Valid() bool {
	if len(iter.path) == 0 {
		return false
	}
	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return pos < leaf.nkeys() && len(leaf.getKey(pos)) > 0
}

// Deref returns the current KV. Both slices alias the page.
func (iter *BIter) Deref() ([]byte, []byte) {
	if !iter.Valid() {
		panic("Deref on an invalid iterator")
	}
	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return leaf.getKey(pos), leaf.getVal(pos)
}

// Next moves to the following key. Past the last key the iterator is
// exhausted for good.
func (iter *BIter) Next() {
	if len(iter.path) == 0 {
		return
	}
	if !iterNext(iter, len(iter.path)-1) {
		iter.path, iter.pos = nil, nil
	}
}

// Prev moves to the preceding key. Before the first key it rests on the
// sentinel, where Next still works.
func (iter *BIter) Prev() {
	if len(iter.path) == 0 {
		return
	}
	if !iterPrev(iter, len(iter.path)-1) {
		iter.path, iter.pos = nil, nil
	}
}

func iterNext(iter *BIter, level int) bool {
	if iter.pos[level]+1 < iter.path[level].nkeys() {
		iter.pos[level]++
		return true
	}
	if level == 0 || !iterNext(iter, level-1) {
		return false
	}
	parent := iter.path[level-1]
	iter.path[level] = iter.tree.get(parent.getPtr(iter.pos[level-1]))
	iter.pos[level] = 0
	return true
}

func iterPrev(iter *BIter, level int) bool {
	if iter.pos[level] > 0 {
		iter.pos[level]--
		return true
	}
	if level == 0 || !iterPrev(iter, level-1) {
		return false
	}
	parent := iter.path[level-1]
	kid := iter.tree.get(parent.getPtr(iter.pos[level-1]))
	iter.path[level] = kid
	iter.pos[level] = kid.nkeys() - 1
	return true
}

// Scan calls fn for every key in [start, end) in order until fn returns
// false. A nil end means no upper bound.
func (tree *BTree) Scan(start []byte, end []byte, fn func(key []byte, val []byte) bool) {
	iter := tree.SeekLE(start)
	if !iter.Valid() || bytes.Compare(first(iter), start) < 0 {
		iter.Next()
	}
	for ; iter.Valid(); iter.Next() {
		key, val := iter.Deref()
		if end != nil && bytes.Compare(key, end) >= 0 {
			return
		}
		if !fn(key, val) {
			return
		}
	}
}

func first(iter *BIter) []byte {
	key, _ := iter.Deref()
	return key
}
