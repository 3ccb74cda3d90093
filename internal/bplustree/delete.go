package bplustree

import "bytes"

// remove a key from a leaf node
func leafDelete(new BNode, old BNode, idx uint16) {
	new.setHeader(BNODE_LEAF, old.nkeys()-1)
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendRange(new, old, idx, idx+1, old.nkeys()-(idx+1))
}

// merge 2 nodes into 1
func nodeMerge(new BNode, left BNode, right BNode) {
	new.setHeader(left.btype(), left.nkeys()+right.nkeys())
	nodeAppendRange(new, left, 0, 0, left.nkeys())
	nodeAppendRange(new, right, left.nkeys(), 0, right.nkeys())
}

// replace 2 adjacent links with 1
func nodeReplace2Kid(new BNode, old BNode, idx uint16, ptr uint64, key []byte) {
	new.setHeader(BNODE_NODE, old.nkeys()-1)
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendKV(new, idx, ptr, key, nil)
	nodeAppendRange(new, old, idx+1, idx+2, old.nkeys()-(idx+2))
}

// point the link at idx to another page, keeping its separator. a child
// that lost its first key is still bounded below by the old separator, so
// deletes never grow the parent.
func nodeReplaceKid1(new BNode, old BNode, idx uint16, ptr uint64) {
	new.setHeader(BNODE_NODE, old.nkeys())
	nodeAppendRange(new, old, 0, 0, old.nkeys())
	new.setPtr(idx, ptr)
}

// should the updated kid be merged with a sibling?
func shouldMerge(tree *BTree, node BNode, idx uint16, updated BNode) (int, BNode) {
	if updated.nbytes() > BTREE_PAGE_SIZE/4 {
		return 0, BNode{}
	}

	if idx > 0 {
		sibling := tree.get(node.getPtr(idx - 1))
		merged := int(sibling.nbytes()) + int(updated.nbytes()) - HEADER
		if merged <= BTREE_PAGE_SIZE {
			return -1, sibling // left
		}
	}
	if idx+1 < node.nkeys() {
		sibling := tree.get(node.getPtr(idx + 1))
		merged := int(sibling.nbytes()) + int(updated.nbytes()) - HEADER
		if merged <= BTREE_PAGE_SIZE {
			return +1, sibling // right
		}
	}
	return 0, BNode{}
}

// delete a key from a subtree. returns nil if the key was not found; the
// caller frees the input node otherwise.
func treeDelete(tree *BTree, node BNode, key []byte) BNode {
	idx := nodeLookupLE(node, key)
	switch node.btype() {
	case BNODE_LEAF:
		if node.nkeys() == 0 || !bytes.Equal(key, node.getKey(idx)) {
			return nil
		}
		new := BNode(make([]byte, BTREE_PAGE_SIZE))
		leafDelete(new, node, idx)
		return new
	default:
		return nodeDelete(tree, node, idx, key)
	}
}

func nodeDelete(tree *BTree, node BNode, idx uint16, key []byte) BNode {
	kptr := node.getPtr(idx)
	updated := treeDelete(tree, tree.get(kptr), key)
	if len(updated) == 0 {
		return nil
	}
	tree.del(kptr)

	new := BNode(make([]byte, BTREE_PAGE_SIZE))
	mergeDir, sibling := shouldMerge(tree, node, idx, updated)
	switch {
	case mergeDir < 0:
		merged := BNode(make([]byte, BTREE_PAGE_SIZE))
		nodeMerge(merged, sibling, updated)
		tree.del(node.getPtr(idx - 1))
		nodeReplace2Kid(new, node, idx-1, tree.new(merged), node.getKey(idx-1))
	case mergeDir > 0:
		merged := BNode(make([]byte, BTREE_PAGE_SIZE))
		nodeMerge(merged, updated, sibling)
		tree.del(node.getPtr(idx + 1))
		nodeReplace2Kid(new, node, idx, tree.new(merged), node.getKey(idx))
	case updated.nkeys() == 0:
		// the only kid is empty; the parent is empty too and gets merged
		// one level up
		new.setHeader(BNODE_NODE, 0)
	default:
		nodeReplaceKid1(new, node, idx, tree.new(updated))
	}
	return new
}

// Delete removes a key and reports whether it was present.
func (tree *BTree) Delete(key []byte) (bool, error) {
	if err := checkLimits(key, nil); err != nil {
		return false, err
	}
	if tree.root == 0 {
		return false, nil
	}

	updated := treeDelete(tree, tree.get(tree.root), key)
	if len(updated) == 0 {
		return false, nil
	}
	tree.del(tree.root)

	switch {
	case updated.btype() == BNODE_LEAF && updated.nkeys() <= 1:
		// only the sentinel is left
		tree.root = 0
	case updated.btype() == BNODE_NODE && updated.nkeys() == 0:
		tree.root = 0
	case updated.btype() == BNODE_NODE && updated.nkeys() == 1:
		// remove a level
		tree.root = updated.getPtr(0)
		tree.collapseRoot()
	default:
		tree.root = tree.new(updated)
	}
	return true, nil
}

// collapseRoot drops published single-kid internal roots, and a leaf root
// left holding only the sentinel.
func (tree *BTree) collapseRoot() {
	for tree.root != 0 {
		root := tree.get(tree.root)
		switch {
		case root.btype() == BNODE_NODE && root.nkeys() == 1:
			kid := root.getPtr(0)
			tree.del(tree.root)
			tree.root = kid
		case root.btype() == BNODE_LEAF && root.nkeys() <= 1:
			tree.del(tree.root)
			tree.root = 0
		default:
			return
		}
	}
}
