package bplustree

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// copy a KV into the position
func nodeAppendKV(new BNode, idx uint16, ptr uint64, key []byte, val []byte) {
	if len(key) > BTREE_MAX_KEY_SIZE || len(val) > BTREE_MAX_VAL_SIZE {
		panic(fmt.Sprintf("record too large: key %d bytes, value %d bytes", len(key), len(val)))
	}

	new.setPtr(idx, ptr)

	pos := int(new.kvPos(idx))
	klen, vlen := len(key), len(val)
	binary.LittleEndian.PutUint16(new[new.span(pos, 4):], uint16(klen))
	binary.LittleEndian.PutUint16(new[pos+2:], uint16(vlen))
	copy(new[new.span(pos+4, klen):], key)
	copy(new[new.span(pos+4+klen, vlen):], val)

	// the offset of the next key
	new.setOffset(idx+1, new.getOffset(idx)+4+uint16(klen+vlen))
}

// copy n KVs (with their pointers) from old[srcOld:] to new[dstNew:]
func nodeAppendRange(new BNode, old BNode, dstNew uint16, srcOld uint16, n uint16) {
	for i := uint16(0); i < n; i++ {
		src := srcOld + i
		nodeAppendKV(new, dstNew+i, old.getPtr(src), old.getKey(src), old.getVal(src))
	}
}

func leafInsert(new BNode, old BNode, idx uint16, key []byte, val []byte) {
	new.setHeader(BNODE_LEAF, old.nkeys()+1)
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendKV(new, idx, 0, key, val)
	nodeAppendRange(new, old, idx+1, idx, old.nkeys()-idx)
}

func leafUpdate(new BNode, old BNode, idx uint16, key []byte, val []byte) {
	new.setHeader(BNODE_LEAF, old.nkeys())
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendKV(new, idx, 0, key, val)
	nodeAppendRange(new, old, idx+1, idx+1, old.nkeys()-(idx+1))
}

// replace the link at idx with one or more kids; each kid is published and
// linked under its first key
func nodeReplaceKidN(tree *BTree, new BNode, old BNode, idx uint16, kids ...BNode) {
	inc := uint16(len(kids))
	new.setHeader(BNODE_NODE, old.nkeys()+inc-1)
	nodeAppendRange(new, old, 0, 0, idx)
	for i, kid := range kids {
		nodeAppendKV(new, idx+uint16(i), tree.new(kid), kid.getKey(0), nil)
	}
	nodeAppendRange(new, old, idx+inc, idx+1, old.nkeys()-(idx+1))
}

// split an oversized node into 2 so that the 2nd node always fits on a page.
// the 1st node may still be too big.
func nodeSplit2(left BNode, right BNode, old BNode) {
	nkeys := old.nkeys()
	if nkeys < 2 {
		panic(fmt.Sprintf("cannot split a node with %d keys", nkeys))
	}

	nleft := nkeys / 2
	leftBytes := func() int {
		return HEADER + 10*int(nleft) + int(old.getOffset(nleft))
	}
	for nleft > 1 && leftBytes() > BTREE_PAGE_SIZE {
		nleft--
	}
	rightBytes := func() int {
		return int(old.nbytes()) - leftBytes() + HEADER
	}
	for nleft < nkeys-1 && rightBytes() > BTREE_PAGE_SIZE {
		nleft++
	}
	nright := nkeys - nleft

	left.setHeader(old.btype(), nleft)
	right.setHeader(old.btype(), nright)
	nodeAppendRange(left, old, 0, 0, nleft)
	nodeAppendRange(right, old, 0, nleft, nright)

	if right.nbytes() > BTREE_PAGE_SIZE {
		panic(fmt.Sprintf("split right half is %d bytes", right.nbytes()))
	}
}

// split a node if it's too big. the results are 1~3 nodes that each fit a page.
func nodeSplit3(old BNode) (uint16, [3]BNode) {
	if old.nbytes() <= BTREE_PAGE_SIZE {
		return 1, [3]BNode{old}
	}

	left := BNode(make([]byte, 2*BTREE_PAGE_SIZE)) // might be split later
	right := BNode(make([]byte, BTREE_PAGE_SIZE))
	nodeSplit2(left, right, old)
	if left.nbytes() <= BTREE_PAGE_SIZE {
		return 2, [3]BNode{left, right}
	}

	leftleft := BNode(make([]byte, BTREE_PAGE_SIZE))
	middle := BNode(make([]byte, BTREE_PAGE_SIZE))
	nodeSplit2(leftleft, middle, left)
	if leftleft.nbytes() > BTREE_PAGE_SIZE {
		panic(fmt.Sprintf("split left half is %d bytes", leftleft.nbytes()))
	}
	return 3, [3]BNode{leftleft, middle, right}
}

// insert a KV into a node. the result may be oversized and is split by the
// caller, which also frees the input node.
func treeInsert(tree *BTree, node BNode, key []byte, val []byte) BNode {
	// allowed to be bigger than 1 page; split later
	new := BNode(make([]byte, 2*BTREE_PAGE_SIZE))

	idx := nodeLookupLE(node, key)
	switch node.btype() {
	case BNODE_LEAF:
		switch cmp := bytes.Compare(key, node.getKey(idx)); {
		case cmp == 0:
			leafUpdate(new, node, idx, key, val)
		case cmp < 0:
			// only at idx 0: the leaf lost its first key to a delete and the
			// parent separator is below its new first key
			leafInsert(new, node, 0, key, val)
		default:
			leafInsert(new, node, idx+1, key, val)
		}
	case BNODE_NODE:
		nodeInsert(tree, new, node, idx, key, val)
	}

	return new
}

func nodeInsert(tree *BTree, new BNode, node BNode, idx uint16, key []byte, val []byte) {
	kptr := node.getPtr(idx)
	knode := treeInsert(tree, tree.get(kptr), key, val)
	nsplit, split := nodeSplit3(knode)
	tree.del(kptr)
	nodeReplaceKidN(tree, new, node, idx, split[:nsplit]...)
}

// Insert adds a key or replaces its value.
func (tree *BTree) Insert(key []byte, val []byte) error {
	if err := checkLimits(key, val); err != nil {
		return err
	}

	if tree.root == 0 {
		root := BNode(make([]byte, BTREE_PAGE_SIZE))
		root.setHeader(BNODE_LEAF, 2)
		// sentinel empty key, so the tree covers the whole key space
		nodeAppendKV(root, 0, 0, nil, nil)
		nodeAppendKV(root, 1, 0, key, val)
		tree.root = tree.new(root)
		return nil
	}

	node := treeInsert(tree, tree.get(tree.root), key, val)
	nsplit, split := nodeSplit3(node)
	tree.del(tree.root)
	if nsplit > 1 {
		// the root was split, add a new level
		root := BNode(make([]byte, BTREE_PAGE_SIZE))
		root.setHeader(BNODE_NODE, nsplit)
		for i, knode := range split[:nsplit] {
			ptr, key := tree.new(knode), knode.getKey(0)
			nodeAppendKV(root, uint16(i), ptr, key, nil)
		}
		tree.root = tree.new(root)
	} else {
		tree.root = tree.new(split[0])
	}
	return nil
}
