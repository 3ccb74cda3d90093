package bplustree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

/*
FORMAT:

| type | nkeys |  pointers  |   offsets  | key-values | unused |
|  2B  |   2B  | nkeys * 8B | nkeys * 2B |     ...    |        |

This is the format of each KV pair. Lengths followed by data.

| klen | vlen | key | val |
|  2B  |  2B  | ... | ... |

The offset of KV 0 is always 0 and is not stored. Offset slot i-1 holds the
offset of KV i, so the last slot holds the end of the last KV.
*/

const (
	BNODE_NODE = 1
	BNODE_LEAF = 2
)

// span panics unless [pos, pos+n) lies inside the buffer.
func (node BNode) span(pos int, n int) int {
	if pos < 0 || n < 0 || pos+n > len(node) {
		panic(fmt.Sprintf("node access [%d, %d) outside of %d byte buffer", pos, pos+n, len(node)))
	}
	return pos
}

func (node BNode) btype() uint16 {
	btype := binary.LittleEndian.Uint16(node[node.span(0, 2):])
	if btype != BNODE_NODE && btype != BNODE_LEAF {
		panic(fmt.Sprintf("bad node type %d", btype))
	}
	return btype
}

func (node BNode) nkeys() uint16 {
	return binary.LittleEndian.Uint16(node[node.span(2, 2):])
}

func (node BNode) setHeader(btype uint16, nkeys uint16) {
	binary.LittleEndian.PutUint16(node[node.span(0, 2):], btype)
	binary.LittleEndian.PutUint16(node[node.span(2, 2):], nkeys)
}

func (node BNode) getPtr(idx uint16) uint64 {
	if idx >= node.nkeys() {
		panic(fmt.Sprintf("pointer index %d out of range, nkeys %d", idx, node.nkeys()))
	}

	pos := HEADER + 8*int(idx)
	return binary.LittleEndian.Uint64(node[node.span(pos, 8):])
}

func (node BNode) setPtr(idx uint16, ptr uint64) {
	if idx >= node.nkeys() {
		panic(fmt.Sprintf("pointer index %d out of range, nkeys %d", idx, node.nkeys()))
	}

	pos := HEADER + 8*int(idx)
	binary.LittleEndian.PutUint64(node[node.span(pos, 8):], ptr)
}

func offsetPos(node BNode, idx uint16) int {
	if 1 > idx || idx > node.nkeys() {
		panic(fmt.Sprintf("offset index %d out of range, nkeys %d", idx, node.nkeys()))
	}

	return node.span(HEADER+8*int(node.nkeys())+2*int(idx-1), 2)
}

func (node BNode) getOffset(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}

	return binary.LittleEndian.Uint16(node[offsetPos(node, idx):])
}

func (node BNode) setOffset(idx uint16, offset uint16) {
	binary.LittleEndian.PutUint16(node[offsetPos(node, idx):], offset)
}

func (node BNode) kvPos(idx uint16) uint16 {
	if idx > node.nkeys() {
		panic(fmt.Sprintf("kv index %d out of range, nkeys %d", idx, node.nkeys()))
	}

	pos := HEADER + 8*int(node.nkeys()) + 2*int(node.nkeys()) + int(node.getOffset(idx))
	return uint16(node.span(pos, 0))
}

func (node BNode) getKey(idx uint16) []byte {
	if idx >= node.nkeys() {
		panic(fmt.Sprintf("key index %d out of range, nkeys %d", idx, node.nkeys()))
	}

	pos := int(node.kvPos(idx))
	klen := int(binary.LittleEndian.Uint16(node[node.span(pos, 4):]))

	return node[node.span(pos+4, klen):][:klen:klen]
}

func (node BNode) getVal(idx uint16) []byte {
	if idx >= node.nkeys() {
		panic(fmt.Sprintf("value index %d out of range, nkeys %d", idx, node.nkeys()))
	}

	pos := int(node.kvPos(idx))
	klen := int(binary.LittleEndian.Uint16(node[node.span(pos, 4):]))
	vlen := int(binary.LittleEndian.Uint16(node[pos+2:]))

	return node[node.span(pos+4+klen, vlen):][:vlen:vlen]
}

// node size in bytes
func (node BNode) nbytes() uint16 {
	return node.kvPos(node.nkeys())
}

// returns the last kid whose range intersects the key. (kid[i] <= key)
// Key 0 is never compared: it is either the sentinel or a copy of the
// parent's separator, so it is always <= key.
func nodeLookupLE(node BNode, key []byte) uint16 {
	nkeys := int(node.nkeys())
	if nkeys == 0 {
		return 0
	}

	// first index in [1, nkeys) with kid[i] > key
	i := 1 + sort.Search(nkeys-1, func(j int) bool {
		return bytes.Compare(node.getKey(uint16(j+1)), key) > 0
	})

	return uint16(i - 1)
}
