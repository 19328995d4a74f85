package db

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// Tree is a vertex in a Merkle tree. Entries point at blocks or other
// trees.  Reading a tree yields the concatenated content of its
// blocks, in order.
type Tree struct {
	Db *Db
	*WORM
	_entries    []Object
	_leaves     []Object
	loaded      bool
	currentLeaf int
	pos         int64
}

func (tree Tree) New(db *Db, file *WORM) *Tree {
	tree.Db = db
	tree.WORM = file
	return &tree
}

func (tree *Tree) GetPath() *Path {
	return tree.Path
}

// Entries returns the tree's direct children.
func (tree *Tree) Entries() (entries []Object, err error) {
	if !tree.loaded {
		err = tree.loadEntries()
	}
	return tree._entries, err
}

func (tree *Tree) Leaves() (leaves []Object, err error) {
	defer Return(&err)
	if tree._leaves == nil {
		tree._leaves, err = tree.traverse(false)
		Ck(err)
	}
	return tree._leaves, nil
}

func (tree *Tree) loadEntries() (err error) {
	defer Return(&err)

	Assert(tree.WORM != nil)
	Assert(tree.WORM.Path != nil)
	if tree.WORM.Path.Abs == "" {
		return
	}
	file := tree.WORM
	_, err = file.Seek(0, io.SeekStart)
	Ck(err)
	scanner := bufio.NewScanner(file)
	var entries []Object
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		path, err := Path{}.New(tree.Db, line)
		Ck(err)
		entry, err := tree.Db.ObjectFromPath(path)
		Ck(err)
		entries = append(entries, entry)
	}
	err = scanner.Err()
	Ck(err, "%v: %q", err, file.Path.Abs)

	tree._entries = entries
	tree.loaded = true
	return
}

// Read fills buf with the next chunk of data from tree's leaf nodes.
func (tree *Tree) Read(buf []byte) (n int, err error) {
	defer Return(&err)

	leaves, err := tree.Leaves()
	Ck(err)

	for {
		if tree.currentLeaf >= len(leaves) {
			return 0, io.EOF
		}

		obj := leaves[tree.currentLeaf]
		n, err = obj.Read(buf)
		tree.pos += int64(n)
		if errors.Cause(err) == io.EOF {
			// read-only, so don't check err after obj.Close()
			obj.Close()
			tree.currentLeaf++
			if n > 0 {
				return n, nil
			}
			log.Debugf("tree.Read() advancing to leaf %v", tree.currentLeaf)
			continue
		}
		Ck(err)
		return
	}
}

// Close releases any open leaf files.
func (tree *Tree) Close() (err error) {
	for _, leaf := range tree._leaves {
		leaf.Close()
	}
	return tree.WORM.Close()
}

func (tree *Tree) Rewind() error {
	_, err := tree.Seek(0, io.SeekStart)
	return err
}

// Seek sets the offset for the next Read on tree to offset,
// interpreted according to whence as in io.Seeker.  Seeking past the
// end is allowed; subsequent reads return io.EOF.
func (tree *Tree) Seek(offset int64, whence int) (newOffset int64, err error) {
	defer Return(&err)

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = tree.pos + offset
	case io.SeekEnd:
		n, err := tree.Size()
		Ck(err)
		pos = n + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("seek before start: %d", pos)
	}

	var total int64
	leaves, err := tree.Leaves()
	Ck(err)
	tree.currentLeaf = len(leaves)
	for i, leaf := range leaves {
		// closed leaves reopen at their start
		leaf.Close()
		if tree.currentLeaf < len(leaves) {
			continue
		}
		size, err := leaf.Size()
		Ck(err)
		// add up all leaf sizes until we pass pos
		if total+size > pos {
			_, err := leaf.Seek(pos-total, io.SeekStart)
			Ck(err)
			tree.currentLeaf = i
			continue
		}
		total += size
	}
	tree.pos = pos
	return pos, nil
}

// Size returns the total length of the tree's leaves.
func (tree *Tree) Size() (total int64, err error) {
	defer Return(&err)
	leaves, err := tree.Leaves()
	Ck(err)
	for _, leaf := range leaves {
		size, err := leaf.Size()
		Ck(err)
		total += size
	}
	return
}

// Txt returns the concatenated tree entries
func (tree *Tree) Txt() (out string) {
	for _, entry := range tree._entries {
		out += strings.TrimSpace(entry.GetPath().Canon) + "\n"
	}
	return
}

// Verify rehashes the tree and every object beneath it.  The first
// mismatch is returned as a *CorruptError.
func (tree *Tree) Verify() (err error) {
	err = tree.WORM.Verify()
	if err != nil {
		return
	}
	objects, err := tree.traverse(true)
	if err != nil {
		return
	}
	for _, obj := range objects {
		if obj == Object(tree) {
			continue
		}
		err = obj.Verify()
		if err != nil {
			return
		}
	}
	return
}

// traverse recurses down the tree of nodes returning leaves or optionally all nodes
func (tree *Tree) traverse(all bool) (objects []Object, err error) {
	defer Return(&err)

	if all {
		objects = append(objects, tree)
	}

	entries, err := tree.Entries()
	Ck(err)
	for _, obj := range entries {
		switch child := obj.(type) {
		case *Tree:
			childobjs, err := child.traverse(all)
			Ck(err)
			objects = append(objects, childobjs...)
		case *Block:
			objects = append(objects, obj)
		default:
			Assert(false, "unhandled type %T", child)
		}
	}
	if objects == nil {
		objects = []Object{}
	}
	return
}
