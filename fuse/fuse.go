// Package fuse mounts a store read-only.  The mount looks like
//
//	entry/<id>/...                 one directory per committed entry
//	tree/<algo>/<hash>/content     the byte stream of any rootnode
//
// A recursive entry shows the tree it was ingested from; a flat entry,
// or a recursive entry of a single file, shows one file named content.
package fuse

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitfetch/db"
	"github.com/t7a/pitfetch/nar"
	"github.com/t7a/pitfetch/storepath"
)

// ContentName is the file a single-file entry is exposed as.
const ContentName = "content"

type DirNode struct {
	fs.Inode
}

// XXX add README in each dir

func (r *DirNode) Readdir(ctx context.Context) (stream fs.DirStream, errno syscall.Errno) {
	entries := []fuse.DirEntry{
		{Mode: syscall.S_IFDIR, Name: "."},
		{Mode: syscall.S_IFDIR, Name: ".."},
	}
	for name, child := range r.Children() {
		entry := fuse.DirEntry{Mode: child.Mode(), Name: name}
		entries = append(entries, entry)
	}
	return fs.NewListDirStream(entries), 0
}

func (r *DirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	return 0
}

var _ = (fs.NodeGetattrer)((*DirNode)(nil))

// root

type fsRoot struct {
	DirNode
	db *db.Db
}

var _ = (fs.NodeOnAdder)((*fsRoot)(nil))

func (root *fsRoot) OnAdd(ctx context.Context) {
	entries := root.NewPersistentInode(ctx,
		&entriesNode{db: root.db},
		fs.StableAttr{Mode: syscall.S_IFDIR},
	)
	root.AddChild("entry", entries, false)

	trees := root.NewPersistentInode(ctx, &DirNode{}, fs.StableAttr{Mode: syscall.S_IFDIR})
	root.AddChild("tree", trees, false)
	algo := trees.NewPersistentInode(ctx,
		&algoNode{db: root.db, algo: string(root.db.Algo)},
		fs.StableAttr{Mode: syscall.S_IFDIR},
	)
	trees.AddChild(string(root.db.Algo), algo, false)
}

// entries

type entriesNode struct {
	DirNode
	db *db.Db
}

var _ = (fs.NodeLookuper)((*entriesNode)(nil))
var _ = (fs.NodeReaddirer)((*entriesNode)(nil))

func (n *entriesNode) Readdir(ctx context.Context) (stream fs.DirStream, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)
	ids, err := n.db.List()
	Ck(err)
	entries := []fuse.DirEntry{
		{Mode: syscall.S_IFDIR, Name: "."},
		{Mode: syscall.S_IFDIR, Name: ".."},
	}
	for _, id := range ids {
		entries = append(entries, fuse.DirEntry{Mode: syscall.S_IFDIR, Name: string(id)})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *entriesNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (child *fs.Inode, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	id, err := storepath.ParseID(name)
	if err != nil {
		return nil, syscall.ENOENT
	}
	ok, err := n.db.Exists(ctx, id)
	Ck(err)
	if !ok {
		return nil, syscall.ENOENT
	}
	info, err := n.db.Info(id)
	Ck(err)

	if info.Method == storepath.Flat {
		child = n.NewInode(ctx, &flatNode{db: n.db, info: info}, fs.StableAttr{Mode: fuse.S_IFDIR})
	} else {
		child = n.NewInode(ctx, &archiveNode{db: n.db, id: id}, fs.StableAttr{Mode: fuse.S_IFDIR})
	}
	out.Mode = fuse.S_IFDIR | 0555
	return child, 0
}

// flat entry

type flatNode struct {
	DirNode
	db   *db.Db
	info storepath.Info
}

var _ = (fs.NodeOnAdder)((*flatNode)(nil))

func (n *flatNode) OnAdd(ctx context.Context) {
	id := n.info.ID
	content := n.NewPersistentInode(ctx,
		&contentNode{
			open: func() (*db.Tree, error) { return n.db.Entry(id) },
			mode: 0444,
		},
		fs.StableAttr{Mode: fuse.S_IFREG},
	)
	n.AddChild(ContentName, content, false)
}

// recursive entry

// archiveNode materializes an entry's archive when first looked at.
// File contents are held in memory for as long as the inode lives.
type archiveNode struct {
	DirNode
	db *db.Db
	id storepath.ID
}

var _ = (fs.NodeOnAdder)((*archiveNode)(nil))

func (n *archiveNode) OnAdd(ctx context.Context) {
	err := n.load(ctx)
	if err != nil {
		log.Errorf("mount %s: %v", n.id, err)
	}
}

func (n *archiveNode) load(ctx context.Context) (err error) {
	tree, err := n.db.Entry(n.id)
	if err != nil {
		return
	}
	defer tree.Close()

	dirs := map[string]*fs.Inode{".": &n.Inode}
	return nar.Walk(tree, func(e nar.Entry) (err error) {
		parent, name := &n.Inode, ContentName
		if e.Path != "." {
			parent, name = dirs[path.Dir(e.Path)], path.Base(e.Path)
		}
		switch e.Kind {
		case nar.Directory:
			if e.Path == "." {
				return
			}
			child := parent.NewPersistentInode(ctx, &DirNode{}, fs.StableAttr{Mode: fuse.S_IFDIR})
			parent.AddChild(name, child, false)
			dirs[e.Path] = child
		case nar.Regular, nar.Executable:
			var mode uint32 = 0444
			if e.Kind == nar.Executable {
				mode = 0555
			}
			data, err := ioutil.ReadAll(e.Content)
			if err != nil {
				return err
			}
			child := parent.NewPersistentInode(ctx,
				&fs.MemRegularFile{Data: data, Attr: fuse.Attr{Mode: mode}},
				fs.StableAttr{Mode: fuse.S_IFREG})
			parent.AddChild(name, child, false)
		case nar.Symlink:
			child := parent.NewPersistentInode(ctx,
				&fs.MemSymlink{Data: []byte(e.Target)},
				fs.StableAttr{Mode: fuse.S_IFLNK})
			parent.AddChild(name, child, false)
		}
		return
	})
}

// algo

type algoNode struct {
	DirNode
	db   *db.Db
	algo string
}

var _ = (fs.NodeLookuper)((*algoNode)(nil))

func (n *algoNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (child *fs.Inode, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	raw := filepath.Join("tree", n.algo, name)
	p, err := db.Path{}.New(n.db, raw)
	if err != nil {
		return nil, syscall.ENOENT
	}
	if _, err = os.Stat(p.Abs); err != nil {
		return nil, syscall.ENOENT
	}
	child = n.NewInode(
		ctx,
		&treeNode{db: n.db, path: p},
		fs.StableAttr{Mode: fuse.S_IFDIR},
	)
	return child, 0
}

// tree

type treeNode struct {
	DirNode
	db   *db.Db
	path *db.Path
}

var _ = (fs.NodeOnAdder)((*treeNode)(nil))

func (n *treeNode) OnAdd(ctx context.Context) {
	content := n.NewInode(
		ctx,
		&contentNode{
			open: func() (tree *db.Tree, err error) {
				file, err := db.OpenWorm(n.db, n.path)
				if err != nil {
					return
				}
				return db.Tree{}.New(n.db, file), nil
			},
			mode: 0444,
		},
		fs.StableAttr{Mode: fuse.S_IFREG},
	)
	n.AddChild(ContentName, content, false)
}

// content

// contentNode streams a rootnode through Tree.Seek and Tree.Read, so
// large entries are never held in memory.
type contentNode struct {
	fs.Inode
	open func() (*db.Tree, error)
	mode uint32
}

// contentHandle is one open of a contentNode.  A tree has a single
// read position, so reads on a handle are serialized.
type contentHandle struct {
	mu   sync.Mutex
	tree *db.Tree
}

var _ = (fs.NodeOpener)((*contentNode)(nil))

func (n *contentNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, outflags uint32, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	// disallow writes
	if flags&(syscall.O_RDWR|syscall.O_WRONLY) != 0 {
		return nil, 0, syscall.EROFS
	}

	tree, err := n.open()
	if err != nil {
		log.Errorf("open: %v", err)
		return nil, 0, syscall.EIO
	}

	// The file content is immutable, so ask the kernel to cache the data.
	return &contentHandle{tree: tree}, fuse.FOPEN_KEEP_CACHE, fs.OK
}

var _ = (fs.NodeGetattrer)((*contentNode)(nil))

func (n *contentNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) (errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	out.Mode = n.mode
	tree, err := n.open()
	if err != nil {
		log.Errorf("getattr: %v", err)
		return syscall.EIO
	}
	defer tree.Close()
	size, err := tree.Size()
	if err != nil {
		log.Errorf("size error: %v", err)
		return syscall.EIO
	}
	out.Size = uint64(size)
	return 0
}

var _ = (fs.NodeReader)((*contentNode)(nil))

func (n *contentNode) Read(ctx context.Context, fh fs.FileHandle, buf []byte, offset int64) (res fuse.ReadResult, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	h := fh.(*contentHandle)
	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.tree.Seek(offset, io.SeekStart)
	if err != nil {
		log.Errorf("seek error: %v", err)
		return nil, syscall.EIO
	}

	// fill buf, since a read may stop at a leaf boundary
	nread, err := io.ReadFull(h.tree, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		log.Errorf("read error: %v", err)
		return nil, syscall.EIO
	}

	// XXX use ReadResultFd for zero-copy
	return fuse.ReadResultData(buf[:nread]), 0
}

var _ = (fs.NodeReleaser)((*contentNode)(nil))

func (n *contentNode) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	h := fh.(*contentHandle)
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.tree.Close(); err != nil {
		log.Errorf("release: %v", err)
	}
	return 0
}

// server

// Serve mounts store read-only at mnt and returns once the mount is
// live.  Call Unmount or Wait on the returned server.
func Serve(store *db.Db, mnt string, debug bool) (server *fuse.Server, err error) {
	defer Return(&err)
	opts := &fs.Options{}
	opts.Debug = debug
	opts.MountOptions.FsName = "pitfetch"
	opts.MountOptions.Name = "pitfetch"
	// start inode numbers at 2^16
	opts.FirstAutomaticIno = 1 << 16
	server, err = fs.Mount(mnt, &fsRoot{db: store}, opts)
	Ck(err)
	server.WaitMount()
	return
}

func msglog(msg string) {
	log.Errorf("unpanic: %v", msg)
}
