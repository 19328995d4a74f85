// Package nar implements the canonical serialization of a file tree.
//
// The archive is a sequence of strings, each encoded as an 8-byte
// little-endian length, the bytes, and zero padding up to a multiple
// of 8:
//
//	archive   := Magic node
//	node      := "(" "type" body ")"
//	body      := "regular" ["executable" ""] "contents" <bytes>
//	           | "symlink" "target" <target>
//	           | "directory" { "entry" "(" "name" <name> "node" node ")" }
//
// Directory entries appear in bytewise order of their names, so the
// archive of a tree depends only on its logical content, never on the
// order a filesystem happens to list it in.
package nar

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// Magic opens every archive.
const Magic = "pf-archive-1"

const copyBufSize = 64 * 1024

var (
	// ErrRootExcluded is returned when the filter rejects the root.
	ErrRootExcluded = errors.New("filter excludes the root of the tree")
	// ErrMalformed is returned when an archive cannot be parsed.
	ErrMalformed = errors.New("malformed archive")
)

var zeros [8]byte

type encoder struct {
	w   io.Writer
	buf []byte
}

func (e *encoder) int(n uint64) (err error) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], n)
	_, err = e.w.Write(b[:])
	return
}

func (e *encoder) pad(n uint64) (err error) {
	if r := n % 8; r != 0 {
		_, err = e.w.Write(zeros[:8-r])
	}
	return
}

func (e *encoder) str(ss ...string) (err error) {
	for _, s := range ss {
		err = e.int(uint64(len(s)))
		if err != nil {
			return
		}
		_, err = io.WriteString(e.w, s)
		if err != nil {
			return
		}
		err = e.pad(uint64(len(s)))
		if err != nil {
			return
		}
	}
	return
}

// frame is a directory whose children are still being emitted.
type frame struct {
	dir   string
	names []string
	next  int
}

type dumper struct {
	ctx    context.Context
	src    Source
	filter Filter
	enc    *encoder
}

// Dump writes the archive of the tree in src to w, leaving out every
// entry filter rejects.  Bytes are pushed into w as they are produced;
// only one copy buffer and the sorted child names of the directories
// on the current path are held in memory.
//
// Errors reading src are returned as *SourceError, errors from w are
// returned unchanged, and cancellation returns ctx.Err().
func Dump(ctx context.Context, src Source, filter Filter, w io.Writer) (err error) {
	if filter == nil {
		filter = AcceptAll
	}
	if !filter.Include(".") {
		return ErrRootExcluded
	}
	d := &dumper{
		ctx:    ctx,
		src:    src,
		filter: filter,
		enc:    &encoder{w: w, buf: make([]byte, copyBufSize)},
	}

	err = d.enc.str(Magic)
	if err != nil {
		return
	}

	// The walk keeps its own stack instead of recursing, so deep trees
	// cost heap rather than goroutine stack.
	var stack []*frame
	root, err := d.node(".")
	if err != nil {
		return
	}
	if root != nil {
		stack = append(stack, root)
	}
	for len(stack) > 0 {
		if err = ctx.Err(); err != nil {
			return
		}
		top := stack[len(stack)-1]
		if top.next == len(top.names) {
			stack = stack[:len(stack)-1]
			// end of the directory node
			err = d.enc.str(")")
			if err != nil {
				return
			}
			if len(stack) > 0 {
				// end of the entry holding it
				err = d.enc.str(")")
				if err != nil {
					return
				}
			}
			continue
		}
		name := top.names[top.next]
		top.next++
		err = d.enc.str("entry", "(", "name", name, "node")
		if err != nil {
			return
		}
		var child *frame
		child, err = d.node(join(top.dir, name))
		if err != nil {
			return
		}
		if child != nil {
			stack = append(stack, child)
			continue
		}
		err = d.enc.str(")")
		if err != nil {
			return
		}
	}
	return
}

// node emits the node at p.  Files and symlinks are emitted
// completely; for a directory only the header is written and a frame
// listing its included children is returned.
func (d *dumper) node(p string) (f *frame, err error) {
	if err = d.ctx.Err(); err != nil {
		return
	}
	st, err := d.src.Lstat(p)
	if err != nil {
		return nil, srcErr("lstat", p, err)
	}
	err = d.enc.str("(", "type")
	if err != nil {
		return
	}
	switch st.Kind {
	case Regular, Executable:
		err = d.file(p, st)
		if err != nil {
			return
		}
	case Symlink:
		var target string
		target, err = d.src.Readlink(p)
		if err != nil {
			return nil, srcErr("readlink", p, err)
		}
		err = d.enc.str("symlink", "target", target)
		if err != nil {
			return
		}
	case Directory:
		err = d.enc.str("directory")
		if err != nil {
			return
		}
		return d.children(p)
	default:
		return nil, srcErr("lstat", p, fmt.Errorf("unsupported file type %v", st.Kind))
	}
	err = d.enc.str(")")
	return
}

func (d *dumper) file(p string, st Stat) (err error) {
	err = d.enc.str("regular")
	if err != nil {
		return
	}
	if st.Kind == Executable {
		err = d.enc.str("executable", "")
		if err != nil {
			return
		}
	}
	if st.Size < 0 {
		return srcErr("lstat", p, fmt.Errorf("negative size %d", st.Size))
	}
	size := uint64(st.Size)
	err = d.enc.str("contents")
	if err != nil {
		return
	}
	err = d.enc.int(size)
	if err != nil {
		return
	}

	rc, err := d.src.Open(p)
	if err != nil {
		return srcErr("open", p, err)
	}
	defer rc.Close()
	rd := &sourceReader{ctx: d.ctx, rd: rc, path: p}
	n, err := io.CopyBuffer(d.enc.w, io.LimitReader(rd, st.Size), d.enc.buf)
	if err != nil {
		return
	}
	if n < st.Size {
		return srcErr("read", p, fmt.Errorf("file shrank while reading: got %d of %d bytes", n, st.Size))
	}
	var one [1]byte
	m, err := rd.Read(one[:])
	if m > 0 {
		return srcErr("read", p, fmt.Errorf("file grew while reading: more than %d bytes", st.Size))
	}
	if err != nil && err != io.EOF {
		return
	}
	return d.enc.pad(size)
}

func (d *dumper) children(dir string) (f *frame, err error) {
	names, err := d.src.ReadDir(dir)
	if err != nil {
		return nil, srcErr("readdir", dir, err)
	}
	sort.Strings(names)
	f = &frame{dir: dir}
	for i, name := range names {
		if err = checkName(name); err != nil {
			return nil, srcErr("readdir", dir, err)
		}
		if i > 0 && names[i-1] == name {
			return nil, srcErr("readdir", dir, fmt.Errorf("duplicate entry %q", name))
		}
		if !d.filter.Include(join(dir, name)) {
			continue
		}
		f.names = append(f.names, name)
	}
	return
}

// sourceReader tags read errors as source errors and stops once the
// context is done.
type sourceReader struct {
	ctx  context.Context
	rd   io.Reader
	path string
}

func (r *sourceReader) Read(buf []byte) (n int, err error) {
	if err = r.ctx.Err(); err != nil {
		return
	}
	n, err = r.rd.Read(buf)
	if err != nil && err != io.EOF {
		err = srcErr("read", r.path, err)
	}
	return
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("invalid entry name %q", name)
	}
	return nil
}

func join(dir, name string) string {
	if dir == "." {
		return name
	}
	return path.Join(dir, name)
}
