package nar

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// maxToken bounds every string in an archive other than file contents.
const maxToken = 1 << 20

// Entry is one node of an archive as seen by Walk.  Content is only
// set for files and is only valid until the callback returns.
type Entry struct {
	Path    string
	Kind    Kind
	Size    int64
	Target  string
	Content io.Reader
}

type decoder struct {
	r *bufio.Reader
}

func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformed, format, args...)
}

func (d *decoder) int() (n uint64, err error) {
	var b [8]byte
	_, err = io.ReadFull(d.r, b[:])
	if err != nil {
		return 0, malformed("reading length: %v", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (d *decoder) skipPad(n uint64) (err error) {
	r := n % 8
	if r == 0 {
		return
	}
	var b [8]byte
	_, err = io.ReadFull(d.r, b[:8-r])
	if err != nil {
		return malformed("reading padding: %v", err)
	}
	for _, c := range b[:8-r] {
		if c != 0 {
			return malformed("non-zero padding")
		}
	}
	return
}

func (d *decoder) str() (s string, err error) {
	n, err := d.int()
	if err != nil {
		return
	}
	if n > maxToken {
		return "", malformed("string of %d bytes", n)
	}
	buf := make([]byte, n)
	_, err = io.ReadFull(d.r, buf)
	if err != nil {
		return "", malformed("reading string: %v", err)
	}
	err = d.skipPad(n)
	return string(buf), err
}

func (d *decoder) expect(want ...string) (err error) {
	for _, w := range want {
		got, err := d.str()
		if err != nil {
			return err
		}
		if got != w {
			return malformed("expected %q, got %q", w, got)
		}
	}
	return
}

type walkFrame struct {
	path string
	prev string
}

// Walk parses the archive in r and calls fn for every entry, parents
// before children, in archive order.  Walk verifies the archive is
// canonical: names must be valid and strictly increasing within a
// directory, and nothing may follow the root node.
func Walk(r io.Reader, fn func(Entry) error) (err error) {
	d := &decoder{r: bufio.NewReader(r)}
	err = d.expect(Magic)
	if err != nil {
		return
	}

	var stack []*walkFrame
	isDir, err := d.node(".", fn)
	if err != nil {
		return
	}
	if isDir {
		stack = append(stack, &walkFrame{path: "."})
	}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		var tok string
		tok, err = d.str()
		if err != nil {
			return
		}
		switch tok {
		case ")":
			stack = stack[:len(stack)-1]
			if len(stack) > 0 {
				err = d.expect(")")
				if err != nil {
					return
				}
			}
		case "entry":
			err = d.expect("(", "name")
			if err != nil {
				return
			}
			var name string
			name, err = d.str()
			if err != nil {
				return
			}
			if err = checkName(name); err != nil {
				return malformed("%v", err)
			}
			if top.prev != "" && name <= top.prev {
				return malformed("entry %q out of order after %q", name, top.prev)
			}
			top.prev = name
			err = d.expect("node")
			if err != nil {
				return
			}
			p := join(top.path, name)
			isDir, err = d.node(p, fn)
			if err != nil {
				return
			}
			if isDir {
				stack = append(stack, &walkFrame{path: p})
				continue
			}
			err = d.expect(")")
			if err != nil {
				return
			}
		default:
			return malformed("unexpected %q in directory %s", tok, top.path)
		}
	}

	_, err = d.r.ReadByte()
	if err != io.EOF {
		return malformed("trailing data after root node")
	}
	return nil
}

// node parses the node at p.  For a directory only the header is
// consumed.
func (d *decoder) node(p string, fn func(Entry) error) (isDir bool, err error) {
	err = d.expect("(", "type")
	if err != nil {
		return
	}
	typ, err := d.str()
	if err != nil {
		return
	}
	switch typ {
	case "regular":
		kind := Regular
		var tok string
		tok, err = d.str()
		if err != nil {
			return
		}
		if tok == "executable" {
			kind = Executable
			err = d.expect("")
			if err != nil {
				return
			}
			tok, err = d.str()
			if err != nil {
				return
			}
		}
		if tok != "contents" {
			return false, malformed("expected %q, got %q", "contents", tok)
		}
		var size uint64
		size, err = d.int()
		if err != nil {
			return
		}
		if size > 1<<62 {
			return false, malformed("file of %d bytes", size)
		}
		content := &io.LimitedReader{R: d.r, N: int64(size)}
		err = fn(Entry{Path: p, Kind: kind, Size: int64(size), Content: content})
		if err != nil {
			return
		}
		// whatever the callback left unread
		_, err = io.Copy(io.Discard, content)
		if err != nil {
			return false, malformed("reading contents of %s: %v", p, err)
		}
		if content.N != 0 {
			return false, malformed("truncated contents of %s", p)
		}
		err = d.skipPad(size)
		if err != nil {
			return
		}
	case "symlink":
		err = d.expect("target")
		if err != nil {
			return
		}
		var target string
		target, err = d.str()
		if err != nil {
			return
		}
		err = fn(Entry{Path: p, Kind: Symlink, Target: target})
		if err != nil {
			return
		}
	case "directory":
		err = fn(Entry{Path: p, Kind: Directory})
		return true, err
	default:
		return false, malformed("unknown node type %q", typ)
	}
	err = d.expect(")")
	return
}

// List returns every entry of the archive without content.
func List(r io.Reader) (entries []Entry, err error) {
	err = Walk(r, func(e Entry) error {
		e.Content = nil
		entries = append(entries, e)
		return nil
	})
	return
}

// Restore materializes the archive in r at dir on fsys.  dir must not
// exist yet.  Symlinks need a filesystem that implements afero.Linker.
func Restore(r io.Reader, fsys afero.Fs, dir string) (err error) {
	_, err = fsys.Stat(dir)
	if err == nil {
		return fmt.Errorf("restore: %s already exists", dir)
	}
	return Walk(r, func(e Entry) (err error) {
		dst := dir
		if e.Path != "." {
			dst = filepath.Join(dir, filepath.FromSlash(e.Path))
		}
		switch e.Kind {
		case Directory:
			return fsys.MkdirAll(dst, 0755)
		case Regular, Executable:
			var mode os.FileMode = 0644
			if e.Kind == Executable {
				mode = 0755
			}
			fh, err := fsys.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
			if err != nil {
				return err
			}
			_, err = io.Copy(fh, e.Content)
			if err != nil {
				fh.Close()
				return err
			}
			err = fh.Close()
			if err != nil {
				return err
			}
			// umask may have stripped the mode bits
			return fsys.Chmod(dst, mode)
		case Symlink:
			linker, ok := fsys.(afero.Linker)
			if !ok {
				return fmt.Errorf("restore %s: filesystem does not support symlinks", e.Path)
			}
			return linker.SymlinkIfPossible(e.Target, dst)
		}
		return fmt.Errorf("restore %s: unhandled kind %v", e.Path, e.Kind)
	})
}
