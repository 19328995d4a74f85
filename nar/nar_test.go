package nar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

// memSource is a Source backed by a map.  ReadDir deliberately lists
// children in reverse order so tests catch any dependence on it.
type memSource struct {
	nodes map[string]memNode
	opens map[string]int
}

type memNode struct {
	kind    Kind
	content string
	target  string
}

func newMemSource() *memSource {
	return &memSource{
		nodes: map[string]memNode{".": {kind: Directory}},
		opens: map[string]int{},
	}
}

func (s *memSource) dir(p string) *memSource {
	s.nodes[p] = memNode{kind: Directory}
	return s
}

func (s *memSource) file(p, content string) *memSource {
	s.nodes[p] = memNode{kind: Regular, content: content}
	return s
}

func (s *memSource) exe(p, content string) *memSource {
	s.nodes[p] = memNode{kind: Executable, content: content}
	return s
}

func (s *memSource) link(p, target string) *memSource {
	s.nodes[p] = memNode{kind: Symlink, target: target}
	return s
}

func (s *memSource) Lstat(p string) (st Stat, err error) {
	n, ok := s.nodes[p]
	if !ok {
		return st, os.ErrNotExist
	}
	return Stat{Kind: n.kind, Size: int64(len(n.content)), Target: n.target}, nil
}

func (s *memSource) Open(p string) (io.ReadCloser, error) {
	n, ok := s.nodes[p]
	if !ok {
		return nil, os.ErrNotExist
	}
	s.opens[p]++
	return ioutil.NopCloser(strings.NewReader(n.content)), nil
}

func (s *memSource) ReadDir(p string) (names []string, err error) {
	for k := range s.nodes {
		if k == "." || k == p {
			continue
		}
		parent := path.Dir(k)
		if parent == p {
			names = append(names, path.Base(k))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return
}

func (s *memSource) Readlink(p string) (string, error) {
	return s.nodes[p].target, nil
}

func dump(t *testing.T, src Source, filter Filter) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	err := Dump(context.Background(), src, filter, buf)
	tassert(t, err == nil, "Dump: %v", err)
	return buf.Bytes()
}

func sampleTree() *memSource {
	return newMemSource().
		file("a", "file a").
		dir("dir1").
		file("dir1/b", "file b").
		exe("dir1/run", "#!/bin/sh\n").
		dir("dir1/dir2").
		file("dir1/dir2/d", "").
		link("l", "dir1/b")
}

func TestDumpLayout(t *testing.T) {
	src := newMemSource().file("hi", "hi\n")
	got := dump(t, src, nil)

	expect := &bytes.Buffer{}
	e := &encoder{w: expect}
	e.str(Magic, "(", "type", "directory",
		"entry", "(", "name", "hi", "node",
		"(", "type", "regular", "contents", "hi\n", ")",
		")", ")")
	tassert(t, bytes.Equal(expect.Bytes(), got), "layout mismatch:\n%q\n%q", expect.Bytes(), got)
	tassert(t, len(got)%8 == 0, "archive length %d not padded", len(got))
}

func TestDumpWalkRoundTrip(t *testing.T) {
	src := sampleTree()
	archive := dump(t, src, nil)

	var got []string
	err := Walk(bytes.NewReader(archive), func(e Entry) error {
		line := fmt.Sprintf("%s %s", e.Kind, e.Path)
		switch e.Kind {
		case Regular, Executable:
			buf, err := ioutil.ReadAll(e.Content)
			if err != nil {
				return err
			}
			line += fmt.Sprintf(" %q", buf)
		case Symlink:
			line += " -> " + e.Target
		}
		got = append(got, line)
		return nil
	})
	tassert(t, err == nil, "Walk: %v", err)
	expect := []string{
		"directory .",
		`regular a "file a"`,
		"directory dir1",
		`regular dir1/b "file b"`,
		"directory dir1/dir2",
		`regular dir1/dir2/d ""`,
		`executable dir1/run "#!/bin/sh\n"`,
		"symlink l -> dir1/b",
	}
	tassert(t, strings.Join(expect, "\n") == strings.Join(got, "\n"), "expected\n%s\ngot\n%s", strings.Join(expect, "\n"), strings.Join(got, "\n"))
}

func TestDumpDeterministic(t *testing.T) {
	a := dump(t, sampleTree(), nil)
	b := dump(t, sampleTree(), nil)
	tassert(t, bytes.Equal(a, b), "archives differ")

	// executable bit is part of the content
	c := dump(t, sampleTree().file("dir1/run", "#!/bin/sh\n"), nil)
	tassert(t, !bytes.Equal(a, c), "executable bit ignored")
}

func TestDumpFilter(t *testing.T) {
	src := sampleTree()
	filter := FilterFunc(func(p string) bool {
		return p != "dir1" && p != "l"
	})
	archive := dump(t, src, filter)
	entries, err := List(bytes.NewReader(archive))
	tassert(t, err == nil, "%v", err)
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	tassert(t, strings.Join(paths, ",") == ".,a", "paths %v", paths)
	// the excluded subtree was never read
	tassert(t, src.opens["dir1/b"] == 0, "excluded file was opened")
}

func TestDumpRootExcluded(t *testing.T) {
	src := sampleTree()
	err := Dump(context.Background(), src, FilterFunc(func(string) bool { return false }), ioutil.Discard)
	tassert(t, errors.Is(err, ErrRootExcluded), "expected ErrRootExcluded, got %v", err)
}

func TestDumpSingleFile(t *testing.T) {
	src := &memSource{nodes: map[string]memNode{".": {kind: Regular, content: "hi\n"}}, opens: map[string]int{}}
	archive := dump(t, src, nil)
	entries, err := List(bytes.NewReader(archive))
	tassert(t, err == nil, "%v", err)
	tassert(t, len(entries) == 1 && entries[0].Kind == Regular && entries[0].Size == 3, "entries %#v", entries)
}

func TestDumpSourceError(t *testing.T) {
	src := sampleTree()
	delete(src.nodes, "dir1/b")
	src.nodes["dir1/b"] = memNode{kind: Kind(99)}
	err := Dump(context.Background(), src, nil, ioutil.Discard)
	var serr *SourceError
	tassert(t, errors.As(err, &serr), "expected SourceError, got %v", err)
	tassert(t, serr.Path == "dir1/b", "path %q", serr.Path)
}

type failWriter struct{ n int }

var errSink = errors.New("sink full")

func (w *failWriter) Write(buf []byte) (int, error) {
	if w.n <= 0 {
		return 0, errSink
	}
	w.n--
	return len(buf), nil
}

func TestDumpSinkError(t *testing.T) {
	err := Dump(context.Background(), sampleTree(), nil, &failWriter{n: 20})
	tassert(t, err == errSink, "expected sink error unchanged, got %v", err)
}

func TestDumpCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Dump(ctx, sampleTree(), nil, ioutil.Discard)
	tassert(t, err == context.Canceled, "expected context.Canceled, got %v", err)
}

func TestDumpDeepTree(t *testing.T) {
	src := newMemSource()
	p := "."
	for i := 0; i < 2000; i++ {
		p = join(p, "d")
		src.dir(p)
	}
	src.file(join(p, "leaf"), "deep")
	archive := dump(t, src, nil)
	entries, err := List(bytes.NewReader(archive))
	tassert(t, err == nil, "%v", err)
	tassert(t, len(entries) == 2002, "entries %d", len(entries))
}

func TestWalkMalformed(t *testing.T) {
	archive := dump(t, sampleTree(), nil)
	cases := map[string][]byte{
		"empty":     nil,
		"truncated": archive[:len(archive)-16],
		"trailing":  append(append([]byte{}, archive...), make([]byte, 8)...),
		"magic":     append([]byte("x"), archive[1:]...),
	}
	for name, buf := range cases {
		err := Walk(bytes.NewReader(buf), func(Entry) error { return nil })
		tassert(t, errors.Is(err, ErrMalformed), "%s: expected ErrMalformed, got %v", name, err)
	}

	// out of order entries
	out := &bytes.Buffer{}
	e := &encoder{w: out}
	e.str(Magic, "(", "type", "directory",
		"entry", "(", "name", "b", "node", "(", "type", "symlink", "target", "x", ")", ")",
		"entry", "(", "name", "a", "node", "(", "type", "symlink", "target", "x", ")", ")",
		")")
	err := Walk(out, func(Entry) error { return nil })
	tassert(t, errors.Is(err, ErrMalformed), "expected ErrMalformed, got %v", err)
}

func TestExcludeGlobs(t *testing.T) {
	f := ExcludeGlobs("*.o", "build", "dir1/secret*")
	cases := map[string]bool{
		".":               true,
		"main.c":          true,
		"main.o":          false,
		"sub/x.o":         false,
		"build":           false,
		"sub/build":       false,
		"dir1/secret.txt": false,
		"dir1/public":     true,
	}
	for p, expect := range cases {
		tassert(t, f.Include(p) == expect, "Include(%q) expected %v", p, expect)
	}
	all := All(nil, f, FilterFunc(func(p string) bool { return p != "keep" }))
	tassert(t, !all.Include("keep") && !all.Include("a.o") && all.Include("a.c"), "All misbehaves")
}

func TestRestore(t *testing.T) {
	archive := dump(t, sampleTree(), nil)
	dir := filepath.Join(t.TempDir(), "out")
	fsys := afero.NewOsFs()
	err := Restore(bytes.NewReader(archive), fsys, dir)
	tassert(t, err == nil, "Restore: %v", err)

	buf, err := ioutil.ReadFile(filepath.Join(dir, "dir1", "b"))
	tassert(t, err == nil && string(buf) == "file b", "dir1/b: %q %v", buf, err)
	fi, err := os.Stat(filepath.Join(dir, "dir1", "run"))
	tassert(t, err == nil && fi.Mode()&0100 != 0, "dir1/run not executable: %v", err)
	target, err := os.Readlink(filepath.Join(dir, "l"))
	tassert(t, err == nil && target == "dir1/b", "link target %q %v", target, err)

	err = Restore(bytes.NewReader(archive), fsys, dir)
	tassert(t, err != nil, "restoring over an existing dir should fail")
}
