package db

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitfetch/digest"
	"github.com/t7a/pitfetch/fetch"
	"github.com/t7a/pitfetch/storepath"
	"github.com/vmihailenco/msgpack"
)

var _ fetch.Store = (*Db)(nil)

// infoRecord is the on-disk form of storepath.Info.
type infoRecord struct {
	ID      string
	Name    string
	Method  string
	Digest  string
	Size    int64
	Created time.Time
}

func (db *Db) entryPath(id storepath.ID) string {
	return filepath.Join(db.Dir, "entry", string(id))
}

func (db *Db) infoPath(id storepath.ID) string {
	return filepath.Join(db.Dir, "info", string(id))
}

// Exists reports whether an entry is published under id.
func (db *Db) Exists(ctx context.Context, id storepath.ID) (ok bool, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	_, err = storepath.ParseID(string(id))
	if err != nil {
		return
	}
	_, err = os.Lstat(db.entryPath(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Commit publishes a staging area under info.ID.  Blocks and the
// rootnode are moved into place first, then the info record, and
// last the entry symlink, so a reader that sees the entry also sees
// everything it points at.  An existing entry is replaced.
func (db *Db) Commit(ctx context.Context, stg fetch.Staging, info storepath.Info) (err error) {
	defer Return(&err)

	s, ok := stg.(*Staging)
	if !ok {
		return fmt.Errorf("foreign staging type %T", stg)
	}
	defer s.Discard()

	_, err = storepath.ParseID(string(info.ID))
	Ck(err)
	Assert(info.Check(), "info does not match its id: %#v", info)

	blocks, size, err := s.finish()
	Ck(err)
	if size != info.Size {
		return fmt.Errorf("staged %d bytes, expected %d", size, info.Size)
	}
	tree, err := db.stageTree(s.dir, blocks)
	Ck(err)

	lock, err := db.Lock(ctx, info.ID)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	// Objects this commit adds are removed again if a later step
	// fails, so a failed commit leaves the store as it found it.
	// Errors are returned directly from here on so the rollback sees
	// them.
	var created []string
	defer func() {
		if err == nil {
			return
		}
		for _, p := range created {
			if rerr := os.Remove(p); rerr != nil {
				log.Warnf("commit %s rollback: %v", info.ID, rerr)
			}
		}
	}()
	publish := func(o Object, pub func() error) error {
		p := o.GetPath().Abs
		isNew := !exists(p)
		if err := pub(); err != nil {
			return err
		}
		if isNew {
			created = append(created, p)
		}
		return nil
	}

	for _, b := range blocks {
		blk := b.(*Block)
		err = publish(blk, blk.Publish)
		if err != nil {
			return
		}
	}
	err = publish(tree, tree.Publish)
	if err != nil {
		return
	}

	if info.Created.IsZero() {
		info.Created = time.Now().UTC()
	}
	rec := infoRecord{
		ID:      string(info.ID),
		Name:    info.Name,
		Method:  info.Method.String(),
		Digest:  info.Digest.String(),
		Size:    info.Size,
		Created: info.Created,
	}
	buf, err := msgpack.Marshal(&rec)
	if err != nil {
		return
	}
	infoPath := db.infoPath(info.ID)
	infoIsNew := !exists(infoPath)
	err = renameio.WriteFile(infoPath, buf, 0444)
	if err != nil {
		return
	}
	if infoIsNew {
		created = append(created, infoPath)
	}

	target := filepath.Join("..", tree.Path.Rel)
	err = renameio.Symlink(target, db.entryPath(info.ID))
	if err != nil {
		return
	}
	db.infos.Remove(info.ID)

	log.Debugf("committed %s -> %s (%d blocks)", info.ID, tree.Path.Canon, len(blocks))
	return
}

// rootnode returns the tree an entry's symlink points at.
func (db *Db) rootnode(id storepath.ID) (tree *Tree, err error) {
	defer Return(&err)
	target, err := os.Readlink(db.entryPath(id))
	Ck(err)
	// target is relative to the entry dir
	rel, err := filepath.Rel(db.Dir, filepath.Join(db.Dir, "entry", target))
	Ck(err)
	path, err := Path{}.New(db, rel)
	Ck(err)
	file, err := OpenWorm(db, path)
	Ck(err)
	tree = Tree{}.New(db, file)
	return
}

// Entry returns the rootnode of a committed entry.  The tree reads as
// the entry's byte stream and supports Seek.
func (db *Db) Entry(id storepath.ID) (tree *Tree, err error) {
	return db.rootnode(id)
}

// OpenRead streams the bytes committed under id.
func (db *Db) OpenRead(ctx context.Context, id storepath.ID) (rc io.ReadCloser, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	tree, err := db.rootnode(id)
	if err != nil {
		return
	}
	return tree, nil
}

// Info returns the record committed alongside id.
func (db *Db) Info(id storepath.ID) (info storepath.Info, err error) {
	defer Return(&err)
	if info, ok := db.infos.Get(id); ok {
		return info, nil
	}
	buf, err := ioutil.ReadFile(db.infoPath(id))
	Ck(err)
	var rec infoRecord
	err = msgpack.Unmarshal(buf, &rec)
	Ck(err, "%s", db.infoPath(id))
	method, err := storepath.ParseMethod(rec.Method)
	Ck(err)
	d, err := digest.Parse(rec.Digest)
	Ck(err)
	info = storepath.Info{
		ID:      storepath.ID(rec.ID),
		Name:    rec.Name,
		Method:  method,
		Digest:  d,
		Size:    rec.Size,
		Created: rec.Created,
	}
	db.infos.Add(id, info)
	return
}

// List returns the ids of all committed entries, sorted.
func (db *Db) List() (ids []storepath.ID, err error) {
	names, err := readdirnames(filepath.Join(db.Dir, "entry"))
	if err != nil {
		return
	}
	sort.Strings(names)
	for _, name := range names {
		ids = append(ids, storepath.ID(name))
	}
	return
}

// Problem is one damaged entry found by Verify.
type Problem struct {
	ID  storepath.ID
	Err error
}

// Verify checks every committed entry: its info record must match its
// id, every object under its rootnode must match its name, and the
// stream must hash to the recorded digest.  It returns the number of
// entries checked.
func (db *Db) Verify(ctx context.Context) (n int, problems []Problem, err error) {
	ids, err := db.List()
	if err != nil {
		return
	}
	for _, id := range ids {
		if err = ctx.Err(); err != nil {
			return
		}
		n++
		verr := db.VerifyEntry(ctx, id)
		if verr != nil {
			log.Warnf("verify %s: %v", id, verr)
			problems = append(problems, Problem{ID: id, Err: verr})
		}
	}
	return
}

// VerifyEntry checks one committed entry.
func (db *Db) VerifyEntry(ctx context.Context, id storepath.ID) (err error) {
	info, err := db.Info(id)
	if err != nil {
		return
	}
	if info.ID != id || !info.Check() {
		return fmt.Errorf("info record does not match id")
	}
	tree, err := db.rootnode(id)
	if err != nil {
		return
	}
	defer tree.Close()
	err = tree.Verify()
	if err != nil {
		return
	}
	err = tree.Rewind()
	if err != nil {
		return
	}
	d, size, err := digest.Reader(ctx, info.Digest.Algo(), tree)
	if err != nil {
		return
	}
	if !d.Equal(info.Digest) || size != info.Size {
		return fmt.Errorf("content hashes to %s (%d bytes), expected %s (%d bytes)", d, size, info.Digest, info.Size)
	}
	return
}

func readdirnames(dir string) (names []string, err error) {
	fh, err := os.Open(dir)
	if err != nil {
		return
	}
	defer fh.Close()
	return fh.Readdirnames(-1)
}
