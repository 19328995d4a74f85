package db

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitfetch/digest"
)

// file modes
const (
	NEW   = 0
	READ  = 0444
	WRITE = 0644
)

// WORM is a write-once-read-many object file.  A new WORM is written
// to a temporary file, named after its hash on Close, and moved into
// the db by Publish.
type WORM struct {
	Db *Db
	*Path
	_mode   os.FileMode
	fh      *os.File
	hash    hash.Hash
	class   string
	tmpdir  string
	tmpname string
}

// CreateWorm starts a new object file of class in tmpdir, hashed with
// the db's algo.
func CreateWorm(db *Db, tmpdir string, class string) (file *WORM, err error) {
	defer Return(&err)
	file = &WORM{Db: db, class: class, tmpdir: tmpdir}
	file.Path = &Path{Db: db, Class: class, Algo: string(db.Algo)}
	file._mode = WRITE
	file.hash, err = db.Algo.New()
	Ck(err)
	return
}

// OpenWorm opens an existing object file for reading.
func OpenWorm(db *Db, path *Path) (file *WORM, err error) {
	defer Return(&err)
	file = &WORM{Db: db, Path: path}
	ErrnoIf(len(file.Path.Abs) == 0, syscall.EINVAL, "empty path")
	ErrnoIf(!exists(file.Path.Abs), syscall.ENOENT, "not found: %s", file.Path.Abs)
	file._mode = READ
	return
}

// gets called by Read(), Write(), etc.
func (file *WORM) ckopen() (err error) {
	defer Return(&err)

	if file.fh != nil {
		return
	}
	switch file._mode {
	case WRITE:
		file.fh, err = ioutil.TempFile(file.tmpdir, file.class+"-")
		Ck(err)
		file.tmpname = file.fh.Name()
		// the header is hashed along with the content, so a block and
		// a tree with the same body never collide
		header := []byte(file.Path.header())
		_, err = file.fh.Write(header)
		Ck(err)
		_, err = file.hash.Write(header)
		Ck(err)
	case READ:
		file.fh, err = os.Open(file.Path.Abs)
		Ck(err)
		// strip file header
		header := file.Path.header()
		buf := make([]byte, len(header))
		n, err := io.ReadFull(file.fh, buf)
		if err != nil || n != len(header) || string(buf) != header {
			file.fh.Close()
			file.fh = nil
			return fmt.Errorf("malformed header: %q file: %s", buf[:n], file.Path.Abs)
		}
	default:
		Assert(false, "mode %o", file._mode)
	}
	return
}

// Close finishes a new file, naming it after its hash, or releases the
// handle of an existing one.
func (file *WORM) Close() (err error) {
	defer Return(&err)
	switch file._mode {
	case NEW, READ:
		if file.fh == nil {
			return
		}
		// readonly, so no err check needed
		file.fh.Close()
		file.fh = nil
		return
	case WRITE:
		// an empty object still has a header
		err = file.ckopen()
		Ck(err)

		err = file.fh.Close()
		Ck(err)
		file.fh = nil

		err = os.Chmod(file.tmpname, READ)
		Ck(err)

		hexhash := hex.EncodeToString(file.hash.Sum(nil))
		canpath := filepath.Join(file.Path.Class, file.Path.Algo, hexhash)
		file.Path, err = Path{}.New(file.Db, canpath)
		Ck(err)
		file._mode = NEW
		log.Debugf("closed %s as %s", file.tmpname, file.Path.Canon)
	}
	return
}

// Publish moves a closed new file to its permanent path.  An existing
// file at that path is replaced.
func (file *WORM) Publish() (err error) {
	defer Return(&err)
	if file._mode == READ {
		return
	}
	Assert(file._mode == NEW, "publish before close: %s", file.tmpname)

	dir, _ := filepath.Split(file.Path.Abs)
	err = os.MkdirAll(dir, 0755)
	Ck(err)
	err = os.Rename(file.tmpname, file.Path.Abs)
	Ck(err)
	file.tmpname = ""
	file._mode = READ
	return
}

// Abort discards a file that is still being written.
func (file *WORM) Abort() {
	if file.fh != nil {
		file.fh.Close()
		file.fh = nil
	}
	if file.tmpname != "" {
		os.Remove(file.tmpname)
		file.tmpname = ""
	}
}

// Read reads from the file and puts the data into `buf`, returning n
// as the number of bytes read.  Supports the io.Reader interface.
func (file *WORM) Read(buf []byte) (n int, err error) {
	if file._mode != READ {
		return 0, fmt.Errorf("cannot read unpublished object: %s", file.tmpname)
	}
	err = file.ckopen()
	if err != nil {
		return
	}
	return file.fh.Read(buf)
}

func (file *WORM) Rewind() error {
	_, err := file.Seek(0, io.SeekStart)
	return err
}

// Seek moves the read position, interpreted according to whence as in
// io.Seeker.
//
// Size(), Seek(), etc. act as if the file content doesn't include the
// header.  In  other words, a caller of Seek() or Size()
// doesn't need to know the size of the file header, and doesn't need
// to know that the file header exists at all -- these functions
// operate on the file body data only.
func (file *WORM) Seek(n int64, whence int) (nout int64, err error) {
	defer Return(&err)

	err = file.ckopen()
	Ck(err)

	hl := int64(len(file.Path.header()))
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = n + hl
	case io.SeekCurrent:
		tellpos, err := file.fh.Seek(0, io.SeekCurrent)
		Ck(err)
		pos = n + tellpos
	case io.SeekEnd:
		size, err := file.Size()
		Ck(err)
		pos = size + n + hl
	default:
		return 0, fmt.Errorf("%w: whence %d", syscall.EINVAL, whence)
	}
	// don't let callers seek backwards into header
	ErrnoIf(pos < hl, syscall.EINVAL, "seek before start: %d", pos-hl)

	nout, err = file.fh.Seek(pos, io.SeekStart)
	Ck(err)
	nout -= hl
	return
}

// Size returns the length of the file body.
func (file *WORM) Size() (n int64, err error) {
	info, err := os.Stat(file.Path.Abs)
	if err != nil {
		return
	}
	n = info.Size() - int64(len(file.Path.header()))
	return
}

// Write appends data to a new file.  Large objects can be written
// using multiple Write() calls.  Supports the io.Writer interface.
func (file *WORM) Write(data []byte) (n int, err error) {
	if file._mode != WRITE {
		err = fmt.Errorf("cannot write to existing object: %s", file.Path.Abs)
		return
	}
	err = file.ckopen()
	if err != nil {
		return
	}
	// hash.Hash writes never fail
	file.hash.Write(data)
	return file.fh.Write(data)
}

// Verify rehashes the stored file, header included, and compares the
// result to the hash in its path.
func (file *WORM) Verify() (err error) {
	h, err := digest.Algo(file.Path.Algo).New()
	if err != nil {
		return
	}
	fh, err := os.Open(file.Path.Abs)
	if err != nil {
		return
	}
	defer fh.Close()
	_, err = io.Copy(h, fh)
	if err != nil {
		return
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != file.Path.Hash {
		return &CorruptError{Canon: file.Path.Canon, Got: got}
	}
	return
}

// CorruptError reports an object whose content no longer matches its
// name.
type CorruptError struct {
	Canon string
	Got   string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt object %s: content hashes to %s", e.Canon, e.Got)
}
