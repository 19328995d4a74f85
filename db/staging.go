package db

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitfetch/fetch"
)

// Staging accumulates one entry's bytes.  Writes are piped into a
// chunker goroutine that stores each chunk as a block file in a
// private directory under tmp/.
type Staging struct {
	db   *Db
	dir  string
	pw   *io.PipeWriter
	done chan struct{}

	// set by the chunker goroutine before done is closed
	blocks []Object
	size   int64
	err    error

	mu       sync.Mutex
	finished bool
}

var _ fetch.Staging = (*Staging)(nil)

// BeginStaging creates a staging area for a new entry.
func (db *Db) BeginStaging(ctx context.Context) (stg fetch.Staging, err error) {
	defer Return(&err)
	if err = ctx.Err(); err != nil {
		return
	}
	dir, err := os.MkdirTemp(db.tmpDir(), "stage-")
	Ck(err)

	pr, pw := io.Pipe()
	s := &Staging{db: db, dir: dir, pw: pw, done: make(chan struct{})}
	go s.chunk(pr)
	log.Debugf("staging %s", dir)
	return s, nil
}

// chunk runs until the pipe is closed, storing one block per chunk.
func (s *Staging) chunk(pr *io.PipeReader) {
	defer close(s.done)
	rabin := s.db.Rabin()
	rabin.Start(pr)
	for {
		data, err := rabin.Next()
		if errors.Cause(err) == io.EOF {
			return
		}
		if err != nil {
			s.fail(pr, err)
			return
		}
		b, err := s.block(data)
		if err != nil {
			s.fail(pr, err)
			return
		}
		s.blocks = append(s.blocks, b)
		s.size += int64(len(data))
	}
}

func (s *Staging) fail(pr *io.PipeReader, err error) {
	s.err = err
	// makes the writer side return err too
	pr.CloseWithError(err)
}

func (s *Staging) block(data []byte) (b *Block, err error) {
	file, err := CreateWorm(s.db, s.dir, "block")
	if err != nil {
		return
	}
	b = Block{}.New(s.db, file)
	_, err = b.Write(data)
	if err != nil {
		b.Abort()
		return nil, err
	}
	err = b.Close()
	if err != nil {
		b.Abort()
		return nil, err
	}
	return
}

func (s *Staging) Write(buf []byte) (n int, err error) {
	return s.pw.Write(buf)
}

// finish flushes the last chunk and waits for the chunker.
func (s *Staging) finish() (blocks []Object, size int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil, 0, errors.New("staging area already finished")
	}
	s.finished = true
	s.pw.Close()
	<-s.done
	return s.blocks, s.size, s.err
}

// Discard drops everything written so far.  It is safe to call more
// than once, and after a failed Commit.
func (s *Staging) Discard() (err error) {
	s.mu.Lock()
	if !s.finished {
		s.finished = true
		s.pw.CloseWithError(errors.New("staging discarded"))
		<-s.done
	}
	s.mu.Unlock()
	if s.dir == "" {
		return
	}
	err = os.RemoveAll(s.dir)
	s.dir = ""
	return
}
