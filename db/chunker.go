package db

import (
	"io"

	resticRabin "github.com/restic/chunker"
)

const (
	kiB = 1024
	miB = 1024 * kiB

	// defMinSize is the default minimal size of a chunk.
	defMinSize = 512 * kiB
	// defMaxSize is the default maximal size of a chunk.
	defMaxSize = 8 * miB
)

// Rabin lightly wraps restic's chunker on the slight chance that we
// might need to replace it someday.
type Rabin struct {
	Poly    resticRabin.Pol
	C       *resticRabin.Chunker
	MinSize uint
	MaxSize uint
	buf     []byte
}

// Rabin returns a chunker configured from the db's config.
func (db *Db) Rabin() *Rabin {
	c := &Rabin{Poly: db.Poly, MinSize: db.MinSize, MaxSize: db.MaxSize}
	if c.MinSize == 0 {
		c.MinSize = defMinSize
	}
	if c.MaxSize == 0 {
		c.MaxSize = defMaxSize
	}
	return c
}

func (c *Rabin) Start(rd io.Reader) {
	c.C = resticRabin.NewWithBoundaries(rd, c.Poly, c.MinSize, c.MaxSize)
	c.buf = make([]byte, c.MaxSize)
}

// Next returns the next chunk of data, or io.EOF after the last one.
// The returned slice aliases an internal buffer and is only valid
// until the following call.
//
// restic's Next() can't hand the chunk back through the buffer
// argument, since that is passed by value; the data comes back in
// Chunk.Data instead.
func (c *Rabin) Next() (data []byte, err error) {
	chunk, err := c.C.Next(c.buf)
	if err != nil {
		return
	}
	return chunk.Data, nil
}
