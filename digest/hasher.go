package digest

import (
	"context"
	"hash"
	"io"
)

// Hasher consumes a byte stream incrementally.  It never holds more
// than the hash state, so streams of any size can be hashed.
type Hasher struct {
	algo Algo
	h    hash.Hash
	n    int64
}

func NewHasher(algo Algo) (hasher *Hasher, err error) {
	h, err := algo.New()
	if err != nil {
		return
	}
	return &Hasher{algo: algo, h: h}, nil
}

// Write adds data to the digest.  It never returns an error.
func (hasher *Hasher) Write(data []byte) (n int, err error) {
	n, err = hasher.h.Write(data)
	hasher.n += int64(n)
	return
}

// Size returns the number of bytes hashed so far.
func (hasher *Hasher) Size() int64 {
	return hasher.n
}

func (hasher *Hasher) Algo() Algo {
	return hasher.algo
}

// Sum finishes the digest.  Further writes continue the same stream.
func (hasher *Hasher) Sum() (d Digest) {
	d, err := fromSum(hasher.algo, hasher.h.Sum(nil))
	if err != nil {
		// the algo was validated in NewHasher
		panic(err)
	}
	return
}

// Reader hashes everything read from rd, checking ctx between reads.
func Reader(ctx context.Context, algo Algo, rd io.Reader) (d Digest, size int64, err error) {
	hasher, err := NewHasher(algo)
	if err != nil {
		return
	}
	_, err = io.Copy(hasher, ContextReader(ctx, rd))
	if err != nil {
		return
	}
	return hasher.Sum(), hasher.Size(), nil
}

// Bytes hashes buf.
func Bytes(algo Algo, buf []byte) (d Digest, err error) {
	hasher, err := NewHasher(algo)
	if err != nil {
		return
	}
	hasher.Write(buf)
	return hasher.Sum(), nil
}

type ctxReader struct {
	ctx context.Context
	rd  io.Reader
}

// ContextReader wraps rd so that reads fail once ctx is done.
func ContextReader(ctx context.Context, rd io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, rd: rd}
}

func (r *ctxReader) Read(buf []byte) (n int, err error) {
	if err = r.ctx.Err(); err != nil {
		return
	}
	return r.rd.Read(buf)
}
