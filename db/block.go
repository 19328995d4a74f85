package db

// Object is a block or tree.
type Object interface {
	GetPath() *Path
	Read(buf []byte) (n int, err error)
	Seek(offset int64, whence int) (int64, error)
	Size() (int64, error)
	Verify() error
	Close() error
}

// Block is a chunk of an entry's bytes.
type Block struct {
	Db *Db
	*WORM
}

func (b *Block) GetPath() *Path {
	return b.Path
}

func (b Block) New(db *Db, file *WORM) *Block {
	b.Db = db
	b.WORM = file
	return &b
}
