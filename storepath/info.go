package storepath

import (
	"time"

	"github.com/t7a/pitfetch/digest"
)

// Info describes a committed entry: what it is called and what its
// bytes must hash to.
type Info struct {
	ID      ID
	Name    string
	Method  Method
	Digest  digest.Digest
	Size    int64 // length of the hashed byte stream
	Created time.Time
}

// Check reports whether info is internally consistent, i.e. its ID is
// the one Derive gives for its method, digest and name.
func (info Info) Check() (ok bool) {
	id, err := Derive(info.Method, info.Digest, info.Name)
	if err != nil {
		return false
	}
	return id == info.ID
}
