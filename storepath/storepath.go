// Package storepath derives store identifiers from content digests.
//
// An identifier looks like
//
//	bjmd6ynvfyyubr3sy3d2kp5ydgbp4lh7x-source
//
// The part before the first dash is a multibase (base32, lowercase)
// encoding of a truncated sha256 over the ingestion method, the
// digest algorithm, the digest, and the name.  The part after the
// dash is the name itself, so that humans can tell entries apart.
package storepath

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
	"github.com/t7a/pitfetch/digest"
)

// Method says how a source is turned into the byte stream that gets
// hashed.
type Method int

const (
	// Recursive hashes the canonical archive of any tree.
	Recursive Method = iota
	// Flat hashes the raw bytes of a single regular file.
	Flat
)

func (m Method) String() string {
	switch m {
	case Recursive:
		return "recursive"
	case Flat:
		return "flat"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

func ParseMethod(s string) (m Method, err error) {
	switch s {
	case "recursive", "":
		return Recursive, nil
	case "flat":
		return Flat, nil
	}
	return m, fmt.Errorf("unknown ingestion method: %q", s)
}

const (
	// MaxNameLen is the longest name an identifier may carry.
	MaxNameLen = 211

	// hashLen is the number of fingerprint bytes kept in an identifier.
	hashLen = 20
)

// ID is the immutable key of a store entry.
type ID string

func (id ID) String() string {
	return string(id)
}

// HashPart returns the encoded hash before the first dash.
func (id ID) HashPart() string {
	i := strings.IndexByte(string(id), '-')
	if i < 0 {
		return string(id)
	}
	return string(id)[:i]
}

// Name returns the human-readable part after the first dash.
func (id ID) Name() string {
	i := strings.IndexByte(string(id), '-')
	if i < 0 {
		return ""
	}
	return string(id)[i+1:]
}

// NameError reports a name that fails the identifier charset or
// length policy.
type NameError struct {
	Name   string
	Reason string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("invalid name %q: %s", e.Name, e.Reason)
}

// ValidateName checks name against the identifier policy.  It does
// no I/O.
func ValidateName(name string) error {
	if name == "" {
		return &NameError{Name: name, Reason: "empty"}
	}
	if len(name) > MaxNameLen {
		return &NameError{Name: name, Reason: fmt.Sprintf("longer than %d bytes", MaxNameLen)}
	}
	if name[0] == '.' {
		return &NameError{Name: name, Reason: "starts with a period"}
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case strings.IndexByte("+-._?=", c) >= 0:
		default:
			return &NameError{Name: name, Reason: fmt.Sprintf("illegal character %q", c)}
		}
	}
	return nil
}

// Fingerprint is the string that gets hashed into an identifier.
func Fingerprint(method Method, d digest.Digest, name string) string {
	return fmt.Sprintf("%s:%s:%s:%s", method, d.Algo(), d.Hex(), name)
}

// Derive computes the identifier for content with digest d ingested
// with method under name.  It is a pure function.
func Derive(method Method, d digest.Digest, name string) (id ID, err error) {
	err = ValidateName(name)
	if err != nil {
		return
	}
	if d.IsZero() || d.Algo() == "" {
		return id, fmt.Errorf("cannot derive identifier from empty digest")
	}
	if method != Recursive && method != Flat {
		return id, fmt.Errorf("unknown ingestion method: %s", method)
	}
	sum := sha256.Sum256([]byte(Fingerprint(method, d, name)))
	hashPart, err := multibase.Encode(multibase.Base32, compress(sum[:], hashLen))
	if err != nil {
		return
	}
	return ID(hashPart + "-" + name), nil
}

// ParseID checks that s has the shape of an identifier.
func ParseID(s string) (id ID, err error) {
	id = ID(s)
	hashPart := id.HashPart()
	if hashPart == s {
		return "", fmt.Errorf("malformed identifier %q: no name", s)
	}
	enc, buf, err := multibase.Decode(hashPart)
	if err != nil || enc != multibase.Base32 || len(buf) != hashLen {
		return "", fmt.Errorf("malformed identifier %q: bad hash part", s)
	}
	err = ValidateName(id.Name())
	if err != nil {
		return "", err
	}
	return id, nil
}

// compress XOR-folds buf down to size bytes, so that every input byte
// contributes to the result.
func compress(buf []byte, size int) []byte {
	out := make([]byte, size)
	for i, b := range buf {
		out[i%size] ^= b
	}
	return out
}
