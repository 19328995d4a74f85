// Package digest computes algorithm-tagged cryptographic digests of
// byte streams.  A Digest is a multihash: the algorithm code and the
// digest length travel with the digest bytes, so two digests compare
// equal only if both the algorithm and the bytes match.
package digest

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
	"syscall"

	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// Algo names a hash algorithm.
type Algo string

const (
	SHA256 Algo = "sha256"
	SHA512 Algo = "sha512"
	BLAKE3 Algo = "blake3"
)

// Default is the algorithm used when none is configured.
const Default = SHA256

// Algos lists the supported algorithms.
var Algos = []Algo{SHA256, SHA512, BLAKE3}

// New returns a fresh hash.Hash for algo.
func (algo Algo) New() (h hash.Hash, err error) {
	switch algo {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	}
	return nil, fmt.Errorf("%w: %s", syscall.ENOSYS, string(algo))
}

// Code returns the multihash code for algo.
func (algo Algo) Code() (code uint64, err error) {
	switch algo {
	case SHA256:
		return multihash.SHA2_256, nil
	case SHA512:
		return multihash.SHA2_512, nil
	case BLAKE3:
		return multihash.BLAKE3, nil
	}
	return 0, fmt.Errorf("%w: %s", syscall.ENOSYS, string(algo))
}

// Valid reports whether algo is supported.
func (algo Algo) Valid() bool {
	_, err := algo.Code()
	return err == nil
}

func algoFromCode(code uint64) (algo Algo, err error) {
	for _, a := range Algos {
		c, _ := a.Code()
		if c == code {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: multihash code 0x%x", syscall.ENOSYS, code)
}

// Digest is the result of hashing a byte stream.  The zero value is
// not a valid digest.
type Digest struct {
	mh multihash.Multihash
}

func fromSum(algo Algo, sum []byte) (d Digest, err error) {
	code, err := algo.Code()
	if err != nil {
		return
	}
	mh, err := multihash.Encode(sum, code)
	if err != nil {
		return d, errors.Wrapf(err, "encoding %s digest", algo)
	}
	return Digest{mh: mh}, nil
}

// Parse decodes the "algo:hex" form produced by String.
func Parse(s string) (d Digest, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return d, fmt.Errorf("malformed digest: %q", s)
	}
	algo := Algo(parts[0])
	sum, err := hex.DecodeString(parts[1])
	if err != nil {
		return d, errors.Wrapf(err, "malformed digest: %q", s)
	}
	h, err := algo.New()
	if err != nil {
		return
	}
	if len(sum) != h.Size() {
		return d, fmt.Errorf("malformed digest: %q: %d bytes, want %d", s, len(sum), h.Size())
	}
	return fromSum(algo, sum)
}

// Algo returns the algorithm the digest was computed with.
func (d Digest) Algo() Algo {
	dec, err := multihash.Decode(d.mh)
	if err != nil {
		return ""
	}
	algo, err := algoFromCode(dec.Code)
	if err != nil {
		return ""
	}
	return algo
}

// Sum returns the raw digest bytes without the multihash prefix.
func (d Digest) Sum() []byte {
	dec, err := multihash.Decode(d.mh)
	if err != nil {
		return nil
	}
	return dec.Digest
}

// Multihash returns the tagged form of the digest.
func (d Digest) Multihash() multihash.Multihash {
	return d.mh
}

// Hex returns the digest bytes as lowercase hex.
func (d Digest) Hex() string {
	return hex.EncodeToString(d.Sum())
}

func (d Digest) String() string {
	if d.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s:%s", d.Algo(), d.Hex())
}

// Equal compares algorithm and bytes.
func (d Digest) Equal(other Digest) bool {
	return bytes.Equal(d.mh, other.mh)
}

func (d Digest) IsZero() bool {
	return len(d.mh) == 0
}
