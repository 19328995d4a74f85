package digest

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func TestBytes(t *testing.T) {
	val := []byte("somevalue")

	d, err := Bytes(SHA256, val)
	tassert(t, err == nil, "%v", err)
	expect := "70a524688ced8e45d26776fd4dc56410725b566cd840c044546ab30c4b499342"
	tassert(t, expect == d.Hex(), "expected %q got %q", expect, d.Hex())
	tassert(t, d.Algo() == SHA256, "algo %q", d.Algo())
	tassert(t, d.String() == "sha256:"+expect, "string %q", d.String())

	d, err = Bytes(SHA512, val)
	tassert(t, err == nil, "%v", err)
	expect = "8e77e71abe427ced1c93d883aeeddfa57ce39b787f229caaf176fdd71353f3466d340a2cdb5a219c429c53ad37f2f144c7ce01b985b6b33e397c4b8fd1433cc3"
	tassert(t, expect == d.Hex(), "expected %q got %q", expect, d.Hex())

	d, err = Bytes(BLAKE3, nil)
	tassert(t, err == nil, "%v", err)
	expect = "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	tassert(t, expect == d.Hex(), "expected %q got %q", expect, d.Hex())

	_, err = Bytes("foobar", val)
	tassert(t, err != nil, "expected error, received none")
}

func TestHasherStreams(t *testing.T) {
	hasher, err := NewHasher(SHA256)
	tassert(t, err == nil, "%v", err)
	for _, chunk := range []string{"h", "i", "\n"} {
		hasher.Write([]byte(chunk))
	}
	got := hasher.Sum()
	expect, err := Bytes(SHA256, []byte("hi\n"))
	tassert(t, err == nil, "%v", err)
	tassert(t, got.Equal(expect), "expected %s got %s", expect, got)
	tassert(t, hasher.Size() == 3, "size %d", hasher.Size())
	tassert(t, got.Hex() == "98ea6e4f216f2fb4b69fff9b3a44842c38686ca685f3f55dc48c5d3fb1107be4", "hex %s", got.Hex())
}

func TestEqualRequiresSameAlgo(t *testing.T) {
	a, err := Bytes(SHA256, []byte("x"))
	tassert(t, err == nil, "%v", err)
	b, err := Bytes(BLAKE3, []byte("x"))
	tassert(t, err == nil, "%v", err)
	tassert(t, !a.Equal(b), "digests of different algos compare equal")
	tassert(t, !bytes.Equal(a.Multihash(), b.Multihash()), "multihashes equal")
}

func TestParse(t *testing.T) {
	d, err := Bytes(BLAKE3, []byte("somevalue"))
	tassert(t, err == nil, "%v", err)
	got, err := Parse(d.String())
	tassert(t, err == nil, "%v", err)
	tassert(t, got.Equal(d), "expected %s got %s", d, got)

	for _, bad := range []string{"", "sha256", "sha256:zz", "sha256:abcd", "md5:00"} {
		_, err = Parse(bad)
		tassert(t, err != nil, "expected error parsing %q", bad)
	}
}

func TestReaderCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := Reader(ctx, SHA256, strings.NewReader("data"))
	tassert(t, err == context.Canceled, "expected context.Canceled, got %v", err)

	d, n, err := Reader(context.Background(), SHA256, strings.NewReader("hi\n"))
	tassert(t, err == nil, "%v", err)
	tassert(t, n == 3, "size %d", n)
	tassert(t, d.Hex() == "98ea6e4f216f2fb4b69fff9b3a44842c38686ca685f3f55dc48c5d3fb1107be4", "hex %s", d.Hex())
}
