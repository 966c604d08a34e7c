// Package nilsimsa implements the Nilsimsa locality sensitive hash. Similar
// inputs have digests that differ in few bits.
package nilsimsa

import (
	"encoding/hex"
	"hash"
	"math/bits"

	"github.com/pkg/errors"
)

// Size is the length of a digest in bytes.
const Size = 32

// Digest is a 256 bit nilsimsa digest.
type Digest [Size]byte

var tran [256]byte

func init() {
	j := 0
	for i := 0; i < 256; i++ {
		j = (j*53 + 1) & 255
		j += j
		if j > 255 {
			j -= 255
		}
		// Resetting k to 0 means the scan restarts at tran[1]; the published
		// table depends on it.
		for k := 0; k < i; k++ {
			if j == int(tran[k]) {
				j = (j + 1) & 255
				k = 0
			}
		}
		tran[i] = byte(j)
	}
}

func tran3(a, b, c byte, n int) byte {
	return byte((int(tran[(int(a)+n)&255]^(tran[b]*byte(n+n+1))) + int(tran[c^tran[n]])) & 255)
}

type digest struct {
	acc   [256]int
	last  [4]int
	count int
}

var _ hash.Hash = &digest{}

// New returns a hash.Hash computing nilsimsa digests.
func New() hash.Hash {
	d := &digest{}
	d.Reset()
	return d
}

func (d *digest) Reset() {
	d.acc = [256]int{}
	d.last = [4]int{-1, -1, -1, -1}
	d.count = 0
}

func (d *digest) Size() int      { return Size }
func (d *digest) BlockSize() int { return 1 }

func (d *digest) Write(p []byte) (int, error) {
	for _, c := range p {
		d.count++
		l0, l1, l2, l3 := byte(d.last[0]), byte(d.last[1]), byte(d.last[2]), byte(d.last[3])
		if d.last[1] > -1 {
			d.acc[tran3(c, l0, l1, 0)]++
		}
		if d.last[2] > -1 {
			d.acc[tran3(c, l0, l2, 1)]++
			d.acc[tran3(c, l1, l2, 2)]++
		}
		if d.last[3] > -1 {
			d.acc[tran3(c, l0, l3, 3)]++
			d.acc[tran3(c, l1, l3, 4)]++
			d.acc[tran3(c, l2, l3, 5)]++
			d.acc[tran3(l3, l0, c, 6)]++
			d.acc[tran3(l3, l2, c, 7)]++
		}
		d.last = [4]int{int(c), d.last[0], d.last[1], d.last[2]}
	}
	return len(p), nil
}

func (d *digest) digest() Digest {
	var trigrams int
	switch {
	case d.count == 3:
		trigrams = 1
	case d.count == 4:
		trigrams = 4
	case d.count > 4:
		trigrams = 8*d.count - 28
	}
	var code [Size]byte
	for i, n := range d.acc {
		// n > trigrams/256
		if n*256 > trigrams {
			code[i>>3] |= 1 << uint(i&7)
		}
	}
	var out Digest
	for i := range code {
		out[i] = code[Size-1-i]
	}
	return out
}

func (d *digest) Sum(b []byte) []byte {
	sum := d.digest()
	return append(b, sum[:]...)
}

// Sum returns the digest of data.
func Sum(data []byte) Digest {
	d := &digest{}
	d.Reset()
	d.Write(data)
	return d.digest()
}

// Compare returns 128 minus the number of bits in which a and b differ, so
// identical digests score 128 and complementary ones -128.
func Compare(a, b Digest) int {
	diff := 0
	for i := range a {
		diff += bits.OnesCount8(a[i] ^ b[i])
	}
	return 128 - diff
}

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Parse reads a hex digest.
func Parse(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, errors.Wrap(err, "decoding nilsimsa digest")
	}
	if len(b) != Size {
		return d, errors.Errorf("nilsimsa digest is %d bytes, want %d", len(b), Size)
	}
	copy(d[:], b)
	return d, nil
}
