package pull

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
)

// Random is the source of the two uniform draws of a pull.
type Random interface {
	// Float64 returns a uniform value in [0, 1).
	Float64() float64
	// IntN returns a uniform value in [0, n).
	IntN(n int) int
}

// CryptoRandom draws from the operating system CSPRNG.
type CryptoRandom struct{}

func (CryptoRandom) Float64() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}

func (CryptoRandom) IntN(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err)
	}
	return int(v.Int64())
}
