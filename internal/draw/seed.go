package draw

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/zeebo/blake3"

	"github.com/wnt/fortuna/internal/models"
)

// PoolDigest commits to the ticket pool in pool order.
func PoolDigest(tickets []models.Ticket) string {
	h := blake3.New()
	for _, t := range tickets {
		writeField(h, t.ID)
		writeField(h, t.UserID)
		writeField(h, strconv.Itoa(t.Quantity))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Seed derives the selection seed from the beacon and the draw identity:
// BLAKE3(blockhash ‖ drawId ‖ tier ‖ periodStart ‖ poolDigest).
func Seed(blockhash, drawID string, tier models.Tier, periodStart time.Time, poolDigest string) string {
	h := blake3.New()
	writeField(h, blockhash)
	writeField(h, drawID)
	writeField(h, string(tier))
	writeField(h, periodStart.UTC().Format(time.RFC3339))
	writeField(h, poolDigest)
	return hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes each field so concatenations stay unambiguous.
func writeField(h *blake3.Hasher, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(s))
}

// Stream is a deterministic source of uniform integers read from the BLAKE3
// extendable output of a seed.
type Stream struct {
	xof io.Reader
}

// NewStream opens the output stream of a hex seed.
func NewStream(seed string) (*Stream, error) {
	raw, err := hex.DecodeString(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}
	h := blake3.New()
	_, _ = h.Write(raw)
	return &Stream{xof: h.Digest()}, nil
}

// Uint64N returns a uniform value in [0, n) by rejection sampling.
func (s *Stream) Uint64N(n uint64) uint64 {
	if n == 0 {
		panic("draw: Uint64N called with n == 0")
	}
	// Values below threshold would bias the modulo.
	threshold := -n % n
	var buf [8]byte
	for {
		if _, err := io.ReadFull(s.xof, buf[:]); err != nil {
			panic(err)
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v >= threshold {
			return v % n
		}
	}
}
