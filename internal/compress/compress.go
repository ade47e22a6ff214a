// Package compress wraps zstd with the two effort levels the cache
// tiers use: fast for in-memory blobs that may be needed again soon,
// and maximum ratio for blobs headed to disk.
package compress

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Level selects a speed/ratio trade-off.
type Level int

const (
	// LevelCold favors speed; Cold-tier entries are re-decoded on
	// every promotion.
	LevelCold Level = iota
	// LevelFrozen favors ratio; Frozen blobs are written once and
	// read rarely.
	LevelFrozen
)

func (l Level) String() string {
	switch l {
	case LevelCold:
		return "cold"
	case LevelFrozen:
		return "frozen"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

var (
	coldEnc   = mustEncoder(zstd.SpeedDefault)
	frozenEnc = mustEncoder(zstd.SpeedBestCompression)
	decoder   = mustDecoder()
)

func mustEncoder(level zstd.EncoderLevel) *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		panic(fmt.Sprintf("compress: init encoder: %v", err))
	}
	return enc
}

func mustDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("compress: init decoder: %v", err))
	}
	return dec
}

// Compress returns src as a zstd frame at the given level. The frame
// records the original length, so Decompress needs no side channel.
func Compress(level Level, src []byte) []byte {
	enc := coldEnc
	if level == LevelFrozen {
		enc = frozenEnc
	}
	return enc.EncodeAll(src, make([]byte, 0, len(src)/2+64))
}

// Decompress inflates a frame produced by Compress at either level.
func Decompress(src []byte) ([]byte, error) {
	out, err := decoder.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("compress: decompress %d bytes: %w", len(src), err)
	}
	return out, nil
}
