// Package compression selects the per-block codec used inside data files.
// Every block records its own codec byte, so files written under one
// setting stay readable after the setting changes.
package compression

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"

	"strata/pkg/dberrors"
)

type Codec uint8

const (
	None Codec = iota
	Snappy
	Zstd
)

var (
	zstdEnc, _ = zstd.NewWriter(nil)
	zstdDec, _ = zstd.NewReader(nil)
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Parse maps a config string to a codec.
func Parse(s string) (Codec, error) {
	switch s {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("%w: unknown compression %q", dberrors.ErrInvalidArgument, s)
	}
}

// Compress encodes src, reusing buf when it has the capacity. The result
// may alias buf or src, so callers treat it as consumed-before-next-call
// scratch.
func (c Codec) Compress(buf, src []byte) ([]byte, error) {
	switch c {
	case None:
		return src, nil
	case Snappy:
		return snappy.Encode(buf[:cap(buf)], src), nil
	case Zstd:
		return zstdEnc.EncodeAll(src, buf[:0]), nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", dberrors.ErrInvalidArgument, uint8(c))
	}
}

// Decompress decodes src under the same buffer contract as Compress.
func (c Codec) Decompress(buf, src []byte) ([]byte, error) {
	switch c {
	case None:
		return src, nil
	case Snappy:
		out, err := snappy.Decode(buf[:cap(buf)], src)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy block: %v", dberrors.ErrCorruption, err)
		}
		return out, nil
	case Zstd:
		out, err := zstdDec.DecodeAll(src, buf[:0])
		if err != nil {
			return nil, fmt.Errorf("%w: zstd block: %v", dberrors.ErrCorruption, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", dberrors.ErrCorruption, uint8(c))
	}
}
