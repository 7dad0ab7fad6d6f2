// Package codec implements the memcomparable encodings the engine stores
// keys in, plus the wire form of rows inside WAL frames and SST blocks.
// Encoded keys compare with bytes.Compare exactly like the source tuples.
package codec

import (
	"encoding/binary"
	"fmt"

	"strata/pkg/dberrors"
)

const (
	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x00)
)

var padGroup [encGroupSize]byte

// EncodeBytes appends b in the grouped escape form: b is cut into 8-byte
// groups, each padded with zeros to 8 bytes and followed by a marker byte
// 0xFF-padCount. The form is prefix-free, so composite keys stay ordered.
func EncodeBytes(dst, b []byte) []byte {
	for len(b) >= encGroupSize {
		dst = append(dst, b[:encGroupSize]...)
		dst = append(dst, encMarker)
		b = b[encGroupSize:]
	}
	pad := encGroupSize - len(b)
	dst = append(dst, b...)
	dst = append(dst, padGroup[:pad]...)
	dst = append(dst, encMarker-byte(pad))
	return dst
}

// DecodeBytes reverses EncodeBytes, returning the decoded field and the
// remainder of src past it.
func DecodeBytes(src []byte) (field, rest []byte, err error) {
	for {
		if len(src) < encGroupSize+1 {
			return nil, nil, fmt.Errorf("%w: short key group", dberrors.ErrCorruption)
		}
		group, marker := src[:encGroupSize], src[encGroupSize]
		src = src[encGroupSize+1:]

		pad := int(encMarker - marker)
		if pad < 0 || pad > encGroupSize {
			return nil, nil, fmt.Errorf("%w: bad key group marker %#x", dberrors.ErrCorruption, marker)
		}
		field = append(field, group[:encGroupSize-pad]...)
		if pad > 0 {
			for _, p := range group[encGroupSize-pad:] {
				if p != encPad {
					return nil, nil, fmt.Errorf("%w: nonzero key padding", dberrors.ErrCorruption)
				}
			}
			return field, src, nil
		}
	}
}

const signMask = uint64(1) << 63

// EncodeInt64 appends v so that the result orders like the signed value:
// sign bit flipped, big-endian.
func EncodeInt64(dst []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(v)^signMask)
}

// DecodeInt64 reverses EncodeInt64.
func DecodeInt64(src []byte) (int64, []byte, error) {
	if len(src) < 8 {
		return 0, nil, fmt.Errorf("%w: short int64 key field", dberrors.ErrCorruption)
	}
	return int64(binary.BigEndian.Uint64(src) ^ signMask), src[8:], nil
}

// EncodeUint64 appends v big-endian.
func EncodeUint64(dst []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(dst, v)
}

// DecodeUint64 reverses EncodeUint64.
func DecodeUint64(src []byte) (uint64, []byte, error) {
	if len(src) < 8 {
		return 0, nil, fmt.Errorf("%w: short uint64 key field", dberrors.ErrCorruption)
	}
	return binary.BigEndian.Uint64(src), src[8:], nil
}
