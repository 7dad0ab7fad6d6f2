package codec

import (
	"strata/pkg/types"
)

// EncodeRowKey builds the storage key of one row: the escaped series key
// followed by the sign-flipped big-endian timestamp. Rows of one series stay
// adjacent and time-ordered, and series never interleave.
func EncodeRowKey(dst []byte, series []byte, ts types.TimestampMs) types.Key {
	dst = EncodeBytes(dst, series)
	return EncodeInt64(dst, int64(ts))
}

// DecodeRowKey splits a storage key back into series key and timestamp.
func DecodeRowKey(k types.Key) (series []byte, ts types.TimestampMs, err error) {
	series, rest, err := DecodeBytes(k)
	if err != nil {
		return nil, 0, err
	}
	t, _, err := DecodeInt64(rest)
	if err != nil {
		return nil, 0, err
	}
	return series, types.TimestampMs(t), nil
}

// SeriesRange covers every timestamp of one series.
func SeriesRange(series []byte) types.KeyRange {
	return TimeRange(series, minTs, maxTs)
}

const (
	minTs = types.TimestampMs(-1 << 63)
	maxTs = types.TimestampMs(1<<63 - 1)
)

// TimeRange covers one series over [from, to] inclusive.
func TimeRange(series []byte, from, to types.TimestampMs) types.KeyRange {
	start := EncodeRowKey(nil, series, from)
	var end types.Key
	if to == maxTs {
		// Successor of the escaped series prefix. The final byte is a group
		// marker of at most 0xFE (a full final group is followed by an
		// all-pad group), so incrementing it never overflows.
		end = EncodeBytes(nil, series)
		end[len(end)-1]++
	} else {
		end = EncodeRowKey(nil, series, to+1)
	}
	return types.KeyRange{Start: start, End: end}
}
