package compression

import (
	"bytes"
	"errors"
	"testing"

	"strata/pkg/dberrors"
)

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("short"),
		bytes.Repeat([]byte("timestamps compress well "), 400),
	}
	for _, c := range []Codec{None, Snappy, Zstd} {
		t.Run(c.String(), func(t *testing.T) {
			var scratch []byte
			for _, src := range payloads {
				enc, err := c.Compress(scratch, src)
				if err != nil {
					t.Fatal(err)
				}
				encCopy := append([]byte(nil), enc...)
				dec, err := c.Decompress(nil, encCopy)
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(dec, src) {
					t.Fatalf("%s: round trip changed %d bytes payload", c, len(src))
				}
			}
		})
	}
}

func TestCompressibleShrinks(t *testing.T) {
	src := bytes.Repeat([]byte("aaaaaaaabbbbbbbb"), 256)
	for _, c := range []Codec{Snappy, Zstd} {
		enc, err := c.Compress(nil, src)
		if err != nil {
			t.Fatal(err)
		}
		if len(enc) >= len(src) {
			t.Fatalf("%s: %d bytes did not shrink (%d)", c, len(src), len(enc))
		}
	}
}

func TestDecompressGarbage(t *testing.T) {
	garbage := []byte{0xFF, 0x13, 0x37, 0x00, 0xAB}
	for _, c := range []Codec{Snappy, Zstd} {
		if _, err := c.Decompress(nil, garbage); !errors.Is(err, dberrors.ErrCorruption) {
			t.Fatalf("%s: got %v", c, err)
		}
	}
}

func TestParse(t *testing.T) {
	for s, want := range map[string]Codec{"": None, "none": None, "snappy": Snappy, "zstd": Zstd} {
		got, err := Parse(s)
		if err != nil || got != want {
			t.Fatalf("Parse(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := Parse("lz4"); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("Parse(lz4) = %v", err)
	}
}
