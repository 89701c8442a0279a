package substrate

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/ChainSafe/gossamer/pkg/scale"
)

// stream decodes SCALE values one at a time, for layouts that depend on
// data seen earlier (enum payload sizes, runtime-sized tuples).
type stream struct {
	r   *bytes.Reader
	dec *scale.Decoder
}

func newStream(b []byte) *stream {
	r := bytes.NewReader(b)
	return &stream{r: r, dec: scale.NewDecoder(r)}
}

func (s *stream) remaining() int {
	return s.r.Len()
}

func (s *stream) decode(dst ...interface{}) error {
	for _, d := range dst {
		if err := s.dec.Decode(d); err != nil {
			return err
		}
	}
	return nil
}

// length reads a Compact<u32> collection length.
func (s *stream) length() (int, error) {
	var n uint
	if err := s.dec.Decode(&n); err != nil {
		return 0, err
	}
	if n > uint(s.r.Len()) {
		return 0, fmt.Errorf("length %d exceeds the %d bytes left", n, s.r.Len())
	}
	return int(n), nil
}

func (s *stream) bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(s.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// data reads an Identity pallet `Data` value. Only raw payloads carry text.
func (s *stream) data() (string, error) {
	var tag byte
	if err := s.dec.Decode(&tag); err != nil {
		return "", err
	}
	switch {
	case tag == 0:
		return "", nil
	case tag >= 1 && tag <= 33:
		b, err := s.bytes(int(tag) - 1)
		if err != nil {
			return "", err
		}
		if !utf8.Valid(b) {
			return "", nil
		}
		return string(b), nil
	case tag >= 34 && tag <= 37:
		var hash [32]byte
		return "", s.dec.Decode(&hash)
	default:
		return "", fmt.Errorf("unknown identity data tag %d", tag)
	}
}
