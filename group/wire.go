package group

import (
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// maxFieldLen bounds every length-prefixed field in the artifact encodings.
// Key material and sealed blobs are all far below this; anything larger is
// a corrupt or hostile encoding.
const maxFieldLen = 1 << 20

// appendBytes appends a varint-length-prefixed byte string.
func appendBytes(buf, b []byte) ([]byte, error) {
	if len(b) > maxFieldLen {
		return nil, fmt.Errorf("field of %d bytes exceeds limit", len(b))
	}
	buf = quicvarint.Append(buf, uint64(len(b)))
	return append(buf, b...), nil
}

// wireReader wraps a byte slice for sequential varint/byte-string reading.
type wireReader struct {
	data []byte
	pos  int
}

func newWireReader(data []byte) *wireReader {
	return &wireReader{data: data}
}

func (r *wireReader) readVarint() (uint64, error) {
	if r.pos >= len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(r.data[r.pos:])
	if err != nil {
		return 0, err
	}
	r.pos += n
	return val, nil
}

func (r *wireReader) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *wireReader) readBytes() ([]byte, error) {
	length, err := r.readVarint()
	if err != nil {
		return nil, err
	}
	if length > maxFieldLen {
		return nil, fmt.Errorf("field of %d bytes exceeds limit", length)
	}
	end := r.pos + int(length)
	if end > len(r.data) {
		return nil, io.ErrUnexpectedEOF
	}
	val := r.data[r.pos:end]
	r.pos = end
	return val, nil
}

func (r *wireReader) remaining() int {
	return len(r.data) - r.pos
}
