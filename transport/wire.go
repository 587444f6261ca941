// Package transport carries worker commands and frame streams over QUIC.
//
// One connection serves one caller and owns one worker instance. Commands
// travel on caller-opened bidirectional streams as length-prefixed JSON
// envelopes; the worker replies on the same stream with a status byte
// followed by either the marshaled response or a fault message. Frames
// travel on unidirectional streams: the producing side opens the stream,
// writes the varint stream handle named in the command envelope, then a
// sequence of frame records. A clean FIN marks end of stream.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/veil/media"
	"github.com/zsiec/veil/worker"
)

// NextProto is the ALPN identifier for the worker protocol.
const NextProto = "veil/1"

// Wire size limits. Anything beyond these is a malformed peer, not a
// legitimate payload.
const (
	maxEnvelopeLen = 64 << 10
	maxFieldName   = 256
	maxKindLen     = 256
	maxBufferLen   = 16 << 20
	maxPayloadLen  = 16 << 20
	maxEnvelopes   = 1 << 10
	maxFields      = 16
)

// Reply status bytes.
const (
	statusOK    byte = 0x00
	statusFault byte = 0x01
)

// ParseError indicates a failure to parse a wire field. It wraps the
// underlying I/O or format error and records which field was being parsed.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("transport: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// FaultError is a fault reply received from the peer.
type FaultError struct {
	Message string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("transport: remote fault: %s", e.Message)
}

// byteReader is the minimal read surface the decoders need. bufio.Reader
// satisfies it; QUIC streams are always wrapped before decoding.
type byteReader interface {
	io.Reader
	io.ByteReader
}

func readLenBytes(r byteReader, field string, max uint64) ([]byte, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return nil, &ParseError{Field: field, Err: err}
	}
	if n > max {
		return nil, &ParseError{Field: field, Err: fmt.Errorf("length %d exceeds limit %d", n, max)}
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, &ParseError{Field: field, Err: err}
		}
	}
	return buf, nil
}

func appendLenBytes(buf, b []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(b)))
	return append(buf, b...)
}

// WriteEnvelope writes a length-prefixed command envelope as a single Write
// call so it stays atomic without external synchronization.
func WriteEnvelope(w io.Writer, data []byte) error {
	if len(data) > maxEnvelopeLen {
		return fmt.Errorf("transport: envelope length %d exceeds limit %d", len(data), maxEnvelopeLen)
	}
	_, err := w.Write(appendLenBytes(nil, data))
	return err
}

// ReadEnvelope reads a length-prefixed command envelope.
func ReadEnvelope(r byteReader) ([]byte, error) {
	return readLenBytes(r, "envelope", maxEnvelopeLen)
}

// zigzag maps signed PTS values onto unsigned varints so small negative
// timestamps stay short on the wire.
func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

const flagKeyframe byte = 0x01

// WriteFrame writes one frame record:
// [kind (varint)] [flags (byte)] [pts (zigzag varint)] [track (varint)]
// [payload_len (varint)] [payload]. Issued as a single Write call.
func WriteFrame(w io.Writer, f *media.Frame) error {
	payload, err := f.Payload()
	if err != nil {
		return err
	}
	if len(payload) > maxPayloadLen {
		return fmt.Errorf("transport: frame payload %d exceeds limit %d", len(payload), maxPayloadLen)
	}

	var flags byte
	if f.Meta.Keyframe {
		flags |= flagKeyframe
	}

	buf := quicvarint.Append(nil, uint64(f.Kind))
	buf = append(buf, flags)
	buf = quicvarint.Append(buf, zigzag(f.Meta.PTS))
	buf = quicvarint.Append(buf, uint64(f.Meta.Track))
	buf = appendLenBytes(buf, payload)

	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame record. A clean FIN at a record boundary
// returns io.EOF; truncation mid-record returns a ParseError.
func ReadFrame(r byteReader) (*media.Frame, error) {
	kind, err := quicvarint.Read(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &ParseError{Field: "frame_kind", Err: err}
	}

	flags, err := r.ReadByte()
	if err != nil {
		return nil, &ParseError{Field: "frame_flags", Err: err}
	}

	pts, err := quicvarint.Read(r)
	if err != nil {
		return nil, &ParseError{Field: "frame_pts", Err: err}
	}

	track, err := quicvarint.Read(r)
	if err != nil {
		return nil, &ParseError{Field: "frame_track", Err: err}
	}

	payload, err := readLenBytes(r, "frame_payload", maxPayloadLen)
	if err != nil {
		return nil, err
	}

	meta := media.Meta{
		PTS:      unzigzag(pts),
		Keyframe: flags&flagKeyframe != 0,
		Track:    int(track),
	}
	return media.NewFrame(media.Kind(kind), payload, meta), nil
}

// WriteResponse writes an OK reply: status byte, envelope list with fields
// referring to buffers by position, then the buffer list.
func WriteResponse(w io.Writer, resp *worker.Response) error {
	buf := []byte{statusOK}

	buf = quicvarint.Append(buf, uint64(len(resp.Envelopes)))
	idx := uint64(0)
	for _, env := range resp.Envelopes {
		buf = appendLenBytes(buf, []byte(env.Kind))
		buf = quicvarint.Append(buf, uint64(len(env.Fields)))
		for _, f := range env.Fields {
			buf = appendLenBytes(buf, []byte(f.Name))
			buf = quicvarint.Append(buf, idx)
			idx++
		}
	}

	buf = quicvarint.Append(buf, uint64(len(resp.Buffers)))
	for _, b := range resp.Buffers {
		if len(b) > maxBufferLen {
			return fmt.Errorf("transport: buffer length %d exceeds limit %d", len(b), maxBufferLen)
		}
		buf = appendLenBytes(buf, b)
	}

	_, err := w.Write(buf)
	return err
}

// WriteFault writes a fault reply carrying the error message.
func WriteFault(w io.Writer, err error) error {
	buf := []byte{statusFault}
	buf = appendLenBytes(buf, []byte(err.Error()))
	_, werr := w.Write(buf)
	return werr
}

// ReadReply reads a command reply. A fault reply is returned as a
// *FaultError.
func ReadReply(r byteReader) (*worker.Response, error) {
	status, err := r.ReadByte()
	if err != nil {
		return nil, &ParseError{Field: "status", Err: err}
	}

	switch status {
	case statusFault:
		msg, err := readLenBytes(r, "fault_message", maxEnvelopeLen)
		if err != nil {
			return nil, err
		}
		return nil, &FaultError{Message: string(msg)}

	case statusOK:
		return readResponse(r)

	default:
		return nil, &ParseError{Field: "status", Err: fmt.Errorf("unknown status 0x%02x", status)}
	}
}

func readResponse(r byteReader) (*worker.Response, error) {
	numEnvelopes, err := quicvarint.Read(r)
	if err != nil {
		return nil, &ParseError{Field: "num_envelopes", Err: err}
	}
	if numEnvelopes > maxEnvelopes {
		return nil, &ParseError{Field: "num_envelopes", Err: fmt.Errorf("count %d exceeds limit %d", numEnvelopes, maxEnvelopes)}
	}

	resp := &worker.Response{}
	type fieldRef struct {
		env, field int
		idx        uint64
	}
	var refs []fieldRef

	for i := uint64(0); i < numEnvelopes; i++ {
		kind, err := readLenBytes(r, "envelope_kind", maxKindLen)
		if err != nil {
			return nil, err
		}
		numFields, err := quicvarint.Read(r)
		if err != nil {
			return nil, &ParseError{Field: "num_fields", Err: err}
		}
		if numFields > maxFields {
			return nil, &ParseError{Field: "num_fields", Err: fmt.Errorf("count %d exceeds limit %d", numFields, maxFields)}
		}

		env := worker.Envelope{Kind: string(kind)}
		for j := uint64(0); j < numFields; j++ {
			name, err := readLenBytes(r, "field_name", maxFieldName)
			if err != nil {
				return nil, err
			}
			idx, err := quicvarint.Read(r)
			if err != nil {
				return nil, &ParseError{Field: "buffer_index", Err: err}
			}
			env.Fields = append(env.Fields, worker.Field{Name: string(name)})
			refs = append(refs, fieldRef{env: int(i), field: int(j), idx: idx})
		}
		resp.Envelopes = append(resp.Envelopes, env)
	}

	numBuffers, err := quicvarint.Read(r)
	if err != nil {
		return nil, &ParseError{Field: "num_buffers", Err: err}
	}
	if numBuffers > maxEnvelopes*maxFields {
		return nil, &ParseError{Field: "num_buffers", Err: fmt.Errorf("count %d exceeds limit", numBuffers)}
	}
	for i := uint64(0); i < numBuffers; i++ {
		b, err := readLenBytes(r, "buffer", maxBufferLen)
		if err != nil {
			return nil, err
		}
		resp.Buffers = append(resp.Buffers, b)
	}

	for _, ref := range refs {
		if ref.idx >= uint64(len(resp.Buffers)) {
			return nil, &ParseError{Field: "buffer_index", Err: fmt.Errorf("index %d out of range (%d buffers)", ref.idx, len(resp.Buffers))}
		}
		resp.Envelopes[ref.env].Fields[ref.field].Data = resp.Buffers[ref.idx]
	}

	return resp, nil
}

// commandEnvelope is the JSON shape clients send. Handles are pointers so
// handle zero survives omitempty.
type commandEnvelope struct {
	Type   string  `json:"type"`
	ID     string  `json:"id,omitempty"`
	KeyPkg []byte  `json:"keyPkg,omitempty"`
	In     *uint64 `json:"in,omitempty"`
	Out    *uint64 `json:"out,omitempty"`
}

func marshalEnvelope(env commandEnvelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal command envelope: %w", err)
	}
	return data, nil
}
