package worker

import (
	"fmt"

	"github.com/zsiec/veil/group"
)

// Envelope kinds emitted in responses.
const (
	KindNewSafetyNumber = "newSafetyNumber"
	KindShareKeyPackage = "shareKeyPackage"
	KindSendWelcome     = "sendMlsWelcome"
	KindSendMessage     = "sendMlsMessage"
)

// Field names carried inside response envelopes.
const (
	FieldHash        = "hash"
	FieldKeyPackage  = "keyPkg"
	FieldWelcome     = "welcome"
	FieldRatchetTree = "rtree"
	FieldMessage     = "msg"
)

// Field is a named binary payload inside a response envelope. On the wire
// the payload travels in the response buffer list; Data here is the
// materialized bytes before that split.
type Field struct {
	Name string
	Data []byte
}

// Envelope is one unit of host-directed output: a kind discriminator plus
// the binary fields that accompany it.
type Envelope struct {
	Kind   string
	Fields []Field
}

// Response is the marshaled outcome of a command: an ordered envelope list
// plus the flat buffer list aligned with the fields in envelope order. A
// command that produces no engine output yields a Response with both slices
// empty, never nil Response.
type Response struct {
	Envelopes []Envelope
	Buffers   [][]byte
}

// append adds an envelope and mirrors its field payloads into the buffer
// list, preserving field order.
func (r *Response) append(kind string, fields ...Field) {
	r.Envelopes = append(r.Envelopes, Envelope{Kind: kind, Fields: fields})
	for _, f := range fields {
		r.Buffers = append(r.Buffers, f.Data)
	}
}

// MarshalResult converts engine output into a Response. Envelope order is
// fixed: safety number, then key package, then welcome, then one message
// envelope per proposal. Absent parts are skipped. Any serialization
// failure aborts the whole response with ErrSerialization.
func MarshalResult(res *group.Result) (*Response, error) {
	out := &Response{}
	if res == nil || res.Empty() {
		return out, nil
	}

	if len(res.NewSafetyNumber) > 0 {
		out.append(KindNewSafetyNumber, Field{Name: FieldHash, Data: res.NewSafetyNumber})
	}

	if res.KeyPackage != nil {
		data, err := res.KeyPackage.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("%w: key package: %v", ErrSerialization, err)
		}
		out.append(KindShareKeyPackage, Field{Name: FieldKeyPackage, Data: data})
	}

	if res.Welcome != nil {
		welcome, err := res.Welcome.Welcome.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("%w: welcome: %v", ErrSerialization, err)
		}
		tree, err := res.Welcome.RatchetTree.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("%w: ratchet tree: %v", ErrSerialization, err)
		}
		out.append(KindSendWelcome,
			Field{Name: FieldWelcome, Data: welcome},
			Field{Name: FieldRatchetTree, Data: tree},
		)
	}

	for i, msg := range res.Proposals {
		data, err := msg.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("%w: proposal %d: %v", ErrSerialization, i, err)
		}
		out.append(KindSendMessage, Field{Name: FieldMessage, Data: data})
	}

	return out, nil
}
