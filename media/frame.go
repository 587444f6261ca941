// Package media defines the encoded frame type that flows through the veil
// transform pipeline, plus the pull/push stream abstractions that connect a
// worker to its host.
package media

import (
	"errors"
	"fmt"
)

// ErrUnrecognizedFrameType is returned when a frame is neither audio nor
// video. The pipeline treats this as fatal: the stream aborts rather than
// skipping the frame silently.
var ErrUnrecognizedFrameType = errors.New("media: unrecognized frame type")

// Kind identifies the media kind of an encoded frame. The zero value is
// deliberately invalid so that an unpopulated frame cannot pass the accessor.
type Kind int

// Supported frame kinds.
const (
	KindAudio Kind = iota + 1
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Meta carries host-owned frame metadata. The pipeline must deliver it to
// the output stream bit-identical to the input; only the payload is rewritten.
type Meta struct {
	PTS      int64
	Keyframe bool
	Track    int
}

// Frame is a single already-encoded audio or video frame. The payload is
// opaque to the pipeline except as transform input/output. Frames are
// borrowed from the host's stream for one pipeline iteration and handed
// straight back; nothing in veil retains a frame across iterations.
type Frame struct {
	Kind Kind
	Meta Meta

	payload []byte
}

// NewFrame builds a frame of an arbitrary kind. Stream decoders use this so
// that a frame of an unknown kind still reaches the pipeline, where the
// accessor rejects it; the constructor itself does not validate.
func NewFrame(kind Kind, payload []byte, meta Meta) *Frame {
	return &Frame{Kind: kind, Meta: meta, payload: payload}
}

// NewAudioFrame builds an audio frame around payload.
func NewAudioFrame(payload []byte, meta Meta) *Frame {
	return &Frame{Kind: KindAudio, Meta: meta, payload: payload}
}

// NewVideoFrame builds a video frame around payload.
func NewVideoFrame(payload []byte, meta Meta) *Frame {
	return &Frame{Kind: KindVideo, Meta: meta, payload: payload}
}

// Payload returns the frame's encoded payload, failing for any frame whose
// kind is not a supported media kind.
func (f *Frame) Payload() ([]byte, error) {
	switch f.Kind {
	case KindAudio, KindVideo:
		return f.payload, nil
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnrecognizedFrameType, int(f.Kind))
	}
}

// SetPayload replaces the frame's payload in place, leaving all other frame
// state untouched. It applies the same kind check as Payload.
func (f *Frame) SetPayload(payload []byte) error {
	switch f.Kind {
	case KindAudio, KindVideo:
		f.payload = payload
		return nil
	default:
		return fmt.Errorf("%w: kind %d", ErrUnrecognizedFrameType, int(f.Kind))
	}
}

// PayloadLen returns the current payload length without the kind check,
// for logging and stats.
func (f *Frame) PayloadLen() int {
	return len(f.payload)
}
