package transport

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/zsiec/veil/media"
	"github.com/zsiec/veil/worker"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()
	frames := []*media.Frame{
		media.NewVideoFrame([]byte("keyframe"), media.Meta{PTS: 0, Keyframe: true, Track: 1}),
		media.NewAudioFrame([]byte("opus"), media.Meta{PTS: 960, Track: 2}),
		media.NewVideoFrame(nil, media.Meta{PTS: -3000}), // negative PTS survives
	}

	var buf bytes.Buffer
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	br := bufio.NewReader(&buf)
	for i, want := range frames {
		got, err := ReadFrame(br)
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if got.Kind != want.Kind {
			t.Fatalf("frame %d kind = %v, want %v", i, got.Kind, want.Kind)
		}
		if got.Meta != want.Meta {
			t.Fatalf("frame %d meta = %+v, want %+v", i, got.Meta, want.Meta)
		}
		gotPayload, _ := got.Payload()
		wantPayload, _ := want.Payload()
		if !bytes.Equal(gotPayload, wantPayload) {
			t.Fatalf("frame %d payload = %q, want %q", i, gotPayload, wantPayload)
		}
	}

	if _, err := ReadFrame(br); !errors.Is(err, io.EOF) {
		t.Fatalf("ReadFrame at end = %v, want io.EOF", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, media.NewAudioFrame([]byte("abcdef"), media.Meta{PTS: 1})); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()

	// Cut inside the payload: that is a framing error, not end of stream.
	br := bufio.NewReader(bytes.NewReader(data[:len(data)-3]))
	_, err := ReadFrame(br)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ParseError", err)
	}
}

func TestWriteFrameRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	err := WriteFrame(&buf, media.NewFrame(media.Kind(9), []byte("x"), media.Meta{}))
	if !errors.Is(err, media.ErrUnrecognizedFrameType) {
		t.Fatalf("err = %v, want ErrUnrecognizedFrameType", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	payload := []byte(`{"type":"initialize","id":"alice"}`)
	if err := WriteEnvelope(&buf, payload); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}
	got, err := ReadEnvelope(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("envelope = %q, want %q", got, payload)
	}
}

func TestEnvelopeTooLarge(t *testing.T) {
	t.Parallel()
	if err := WriteEnvelope(io.Discard, make([]byte, maxEnvelopeLen+1)); err == nil {
		t.Fatal("expected error for oversized envelope")
	}
}

func TestReplyRoundTrip(t *testing.T) {
	t.Parallel()
	resp := &worker.Response{}
	resp.Envelopes = []worker.Envelope{
		{Kind: worker.KindNewSafetyNumber, Fields: []worker.Field{
			{Name: worker.FieldHash, Data: []byte("sn")},
		}},
		{Kind: worker.KindSendWelcome, Fields: []worker.Field{
			{Name: worker.FieldWelcome, Data: []byte("welcome")},
			{Name: worker.FieldRatchetTree, Data: []byte("tree")},
		}},
	}
	resp.Buffers = [][]byte{[]byte("sn"), []byte("welcome"), []byte("tree")}

	var buf bytes.Buffer
	if err := WriteResponse(&buf, resp); err != nil {
		t.Fatalf("WriteResponse failed: %v", err)
	}

	got, err := ReadReply(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadReply failed: %v", err)
	}
	if len(got.Envelopes) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(got.Envelopes))
	}
	if got.Envelopes[0].Kind != worker.KindNewSafetyNumber {
		t.Fatalf("envelope 0 kind = %q", got.Envelopes[0].Kind)
	}
	if !bytes.Equal(got.Envelopes[1].Fields[1].Data, []byte("tree")) {
		t.Fatalf("ratchet tree field = %q, want %q", got.Envelopes[1].Fields[1].Data, "tree")
	}
	if len(got.Buffers) != 3 {
		t.Fatalf("got %d buffers, want 3", len(got.Buffers))
	}
}

func TestReplyEmptyResponse(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteResponse(&buf, &worker.Response{}); err != nil {
		t.Fatal(err)
	}
	got, err := ReadReply(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadReply failed: %v", err)
	}
	if len(got.Envelopes) != 0 || len(got.Buffers) != 0 {
		t.Fatalf("got %d envelopes, %d buffers, want 0/0", len(got.Envelopes), len(got.Buffers))
	}
}

func TestReplyFault(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteFault(&buf, errors.New("worker: unknown command")); err != nil {
		t.Fatal(err)
	}
	_, err := ReadReply(bufio.NewReader(&buf))
	var fe *FaultError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FaultError", err)
	}
	if fe.Message != "worker: unknown command" {
		t.Fatalf("fault message = %q", fe.Message)
	}
}

func TestZigzag(t *testing.T) {
	t.Parallel()
	for _, v := range []int64{0, 1, -1, 3000, -3000, 1 << 40, -(1 << 40)} {
		if got := unzigzag(zigzag(v)); got != v {
			t.Errorf("unzigzag(zigzag(%d)) = %d", v, got)
		}
	}
}
