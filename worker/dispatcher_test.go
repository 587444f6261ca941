package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/zsiec/veil/group"
	"github.com/zsiec/veil/media"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	alice := group.NewSession(nil)
	bob := group.NewSession(nil)
	aliceD := NewDispatcher(alice, testLogger())
	bobD := NewDispatcher(bob, testLogger())

	resp, err := aliceD.Dispatch(ctx, InitializeIdentityAndGroup{ID: "alice"})
	if err != nil {
		t.Fatalf("initializeAndCreateGroup failed: %v", err)
	}
	if len(resp.Envelopes) != 0 {
		t.Fatalf("group creation produced %d envelopes, want 0", len(resp.Envelopes))
	}

	if _, err := bobD.Dispatch(ctx, InitializeIdentity{ID: "bob"}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	bobKP, err := bob.KeyPackage()
	if err != nil {
		t.Fatal(err)
	}
	kpBytes, err := bobKP.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	resp, err = aliceD.Dispatch(ctx, AdmitMember{KeyPackage: kpBytes})
	if err != nil {
		t.Fatalf("userJoined failed: %v", err)
	}

	// Admission emits safety number, key package, welcome, and two group
	// messages, in that order.
	wantKinds := []string{
		KindNewSafetyNumber,
		KindShareKeyPackage,
		KindSendWelcome,
		KindSendMessage,
		KindSendMessage,
	}
	if len(resp.Envelopes) != len(wantKinds) {
		t.Fatalf("got %d envelopes, want %d", len(resp.Envelopes), len(wantKinds))
	}
	for i, env := range resp.Envelopes {
		if env.Kind != wantKinds[i] {
			t.Fatalf("envelope %d = %q, want %q", i, env.Kind, wantKinds[i])
		}
	}

	if got := aliceD.Commands(); got != 2 {
		t.Fatalf("alice command count = %d, want 2", got)
	}
}

func TestDispatchStreamRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	alice := group.NewSession(nil)
	bob := group.NewSession(nil)
	aliceD := NewDispatcher(alice, testLogger())
	bobD := NewDispatcher(bob, testLogger())

	if _, err := aliceD.Dispatch(ctx, InitializeIdentityAndGroup{ID: "alice"}); err != nil {
		t.Fatal(err)
	}
	if _, err := bobD.Dispatch(ctx, InitializeIdentity{ID: "bob"}); err != nil {
		t.Fatal(err)
	}

	bobKP, _ := bob.KeyPackage()
	kpBytes, _ := bobKP.MarshalBinary()
	resp, err := aliceD.Dispatch(ctx, AdmitMember{KeyPackage: kpBytes})
	if err != nil {
		t.Fatal(err)
	}

	var welcome, tree []byte
	for _, env := range resp.Envelopes {
		if env.Kind != KindSendWelcome {
			continue
		}
		welcome = env.Fields[0].Data
		tree = env.Fields[1].Data
	}
	if err := bob.Join(welcome, tree); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	const frames = 5
	clear := make(chan *media.Frame, frames)
	sealed := make(chan *media.Frame, frames)
	opened := make(chan *media.Frame, frames)
	for i := 0; i < frames; i++ {
		clear <- media.NewAudioFrame([]byte(fmt.Sprintf("opus %d", i)), media.Meta{PTS: int64(i) * 960})
	}
	close(clear)

	resp, err = aliceD.Dispatch(ctx, EncryptStream{In: media.SourceChan(clear), Out: media.SinkChan(sealed)})
	if err != nil {
		t.Fatalf("encryptStream failed: %v", err)
	}
	if len(resp.Envelopes) != 0 {
		t.Fatalf("stream command produced %d envelopes, want 0", len(resp.Envelopes))
	}
	close(sealed)

	// Ciphertext must differ from the input.
	stats := aliceD.PipelineStats()
	if stats.Frames != frames {
		t.Fatalf("pipeline frames = %d, want %d", stats.Frames, frames)
	}
	if stats.BytesOut <= stats.BytesIn {
		t.Fatalf("bytesOut %d not larger than bytesIn %d for AEAD output", stats.BytesOut, stats.BytesIn)
	}

	if _, err := bobD.Dispatch(ctx, DecryptStream{In: media.SourceChan(sealed), Out: media.SinkChan(opened)}); err != nil {
		t.Fatalf("decryptStream failed: %v", err)
	}
	close(opened)

	i := 0
	for f := range opened {
		payload, err := f.Payload()
		if err != nil {
			t.Fatal(err)
		}
		want := []byte(fmt.Sprintf("opus %d", i))
		if !bytes.Equal(payload, want) {
			t.Fatalf("frame %d payload = %q, want %q", i, payload, want)
		}
		if f.Meta.PTS != int64(i)*960 {
			t.Fatalf("frame %d PTS = %d, want %d", i, f.Meta.PTS, int64(i)*960)
		}
		i++
	}
	if i != frames {
		t.Fatalf("decrypted %d frames, want %d", i, frames)
	}
}

func TestDispatchEnvelopeFaults(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d := NewDispatcher(group.NewSession(nil), testLogger())

	if _, err := d.DispatchEnvelope(ctx, []byte(`{"type":"bogus"}`), nil); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("err = %v, want ErrUnknownCommand", err)
	}
	if _, err := d.DispatchEnvelope(ctx, []byte(`{"type":"initialize"}`), nil); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("err = %v, want ErrMalformedEvent", err)
	}

	// Engine failures propagate: encrypting with no group set up.
	in := make(chan *media.Frame, 1)
	in <- media.NewAudioFrame([]byte("x"), media.Meta{})
	close(in)
	out := make(chan *media.Frame, 1)
	_, err := d.Dispatch(ctx, EncryptStream{In: media.SourceChan(in), Out: media.SinkChan(out)})
	if !errors.Is(err, group.ErrNoGroup) {
		t.Fatalf("err = %v, want ErrNoGroup", err)
	}
}
