package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/zsiec/veil/media"
)

func upper(payload []byte) ([]byte, error) {
	return bytes.ToUpper(payload), nil
}

func runPipeline(t *testing.T, frames []*media.Frame, tf Transform) ([]*media.Frame, error) {
	t.Helper()
	in := make(chan *media.Frame, len(frames))
	out := make(chan *media.Frame, len(frames))
	for _, f := range frames {
		in <- f
	}
	close(in)

	p := New(media.SourceChan(in), media.SinkChan(out), tf, nil)
	err := p.Run(context.Background())
	close(out)

	var got []*media.Frame
	for f := range out {
		got = append(got, f)
	}
	return got, err
}

func TestRunPreservesOrderAndMetadata(t *testing.T) {
	t.Parallel()
	var frames []*media.Frame
	for i := 0; i < 20; i++ {
		kind := media.KindAudio
		if i%2 == 0 {
			kind = media.KindVideo
		}
		frames = append(frames, media.NewFrame(kind,
			[]byte(fmt.Sprintf("payload %d", i)),
			media.Meta{PTS: int64(i) * 3000, Keyframe: i%10 == 0, Track: i % 3},
		))
	}

	got, err := runPipeline(t, frames, upper)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(got) != len(frames) {
		t.Fatalf("got %d frames, want %d", len(got), len(frames))
	}

	for i, f := range got {
		wantMeta := media.Meta{PTS: int64(i) * 3000, Keyframe: i%10 == 0, Track: i % 3}
		if f.Meta != wantMeta {
			t.Fatalf("frame %d meta = %+v, want %+v", i, f.Meta, wantMeta)
		}
		payload, err := f.Payload()
		if err != nil {
			t.Fatal(err)
		}
		want := []byte(fmt.Sprintf("PAYLOAD %d", i))
		if !bytes.Equal(payload, want) {
			t.Fatalf("frame %d payload = %q, want %q", i, payload, want)
		}
	}
}

func TestRunUnrecognizedKindAborts(t *testing.T) {
	t.Parallel()
	frames := []*media.Frame{
		media.NewAudioFrame([]byte("ok"), media.Meta{PTS: 1}),
		media.NewFrame(media.Kind(99), []byte("bad"), media.Meta{PTS: 2}),
		media.NewAudioFrame([]byte("never"), media.Meta{PTS: 3}),
	}

	got, err := runPipeline(t, frames, upper)
	if !errors.Is(err, media.ErrUnrecognizedFrameType) {
		t.Fatalf("Run error = %v, want ErrUnrecognizedFrameType", err)
	}
	// The frame before the fault was already delivered; nothing after it is.
	if len(got) != 1 {
		t.Fatalf("delivered %d frames before fault, want 1", len(got))
	}
}

func TestRunTransformFailureAborts(t *testing.T) {
	t.Parallel()
	boom := errors.New("transform boom")
	n := 0
	tf := func(payload []byte) ([]byte, error) {
		n++
		if n == 3 {
			return nil, boom
		}
		return payload, nil
	}

	frames := []*media.Frame{
		media.NewAudioFrame([]byte("1"), media.Meta{PTS: 1}),
		media.NewAudioFrame([]byte("2"), media.Meta{PTS: 2}),
		media.NewAudioFrame([]byte("3"), media.Meta{PTS: 3}),
		media.NewAudioFrame([]byte("4"), media.Meta{PTS: 4}),
	}

	got, err := runPipeline(t, frames, tf)
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want wrapped %v", err, boom)
	}
	if len(got) != 2 {
		t.Fatalf("delivered %d frames before fault, want 2", len(got))
	}
}

func TestRunSinkFailureAborts(t *testing.T) {
	t.Parallel()
	in := make(chan *media.Frame, 1)
	in <- media.NewAudioFrame([]byte("x"), media.Meta{})
	close(in)

	p := New(media.SourceChan(in), failSink{}, upper, nil)
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected error from failing sink")
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	in := make(chan *media.Frame, 2)
	out := make(chan *media.Frame, 2)
	in <- media.NewAudioFrame([]byte("abc"), media.Meta{PTS: 100})
	in <- media.NewVideoFrame([]byte("defgh"), media.Meta{PTS: 200})
	close(in)

	double := func(payload []byte) ([]byte, error) {
		return append(payload, payload...), nil
	}
	p := New(media.SourceChan(in), media.SinkChan(out), double, nil)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	stats := p.Stats()
	if stats.Frames != 2 {
		t.Errorf("Frames = %d, want 2", stats.Frames)
	}
	if stats.BytesIn != 8 {
		t.Errorf("BytesIn = %d, want 8", stats.BytesIn)
	}
	if stats.BytesOut != 16 {
		t.Errorf("BytesOut = %d, want 16", stats.BytesOut)
	}
	if stats.LastPTS != 200 {
		t.Errorf("LastPTS = %d, want 200", stats.LastPTS)
	}
}

type failSink struct{}

func (failSink) WriteFrame(context.Context, *media.Frame) error {
	return errors.New("sink rejected frame")
}
