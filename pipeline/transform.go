// Package pipeline implements the per-frame streaming transform: it pulls
// encoded frames from a host source one at a time, rewrites each payload
// through a byte transform, and pushes the frame to the host sink in input
// order. There is no internal queue and at most one frame in flight; the
// only suspension points are the source read and the sink write.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/veil/media"
)

// Transform rewrites one frame payload. It is applied synchronously between
// the source read and the sink write.
type Transform func(payload []byte) ([]byte, error)

// Pipeline binds a source/sink pair to a transform for the lifetime of one
// stream command.
type Pipeline struct {
	log  *slog.Logger
	src  media.Source
	sink media.Sink
	tf   Transform

	frames   atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	lastPTS  atomic.Int64
}

// Stats is a point-in-time snapshot of pipeline counters, exposed through
// the worker status API.
type Stats struct {
	Frames   int64 `json:"frames"`
	BytesIn  int64 `json:"bytesIn"`
	BytesOut int64 `json:"bytesOut"`
	LastPTS  int64 `json:"lastPTS"`
}

// New creates a Pipeline. If log is nil, slog.Default() is used.
func New(src media.Source, sink media.Sink, tf Transform, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:  log.With("component", "pipeline"),
		src:  src,
		sink: sink,
		tf:   tf,
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:   p.frames.Load(),
		BytesIn:  p.bytesIn.Load(),
		BytesOut: p.bytesOut.Load(),
		LastPTS:  p.lastPTS.Load(),
	}
}

// Run processes frames until the source reports end-of-stream, returning nil
// once every read frame has been written out. Any fault — an unrecognized
// frame kind, a transform failure, or a stream I/O error — aborts the loop
// and propagates; frames already written stay written, and no frame is ever
// dropped, duplicated, or reordered.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		frame, err := p.src.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.log.Debug("stream ended", "frames", p.frames.Load())
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		payload, err := frame.Payload()
		if err != nil {
			return err
		}

		out, err := p.tf(payload)
		if err != nil {
			return fmt.Errorf("transform frame: %w", err)
		}

		if err := frame.SetPayload(out); err != nil {
			return err
		}

		if err := p.sink.WriteFrame(ctx, frame); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}

		p.frames.Add(1)
		p.bytesIn.Add(int64(len(payload)))
		p.bytesOut.Add(int64(len(out)))
		p.lastPTS.Store(frame.Meta.PTS)
	}
}
