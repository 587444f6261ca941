package media

import (
	"context"
	"io"
)

// Source is the pull side of a host frame stream. ReadFrame blocks until the
// next frame is available, the stream ends, or ctx is cancelled. End of
// stream is reported as io.EOF.
type Source interface {
	ReadFrame(ctx context.Context) (*Frame, error)
}

// Sink is the push side of a host frame stream. WriteFrame blocks until the
// write is acknowledged by the underlying stream or ctx is cancelled.
type Sink interface {
	WriteFrame(ctx context.Context, f *Frame) error
}

// SourceChan adapts a receive channel to Source. A closed channel signals
// end of stream.
type SourceChan <-chan *Frame

// ReadFrame returns the next frame from the channel, io.EOF once it is
// closed and drained, or ctx.Err() on cancellation.
func (c SourceChan) ReadFrame(ctx context.Context) (*Frame, error) {
	select {
	case f, ok := <-c:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SinkChan adapts a send channel to Sink. The channel send is the write
// acknowledgment: WriteFrame returns once the consumer side has accepted
// the frame (or buffered it, for a buffered channel).
type SinkChan chan<- *Frame

// WriteFrame delivers f to the channel, or returns ctx.Err() on cancellation.
func (c SinkChan) WriteFrame(ctx context.Context, f *Frame) error {
	select {
	case c <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
