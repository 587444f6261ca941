package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/veil/group"
	"github.com/zsiec/veil/media"
	"github.com/zsiec/veil/pipeline"
)

// Dispatcher routes decoded commands to the group engine and, for stream
// commands, runs the frame pipeline to completion. It assumes the caller
// serializes Dispatch calls; the transport session does so per connection.
type Dispatcher struct {
	log    *slog.Logger
	engine group.Engine

	commands atomic.Int64
	pipe     atomic.Pointer[pipeline.Pipeline]
}

// NewDispatcher returns a dispatcher backed by engine.
func NewDispatcher(engine group.Engine, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		log:    log.With("component", "dispatcher"),
		engine: engine,
	}
}

// DispatchEnvelope decodes a raw command envelope and dispatches it.
func (d *Dispatcher) DispatchEnvelope(ctx context.Context, data []byte, streams StreamResolver) (*Response, error) {
	cmd, err := DecodeEnvelope(data, streams)
	if err != nil {
		d.log.Warn("rejected command envelope", "error", err)
		return nil, err
	}
	return d.Dispatch(ctx, cmd)
}

// Dispatch executes one command and marshals its outcome. Stream commands
// block until the source signals end of stream or the pipeline fails.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (*Response, error) {
	d.commands.Add(1)
	d.log.Info("dispatching command", "kind", cmd.Kind())

	switch c := cmd.(type) {
	case InitializeIdentity:
		if err := d.engine.NewState(c.ID); err != nil {
			return nil, fmt.Errorf("initialize identity: %w", err)
		}
		return &Response{}, nil

	case InitializeIdentityAndGroup:
		if err := d.engine.NewStateAndStartGroup(c.ID); err != nil {
			return nil, fmt.Errorf("initialize identity and group: %w", err)
		}
		return &Response{}, nil

	case AdmitMember:
		res, err := d.engine.AddUser(c.KeyPackage)
		if err != nil {
			return nil, fmt.Errorf("admit member: %w", err)
		}
		return MarshalResult(res)

	case EncryptStream:
		return d.runPipeline(ctx, c.In, c.Out, d.engine.Encrypt)

	case DecryptStream:
		return d.runPipeline(ctx, c.In, c.Out, d.engine.Decrypt)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Kind())
	}
}

func (d *Dispatcher) runPipeline(ctx context.Context, in media.Source, out media.Sink, tf pipeline.Transform) (*Response, error) {
	p := pipeline.New(in, out, tf, d.log)
	d.pipe.Store(p)
	if err := p.Run(ctx); err != nil {
		return nil, fmt.Errorf("stream pipeline: %w", err)
	}
	return &Response{}, nil
}

// Commands reports how many commands this dispatcher has handled.
func (d *Dispatcher) Commands() int64 {
	return d.commands.Load()
}

// PipelineStats reports progress of the most recent stream command, or a
// zero Stats when no stream command has run yet.
func (d *Dispatcher) PipelineStats() pipeline.Stats {
	p := d.pipe.Load()
	if p == nil {
		return pipeline.Stats{}
	}
	return p.Stats()
}
