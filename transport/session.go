package transport

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/veil/group"
	"github.com/zsiec/veil/media"
	"github.com/zsiec/veil/worker"
)

// Session is the server side of one caller connection. It owns the worker
// instance for that caller and serializes command handling: commands are
// accepted and dispatched one at a time, so the engine never sees
// overlapping calls.
type Session struct {
	id          string
	log         *slog.Logger
	conn        quic.Connection
	dispatcher  *worker.Dispatcher
	table       *streamTable
	connectedAt time.Time
}

func newSession(conn quic.Connection, engine group.Engine, log *slog.Logger) *Session {
	id := uuid.NewString()
	log = log.With("component", "session", "session", id)
	return &Session{
		id:          id,
		log:         log,
		conn:        conn,
		dispatcher:  worker.NewDispatcher(engine, log),
		table:       newStreamTable(),
		connectedAt: time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

func (s *Session) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptFrameStreams(ctx) })
	g.Go(func() error { return s.serveCommands(ctx) })
	return g.Wait()
}

// acceptFrameStreams parks incoming unidirectional streams in the handle
// table so a later (or already running) command can claim them.
func (s *Session) acceptFrameStreams(ctx context.Context) error {
	for {
		str, err := s.conn.AcceptUniStream(ctx)
		if err != nil {
			return fmt.Errorf("accept frame stream: %w", err)
		}

		br := bufio.NewReader(str)
		handle, err := quicvarint.Read(br)
		if err != nil {
			s.log.Warn("frame stream without handle prefix", "error", err)
			str.CancelRead(quic.StreamErrorCode(1))
			continue
		}
		if !s.table.deliver(handle, str, br) {
			s.log.Warn("duplicate frame stream handle", "handle", handle)
			str.CancelRead(quic.StreamErrorCode(1))
		}
	}
}

func (s *Session) serveCommands(ctx context.Context) error {
	for {
		str, err := s.conn.AcceptStream(ctx)
		if err != nil {
			return fmt.Errorf("accept command stream: %w", err)
		}
		// Synchronous handling keeps commands strictly ordered per caller.
		s.handleCommand(ctx, str)
	}
}

func (s *Session) handleCommand(ctx context.Context, str quic.Stream) {
	defer str.Close()

	data, err := ReadEnvelope(bufio.NewReader(str))
	if err != nil {
		s.log.Warn("bad command stream", "error", err)
		if werr := WriteFault(str, err); werr != nil {
			s.log.Debug("writing fault reply", "error", werr)
		}
		return
	}

	streams := &cmdStreams{sess: s, ctx: ctx}
	resp, err := s.dispatcher.DispatchEnvelope(ctx, data, streams)
	streams.closeAll()

	if err != nil {
		s.log.Warn("command failed", "error", err)
		if werr := WriteFault(str, err); werr != nil {
			s.log.Debug("writing fault reply", "error", werr)
		}
		return
	}
	if err := WriteResponse(str, resp); err != nil {
		s.log.Warn("writing command reply", "error", err)
	}
}

// cmdStreams resolves a command's stream handles against the session: input
// handles rendezvous with caller-opened unidirectional streams, output
// handles open a new unidirectional stream back to the caller tagged with
// the handle. Opened sinks and requested sources are tracked so the session
// can FIN the sinks and discard unclaimed input streams once the command
// finishes.
type cmdStreams struct {
	sess    *Session
	ctx     context.Context
	sources []*frameSource
	sinks   []*frameSink
}

func (c *cmdStreams) Source(handle uint64) (media.Source, error) {
	src := &frameSource{table: c.sess.table, handle: handle}
	c.sources = append(c.sources, src)
	return src, nil
}

func (c *cmdStreams) Sink(handle uint64) (media.Sink, error) {
	str, err := c.sess.conn.OpenUniStreamSync(c.ctx)
	if err != nil {
		return nil, fmt.Errorf("open frame stream: %w", err)
	}
	if _, err := str.Write(quicvarint.Append(nil, handle)); err != nil {
		return nil, fmt.Errorf("write frame stream handle: %w", err)
	}
	sink := &frameSink{str: str}
	c.sinks = append(c.sinks, sink)
	return sink, nil
}

func (c *cmdStreams) closeAll() {
	for _, sink := range c.sinks {
		if err := sink.Close(); err != nil {
			c.sess.log.Debug("closing frame sink", "error", err)
		}
	}
	c.sinks = nil
	// A command that faulted before its first read leaves its input stream
	// parked in the table; drop it so it does not sit there for the
	// connection lifetime.
	for _, src := range c.sources {
		if src.r == nil {
			c.sess.table.discard(src.handle)
		}
	}
	c.sources = nil
}

// streamTable is the rendezvous between incoming frame streams and the
// commands that consume them, keyed by handle. Either side may arrive
// first.
type streamTable struct {
	mu      sync.Mutex
	arrived map[uint64]parkedStream
	waiting map[uint64]chan parkedStream
}

// parkedStream keeps the receive stream next to its buffered reader so a
// discarded stream's read side can be cancelled.
type parkedStream struct {
	str quic.ReceiveStream
	br  *bufio.Reader
}

func newStreamTable() *streamTable {
	return &streamTable{
		arrived: make(map[uint64]parkedStream),
		waiting: make(map[uint64]chan parkedStream),
	}
}

// deliver hands an arrived stream to a waiting consumer, or parks it.
// Returns false if the handle already has a parked stream.
func (t *streamTable) deliver(handle uint64, str quic.ReceiveStream, br *bufio.Reader) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps := parkedStream{str: str, br: br}
	if ch, ok := t.waiting[handle]; ok {
		delete(t.waiting, handle)
		ch <- ps
		return true
	}
	if _, ok := t.arrived[handle]; ok {
		return false
	}
	t.arrived[handle] = ps
	return true
}

// await blocks until a stream for handle arrives or ctx is done.
func (t *streamTable) await(ctx context.Context, handle uint64) (*bufio.Reader, error) {
	t.mu.Lock()
	if ps, ok := t.arrived[handle]; ok {
		delete(t.arrived, handle)
		t.mu.Unlock()
		return ps.br, nil
	}
	ch := make(chan parkedStream, 1)
	t.waiting[handle] = ch
	t.mu.Unlock()

	select {
	case ps := <-ch:
		return ps.br, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.waiting, handle)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// discard drops a parked stream nobody claimed and cancels its read side.
func (t *streamTable) discard(handle uint64) {
	t.mu.Lock()
	ps, ok := t.arrived[handle]
	if ok {
		delete(t.arrived, handle)
	}
	t.mu.Unlock()
	if ok && ps.str != nil {
		ps.str.CancelRead(quic.StreamErrorCode(1))
	}
}

// frameSource reads frame records from a peer-opened unidirectional stream,
// waiting for the stream to arrive on first read.
type frameSource struct {
	table  *streamTable
	handle uint64
	r      *bufio.Reader
}

func (s *frameSource) ReadFrame(ctx context.Context) (*media.Frame, error) {
	if s.r == nil {
		br, err := s.table.await(ctx, s.handle)
		if err != nil {
			return nil, fmt.Errorf("await frame stream %d: %w", s.handle, err)
		}
		s.r = br
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ReadFrame(s.r)
}

// frameSink writes frame records to an outgoing unidirectional stream.
// Close sends the FIN that marks end of stream for the peer.
type frameSink struct {
	str quic.SendStream
}

func (s *frameSink) WriteFrame(ctx context.Context, f *media.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return WriteFrame(s.str, f)
}

func (s *frameSink) Close() error {
	return s.str.Close()
}
