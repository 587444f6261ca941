package transport

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/veil/media"
	"github.com/zsiec/veil/worker"
)

// Client drives one worker session over QUIC. Commands must not overlap:
// the worker handles one command at a time, and the stream commands block
// until end of stream.
type Client struct {
	log   *slog.Logger
	conn  quic.Connection
	table *streamTable

	nextHandle atomic.Uint64
	cancel     context.CancelFunc
}

// Dial connects to a worker endpoint, pinning the server certificate by its
// SHA-256 fingerprint instead of CA validation.
func Dial(ctx context.Context, addr string, fingerprint [32]byte, log *slog.Logger) (*Client, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: true, // replaced by fingerprint pinning below
		NextProtos:         []string{NextProto},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				if sha256.Sum256(raw) == fingerprint {
					return nil
				}
			}
			return errors.New("transport: server certificate does not match pinned fingerprint")
		},
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	acceptCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		log:    log.With("component", "client"),
		conn:   conn,
		table:  newStreamTable(),
		cancel: cancel,
	}
	go c.acceptFrameStreams(acceptCtx)
	return c, nil
}

// Close tears down the connection and with it the worker session.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.CloseWithError(0, "client closed")
}

func (c *Client) acceptFrameStreams(ctx context.Context) {
	for {
		str, err := c.conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		br := bufio.NewReader(str)
		handle, err := quicvarint.Read(br)
		if err != nil {
			c.log.Warn("frame stream without handle prefix", "error", err)
			str.CancelRead(quic.StreamErrorCode(1))
			continue
		}
		if !c.table.deliver(handle, str, br) {
			c.log.Warn("duplicate frame stream handle", "handle", handle)
			str.CancelRead(quic.StreamErrorCode(1))
		}
	}
}

// roundTrip sends one command envelope and reads the reply.
func (c *Client) roundTrip(ctx context.Context, env commandEnvelope) (*worker.Response, error) {
	data, err := marshalEnvelope(env)
	if err != nil {
		return nil, err
	}

	str, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open command stream: %w", err)
	}
	if err := WriteEnvelope(str, data); err != nil {
		return nil, fmt.Errorf("write command envelope: %w", err)
	}
	if err := str.Close(); err != nil {
		return nil, fmt.Errorf("finish command stream: %w", err)
	}

	return ReadReply(bufio.NewReader(str))
}

// Initialize establishes the caller's identity on the worker.
func (c *Client) Initialize(ctx context.Context, id string) (*worker.Response, error) {
	return c.roundTrip(ctx, commandEnvelope{Type: "initialize", ID: id})
}

// InitializeAndCreateGroup establishes the caller's identity and starts a
// new one-member group.
func (c *Client) InitializeAndCreateGroup(ctx context.Context, id string) (*worker.Response, error) {
	return c.roundTrip(ctx, commandEnvelope{Type: "initializeAndCreateGroup", ID: id})
}

// UserJoined admits a new member from their serialized key package.
func (c *Client) UserJoined(ctx context.Context, keyPackage []byte) (*worker.Response, error) {
	return c.roundTrip(ctx, commandEnvelope{Type: "userJoined", KeyPkg: keyPackage})
}

// EncryptStream streams frames from src through the worker's encrypting
// pipeline and delivers the results to sink. It blocks until src signals
// end of stream and the reply arrives.
func (c *Client) EncryptStream(ctx context.Context, src media.Source, sink media.Sink) error {
	return c.streamCommand(ctx, "encryptStream", src, sink)
}

// DecryptStream is the decrypting counterpart of EncryptStream.
func (c *Client) DecryptStream(ctx context.Context, src media.Source, sink media.Sink) error {
	return c.streamCommand(ctx, "decryptStream", src, sink)
}

func (c *Client) streamCommand(ctx context.Context, kind string, src media.Source, sink media.Sink) error {
	in := c.nextHandle.Add(1)
	out := c.nextHandle.Add(1)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.pushFrames(ctx, in, src) })
	g.Go(func() error { return c.pullFrames(ctx, out, sink) })
	g.Go(func() error {
		_, err := c.roundTrip(ctx, commandEnvelope{Type: kind, In: &in, Out: &out})
		return err
	})
	return g.Wait()
}

// pushFrames opens the input frame stream and forwards frames from src
// until it signals end of stream, then FINs the stream.
func (c *Client) pushFrames(ctx context.Context, handle uint64, src media.Source) error {
	str, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open frame stream: %w", err)
	}
	if _, err := str.Write(quicvarint.Append(nil, handle)); err != nil {
		return fmt.Errorf("write frame stream handle: %w", err)
	}

	for {
		f, err := src.ReadFrame(ctx)
		if errors.Is(err, io.EOF) {
			return str.Close()
		}
		if err != nil {
			str.CancelWrite(quic.StreamErrorCode(1))
			return fmt.Errorf("read frame: %w", err)
		}
		if err := WriteFrame(str, f); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
}

// pullFrames waits for the worker-opened output stream and forwards frames
// to sink until the worker FINs it.
func (c *Client) pullFrames(ctx context.Context, handle uint64, sink media.Sink) error {
	br, err := c.table.await(ctx, handle)
	if err != nil {
		return fmt.Errorf("await frame stream %d: %w", handle, err)
	}

	for {
		f, err := ReadFrame(br)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if err := sink.WriteFrame(ctx, f); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
}
