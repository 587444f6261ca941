// Package worker implements per-caller command dispatch: decoding host
// command envelopes, routing them to the group engine or the frame pipeline,
// and marshaling engine output into response envelopes.
//
// Each worker instance serves exactly one caller. The host drives it with a
// small fixed command set; commands on a single instance are handled one at
// a time, in the order they arrive.
package worker

import (
	"encoding/json"
	"fmt"

	"github.com/zsiec/veil/media"
)

// Command names accepted on the wire.
const (
	cmdInitialize               = "initialize"
	cmdInitializeAndCreateGroup = "initializeAndCreateGroup"
	cmdUserJoined               = "userJoined"
	cmdEncryptStream            = "encryptStream"
	cmdDecryptStream            = "decryptStream"
)

// StreamResolver binds numeric stream handles from a command envelope to
// live frame endpoints. The transport session implements this over QUIC
// streams; in-process callers can back it with channels.
type StreamResolver interface {
	Source(handle uint64) (media.Source, error)
	Sink(handle uint64) (media.Sink, error)
}

// Command is a decoded host command. The set is closed; DecodeEnvelope is
// the only constructor path from wire bytes.
type Command interface {
	// Kind returns the wire name of the command.
	Kind() string
}

// InitializeIdentity establishes the caller's cryptographic identity
// without creating a group.
type InitializeIdentity struct {
	ID string
}

// InitializeIdentityAndGroup establishes the caller's identity and starts a
// new group with the caller as sole member.
type InitializeIdentityAndGroup struct {
	ID string
}

// AdmitMember adds a new member to the group from their key package.
type AdmitMember struct {
	KeyPackage []byte
}

// EncryptStream runs the frame pipeline from In to Out through the engine's
// encrypt transform until In signals end of stream.
type EncryptStream struct {
	In  media.Source
	Out media.Sink
}

// DecryptStream is the decrypting counterpart of EncryptStream.
type DecryptStream struct {
	In  media.Source
	Out media.Sink
}

func (InitializeIdentity) Kind() string         { return cmdInitialize }
func (InitializeIdentityAndGroup) Kind() string { return cmdInitializeAndCreateGroup }
func (AdmitMember) Kind() string                { return cmdUserJoined }
func (EncryptStream) Kind() string              { return cmdEncryptStream }
func (DecryptStream) Kind() string              { return cmdDecryptStream }

// envelope is the raw JSON shape of a command. Fields are kept as raw
// messages so each command can enforce presence and type of exactly the
// fields it needs.
type envelope struct {
	Type   *string         `json:"type"`
	ID     json.RawMessage `json:"id"`
	KeyPkg json.RawMessage `json:"keyPkg"`
	In     json.RawMessage `json:"in"`
	Out    json.RawMessage `json:"out"`
}

// DecodeEnvelope parses a command envelope and resolves any stream handles
// through streams. An absent or unrecognized type field yields
// ErrUnknownCommand; a missing or mistyped required field yields
// ErrMalformedEvent.
func DecodeEnvelope(data []byte, streams StreamResolver) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrUnknownCommand)
	}

	switch *env.Type {
	case cmdInitialize:
		id, err := stringField(env.ID, "id")
		if err != nil {
			return nil, err
		}
		return InitializeIdentity{ID: id}, nil

	case cmdInitializeAndCreateGroup:
		id, err := stringField(env.ID, "id")
		if err != nil {
			return nil, err
		}
		return InitializeIdentityAndGroup{ID: id}, nil

	case cmdUserJoined:
		kp, err := bytesField(env.KeyPkg, "keyPkg")
		if err != nil {
			return nil, err
		}
		return AdmitMember{KeyPackage: kp}, nil

	case cmdEncryptStream:
		in, out, err := resolveStreams(env, streams)
		if err != nil {
			return nil, err
		}
		return EncryptStream{In: in, Out: out}, nil

	case cmdDecryptStream:
		in, out, err := resolveStreams(env, streams)
		if err != nil {
			return nil, err
		}
		return DecryptStream{In: in, Out: out}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, *env.Type)
	}
}

func resolveStreams(env envelope, streams StreamResolver) (media.Source, media.Sink, error) {
	inHandle, err := uintField(env.In, "in")
	if err != nil {
		return nil, nil, err
	}
	outHandle, err := uintField(env.Out, "out")
	if err != nil {
		return nil, nil, err
	}
	if streams == nil {
		return nil, nil, fmt.Errorf("worker: no stream resolver for command")
	}
	in, err := streams.Source(inHandle)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve in stream %d: %w", inHandle, err)
	}
	out, err := streams.Sink(outHandle)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve out stream %d: %w", outHandle, err)
	}
	return in, out, nil
}

// missing reports whether a required field is absent. json.Unmarshal
// treats a literal null as a no-op, so null counts as absent too.
func missing(raw json.RawMessage) bool {
	return raw == nil || string(raw) == "null"
}

func stringField(raw json.RawMessage, name string) (string, error) {
	if missing(raw) {
		return "", fmt.Errorf("%w: missing %s", ErrMalformedEvent, name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: field %s: %v", ErrMalformedEvent, name, err)
	}
	return s, nil
}

func bytesField(raw json.RawMessage, name string) ([]byte, error) {
	if missing(raw) {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedEvent, name)
	}
	var b []byte
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: field %s: %v", ErrMalformedEvent, name, err)
	}
	return b, nil
}

func uintField(raw json.RawMessage, name string) (uint64, error) {
	if missing(raw) {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedEvent, name)
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: field %s: %v", ErrMalformedEvent, name, err)
	}
	return n, nil
}
