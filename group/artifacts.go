package group

import (
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"
)

// maxMembers bounds the decoded membership list; a call worker never sees
// groups remotely near this size.
const maxMembers = 1 << 12

// KeyPackage is the credential a prospective member publishes to be admitted
// into a group: identity, an HPKE init key welcomes are sealed to, a signing
// key, and a self-signature binding them together.
type KeyPackage struct {
	UserID  string
	InitKey []byte // KEM public key
	SigKey  []byte // ed25519 public key
	Sig     []byte
}

// MarshalBinary encodes the key package. It fails if any field is absent or
// exceeds the wire field limit.
func (kp *KeyPackage) MarshalBinary() ([]byte, error) {
	if kp.UserID == "" || len(kp.InitKey) == 0 || len(kp.SigKey) == 0 || len(kp.Sig) == 0 {
		return nil, fmt.Errorf("key package: incomplete")
	}
	var buf []byte
	var err error
	for _, field := range [][]byte{[]byte(kp.UserID), kp.InitKey, kp.SigKey, kp.Sig} {
		if buf, err = appendBytes(buf, field); err != nil {
			return nil, fmt.Errorf("key package: %w", err)
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes a key package. Signature verification is the
// caller's responsibility.
func (kp *KeyPackage) UnmarshalBinary(data []byte) error {
	r := newWireReader(data)
	fields := make([][]byte, 4)
	for i := range fields {
		b, err := r.readBytes()
		if err != nil {
			return fmt.Errorf("key package: %w", err)
		}
		fields[i] = b
	}
	if r.remaining() != 0 {
		return fmt.Errorf("key package: %d trailing bytes", r.remaining())
	}
	kp.UserID = string(fields[0])
	kp.InitKey = fields[1]
	kp.SigKey = fields[2]
	kp.Sig = fields[3]
	return nil
}

// signedContent is the byte string the key package signature covers.
func (kp *KeyPackage) signedContent() []byte {
	content := make([]byte, 0, len(kp.UserID)+len(kp.InitKey)+len(kp.SigKey))
	content = append(content, kp.UserID...)
	content = append(content, kp.InitKey...)
	content = append(content, kp.SigKey...)
	return content
}

// Welcome is the HPKE-sealed group state handed to a newly admitted member:
// the KEM encapsulation plus the sealed group info.
type Welcome struct {
	Enc    []byte
	Sealed []byte
}

// MarshalBinary encodes the welcome blob.
func (w *Welcome) MarshalBinary() ([]byte, error) {
	if len(w.Enc) == 0 || len(w.Sealed) == 0 {
		return nil, fmt.Errorf("welcome: incomplete")
	}
	buf, err := appendBytes(nil, w.Enc)
	if err != nil {
		return nil, fmt.Errorf("welcome: %w", err)
	}
	if buf, err = appendBytes(buf, w.Sealed); err != nil {
		return nil, fmt.Errorf("welcome: %w", err)
	}
	return buf, nil
}

// UnmarshalBinary decodes a welcome blob.
func (w *Welcome) UnmarshalBinary(data []byte) error {
	r := newWireReader(data)
	enc, err := r.readBytes()
	if err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	sealed, err := r.readBytes()
	if err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	if r.remaining() != 0 {
		return fmt.Errorf("welcome: %d trailing bytes", r.remaining())
	}
	w.Enc = enc
	w.Sealed = sealed
	return nil
}

// Member is one entry of the membership tree snapshot.
type Member struct {
	UserID  string
	InitKey []byte
	SigKey  []byte
}

// RatchetTree is the membership snapshot distributed alongside a welcome so
// the new member can reconstruct the group roster.
type RatchetTree struct {
	Members []Member
}

// MarshalBinary encodes the membership snapshot.
func (t *RatchetTree) MarshalBinary() ([]byte, error) {
	buf, err := appendMembers(nil, t.Members)
	if err != nil {
		return nil, fmt.Errorf("ratchet tree: %w", err)
	}
	return buf, nil
}

// UnmarshalBinary decodes a membership snapshot.
func (t *RatchetTree) UnmarshalBinary(data []byte) error {
	r := newWireReader(data)
	members, err := readMembers(r)
	if err != nil {
		return fmt.Errorf("ratchet tree: %w", err)
	}
	if r.remaining() != 0 {
		return fmt.Errorf("ratchet tree: %d trailing bytes", r.remaining())
	}
	t.Members = members
	return nil
}

// Proposal body kinds carried inside a sealed Message.
const (
	proposalAdd    byte = 1
	proposalCommit byte = 2
)

// Message is a broadcast group control message: a proposal or commit sealed
// under the message key of the epoch it was issued in.
type Message struct {
	Epoch  uint64
	Sealed []byte // nonce || AEAD ciphertext
}

// MarshalBinary encodes the message.
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Sealed) == 0 {
		return nil, fmt.Errorf("message: incomplete")
	}
	buf := quicvarint.Append(nil, m.Epoch)
	buf, err := appendBytes(buf, m.Sealed)
	if err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	return buf, nil
}

// UnmarshalBinary decodes a message.
func (m *Message) UnmarshalBinary(data []byte) error {
	r := newWireReader(data)
	epoch, err := r.readVarint()
	if err != nil {
		return fmt.Errorf("message: %w", err)
	}
	sealed, err := r.readBytes()
	if err != nil {
		return fmt.Errorf("message: %w", err)
	}
	if r.remaining() != 0 {
		return fmt.Errorf("message: %d trailing bytes", r.remaining())
	}
	m.Epoch = epoch
	m.Sealed = sealed
	return nil
}

// groupInfo is the welcome plaintext: everything a new member needs to
// arrive at the group's current cryptographic state.
type groupInfo struct {
	groupID []byte
	epoch   uint64
	secret  []byte
	members []Member
}

func (gi *groupInfo) marshal() ([]byte, error) {
	buf, err := appendBytes(nil, gi.groupID)
	if err != nil {
		return nil, fmt.Errorf("group info: %w", err)
	}
	buf = quicvarint.Append(buf, gi.epoch)
	if buf, err = appendBytes(buf, gi.secret); err != nil {
		return nil, fmt.Errorf("group info: %w", err)
	}
	if buf, err = appendMembers(buf, gi.members); err != nil {
		return nil, fmt.Errorf("group info: %w", err)
	}
	return buf, nil
}

func (gi *groupInfo) unmarshal(data []byte) error {
	r := newWireReader(data)
	id, err := r.readBytes()
	if err != nil {
		return fmt.Errorf("group info: %w", err)
	}
	epoch, err := r.readVarint()
	if err != nil {
		return fmt.Errorf("group info: %w", err)
	}
	secret, err := r.readBytes()
	if err != nil {
		return fmt.Errorf("group info: %w", err)
	}
	members, err := readMembers(r)
	if err != nil {
		return fmt.Errorf("group info: %w", err)
	}
	if r.remaining() != 0 {
		return fmt.Errorf("group info: %d trailing bytes", r.remaining())
	}
	gi.groupID = id
	gi.epoch = epoch
	gi.secret = secret
	gi.members = members
	return nil
}

func appendMembers(buf []byte, members []Member) ([]byte, error) {
	buf = quicvarint.Append(buf, uint64(len(members)))
	var err error
	for _, m := range members {
		for _, field := range [][]byte{[]byte(m.UserID), m.InitKey, m.SigKey} {
			if buf, err = appendBytes(buf, field); err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

func readMembers(r *wireReader) ([]Member, error) {
	count, err := r.readVarint()
	if err != nil {
		return nil, err
	}
	if count > maxMembers {
		return nil, fmt.Errorf("member count %d exceeds limit", count)
	}
	members := make([]Member, count)
	for i := range members {
		id, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		initKey, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		sigKey, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		members[i] = Member{UserID: string(id), InitKey: initKey, SigKey: sigKey}
	}
	return members, nil
}
