package group

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// HPKE suite for welcome sealing: X25519 key agreement, HKDF-SHA256,
// ChaCha20-Poly1305.
var (
	hpkeKEM   = hpke.KEM_X25519_HKDF_SHA256
	hpkeSuite = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_ChaCha20Poly1305)
)

const (
	groupIDLen = 16
	secretLen  = 32
)

// HPKE info strings, bound so welcomes cannot be replayed as other content.
var welcomeInfo = []byte("veil welcome v1")

// Session is the production Engine: the secure-group state of one worker
// instance. It is not safe for concurrent use; the worker dispatches one
// command at a time, which is the only synchronization this type assumes.
type Session struct {
	log *slog.Logger

	userID  string
	sigPriv ed25519.PrivateKey
	kemPub  kem.PublicKey
	kemPriv kem.PrivateKey
	kp      *KeyPackage

	state *groupState
}

// groupState is the per-epoch cryptographic state shared by all members.
type groupState struct {
	id      []byte
	epoch   uint64
	secret  []byte
	members []Member

	frameKey []byte
	msgKey   []byte
}

var _ Engine = (*Session)(nil)

// NewSession creates an empty session with no identity and no group.
// If log is nil, slog.Default() is used.
func NewSession(log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{log: log.With("component", "group-session")}
}

// NewState creates a fresh local identity bound to id: a KEM keypair for
// welcome decryption and an ed25519 keypair signing the key package.
func (s *Session) NewState(id string) error {
	if s.sigPriv != nil {
		return ErrInitialized
	}
	if id == "" {
		return fmt.Errorf("group: empty user id")
	}

	kemPub, kemPriv, err := hpkeKEM.Scheme().GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate init key: %w", err)
	}
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}

	initKey, err := kemPub.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal init key: %w", err)
	}

	kp := &KeyPackage{
		UserID:  id,
		InitKey: initKey,
		SigKey:  sigPub,
	}
	digest := sha256.Sum256(kp.signedContent())
	kp.Sig = ed25519.Sign(sigPriv, digest[:])

	s.userID = id
	s.sigPriv = sigPriv
	s.kemPub = kemPub
	s.kemPriv = kemPriv
	s.kp = kp

	s.log.Info("identity created", "user", id)
	return nil
}

// NewStateAndStartGroup creates the identity and originates a new group with
// it as sole member.
func (s *Session) NewStateAndStartGroup(id string) error {
	if err := s.NewState(id); err != nil {
		return err
	}

	groupID := make([]byte, groupIDLen)
	if _, err := rand.Read(groupID); err != nil {
		return fmt.Errorf("generate group id: %w", err)
	}
	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate group secret: %w", err)
	}

	st := &groupState{
		id:      groupID,
		epoch:   1,
		secret:  secret,
		members: []Member{s.selfMember()},
	}
	st.deriveKeys()
	s.state = st

	s.log.Info("group started", "user", id, "epoch", st.epoch)
	return nil
}

// AddUser verifies keyPackage, ratchets the group forward one epoch with the
// new member included, and returns the artifacts the host must distribute.
// Membership is accepted at face value; admission policy lives with the host.
func (s *Session) AddUser(keyPackage []byte) (*Result, error) {
	if s.sigPriv == nil {
		return nil, ErrNotInitialized
	}
	if s.state == nil {
		return nil, ErrNoGroup
	}

	var kp KeyPackage
	if err := kp.UnmarshalBinary(keyPackage); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadKeyPackage, err)
	}
	if err := verifyKeyPackage(&kp); err != nil {
		return nil, err
	}
	for _, m := range s.state.members {
		if m.UserID == kp.UserID {
			return nil, fmt.Errorf("%w: %q is already a member", ErrBadKeyPackage, kp.UserID)
		}
	}

	// Proposals are sealed under the epoch being left behind so that
	// existing members can read them before ratcheting.
	prev := s.state
	addMsg, err := prev.sealMessage(proposalAdd, keyPackage)
	if err != nil {
		return nil, err
	}

	next := &groupState{
		id:      prev.id,
		epoch:   prev.epoch + 1,
		secret:  ratchetSecret(prev.secret, prev.id, prev.epoch+1),
		members: append(append([]Member(nil), prev.members...), Member{UserID: kp.UserID, InitKey: kp.InitKey, SigKey: kp.SigKey}),
	}
	next.deriveKeys()

	var commitBuf [8]byte
	binary.BigEndian.PutUint64(commitBuf[:], next.epoch)
	commitMsg, err := prev.sealMessage(proposalCommit, commitBuf[:])
	if err != nil {
		return nil, err
	}

	welcome, err := sealWelcome(&kp, &groupInfo{
		groupID: next.id,
		epoch:   next.epoch,
		secret:  next.secret,
		members: next.members,
	})
	if err != nil {
		return nil, err
	}

	s.state = next
	s.log.Info("member admitted", "user", kp.UserID, "epoch", next.epoch, "members", len(next.members))

	return &Result{
		NewSafetyNumber: next.safetyNumber(),
		KeyPackage:      s.kp,
		Welcome: &WelcomePackage{
			Welcome:     welcome,
			RatchetTree: &RatchetTree{Members: next.members},
		},
		Proposals: []*Message{addMsg, commitMsg},
	}, nil
}

// Join consumes a welcome package produced by AddUser on the admitting side,
// installing the group state it carries. The session must have an identity
// and must not already be in a group.
func (s *Session) Join(welcomeBytes, ratchetTreeBytes []byte) error {
	if s.sigPriv == nil {
		return ErrNotInitialized
	}
	if s.state != nil {
		return ErrInGroup
	}

	var w Welcome
	if err := w.UnmarshalBinary(welcomeBytes); err != nil {
		return fmt.Errorf("%w: %w", ErrBadWelcome, err)
	}

	receiver, err := hpkeSuite.NewReceiver(s.kemPriv, welcomeInfo)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadWelcome, err)
	}
	opener, err := receiver.Setup(w.Enc)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadWelcome, err)
	}
	plaintext, err := opener.Open(w.Sealed, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBadWelcome, err)
	}

	var gi groupInfo
	if err := gi.unmarshal(plaintext); err != nil {
		return fmt.Errorf("%w: %w", ErrBadWelcome, err)
	}
	if len(gi.secret) != secretLen || len(gi.groupID) == 0 {
		return fmt.Errorf("%w: malformed group info", ErrBadWelcome)
	}

	var tree RatchetTree
	if err := tree.UnmarshalBinary(ratchetTreeBytes); err != nil {
		return fmt.Errorf("%w: %w", ErrBadWelcome, err)
	}
	if !membersEqual(tree.Members, gi.members) {
		return fmt.Errorf("%w: ratchet tree does not match welcome", ErrBadWelcome)
	}

	found := false
	for _, m := range gi.members {
		if m.UserID == s.userID && bytes.Equal(m.InitKey, s.kp.InitKey) {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: local identity not in member list", ErrBadWelcome)
	}

	st := &groupState{
		id:      gi.groupID,
		epoch:   gi.epoch,
		secret:  gi.secret,
		members: gi.members,
	}
	st.deriveKeys()
	s.state = st

	s.log.Info("joined group", "user", s.userID, "epoch", st.epoch, "members", len(st.members))
	return nil
}

// ProcessMessage applies a broadcast proposal or commit from another member.
// Add proposals extend the roster; a commit ratchets this member to the new
// epoch. Messages from any epoch other than the current one are rejected.
func (s *Session) ProcessMessage(msgBytes []byte) error {
	if s.state == nil {
		return ErrNoGroup
	}

	var msg Message
	if err := msg.UnmarshalBinary(msgBytes); err != nil {
		return fmt.Errorf("%w: %w", ErrBadMessage, err)
	}
	if msg.Epoch != s.state.epoch {
		return fmt.Errorf("%w: message epoch %d, current epoch %d", ErrBadMessage, msg.Epoch, s.state.epoch)
	}

	kind, body, err := s.state.openMessage(&msg)
	if err != nil {
		return err
	}

	switch kind {
	case proposalAdd:
		var kp KeyPackage
		if err := kp.UnmarshalBinary(body); err != nil {
			return fmt.Errorf("%w: %w", ErrBadMessage, err)
		}
		if err := verifyKeyPackage(&kp); err != nil {
			return err
		}
		for _, m := range s.state.members {
			if m.UserID == kp.UserID {
				return nil // duplicate add, already applied
			}
		}
		s.state.members = append(s.state.members, Member{UserID: kp.UserID, InitKey: kp.InitKey, SigKey: kp.SigKey})
		s.log.Debug("add proposal applied", "user", kp.UserID, "members", len(s.state.members))
		return nil

	case proposalCommit:
		if len(body) != 8 {
			return fmt.Errorf("%w: commit body of %d bytes", ErrBadMessage, len(body))
		}
		newEpoch := binary.BigEndian.Uint64(body)
		if newEpoch != s.state.epoch+1 {
			return fmt.Errorf("%w: commit to epoch %d from epoch %d", ErrBadMessage, newEpoch, s.state.epoch)
		}
		s.state.secret = ratchetSecret(s.state.secret, s.state.id, newEpoch)
		s.state.epoch = newEpoch
		s.state.deriveKeys()
		s.log.Debug("epoch advanced", "epoch", newEpoch)
		return nil

	default:
		return fmt.Errorf("%w: unknown proposal kind %d", ErrBadMessage, kind)
	}
}

// Encrypt encrypts one frame payload under the current epoch's frame key.
// The 12-byte nonce is prepended to the ciphertext.
func (s *Session) Encrypt(payload []byte) ([]byte, error) {
	if s.state == nil {
		return nil, ErrNoGroup
	}
	return seal(s.state.frameKey, s.state.aad("frame"), payload)
}

// Decrypt reverses Encrypt for a payload produced in the current epoch.
func (s *Session) Decrypt(payload []byte) ([]byte, error) {
	if s.state == nil {
		return nil, ErrNoGroup
	}
	plaintext, err := open(s.state.frameKey, s.state.aad("frame"), payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return plaintext, nil
}

// KeyPackage returns the local credential for publication to a group admitter.
func (s *Session) KeyPackage() (*KeyPackage, error) {
	if s.sigPriv == nil {
		return nil, ErrNotInitialized
	}
	return s.kp, nil
}

// SafetyNumber returns the fingerprint of the current group state.
func (s *Session) SafetyNumber() ([]byte, error) {
	if s.state == nil {
		return nil, ErrNoGroup
	}
	return s.state.safetyNumber(), nil
}

// Epoch returns the current group epoch, or 0 when not in a group.
func (s *Session) Epoch() uint64 {
	if s.state == nil {
		return 0
	}
	return s.state.epoch
}

// Members returns the current roster, or nil when not in a group.
func (s *Session) Members() []Member {
	if s.state == nil {
		return nil
	}
	return append([]Member(nil), s.state.members...)
}

func (s *Session) selfMember() Member {
	return Member{UserID: s.userID, InitKey: s.kp.InitKey, SigKey: s.kp.SigKey}
}

// verifyKeyPackage checks the self-signature binding a key package's
// identity and keys together.
func verifyKeyPackage(kp *KeyPackage) error {
	if len(kp.SigKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: signing key of %d bytes", ErrBadKeyPackage, len(kp.SigKey))
	}
	digest := sha256.Sum256(kp.signedContent())
	if !ed25519.Verify(ed25519.PublicKey(kp.SigKey), digest[:], kp.Sig) {
		return fmt.Errorf("%w: signature invalid", ErrBadKeyPackage)
	}
	return nil
}

// sealWelcome HPKE-seals the group info to the new member's init key.
func sealWelcome(kp *KeyPackage, gi *groupInfo) (*Welcome, error) {
	pub, err := hpkeKEM.Scheme().UnmarshalBinaryPublicKey(kp.InitKey)
	if err != nil {
		return nil, fmt.Errorf("%w: init key: %w", ErrBadKeyPackage, err)
	}

	plaintext, err := gi.marshal()
	if err != nil {
		return nil, err
	}

	sender, err := hpkeSuite.NewSender(pub, welcomeInfo)
	if err != nil {
		return nil, fmt.Errorf("seal welcome: %w", err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal welcome: %w", err)
	}
	sealed, err := sealer.Seal(plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("seal welcome: %w", err)
	}

	return &Welcome{Enc: enc, Sealed: sealed}, nil
}

// ratchetSecret derives the epoch secret for newEpoch from its predecessor.
// Every member of the previous epoch arrives at the same value.
func ratchetSecret(secret, groupID []byte, newEpoch uint64) []byte {
	info := make([]byte, 0, 16)
	info = append(info, "veil epoch"...)
	info = binary.BigEndian.AppendUint64(info, newEpoch)
	return deriveKey(secret, groupID, info)
}

// deriveKeys derives the per-epoch frame and message keys.
func (st *groupState) deriveKeys() {
	st.frameKey = deriveKey(st.secret, st.id, []byte("veil frame key"))
	st.msgKey = deriveKey(st.secret, st.id, []byte("veil message key"))
}

// aad binds ciphertexts to group, epoch, and purpose.
func (st *groupState) aad(purpose string) []byte {
	aad := make([]byte, 0, len(purpose)+len(st.id)+8)
	aad = append(aad, purpose...)
	aad = append(aad, st.id...)
	aad = binary.BigEndian.AppendUint64(aad, st.epoch)
	return aad
}

// sealMessage seals a proposal body under this epoch's message key.
func (st *groupState) sealMessage(kind byte, body []byte) (*Message, error) {
	plaintext := append([]byte{kind}, body...)
	sealed, err := seal(st.msgKey, st.aad("message"), plaintext)
	if err != nil {
		return nil, err
	}
	return &Message{Epoch: st.epoch, Sealed: sealed}, nil
}

// openMessage opens a proposal sealed in this epoch, returning kind and body.
func (st *groupState) openMessage(msg *Message) (byte, []byte, error) {
	plaintext, err := open(st.msgKey, st.aad("message"), msg.Sealed)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrBadMessage, err)
	}
	if len(plaintext) == 0 {
		return 0, nil, fmt.Errorf("%w: empty proposal", ErrBadMessage)
	}
	return plaintext[0], plaintext[1:], nil
}

// safetyNumber fingerprints the group state: roster, epoch, and a value
// derived from (but not revealing) the epoch secret. Members at the same
// epoch compute identical safety numbers.
func (st *groupState) safetyNumber() []byte {
	h := sha256.New()
	h.Write([]byte("veil safety number"))
	h.Write(st.id)
	var epochBuf [8]byte
	binary.BigEndian.PutUint64(epochBuf[:], st.epoch)
	h.Write(epochBuf[:])
	for _, m := range st.members {
		h.Write([]byte(m.UserID))
		h.Write(m.InitKey)
		h.Write(m.SigKey)
	}
	h.Write(deriveKey(st.secret, st.id, []byte("veil fingerprint")))
	return h.Sum(nil)
}

// deriveKey runs HKDF-SHA256 over secret with the group ID as salt.
func deriveKey(secret, salt, info []byte) []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		// HKDF cannot fail for a 32-byte read.
		panic(err)
	}
	return key
}

// seal encrypts plaintext with XChaCha20-Poly1305, prepending a random
// nonce. The 192-bit nonce keeps random generation safe under a long-lived
// per-epoch key; the 96-bit variant would carry a birthday bound on the
// number of frames sealed per epoch.
func seal(key, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead init: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// open reverses seal.
func open(key, aad, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead init: %w", err)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("sealed payload of %d bytes", len(sealed))
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ciphertext, aad)
}

// membersEqual compares two rosters entry by entry.
func membersEqual(a, b []Member) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UserID != b[i].UserID ||
			!bytes.Equal(a[i].InitKey, b[i].InitKey) ||
			!bytes.Equal(a[i].SigKey, b[i].SigKey) {
			return false
		}
	}
	return true
}
