// Package group owns the secure-group-messaging state for a single worker
// instance: local identity, group membership, epoch secrets, and the
// per-message and per-frame ciphers derived from them.
//
// A worker holds exactly one session. Lifecycle operations mutate it and
// stream transforms read it; the package performs no internal locking, so
// the host must not overlap lifecycle and stream commands on one instance.
package group

// Engine is the group-session contract consumed by the worker dispatcher.
// Session is the production implementation; tests substitute stubs.
type Engine interface {
	// NewState creates a fresh local identity bound to id. It produces no
	// result aggregate; hosts that need the local credential for
	// publication use Session.KeyPackage.
	NewState(id string) error

	// NewStateAndStartGroup creates the identity and then originates a new
	// group with it as sole member.
	NewStateAndStartGroup(id string) error

	// AddUser decodes and verifies an admission credential, registers the
	// member, and returns the artifacts the host must distribute: the new
	// safety number, a welcome package for the new member, and broadcast
	// proposal messages for existing members.
	AddUser(keyPackage []byte) (*Result, error)

	// Encrypt encrypts one frame payload under the current epoch's frame key.
	Encrypt(payload []byte) ([]byte, error)

	// Decrypt reverses Encrypt for a payload produced in the current epoch.
	Decrypt(payload []byte) ([]byte, error)
}

// Result is the aggregate a lifecycle operation may produce. Every field is
// independently optional; Proposals may be empty.
type Result struct {
	NewSafetyNumber []byte
	KeyPackage      *KeyPackage
	Welcome         *WelcomePackage
	Proposals       []*Message
}

// Empty reports whether the aggregate carries nothing to send.
func (r *Result) Empty() bool {
	return r == nil ||
		(len(r.NewSafetyNumber) == 0 && r.KeyPackage == nil &&
			r.Welcome == nil && len(r.Proposals) == 0)
}

// WelcomePackage pairs the sealed welcome for a newly admitted member with
// the membership tree snapshot it needs to reconstruct the group.
type WelcomePackage struct {
	Welcome     *Welcome
	RatchetTree *RatchetTree
}
