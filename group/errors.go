package group

import "errors"

// Session failure modes. All are fatal to the current operation only;
// session state is left unchanged when an operation fails.
var (
	ErrNotInitialized = errors.New("group: no local identity")
	ErrInitialized    = errors.New("group: identity already exists")
	ErrNoGroup        = errors.New("group: not a member of a group")
	ErrInGroup        = errors.New("group: already a member of a group")
	ErrBadKeyPackage  = errors.New("group: invalid key package")
	ErrBadWelcome     = errors.New("group: invalid welcome package")
	ErrBadMessage     = errors.New("group: invalid group message")
	ErrDecrypt        = errors.New("group: decryption failed")
)
