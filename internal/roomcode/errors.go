package roomcode

import "errors"

var (
	// ErrInvalidAddress reports an address outside the supported private
	// ranges or a port outside the ephemeral range.
	ErrInvalidAddress = errors.New("roomcode: invalid address")

	// ErrInvalidCode reports a malformed or corrupt room code.
	ErrInvalidCode = errors.New("roomcode: invalid code")

	// ErrInvalidTag reports a packed word carrying the reserved range tag.
	ErrInvalidTag = errors.New("roomcode: invalid range tag")
)
