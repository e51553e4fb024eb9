package consts

import "errors"

var (
	ErrMissingAttribute      = errors.New("missing mandatory attribute")
	ErrAddressMismatch       = errors.New("header addr does not match sender")
	ErrUnsupportedType       = errors.New("unsupported key type")
	ErrMalformedHeader       = errors.New("malformed autocrypt header")
	ErrConflictingHeaders    = errors.New("conflicting autocrypt headers")
	ErrNoHeader              = errors.New("no autocrypt header")
	ErrAccountNotInitialized = errors.New("account not initialized")
	ErrAccountExists         = errors.New("account already exists")

	ErrPeerNotFound       = errors.New("peer not found")
	ErrKeyNotFound        = errors.New("key not found")
	ErrInvalidAddress     = errors.New("invalid email address")
	ErrInvalidPreference  = errors.New("invalid prefer-encrypt value")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrLockTimeout        = errors.New("timed out waiting for peer state lock")
	ErrStoreClosed        = errors.New("peer state store closed")
	ErrUnknownStoreDriver = errors.New("unknown peer state store backend")
)
