package storage

import "errors"

// Error taxonomy for the storage layer. Handlers map these to HTTP status
// codes with errors.Is; provider code wraps them with call context.
var (
	// ErrAuthentication means the remote rejected the credentials, or a
	// token stayed invalid after the single re-authorization retry.
	ErrAuthentication = errors.New("authentication failed")

	// ErrNotAuthenticated means the operation requires a prior Connect
	// (or a rehydrated auth snapshot) on this instance.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrConfiguration means a required credential field is missing.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrNotImplemented marks capabilities a provider does not support.
	ErrNotImplemented = errors.New("not implemented")

	// ErrNotFound means the object path or connection does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate means a (name, type) connection pair already exists.
	ErrDuplicate = errors.New("duplicate connection")

	// ErrUnknownProvider means the connection type is outside the
	// supported enumeration.
	ErrUnknownProvider = errors.New("unknown storage provider")
)
