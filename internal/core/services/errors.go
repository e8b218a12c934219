package services

import "errors"

// Execution errors
var (
	ErrEmptyCommand       = errors.New("execution: command body is empty")
	ErrNoTargets          = errors.New("execution: filter resolved to no hosts")
	ErrInvalidTargetOS    = errors.New("execution: invalid target os")
	ErrExecutionNotFound  = errors.New("execution: not found")
	ErrHistoryUnavailable = errors.New("execution: history store unavailable")
	ErrShuttingDown       = errors.New("execution: service is shutting down")
)

// Resolution errors. All of them wrap ErrResolution.
var (
	ErrResolution        = errors.New("resolve: filter cannot be resolved")
	ErrUnknownGroup      = errors.New("resolve: unknown group")
	ErrUnknownConnection = errors.New("resolve: unknown connection")
	ErrInvalidFilter     = errors.New("resolve: invalid filter")
	ErrInvalidPattern    = errors.New("resolve: invalid pattern")
)

// Runner errors
var (
	ErrNoExecutor   = errors.New("runner: no executor for connection")
	ErrNoCredential = errors.New("runner: no credential for host")
)

// Connection errors
var (
	ErrConnectionNotFound     = errors.New("connection: not found")
	ErrConnectionInvalidInput = errors.New("connection: invalid input")
	ErrGroupNotFound          = errors.New("group: not found")
	ErrGroupInvalidInput      = errors.New("group: invalid input")
	ErrCredentialNotFound     = errors.New("credential: not found")
	ErrCredentialInvalidInput = errors.New("credential: invalid input")
)

// Encryption errors
var (
	ErrEncryptionFailed = errors.New("encryption: failed to encrypt data")
	ErrDecryptionFailed = errors.New("encryption: failed to decrypt data")
)
