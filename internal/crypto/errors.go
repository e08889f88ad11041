package crypto

import "errors"

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrMessageExpired       = errors.New("message expired")
	ErrReplayDetected       = errors.New("replay detected")
	ErrNonceCollision       = errors.New("nonce collision")
	ErrNonceCacheFull       = errors.New("nonce cache full")
	ErrInvalidLength        = errors.New("invalid length")
	ErrInvalidPadding       = errors.New("invalid padding")
	ErrLengthMismatch       = errors.New("length mismatch")
	ErrInvalidKey           = errors.New("invalid key")
)
