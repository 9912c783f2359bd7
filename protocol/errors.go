package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for specific failure conditions. These are wrapped by the
// typed errors below so callers can match either the class or the cause.
var (
	// ErrPayloadTooLarge is returned when a plaintext exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrBadKeyLength is returned when a transport-decoded key is not KeySize bytes.
	ErrBadKeyLength = errors.New("key has wrong length")

	// ErrCiphertextTooShort is returned when a ciphertext is too short to
	// even hold the nonce and authenticator.
	ErrCiphertextTooShort = errors.New("ciphertext too short")

	// ErrAuthenticationFailed is returned when a ciphertext fails to
	// authenticate under the presented key.
	ErrAuthenticationFailed = errors.New("message authentication failed")

	// ErrSendInFlight is returned by RequestSend while a previous send is
	// still preparing. The protocol layer enforces single-flight itself.
	ErrSendInFlight = errors.New("a send is already in flight")
)

// CipherError reports a failure to generate a key or to encrypt or decrypt
// a payload, including authentication failures on tampered ciphertext.
type CipherError struct {
	Op  string
	Err error
}

func (e *CipherError) Error() string {
	return fmt.Sprintf("cipher: %s: %v", e.Op, e.Err)
}

func (e *CipherError) Unwrap() error { return e.Err }

// IntegrityError reports a digest mismatch after a successful decryption.
type IntegrityError struct {
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return "integrity check failed"
}

// ChannelError reports a failed send on the underlying channel.
type ChannelError struct {
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel send failed: %v", e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// ProtocolError reports an inbound message that claimed to be a file
// transfer but did not have the expected shape.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}
