package protocol

import (
	"crypto/rand"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the length of a transfer key in bytes.
const KeySize = 32

// NonceSize is the length of the nonce prepended to every ciphertext.
const NonceSize = 24

// MaxPayloadSize caps the plaintext carried by a single envelope. A file
// travels as one message, so this is also the file size limit.
const MaxPayloadSize = 64 * 1024 * 1024

// Key is a symmetric transfer key. A fresh key is generated for every send,
// travels inside the envelope, and is never reused or persisted.
type Key [KeySize]byte

// KeyFromBytes converts a transport-decoded key into a Key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return Key{}, &CipherError{Op: "decode key", Err: ErrBadKeyLength}
	}
	copy(k[:], b)
	return k, nil
}

// GenerateKey returns a new random transfer key from the operating
// system's cryptographic randomness source.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, &CipherError{Op: "generate key", Err: err}
	}
	return k, nil
}

// Encrypt seals plaintext under key using authenticated encryption.
// The random nonce is prepended to the returned ciphertext.
func Encrypt(plaintext []byte, key Key) ([]byte, error) {
	if len(plaintext) > MaxPayloadSize {
		return nil, &CipherError{Op: "encrypt", Err: ErrPayloadTooLarge}
	}

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, &CipherError{Op: "encrypt", Err: err}
	}

	return secretbox.Seal(nonce[:], plaintext, &nonce, (*[KeySize]byte)(&key)), nil
}

// Decrypt opens a ciphertext produced by Encrypt. It fails if the
// ciphertext is truncated, was tampered with, or was sealed under a
// different key; a forged ciphertext is never "decrypted" into garbage.
func Decrypt(ciphertext []byte, key Key) ([]byte, error) {
	if len(ciphertext) < NonceSize+secretbox.Overhead {
		return nil, &CipherError{Op: "decrypt", Err: ErrCiphertextTooShort}
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := secretbox.Open(nil, ciphertext[NonceSize:], &nonce, (*[KeySize]byte)(&key))
	if !ok {
		return nil, &CipherError{Op: "decrypt", Err: ErrAuthenticationFailed}
	}

	return plaintext, nil
}
