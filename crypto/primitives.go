package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// AEADNonceSize is the fixed nonce length for Seal/Open; it MUST be
// generated from a CSPRNG per encryption. Reusing a nonce under the same
// key is a fatal error, never a recoverable one.
const AEADNonceSize = chacha20poly1305.NonceSize

// Sha256 hashes data with SHA-256.
func Sha256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HKDF derives outLen bytes from secret using HKDF-SHA256 with the given
// salt and info, per the wrap-key derivation rule
// AEAD_key = HKDF(prf_first, salt=WrapKeySalt, info="wrap").
func HKDF(secret, salt, info []byte, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf derive: %w", err)
	}
	return out, nil
}

// Ed25519Sign signs msg with sk, a 64-byte Ed25519 private key.
func Ed25519Sign(sk ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(sk, msg)
}

// Ed25519Verify reports whether sig is a valid Ed25519 signature of msg
// under pk.
func Ed25519Verify(pk ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pk, msg, sig)
}

// NewAEADNonce draws a fresh CSPRNG nonce for AeadSeal.
func NewAEADNonce() ([]byte, error) {
	nonce := make([]byte, AEADNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate aead nonce: %w", err)
	}
	return nonce, nil
}

// AeadSeal authenticates and encrypts pt under key with the given 12-byte
// nonce and additional data ad, using ChaCha20-Poly1305.
func AeadSeal(key, nonce, ad, pt []byte) ([]byte, error) {
	if len(nonce) != AEADNonceSize {
		return nil, fmt.Errorf("crypto: aead nonce must be %d bytes, got %d", AEADNonceSize, len(nonce))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: construct aead: %w", err)
	}
	return aead.Seal(nil, nonce, pt, ad), nil
}

// AeadOpen verifies and decrypts ct, which must have been produced by
// AeadSeal with the same key, nonce, and ad.
func AeadOpen(key, nonce, ad, ct []byte) ([]byte, error) {
	if len(nonce) != AEADNonceSize {
		return nil, fmt.Errorf("crypto: aead nonce must be %d bytes, got %d", AEADNonceSize, len(nonce))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: construct aead: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ct, ad)
	if err != nil {
		return nil, fmt.Errorf("crypto: aead open: %w", err)
	}
	return pt, nil
}
