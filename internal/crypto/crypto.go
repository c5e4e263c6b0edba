// Package crypto decrypts per-value connector configuration ciphertexts
// the platform encrypted against the agent's public key.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// DecryptError is returned for malformed or undecryptable ciphertext.
// Callers MUST NOT surface the offending value into logs.
type DecryptError struct {
	Key    string
	Reason string
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("crypto: failed to decrypt %q: %s", e.Key, e.Reason)
}

// Decryptor decrypts RSA-OAEP/SHA-256 ciphertexts with a fixed private key.
type Decryptor struct {
	privateKey *rsa.PrivateKey
}

// New builds a Decryptor bound to the agent's private key.
func New(privateKey *rsa.PrivateKey) *Decryptor {
	return &Decryptor{privateKey: privateKey}
}

// Decrypt decrypts a single base64-encoded RSA-OAEP/SHA-256 ciphertext to
// its UTF-8 plaintext. key identifies the configuration field, used only
// for error messages — never logged alongside the ciphertext or plaintext.
func (d *Decryptor) Decrypt(key, ciphertextBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertextBase64))
	if err != nil {
		return "", &DecryptError{Key: key, Reason: "invalid base64"}
	}

	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, d.privateKey, raw, nil)
	if err != nil {
		return "", &DecryptError{Key: key, Reason: "OAEP decryption failed"}
	}

	return string(plaintext), nil
}
