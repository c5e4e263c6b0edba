// Package identity loads or generates the manager's stable UUID and its
// RSA keypair. The private key never leaves the process; the public key
// is handed to the platform client at registration time.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const keyBits = 2048

const (
	privateKeyFile = "manager.key.pem"
	publicKeyFile  = "manager.pub.pem"
)

// Identity is the agent's stable id and keypair. The keypair is persisted
// under KeyDir; an id that is not configured is derived from the public key,
// so it stays the same for as long as the keypair does.
type Identity struct {
	ManagerID  string
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
}

// PublicKeyPEM returns the PKCS#1 PEM encoding of the public key, as sent
// to the platform during registration.
func (id *Identity) PublicKeyPEM() string {
	der := x509.MarshalPKCS1PublicKey(id.PublicKey)
	block := &pem.Block{Type: "RSA PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

// Load loads an existing keypair from keyDir, generating and persisting a
// new one when none exists yet. Reused across restarts so ciphertexts the
// platform encrypted against an old public key remain decryptable. If
// configuredID is empty, the manager id is a name-based UUID of the public
// key, so it is the same on every restart that reuses the keypair.
func Load(keyDir, configuredID string) (*Identity, error) {
	privPath := filepath.Join(keyDir, privateKeyFile)
	pubPath := filepath.Join(keyDir, publicKeyFile)

	_, privErr := os.Stat(privPath)
	_, pubErr := os.Stat(pubPath)

	switch {
	case os.IsNotExist(privErr) && os.IsNotExist(pubErr):
		return generate(keyDir, privPath, pubPath, configuredID)
	case privErr == nil && pubErr == nil:
		return load(privPath, configuredID)
	default:
		// Exactly one of the two files is present: refuse to guess which
		// half is authoritative rather than silently regenerating and
		// desynchronizing from ciphertexts the platform already holds.
		return nil, fmt.Errorf("identity: %s and %s must either both exist or both be absent", privPath, pubPath)
	}
}

func generate(keyDir, privPath, pubPath, configuredID string) (*Identity, error) {
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: creating key directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("identity: generating RSA keypair: %w", err)
	}

	privDER := x509.MarshalPKCS1PrivateKey(key)
	privBlock := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: privDER}
	if err := os.WriteFile(privPath, pem.EncodeToMemory(privBlock), 0o600); err != nil {
		return nil, fmt.Errorf("identity: writing private key: %w", err)
	}

	pubDER := x509.MarshalPKCS1PublicKey(&key.PublicKey)
	pubBlock := &pem.Block{Type: "RSA PUBLIC KEY", Bytes: pubDER}
	if err := os.WriteFile(pubPath, pem.EncodeToMemory(pubBlock), 0o600); err != nil {
		return nil, fmt.Errorf("identity: writing public key: %w", err)
	}

	managerID := configuredID
	if managerID == "" {
		managerID = uuid.NewSHA1(uuid.NameSpaceOID, x509.MarshalPKCS1PublicKey(&key.PublicKey)).String()
	}

	return &Identity{ManagerID: managerID, PrivateKey: key, PublicKey: &key.PublicKey}, nil
}

func load(privPath, configuredID string) (*Identity, error) {
	data, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("identity: reading private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("identity: %s is not valid PEM", privPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parsing private key: %w", err)
	}

	managerID := configuredID
	if managerID == "" {
		managerID = uuid.NewSHA1(uuid.NameSpaceOID, x509.MarshalPKCS1PublicKey(&key.PublicKey)).String()
	}

	return &Identity{ManagerID: managerID, PrivateKey: key, PublicKey: &key.PublicKey}, nil
}
