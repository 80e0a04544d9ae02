// Package signer handles the Ed25519 authority key used to sign ledger
// entries. Keys load from raw seed files or OpenSSH key files.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

var (
	ErrInvalidKeyFormat = errors.New("signer: invalid key format")
	ErrUnsupportedKey   = errors.New("signer: unsupported key type (expected Ed25519)")
	ErrKeyEncrypted     = errors.New("signer: key is encrypted (passphrase required)")
)

// Generate creates a fresh Ed25519 key pair and writes the raw 32-byte
// seed to path with owner-only permissions.
func Generate(path string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(path, priv.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return pub, nil
}

// LoadPrivateKey reads an Ed25519 private key: a raw 32-byte seed, a raw
// 64-byte private key, or an OpenSSH key file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	if len(keyData) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(keyData), nil
	}
	if len(keyData) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(keyData), nil
	}
	return parseOpenSSHKey(keyData)
}

func parseOpenSSHKey(keyData []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, ErrInvalidKeyFormat
	}

	parsed, err := ssh.ParseRawPrivateKey(keyData)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrKeyEncrypted
		}
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return asEd25519(parsed)
}

// LoadPrivateKeyWithPassphrase loads a passphrase-protected OpenSSH key.
func LoadPrivateKeyWithPassphrase(path string, passphrase []byte) (ed25519.PrivateKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	parsed, err := ssh.ParseRawPrivateKeyWithPassphrase(keyData, passphrase)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return asEd25519(parsed)
}

func asEd25519(parsed any) (ed25519.PrivateKey, error) {
	switch k := parsed.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsed)
	}
}

// LoadPublicKey reads an Ed25519 public key: raw 32 bytes or an OpenSSH
// authorized_keys line.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	if len(keyData) == ed25519.PublicKeySize {
		return ed25519.PublicKey(keyData), nil
	}

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	cryptoPub, ok := pubKey.(ssh.CryptoPublicKey)
	if !ok {
		return nil, ErrInvalidKeyFormat
	}
	edPub, ok := cryptoPub.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, cryptoPub.CryptoPublicKey())
	}
	return edPub, nil
}

// SignEntry produces a 64-byte Ed25519 signature over an entry hash.
func SignEntry(privKey ed25519.PrivateKey, entryHash []byte) []byte {
	return ed25519.Sign(privKey, entryHash)
}

// VerifyEntry checks an Ed25519 signature over an entry hash.
func VerifyEntry(pubKey ed25519.PublicKey, entryHash, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey, entryHash, signature)
}

// PublicKey extracts the public half of a private key.
func PublicKey(privKey ed25519.PrivateKey) ed25519.PublicKey {
	return privKey.Public().(ed25519.PublicKey)
}
