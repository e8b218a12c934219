package sshkeygen

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

var ErrKeyExists = errors.New("sshkeygen: key already exists")

type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateEd25519 returns a PEM encoded private key and an authorized_keys
// line for the public half.
func GenerateEd25519(comment string) (*KeyPair, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	privKeyPEM, err := ssh.MarshalPrivateKey(privKey, comment)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create public key: %w", err)
	}
	pub := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPubKey)))
	if comment != "" {
		pub += " " + comment
	}

	return &KeyPair{
		PrivateKey: string(pem.EncodeToMemory(privKeyPEM)),
		PublicKey:  pub + "\n",
	}, nil
}

// WriteEd25519KeyPair generates a key pair into privateKeyPath and
// privateKeyPath.pub. Existing keys are never overwritten.
func WriteEd25519KeyPair(privateKeyPath, comment string) (*KeyPair, error) {
	if _, err := os.Stat(privateKeyPath); err == nil {
		return nil, ErrKeyExists
	}

	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create ssh directory: %w", err)
	}

	pair, err := GenerateEd25519(comment)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(privateKeyPath, []byte(pair.PrivateKey), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(privateKeyPath+".pub", []byte(pair.PublicKey), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}
	return pair, nil
}

// DefaultKeyPath is ~/.ssh/id_ed25519.
func DefaultKeyPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".ssh", "id_ed25519"), nil
}
