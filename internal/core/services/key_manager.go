package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/pkg/utils/sshkeygen"
)

// KeyManager owns the server's managed ed25519 key. It is the credential of
// last resort for SSH hosts without an explicit or auto-assigned credential.
type KeyManager struct {
	settingService *SystemSettingService
	logger         *logger.Logger

	mu         sync.RWMutex
	privateKey string
	publicKey  string
}

func NewKeyManager(settingService *SystemSettingService, logger *logger.Logger) *KeyManager {
	return &KeyManager{
		settingService: settingService,
		logger:         logger,
	}
}

func (km *KeyManager) Initialize(ctx context.Context) error {
	priv, pub, err := km.settingService.SSHKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to get settings: %w", err)
	}

	if priv != "" && pub != "" {
		km.set(priv, pub)
		km.logger.Info("SSH keys loaded from database")
		return nil
	}

	km.logger.Info("Generating new SSH key pair...")
	pair, err := sshkeygen.GenerateEd25519("fleet-managed")
	if err != nil {
		return fmt.Errorf("failed to generate keys: %w", err)
	}
	if err := km.settingService.UpdateSSHKeys(ctx, pair.PrivateKey, pair.PublicKey); err != nil {
		return fmt.Errorf("failed to save keys: %w", err)
	}
	km.set(pair.PrivateKey, pair.PublicKey)

	km.logger.Info("SSH keys generated and saved to database")
	return nil
}

func (km *KeyManager) set(priv, pub string) {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.privateKey = priv
	km.publicKey = pub
}

func (km *KeyManager) GetPublicKey() string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.publicKey
}

func (km *KeyManager) GetPrivateKey() string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.privateKey
}
