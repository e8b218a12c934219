package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/pkg/utils/crypto"
	"github.com/netly/fleet/pkg/utils/glob"
)

const defaultSSHUser = "root"

type credentialSecret struct {
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// CredentialService stores encrypted credentials and resolves the one to use
// for a host: the explicit assignment, then the best auto-assignment rule,
// then the managed key.
type CredentialService struct {
	repo          ports.CredentialRepository
	keys          *KeyManager
	encryptionKey string
	logger        *logger.Logger
}

func NewCredentialService(repo ports.CredentialRepository, keys *KeyManager, encryptionKey string, log *logger.Logger) *CredentialService {
	return &CredentialService{
		repo:          repo,
		keys:          keys,
		encryptionKey: encryptionKey,
		logger:        log,
	}
}

func (s *CredentialService) CreateCredential(ctx context.Context, input ports.CreateCredentialInput) (*domain.Credential, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrCredentialInvalidInput)
	}
	if input.AuthType == "" {
		input.AuthType = domain.AuthPassword
		if input.PrivateKey != "" {
			input.AuthType = domain.AuthKey
		}
	}
	if !input.AuthType.Valid() {
		return nil, fmt.Errorf("%w: unknown auth type %q", ErrCredentialInvalidInput, input.AuthType)
	}
	switch {
	case input.AuthType == domain.AuthPassword && input.Password == "":
		return nil, fmt.Errorf("%w: password is required", ErrCredentialInvalidInput)
	case input.AuthType == domain.AuthKey && input.PrivateKey == "":
		return nil, fmt.Errorf("%w: private key is required", ErrCredentialInvalidInput)
	}
	if input.MatchPattern != "" {
		if _, err := glob.Compile(input.MatchPattern); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCredentialInvalidInput, err)
		}
	}

	secret, err := crypto.EncryptJSON(credentialSecret{
		Password:   input.Password,
		PrivateKey: input.PrivateKey,
		Passphrase: input.Passphrase,
	}, s.encryptionKey)
	if err != nil {
		s.logger.Errorw("credential_encrypt_failed", "name", input.Name, "error", err)
		return nil, ErrEncryptionFailed
	}

	cred := &domain.Credential{
		Name:         strings.TrimSpace(input.Name),
		Username:     input.Username,
		AuthType:     input.AuthType,
		SecretData:   secret,
		MatchOSType:  strings.ToLower(input.MatchOSType),
		MatchPattern: input.MatchPattern,
		Priority:     input.Priority,
	}
	if err := s.repo.Create(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

func (s *CredentialService) GetCredentials(ctx context.Context) ([]domain.Credential, error) {
	return s.repo.GetAll(ctx)
}

func (s *CredentialService) DeleteCredential(ctx context.Context, id uint) error {
	cred, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if cred == nil {
		return ErrCredentialNotFound
	}
	return s.repo.Delete(ctx, id)
}

func (s *CredentialService) ResolveCredential(ctx context.Context, host domain.Host) (*domain.HostCredential, error) {
	if host.ConnectionType == domain.ConnectionLocal {
		return nil, nil
	}

	if host.CredentialID != nil {
		cred, err := s.repo.GetByID(ctx, *host.CredentialID)
		if err != nil {
			return nil, err
		}
		if cred == nil {
			return nil, fmt.Errorf("%w: id %d", ErrCredentialNotFound, *host.CredentialID)
		}
		return s.materialize(cred, host)
	}

	creds, err := s.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if cred := pickAutoCredential(creds, host); cred != nil {
		s.logger.Debugw("credential_auto_assigned", "connection_id", host.ConnectionID, "credential_id", cred.ID)
		return s.materialize(cred, host)
	}

	if s.keys != nil && s.keys.GetPrivateKey() != "" {
		return &domain.HostCredential{
			Username:   usernameFor(host, ""),
			AuthType:   domain.AuthKey,
			PrivateKey: s.keys.GetPrivateKey(),
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoCredential, host.Hostname)
}

// pickAutoCredential returns the highest priority credential whose rules all
// match host. Credentials without any rule never auto-assign.
func pickAutoCredential(creds []domain.Credential, host domain.Host) *domain.Credential {
	sort.SliceStable(creds, func(i, j int) bool {
		if creds[i].Priority != creds[j].Priority {
			return creds[i].Priority > creds[j].Priority
		}
		return creds[i].ID < creds[j].ID
	})
	for i := range creds {
		c := &creds[i]
		if c.MatchOSType == "" && c.MatchPattern == "" {
			continue
		}
		if c.MatchOSType != "" && !matchOSType(c.MatchOSType, host.OSType) {
			continue
		}
		if c.MatchPattern != "" {
			pattern, err := glob.Compile(c.MatchPattern)
			if err != nil || !pattern.MatchAny(host.Hostname, host.Name) {
				continue
			}
		}
		return c
	}
	return nil
}

func (s *CredentialService) materialize(cred *domain.Credential, host domain.Host) (*domain.HostCredential, error) {
	var secret credentialSecret
	if cred.SecretData != "" {
		if err := crypto.DecryptJSON(cred.SecretData, s.encryptionKey, &secret); err != nil {
			s.logger.Errorw("credential_decrypt_failed", "credential_id", cred.ID, "error", err)
			return nil, ErrDecryptionFailed
		}
	}
	return &domain.HostCredential{
		Username:   usernameFor(host, cred.Username),
		AuthType:   cred.AuthType,
		Password:   secret.Password,
		PrivateKey: secret.PrivateKey,
		Passphrase: secret.Passphrase,
	}, nil
}

func usernameFor(host domain.Host, fallback string) string {
	if host.Username != "" {
		return host.Username
	}
	if fallback != "" {
		return fallback
	}
	return defaultSSHUser
}
