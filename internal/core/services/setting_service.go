package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

const (
	settingSSHPrivateKey = "ssh_private_key"
	settingSSHPublicKey  = "ssh_public_key"
)

var settingCategories = []string{"general", "security", "execution", "history"}

type SystemSettingService struct {
	repo        ports.SystemSettingRepository
	logger      *logger.Logger
	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	enableLocks bool
}

func NewSystemSettingService(repo ports.SystemSettingRepository, logger *logger.Logger, enableLocks bool) *SystemSettingService {
	return &SystemSettingService{
		repo:        repo,
		logger:      logger,
		locks:       make(map[string]*sync.Mutex),
		enableLocks: enableLocks,
	}
}

func (s *SystemSettingService) lockKeys(keys ...string) func() {
	if !s.enableLocks || len(keys) == 0 {
		return func() {}
	}
	sort.Strings(keys)
	s.mu.Lock()
	acquired := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		m := s.locks[k]
		if m == nil {
			m = &sync.Mutex{}
			s.locks[k] = m
		}
		acquired = append(acquired, m)
	}
	s.mu.Unlock()
	for _, m := range acquired {
		m.Lock()
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}

func (s *SystemSettingService) UpdateSSHKeys(ctx context.Context, privateKey, publicKey string) error {
	unlock := s.lockKeys("setting:"+settingSSHPrivateKey, "setting:"+settingSSHPublicKey)
	defer unlock()

	for key, value := range map[string]string{settingSSHPrivateKey: privateKey, settingSSHPublicKey: publicKey} {
		if err := s.repo.Set(ctx, &domain.SystemSetting{
			Key:      key,
			Value:    value,
			Type:     "string",
			Category: "security",
		}); err != nil {
			return err
		}
	}
	return nil
}

// SSHKeys returns the managed key pair, empty when none was generated yet.
func (s *SystemSettingService) SSHKeys(ctx context.Context) (privateKey, publicKey string, err error) {
	priv, err := s.repo.Get(ctx, settingSSHPrivateKey)
	if err != nil {
		return "", "", err
	}
	pub, err := s.repo.Get(ctx, settingSSHPublicKey)
	if err != nil {
		return "", "", err
	}
	if priv == nil || pub == nil {
		return "", "", nil
	}
	return priv.Value, pub.Value, nil
}

// GetSettings returns every non-secret setting keyed by name.
func (s *SystemSettingService) GetSettings(ctx context.Context) (map[string]string, error) {
	result := make(map[string]string)
	for _, cat := range settingCategories {
		settings, err := s.repo.GetByCategory(ctx, cat)
		if err != nil {
			s.logger.Errorw("setting_list_failed", "category", cat, "error", err)
			continue
		}
		for _, setting := range settings {
			if setting.Key == settingSSHPrivateKey {
				continue
			}
			result[setting.Key] = setting.Value
		}
	}
	return result, nil
}

func (s *SystemSettingService) UpdateSettings(ctx context.Context, settings map[string]interface{}) error {
	if len(settings) > 0 {
		keys := make([]string, 0, len(settings))
		for key := range settings {
			keys = append(keys, "setting:"+key)
		}
		unlock := s.lockKeys(keys...)
		defer unlock()
	}

	for key, val := range settings {
		if key == settingSSHPrivateKey || key == settingSSHPublicKey {
			return fmt.Errorf("setting %q is managed by the server", key)
		}
		setting := &domain.SystemSetting{
			Key:      key,
			Value:    fmt.Sprintf("%v", val),
			Type:     settingType(val),
			Category: settingCategory(key),
		}
		if err := s.repo.Set(ctx, setting); err != nil {
			s.logger.Errorw("setting_update_failed", "key", key, "error", err)
			return err
		}
	}
	return nil
}

func settingType(val interface{}) string {
	switch val.(type) {
	case bool:
		return "bool"
	case int, int8, int16, int32, int64, uint, uint32, uint64:
		return "int"
	case float32, float64:
		return "float"
	}
	return "string"
}

func settingCategory(key string) string {
	for _, cat := range settingCategories {
		if strings.HasPrefix(key, cat+"_") {
			return cat
		}
	}
	return "general"
}
