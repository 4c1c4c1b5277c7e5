package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hashicorp/vault/api"

	"github.com/csaude/sespct-api/interfaces"
)

// VaultSettingRepo stores settings in HashiCorp Vault's KV v2 engine.
// Deployments that already run Vault keep key material and OAuth secrets
// there instead of the database; the settings service sits on top either way.
type VaultSettingRepo struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultSettingRepo creates a Vault-backed settings repository.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token with read/write access to the mount
//   - mountPath: KV v2 mount (e.g. "secret")
//   - dataPath: path within the mount (e.g. "sespct")
func NewVaultSettingRepo(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultSettingRepo, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultSettingRepo{
		client:    client,
		mountPath: strings.TrimSuffix(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		log:       log,
	}, nil
}

func (r *VaultSettingRepo) settingPath(key string) string {
	// KV v2 read/write paths include the literal "data" segment.
	return fmt.Sprintf("%s/data/%s/%s", r.mountPath, r.dataPath, key)
}

// Get reads the enabled value stored for key, or interfaces.ErrNotFound.
func (r *VaultSettingRepo) Get(ctx context.Context, key string) (string, error) {
	secret, err := r.client.Logical().ReadWithContext(ctx, r.settingPath(key))
	if err != nil {
		r.log.Error("Failed to read setting from Vault", slog.String("key", key), "err", err)
		return "", fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return "", interfaces.ErrNotFound
	}

	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return "", interfaces.ErrNotFound
	}

	if enabled, ok := data["enabled"].(bool); ok && !enabled {
		return "", interfaces.ErrNotFound
	}

	value, ok := data["value"].(string)
	if !ok {
		return "", interfaces.ErrNotFound
	}
	return value, nil
}

// Upsert writes the value for key, replacing any previous version.
func (r *VaultSettingRepo) Upsert(ctx context.Context, key, value, valueType, description string, enabled bool, actor string) error {
	payload := map[string]any{
		"data": map[string]any{
			"value":       value,
			"type":        valueType,
			"description": description,
			"enabled":     enabled,
			"actor":       actor,
		},
	}

	if _, err := r.client.Logical().WriteWithContext(ctx, r.settingPath(key), payload); err != nil {
		r.log.Error("Failed to write setting to Vault", slog.String("key", key), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}
