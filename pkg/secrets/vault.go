package secrets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// ErrNotFound is returned when no secret exists at the requested path.
var ErrNotFound = errors.New("secret not found")

// Source reads secret material by path. Implemented by Vault for production
// and by in-memory fakes in tests.
type Source interface {
	Read(ctx context.Context, path string) (map[string]string, error)
}

// Vault reads secrets from a HashiCorp Vault KV v2 mount using token
// authentication.
type Vault struct {
	client    *api.Client
	mountPath string
	logger    *log.Logger
}

// NewVault creates a Vault-backed secret source.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token used for authentication.
//   - mountPath: KV v2 mount path (e.g. "secret").
func NewVault(address, token, mountPath string, logger *log.Logger) (*Vault, error) {
	if address == "" {
		return nil, errors.New("vault address is required")
	}
	if token == "" {
		return nil, errors.New("vault token is required")
	}

	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(token)

	mountPath = strings.Trim(mountPath, "/")
	if mountPath == "" {
		mountPath = "secret"
	}

	return &Vault{
		client:    client,
		mountPath: mountPath,
		logger:    logger,
	}, nil
}

// Read fetches the secret at path from the KV v2 mount. The path is relative
// to the mount, e.g. "credentials/sites/sjc01". Returns ErrNotFound when the
// path holds no data.
func (v *Vault) Read(ctx context.Context, path string) (map[string]string, error) {
	if v == nil {
		return nil, errors.New("nil vault source")
	}

	fullPath := fmt.Sprintf("%s/data/%s", v.mountPath, strings.Trim(path, "/"))

	secret, err := v.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}

	// KV v2 nests the payload under "data".
	inner, ok := secret.Data["data"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected response shape at %s", fullPath)
	}

	out := make(map[string]string, len(inner))
	for k, val := range inner {
		s, ok := val.(string)
		if !ok {
			v.logger.Printf("[WARN] skipping non-string secret field %q at %s", k, path)
			continue
		}
		out[k] = s
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}

	return out, nil
}

// Healthy reports whether Vault is initialized and unsealed.
func (v *Vault) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := v.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return false
	}
	return health.Initialized && !health.Sealed
}
