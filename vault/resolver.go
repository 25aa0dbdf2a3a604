package vault

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// Resolver fetches a secret from an external backing store so it can be
// loaded into the vault without the value appearing in configuration files.
type Resolver interface {
	Resolve(ctx context.Context, secretRef string) (string, error)
}

// EnvResolver resolves secrets from environment variables, fail-closed:
// an unset or empty variable is an error, never an empty secret.
type EnvResolver struct {
	Aliases map[string]string
}

func (r *EnvResolver) Resolve(ctx context.Context, secretRef string) (string, error) {
	_ = ctx

	ref := strings.TrimSpace(secretRef)
	if ref == "" {
		return "", fmt.Errorf("empty secret_ref")
	}

	envName := ref
	if r != nil && r.Aliases != nil {
		if v, ok := r.Aliases[ref]; ok && strings.TrimSpace(v) != "" {
			envName = strings.TrimSpace(v)
		}
	}

	val, ok := os.LookupEnv(envName)
	if !ok {
		return "", fmt.Errorf("secret not found (env var %q is not set)", envName)
	}
	if strings.TrimSpace(val) == "" {
		return "", fmt.Errorf("secret is empty (env var %q)", envName)
	}
	return val, nil
}

// KeyringResolver resolves secrets from the OS keychain (macOS Keychain,
// Windows Credential Manager, Linux Secret Service). Same fail-closed rule
// as EnvResolver.
type KeyringResolver struct {
	Service string
}

func (r *KeyringResolver) Resolve(ctx context.Context, secretRef string) (string, error) {
	_ = ctx

	ref := strings.TrimSpace(secretRef)
	if ref == "" {
		return "", fmt.Errorf("empty secret_ref")
	}
	service := "warden"
	if r != nil && strings.TrimSpace(r.Service) != "" {
		service = strings.TrimSpace(r.Service)
	}

	val, err := keyring.Get(service, ref)
	if err == keyring.ErrNotFound {
		return "", fmt.Errorf("secret not found (keychain service %q, item %q)", service, ref)
	}
	if err != nil {
		return "", fmt.Errorf("cannot read OS keychain: %w", err)
	}
	if strings.TrimSpace(val) == "" {
		return "", fmt.Errorf("secret is empty (keychain service %q, item %q)", service, ref)
	}
	return val, nil
}

// Load resolves secretRef through r and stores the value under key,
// returning the reference token.
func (v *Vault) Load(ctx context.Context, r Resolver, key, secretRef string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("nil resolver")
	}
	val, err := r.Resolve(ctx, secretRef)
	if err != nil {
		return "", err
	}
	return v.Store(key, val)
}
