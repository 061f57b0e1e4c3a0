// Package secrets resolves secret references in configuration values.
//
// Values of the form op://<vault>/<item>/<field> are fetched from a
// 1Password Connect server; anything else passes through unchanged. The
// Connect server is configured via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: access token for the Connect server
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
)

const refPrefix = "op://"

// Resolver resolves op:// secret references via 1Password Connect.
type Resolver struct {
	client connect.Client // nil when Connect is not configured
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver from the OP_CONNECT_* environment. When the
// Connect server is not configured the resolver still works for plain values
// and fails only on actual op:// references.
func NewResolver(logger *slog.Logger) *Resolver {
	r := &Resolver{
		logger: logger.With("component", "secrets"),
		cache:  make(map[string]string),
	}

	host := os.Getenv("OP_CONNECT_HOST")
	token := os.Getenv("OP_CONNECT_TOKEN")
	if host != "" && token != "" {
		r.client = connect.NewClientWithUserAgent(host, token, "netpulse-server")
	}
	return r
}

// Resolve returns the secret behind an op:// reference, or the value itself
// when it is not a reference.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, refPrefix) {
		return value, nil
	}

	r.mu.Lock()
	if cached, ok := r.cache[value]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	if r.client == nil {
		return "", fmt.Errorf("secret reference %q requires OP_CONNECT_HOST and OP_CONNECT_TOKEN", value)
	}

	vault, item, field, err := parseRef(value)
	if err != nil {
		return "", err
	}

	secret, err := r.fetch(vault, item, field)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", value, err)
	}

	r.mu.Lock()
	r.cache[value] = secret
	r.mu.Unlock()

	r.logger.Debug("resolved secret reference", "vault", vault, "item", item, "field", field)
	return secret, nil
}

func (r *Resolver) fetch(vault, item, field string) (string, error) {
	v, err := r.client.GetVaultByTitle(vault)
	if err != nil {
		return "", fmt.Errorf("vault %q: %w", vault, err)
	}

	it, err := r.client.GetItemByTitle(item, v.ID)
	if err != nil {
		return "", fmt.Errorf("item %q: %w", item, err)
	}

	secret := it.GetValue(field)
	if secret == "" {
		return "", fmt.Errorf("item %q has no field %q", item, field)
	}
	return secret, nil
}

// parseRef splits op://vault/item/field into its parts.
func parseRef(ref string) (vault, item, field string, err error) {
	parts := strings.Split(strings.TrimPrefix(ref, refPrefix), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed secret reference %q, want op://vault/item/field", ref)
	}
	return parts[0], parts[1], parts[2], nil
}
