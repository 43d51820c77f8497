package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/keyvault/internal/egress"
)

const defaultVaultTimeout = 5 * time.Second

// VaultProvider resolves "vault://<api path>#<field>" references against a
// HashiCorp Vault KV engine using token auth. For KV v2 the path includes the
// "data/" segment, e.g. vault://secret/data/keyvault#master.
type VaultProvider struct {
	doer      egress.Doer
	address   string
	token     string
	namespace string
	kvVersion int
	timeout   time.Duration
}

// NewVaultProvider creates a Vault provider from its config map.
//
// Keys: address, token, namespace, kv_version ("1" or "2", default "2"),
// timeout (duration, default 5s). VAULT_ADDR, VAULT_TOKEN and VAULT_NAMESPACE
// take precedence over the map.
func NewVaultProvider(cfg map[string]string, doer egress.Doer) (*VaultProvider, error) {
	if doer == nil {
		return nil, errors.New("vault provider requires an HTTP client")
	}
	p := &VaultProvider{
		doer:      doer,
		address:   strings.TrimRight(envOr("VAULT_ADDR", cfg["address"]), "/"),
		token:     envOr("VAULT_TOKEN", cfg["token"]),
		namespace: envOr("VAULT_NAMESPACE", cfg["namespace"]),
		kvVersion: 2,
		timeout:   defaultVaultTimeout,
	}
	if p.address == "" {
		return nil, errors.New("vault address is required (config key address or VAULT_ADDR)")
	}
	if p.token == "" {
		return nil, errors.New("vault token is required (config key token or VAULT_TOKEN)")
	}
	if v := cfg["kv_version"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || (n != 1 && n != 2) {
			return nil, fmt.Errorf("vault kv_version %q must be 1 or 2", v)
		}
		p.kvVersion = n
	}
	if t := cfg["timeout"]; t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("invalid vault timeout %q: %w", t, err)
		}
		p.timeout = d
	}
	return p, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func (p *VaultProvider) Scheme() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	rest, err := trimScheme(ref, p.Scheme())
	if err != nil {
		return nil, err
	}
	path, field, _ := strings.Cut(rest, "#")
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty vault path", ErrSecretNotFound)
	}

	headers := map[string]string{"X-Vault-Token": p.token}
	if p.namespace != "" {
		headers["X-Vault-Namespace"] = p.namespace
	}
	resp, err := p.doer.Do(ctx, egress.Request{
		URL:     p.address + "/v1/" + path,
		Headers: headers,
		Timeout: p.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("reading vault path %s: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %s", ErrSecretNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("vault denied access to %s (check token policy)", path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d for %s", resp.StatusCode, path)
	}

	data, version, err := p.decode(resp)
	if err != nil {
		return nil, fmt.Errorf("decoding vault path %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: vault path %s holds no data", ErrSecretNotFound, path)
	}

	if field == "" {
		if len(data) != 1 {
			return nil, fmt.Errorf("vault path %s holds %d fields; select one with #field", path, len(data))
		}
		for k := range data {
			field = k
		}
	}
	val, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("%w: field %s in vault path %s", ErrSecretNotFound, field, path)
	}
	str, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("vault field %s in %s is not a string", field, path)
	}
	return &Secret{Value: str, Source: p.Scheme(), Version: version}, nil
}

// decode unwraps the KV response. v2 nests the secret under data.data and
// carries the version in data.metadata; v1 returns it directly under data.
func (p *VaultProvider) decode(resp *egress.Response) (map[string]any, string, error) {
	if p.kvVersion == 1 {
		var body struct {
			Data map[string]any `json:"data"`
		}
		if err := resp.JSON(&body); err != nil {
			return nil, "", err
		}
		return body.Data, "", nil
	}
	var body struct {
		Data struct {
			Data     map[string]any `json:"data"`
			Metadata struct {
				Version json.Number `json:"version"`
			} `json:"metadata"`
		} `json:"data"`
	}
	if err := resp.JSON(&body); err != nil {
		return nil, "", err
	}
	return body.Data.Data, body.Data.Metadata.Version.String(), nil
}
