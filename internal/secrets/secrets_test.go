package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jkaninda/keyvault/internal/config"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("KV_TEST_SECRET", "from-env")
	p := NewEnvProvider()

	s, err := p.Resolve(context.Background(), "env://KV_TEST_SECRET")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Value != "from-env" || s.Source != "env" {
		t.Errorf("secret = %+v", s)
	}

	t.Setenv("KV_TEST_EMPTY", "")
	for _, ref := range []string{"env://KV_TEST_EMPTY", "env://KV_TEST_UNSET_VARIABLE", "env://"} {
		if _, err := p.Resolve(context.Background(), ref); !errors.Is(err, ErrSecretNotFound) {
			t.Errorf("%s: err = %v, want ErrSecretNotFound", ref, err)
		}
	}
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master")
	if err := os.WriteFile(path, []byte("mounted-secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := NewFileProvider()

	s, err := p.Resolve(context.Background(), "file://"+path)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Value != "mounted-secret" {
		t.Errorf("value = %q, want trailing newline trimmed", s.Value)
	}

	_, err = p.Resolve(context.Background(), "file://"+filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("missing file: err = %v", err)
	}
}

type stubProvider struct {
	scheme string
	value  string
	err    error
	calls  int
}

func (s *stubProvider) Scheme() string { return s.scheme }

func (s *stubProvider) Resolve(context.Context, string) (*Secret, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Secret{Value: s.value, Source: s.scheme}, nil
}

func TestChain_DispatchesByScheme(t *testing.T) {
	env := &stubProvider{scheme: "env", value: "e"}
	failing := &stubProvider{scheme: "vault", err: errors.New("sealed")}
	backup := &stubProvider{scheme: "vault", value: "v"}
	c := NewChain(env, failing, backup)

	s, err := c.Resolve(context.Background(), "vault://secret/data/x#k")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Value != "v" {
		t.Errorf("value = %q, want fallback provider's", s.Value)
	}
	if env.calls != 0 || failing.calls != 1 || backup.calls != 1 {
		t.Errorf("calls env=%d failing=%d backup=%d", env.calls, failing.calls, backup.calls)
	}

	if _, err := c.Resolve(context.Background(), "aws://x"); !errors.Is(err, ErrUnsupportedRef) {
		t.Errorf("unknown scheme: err = %v", err)
	}
	if _, err := c.Resolve(context.Background(), "no-scheme"); !errors.Is(err, ErrUnsupportedRef) {
		t.Errorf("missing scheme: err = %v", err)
	}
}

func TestChain_JoinsErrors(t *testing.T) {
	c := NewChain(
		&stubProvider{scheme: "vault", err: ErrSecretNotFound},
		&stubProvider{scheme: "vault", err: errors.New("sealed")},
	)
	_, err := c.Resolve(context.Background(), "vault://a#b")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("err = %v, want joined ErrSecretNotFound", err)
	}
}

func TestFromConfig(t *testing.T) {
	clearVaultEnv(t)

	c, err := FromConfig(nil, newDoer(), discardLogger())
	if err != nil {
		t.Fatalf("FromConfig(nil): %v", err)
	}
	if len(c.byScheme["env"]) != 1 {
		t.Errorf("env provider missing from default chain")
	}

	c, err = FromConfig(&config.SecretsConfig{Providers: []config.SecretProviderConfig{
		{Type: "env"},
		{Type: "file"},
		{Type: "vault", Config: map[string]string{"address": "http://127.0.0.1:8200", "token": "t"}},
	}}, newDoer(), discardLogger())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	for _, scheme := range []string{"env", "file", "vault"} {
		if len(c.byScheme[scheme]) != 1 {
			t.Errorf("scheme %s: %d providers, want 1", scheme, len(c.byScheme[scheme]))
		}
	}

	_, err = FromConfig(&config.SecretsConfig{Providers: []config.SecretProviderConfig{{Type: "vault"}}}, newDoer(), discardLogger())
	if err == nil {
		t.Error("vault without address should fail")
	}
}

func TestMasterSecret(t *testing.T) {
	ctx := context.Background()
	t.Setenv("KEYVAULT_MASTER_SECRET", "")

	got, err := MasterSecret(ctx, config.VaultConfig{MasterSecret: "inline"}, nil)
	if err != nil || got != "inline" {
		t.Fatalf("inline: got %q, %v", got, err)
	}

	chain := NewChain(NewEnvProvider())
	if _, err := MasterSecret(ctx, config.VaultConfig{}, chain); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("unset default ref: err = %v", err)
	}

	t.Setenv("KEYVAULT_MASTER_SECRET", "from-env")
	got, err = MasterSecret(ctx, config.VaultConfig{}, chain)
	if err != nil || got != "from-env" {
		t.Errorf("default ref: got %q, %v", got, err)
	}

	blank := NewChain(&stubProvider{scheme: "vault", value: "  "})
	if _, err := MasterSecret(ctx, config.VaultConfig{MasterSecretRef: "vault://x#y"}, blank); err == nil {
		t.Error("blank secret should be rejected")
	}
}
