package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider resolves "env://VARIABLE" references.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates a provider reading the process environment.
func NewEnvProvider() *EnvProvider { return &EnvProvider{lookup: os.LookupEnv} }

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	name, err := trimScheme(ref, p.Scheme())
	if err != nil {
		return nil, err
	}
	value, ok := p.lookup(name)
	if !ok || value == "" {
		return nil, fmt.Errorf("%w: environment variable %s is not set", ErrSecretNotFound, name)
	}
	return &Secret{Value: value, Source: p.Scheme()}, nil
}

// FileProvider resolves "file:///path" references, as used by container
// secret mounts. One trailing newline is trimmed.
type FileProvider struct{}

// NewFileProvider creates a file-backed provider.
func NewFileProvider() *FileProvider { return &FileProvider{} }

func (p *FileProvider) Scheme() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	path, err := trimScheme(ref, p.Scheme())
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: file %s does not exist", ErrSecretNotFound, path)
		}
		return nil, fmt.Errorf("reading secret file %s: %w", path, err)
	}
	value := strings.TrimSuffix(strings.TrimSuffix(string(data), "\n"), "\r")
	return &Secret{Value: value, Source: p.Scheme()}, nil
}

func trimScheme(ref, want string) (string, error) {
	scheme, rest, err := SplitRef(ref)
	if err != nil {
		return "", err
	}
	if scheme != want {
		return "", fmt.Errorf("%w: %s provider cannot resolve %s:// references", ErrUnsupportedRef, want, scheme)
	}
	if rest == "" {
		return "", fmt.Errorf("%w: empty %s reference", ErrSecretNotFound, want)
	}
	return rest, nil
}
