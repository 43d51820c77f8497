package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/keyvault/internal/audit"
	"github.com/jkaninda/keyvault/internal/domain"
	"github.com/jkaninda/keyvault/internal/envelope"
	"github.com/jkaninda/keyvault/internal/storage"
)

// CreateRequest describes a credential to store.
type CreateRequest struct {
	Name        string
	Provider    domain.Provider
	KeyValue    string
	Description string
	ExpiresAt   *time.Time
}

func (r *CreateRequest) normalize(now time.Time) error {
	r.Name = strings.TrimSpace(r.Name)
	r.Description = strings.TrimSpace(r.Description)
	r.Provider = domain.ParseProvider(string(r.Provider))

	if n := utf8.RuneCountInString(r.Name); n == 0 || n > domain.MaxNameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", domain.ErrInvalidRequest, domain.MaxNameLength)
	}
	if utf8.RuneCountInString(r.Description) > domain.MaxDescriptionLength {
		return fmt.Errorf("%w: description must be at most %d characters", domain.ErrInvalidRequest, domain.MaxDescriptionLength)
	}
	if r.Provider == "" {
		return fmt.Errorf("%w: provider is required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(r.KeyValue) == "" {
		return fmt.Errorf("%w: key value is required", domain.ErrInvalidRequest)
	}
	if r.ExpiresAt != nil {
		if !r.ExpiresAt.After(now) {
			return fmt.Errorf("%w: expiry must be in the future", domain.ErrInvalidRequest)
		}
		utc := r.ExpiresAt.UTC()
		r.ExpiresAt = &utc
	}
	return nil
}

func (s *Service) observe(op string, start time.Time, errp *error) {
	s.metrics.observe(op, *errp, time.Since(start))
}

func (s *Service) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "vault."+name, trace.WithAttributes(attrs...))
}

// Create validates req.KeyValue, encrypts it and stores the credential with
// a create usage-log row. A malformed key is rejected with a
// *domain.ValidationError matching domain.ErrFormat and nothing is stored;
// any other outcome is stored with IsValid reflecting it.
func (s *Service) Create(ctx context.Context, ownerID string, req CreateRequest) (_ *domain.Credential, err error) {
	defer s.observe("create", time.Now(), &err)
	now := s.now().UTC()
	if err := req.normalize(now); err != nil {
		return nil, err
	}
	ctx, span := s.span(ctx, "Create", attribute.String("provider", string(req.Provider)))
	defer span.End()

	res := s.Validate(ctx, req.Provider, req.KeyValue)
	if res.Status == domain.StatusFormatError {
		s.emit(ctx, audit.EventCreate, audit.OutcomeFailure, ownerID, "", map[string]any{
			"provider": string(req.Provider),
			"status":   string(res.Status),
		})
		return nil, res.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	ciphertext, err := s.engine.Encrypt(req.KeyValue)
	if err != nil {
		return nil, s.fail(ctx, span, "create", "could not store credential", err)
	}

	c := &domain.Credential{
		ID:              uuid.New(),
		OwnerID:         ownerID,
		Name:            req.Name,
		Provider:        req.Provider,
		Ciphertext:      ciphertext,
		KeyHint:         domain.KeyHint(req.KeyValue),
		Description:     req.Description,
		IsValid:         res.Valid,
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       req.ExpiresAt,
		LastValidatedAt: &now,
	}
	_, err = s.store.Begin().
		Insert(c).
		Insert(s.usageEntry(c, domain.OperationCreate, true, now)).
		Execute(ctx)
	if err != nil {
		s.emit(ctx, audit.EventCreate, audit.OutcomeFailure, ownerID, c.ID.String(), map[string]any{"provider": string(c.Provider)})
		return nil, s.fail(ctx, span, "create", "could not store credential", err)
	}

	span.SetAttributes(attribute.String("credential.id", c.ID.String()), attribute.Bool("credential.valid", c.IsValid))
	s.emit(ctx, audit.EventCreate, audit.OutcomeSuccess, ownerID, c.ID.String(), map[string]any{
		"provider": string(c.Provider),
		"status":   string(res.Status),
	})
	out := c.Redacted()
	return &out, nil
}

// List returns the owner's credentials, newest first, without ciphertext.
func (s *Service) List(ctx context.Context, ownerID string) (_ []domain.Credential, err error) {
	defer s.observe("list", time.Now(), &err)
	ctx, span := s.span(ctx, "List")
	defer span.End()

	rows, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, s.fail(ctx, span, "list", "could not list credentials", err)
	}
	out := make([]domain.Credential, 0, len(rows))
	for _, c := range rows {
		out = append(out, c.Redacted())
	}
	return out, nil
}

// Get returns one credential without ciphertext, or domain.ErrNotFound when
// it does not exist or belongs to someone else.
func (s *Service) Get(ctx context.Context, id uuid.UUID, ownerID string) (_ *domain.Credential, err error) {
	defer s.observe("get", time.Now(), &err)
	ctx, span := s.span(ctx, "Get")
	defer span.End()

	c, err := s.lookup(ctx, span, "get", id, ownerID)
	if err != nil {
		return nil, err
	}
	out := c.Redacted()
	return &out, nil
}

func (s *Service) lookup(ctx context.Context, span trace.Span, op string, id uuid.UUID, ownerID string) (*domain.Credential, error) {
	c, err := s.store.GetByID(ctx, id, ownerID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, s.fail(ctx, span, op, "could not load credential", err)
	}
	return c, nil
}

// GetDecryptedForProvider returns the plaintext of the owner's newest
// unexpired credential for provider. ok is false when there is none. The
// last-used stamp is updated in the background.
func (s *Service) GetDecryptedForProvider(ctx context.Context, ownerID string, provider domain.Provider) (key string, ok bool, err error) {
	defer s.observe("access", time.Now(), &err)
	provider = domain.ParseProvider(string(provider))
	ctx, span := s.span(ctx, "GetDecryptedForProvider", attribute.String("provider", string(provider)))
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now().UTC()
	c, err := s.store.GetByProvider(ctx, ownerID, provider, now)
	if errors.Is(err, domain.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.fail(ctx, span, "access", "could not load credential", err)
	}

	key, err = s.engine.Decrypt(c.Ciphertext)
	if err != nil {
		s.emit(ctx, audit.EventAccess, audit.OutcomeFailure, ownerID, c.ID.String(), map[string]any{"provider": string(provider)})
		return "", false, s.fail(ctx, span, "access", "could not read credential", err)
	}

	id := c.ID
	s.submit(ctx, "vault.last_used", func(ctx context.Context) error {
		if err := s.store.UpdateLastUsed(ctx, id, now); err != nil {
			return fmt.Errorf("updating last used for %s: %w", id, err)
		}
		return nil
	})
	s.emit(ctx, audit.EventAccess, audit.OutcomeSuccess, ownerID, c.ID.String(), map[string]any{"provider": string(provider)})
	return key, true, nil
}

// Revalidate runs a live check of a stored key, bypassing the cache, and
// records the outcome on the credential.
func (s *Service) Revalidate(ctx context.Context, id uuid.UUID, ownerID string) (_ *domain.ValidationResult, err error) {
	defer s.observe("revalidate", time.Now(), &err)
	ctx, span := s.span(ctx, "Revalidate")
	defer span.End()

	s.mu.RLock()
	c, err := s.lookup(ctx, span, "revalidate", id, ownerID)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	key, err := s.engine.Decrypt(c.Ciphertext)
	s.mu.RUnlock()
	if err != nil {
		return nil, s.fail(ctx, span, "revalidate", "could not read credential", err)
	}

	res := s.validateLive(ctx, c.Provider, key)
	now := s.now().UTC()
	_, err = s.store.Begin().
		Update(&domain.Credential{}, map[string]any{
			"is_valid":          res.Valid,
			"last_validated_at": now,
			"updated_at":        now,
		}, "id = ? AND owner_id = ?", c.ID, ownerID).
		Insert(s.usageEntry(c, domain.OperationValidate, res.Valid, now)).
		Execute(ctx)
	if err != nil {
		return nil, s.fail(ctx, span, "revalidate", "could not record validation", err)
	}

	outcome := audit.OutcomeSuccess
	if !res.Valid {
		outcome = audit.OutcomeFailure
	}
	s.emit(ctx, audit.EventValidate, outcome, ownerID, c.ID.String(), map[string]any{
		"provider": string(c.Provider),
		"status":   string(res.Status),
	})
	return res, nil
}

// Rotate replaces the stored key. The new key is validated first; a
// malformed key is rejected and the credential left untouched.
func (s *Service) Rotate(ctx context.Context, id uuid.UUID, ownerID, newKey string) (_ *domain.Credential, err error) {
	defer s.observe("rotate", time.Now(), &err)
	if strings.TrimSpace(newKey) == "" {
		return nil, fmt.Errorf("%w: key value is required", domain.ErrInvalidRequest)
	}
	ctx, span := s.span(ctx, "Rotate")
	defer span.End()

	c, err := s.lookup(ctx, span, "rotate", id, ownerID)
	if err != nil {
		return nil, err
	}
	res := s.Validate(ctx, c.Provider, newKey)
	if res.Status == domain.StatusFormatError {
		s.emit(ctx, audit.EventRotate, audit.OutcomeFailure, ownerID, c.ID.String(), map[string]any{"status": string(res.Status)})
		return nil, res.Err()
	}
	s.mu.RLock()
	ciphertext, err := s.engine.Encrypt(newKey)
	if err != nil {
		s.mu.RUnlock()
		return nil, s.fail(ctx, span, "rotate", "could not store credential", err)
	}

	now := s.now().UTC()
	results, err := s.store.Begin().
		Update(&domain.Credential{}, map[string]any{
			"encrypted_key":     ciphertext,
			"key_hint":          domain.KeyHint(newKey),
			"is_valid":          res.Valid,
			"last_validated_at": now,
			"updated_at":        now,
		}, "id = ? AND owner_id = ?", c.ID, ownerID).
		Insert(s.usageEntry(c, domain.OperationRotate, true, now)).
		Execute(ctx)
	s.mu.RUnlock()
	if err != nil {
		return nil, s.fail(ctx, span, "rotate", "could not store credential", err)
	}
	if len(results) == 0 || results[0].RowsAffected == 0 {
		return nil, domain.ErrNotFound
	}

	s.emit(ctx, audit.EventRotate, audit.OutcomeSuccess, ownerID, c.ID.String(), map[string]any{
		"provider": string(c.Provider),
		"status":   string(res.Status),
	})
	c.Ciphertext = ciphertext
	c.KeyHint = domain.KeyHint(newKey)
	c.IsValid = res.Valid
	c.LastValidatedAt = &now
	c.UpdatedAt = now
	out := c.Redacted()
	return &out, nil
}

// Delete removes the owner's credential and records a delete usage-log row.
// It reports false, with no mutation, when the credential does not exist
// or belongs to someone else.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, ownerID string) (_ bool, err error) {
	defer s.observe("delete", time.Now(), &err)
	ctx, span := s.span(ctx, "Delete")
	defer span.End()

	c, err := s.lookup(ctx, span, "delete", id, ownerID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	results, err := s.store.Begin().
		Delete(&domain.Credential{}, "id = ? AND owner_id = ?", c.ID, ownerID).
		Insert(s.usageEntry(c, domain.OperationDelete, true, s.now().UTC())).
		Execute(ctx)
	if err != nil {
		s.emit(ctx, audit.EventDelete, audit.OutcomeFailure, ownerID, c.ID.String(), nil)
		return false, s.fail(ctx, span, "delete", "could not delete credential", err)
	}
	deleted := len(results) > 0 && results[0].RowsAffected > 0
	if deleted {
		s.emit(ctx, audit.EventDelete, audit.OutcomeSuccess, ownerID, c.ID.String(), map[string]any{"provider": string(c.Provider)})
	}
	return deleted, nil
}

// RewrapAll re-seals every stored data key under next's master key in a
// single transaction, then switches the vault to next. Payloads are not
// re-encrypted. It returns the number of credentials rewrapped.
func (s *Service) RewrapAll(ctx context.Context, next *envelope.Engine) (_ int, err error) {
	defer s.observe("rewrap", time.Now(), &err)
	ctx, span := s.span(ctx, "RewrapAll")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.engine
	rows, err := s.store.ListAll(ctx)
	if err != nil {
		return 0, s.fail(ctx, span, "rewrap", "could not list credentials", err)
	}
	if len(rows) == 0 {
		s.engine = next
		return 0, nil
	}

	var batch storage.Batch = s.store.Begin()
	now := s.now().UTC()
	for _, c := range rows {
		blob, err := current.Rewrap(c.Ciphertext, next)
		if err != nil {
			return 0, s.fail(ctx, span, "rewrap", "could not rewrap credentials", fmt.Errorf("credential %s: %w", c.ID, err))
		}
		batch = batch.Update(&domain.Credential{}, map[string]any{
			"encrypted_key": blob,
			"updated_at":    now,
		}, "id = ?", c.ID)
	}
	if _, err := batch.Execute(ctx); err != nil {
		return 0, s.fail(ctx, span, "rewrap", "could not rewrap credentials", err)
	}
	s.engine = next

	span.SetAttributes(attribute.Int("credentials", len(rows)))
	s.emit(ctx, audit.EventRotate, audit.OutcomeSuccess, "system", "master_key", map[string]any{"credentials": len(rows)})
	s.logger.InfoContext(ctx, "master key rotated")
	return len(rows), nil
}
