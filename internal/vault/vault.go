// Package vault is the credential vault: it validates user-supplied API keys
// against their provider, stores them envelope-encrypted, and hands the
// plaintext back only to the owning principal.
//
// Every mutation writes the credential row and its usage-log row in one
// batch. Validation outcomes are returned as data; crypto and storage
// failures come back as *domain.ServiceError. Cache and audit failures never
// reach the caller.
package vault

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/keyvault/internal/audit"
	"github.com/jkaninda/keyvault/internal/background"
	"github.com/jkaninda/keyvault/internal/cache"
	"github.com/jkaninda/keyvault/internal/domain"
	"github.com/jkaninda/keyvault/internal/envelope"
	"github.com/jkaninda/keyvault/internal/storage"
)

// Store is the persistence the vault needs. storage.CredentialStore implements it.
type Store interface {
	Begin() storage.Batch
	GetByID(ctx context.Context, id uuid.UUID, ownerID string) (*domain.Credential, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*domain.Credential, error)
	GetByProvider(ctx context.Context, ownerID string, provider domain.Provider, now time.Time) (*domain.Credential, error)
	UpdateLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
	ListAll(ctx context.Context) ([]*domain.Credential, error)
}

// Validator checks keys and probes providers. *validator.Registry implements it.
type Validator interface {
	Validate(ctx context.Context, provider domain.Provider, key string) *domain.ValidationResult
	Health(ctx context.Context, provider domain.Provider) *domain.HealthResult
	Providers() []domain.Provider
}

// Jobs runs detached work. *background.Executor implements it.
type Jobs interface {
	Submit(ctx context.Context, name string, fn background.Job) bool
}

// Service is the credential vault. Safe for concurrent use.
type Service struct {
	store Store

	// mu guards engine. Seal-and-persist and fetch-and-open paths hold it
	// shared; RewrapAll holds it exclusively until the new engine is in place.
	mu     sync.RWMutex
	engine *envelope.Engine

	validator Validator
	cache     *cache.ValidationCache
	audit     *audit.Emitter
	jobs      Jobs
	tracer    trace.Tracer
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a vault over store, encrypting with engine and validating
// through v. Cache, audit, executor, tracer and metrics are optional.
func New(store Store, engine *envelope.Engine, v Validator, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		engine:    engine,
		validator: v,
		tracer:    noop.NewTracerProvider().Tracer("keyvault/vault"),
		logger:    logger,
		now:       time.Now,
	}
}

// WithCache enables cache-aside validation.
func (s *Service) WithCache(c *cache.ValidationCache) *Service {
	s.cache = c
	return s
}

// WithAudit attaches the audit emitter.
func (s *Service) WithAudit(e *audit.Emitter) *Service {
	s.audit = e
	return s
}

// WithJobs runs detached work (last-used updates) on jobs. Without it that
// work runs inline, detached from the caller's cancellation.
func (s *Service) WithJobs(j Jobs) *Service {
	s.jobs = j
	return s
}

// WithTracer records a span per operation.
func (s *Service) WithTracer(t trace.Tracer) *Service {
	if t != nil {
		s.tracer = t
	}
	return s
}

// WithMetrics enables Prometheus instrumentation.
func (s *Service) WithMetrics(m *Metrics) *Service {
	s.metrics = m
	return s
}

// Providers lists the providers with a dedicated validator.
func (s *Service) Providers() []domain.Provider {
	return s.validator.Providers()
}

func (s *Service) submit(ctx context.Context, name string, fn background.Job) {
	if s.jobs != nil {
		s.jobs.Submit(ctx, name, fn)
		return
	}
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		s.logger.WarnContext(ctx, "detached job failed", slog.String("job", name), slog.String("error", err.Error()))
	}
}

// fail logs cause server-side and returns the public error.
func (s *Service) fail(ctx context.Context, span trace.Span, op, message string, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, message)
	s.logger.ErrorContext(ctx, "vault operation failed",
		slog.String("operation", op),
		slog.String("error", cause.Error()),
	)
	return domain.NewServiceError(message, cause)
}

func (s *Service) emit(ctx context.Context, eventType, outcome, ownerID, resourceID string, metadata map[string]any) {
	s.audit.Emit(ctx, eventType, outcome, ownerID, resourceID, metadata)
}

func (s *Service) usageEntry(c *domain.Credential, op domain.Operation, success bool, at time.Time) *domain.UsageLogEntry {
	return &domain.UsageLogEntry{
		ID:           uuid.New(),
		CredentialID: c.ID,
		OwnerID:      c.OwnerID,
		Provider:     c.Provider,
		Operation:    op,
		Success:      success,
		Timestamp:    at,
	}
}
