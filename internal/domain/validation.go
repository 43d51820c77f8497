package domain

import "time"

// ValidationStatus is the terminal state of a single validation attempt.
type ValidationStatus string

const (
	StatusValid        ValidationStatus = "valid"
	StatusInvalid      ValidationStatus = "invalid"
	StatusExpired      ValidationStatus = "expired"
	StatusRateLimited  ValidationStatus = "rate_limited"
	StatusServiceError ValidationStatus = "service_error"
	StatusFormatError  ValidationStatus = "format_error"
)

// ValidationResult is the outcome of validating one key against its provider.
// Valid is true if and only if Status is StatusValid.
type ValidationResult struct {
	Provider      Provider         `json:"provider"`
	Valid         bool             `json:"valid"`
	Status        ValidationStatus `json:"status"`
	Message       string           `json:"message"`
	LatencyMS     int64            `json:"latency_ms"`
	Capabilities  []string         `json:"capabilities,omitempty"`
	RateLimitInfo *RateLimitInfo   `json:"rate_limit_info,omitempty"`
	QuotaInfo     *QuotaInfo       `json:"quota_info,omitempty"`
	ValidatedAt   time.Time        `json:"validated_at"`
}

// RateLimitInfo carries provider throttling metadata captured from response headers.
type RateLimitInfo struct {
	RetryAfter string `json:"retry_after,omitempty"` // Raw Retry-After header value.
	Limit      string `json:"limit,omitempty"`
	Remaining  string `json:"remaining,omitempty"`
	Reset      string `json:"reset,omitempty"`
}

// QuotaInfo carries opportunistic quota details some providers return.
type QuotaInfo struct {
	Limit     int64  `json:"limit,omitempty"`
	Remaining int64  `json:"remaining,omitempty"`
	Reset     string `json:"reset,omitempty"`
}

// NewResult builds a result whose Valid flag is derived from status.
func NewResult(provider Provider, status ValidationStatus, message string) *ValidationResult {
	return &ValidationResult{
		Provider:    provider,
		Valid:       status == StatusValid,
		Status:      status,
		Message:     message,
		ValidatedAt: time.Now().UTC(),
	}
}

// Consistent reports whether Valid and Status agree. Results read back from
// a cache are rejected when they do not.
func (r *ValidationResult) Consistent() bool {
	return r != nil && r.Valid == (r.Status == StatusValid) && r.Status != ""
}

// Err converts a non-valid result into the matching typed error.
// Returns nil for valid results.
func (r *ValidationResult) Err() error {
	switch r.Status {
	case StatusValid:
		return nil
	case StatusFormatError:
		return &ValidationError{Kind: ErrFormat, Message: r.Message}
	case StatusInvalid, StatusExpired:
		return &ValidationError{Kind: ErrInvalidCredential, Message: r.Message}
	case StatusRateLimited:
		var retryAfter string
		if r.RateLimitInfo != nil {
			retryAfter = r.RateLimitInfo.RetryAfter
		}
		return &RateLimitedError{Provider: r.Provider, RetryAfter: retryAfter}
	default:
		return &ServiceError{Message: "provider validation unavailable", Cause: &ValidationError{Kind: ErrProviderUnavailable, Message: r.Message}}
	}
}

// HealthStatus classifies a provider's availability for dashboards.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// HealthResult is the outcome of a provider health probe.
type HealthResult struct {
	Provider  Provider     `json:"provider"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LatencyMS int64        `json:"latency_ms"`
	CheckedAt time.Time    `json:"checked_at"`
}
