// Package security – SecurityValidator
//
// Stateless input sanitation applied to everything that enters the queue:
// free-form strings, endpoint paths, tenant/user identifiers, and the
// recursive JSON payload tree. Rejections are reported as typed errors and
// never silently coerced; injection signatures additionally raise a
// CRITICAL audit event through the injected recorder.
package security

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxStringLen caps free-form string fields.
	MaxStringLen = 10_000
	// MaxEndpointLen caps endpoint paths.
	MaxEndpointLen = 500
	// MaxIDLen caps restaurant and user identifiers.
	MaxIDLen = 50
	// MaxPayloadBytes caps the serialized payload size.
	MaxPayloadBytes = 1 << 20
	// MaxPayloadDepth caps payload nesting.
	MaxPayloadDepth = 10
)

// Recorder receives security events. audit.Logger satisfies it; a nil
// recorder disables event emission (validation still fails closed).
type Recorder interface {
	Record(event string, details map[string]any)
}

// Audit event names emitted by the validator.
const (
	EventSQLInjectionAttempt = "SQL_INJECTION_ATTEMPT"
	EventSecurityViolation   = "SECURITY_VIOLATION"
)

var (
	// sqlInjectionPatterns: SQL keywords, quote/comment sequences, and
	// boolean-injection shapes. Matched case-insensitively against the
	// raw input before any stripping.
	sqlInjectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|union|exec|execute|create|alter|truncate|declare)\b`),
		regexp.MustCompile(`(--|;--|;\s*$|/\*|\*/|@@|\bxp_)`),
		regexp.MustCompile(`(?i)('\s*(or|and)\s|"\s*(or|and)\s|\b(or|and)\s+\d+\s*=\s*\d+)`),
		regexp.MustCompile(`(?i)('|")\s*;\s*\w`),
	}

	// denylistedChars are stripped from otherwise-valid strings.
	denylistedChars = regexp.MustCompile("[<>\"'();+`|\\\\*]")

	// idFormat is the strict tenant/user identifier shape.
	idFormat = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// traversalPatterns reject path escapes in endpoints.
	traversalPatterns = []string{"..", "~", "//"}
)

// Validator performs input sanitation. The zero value is usable; Audit is
// optional.
type Validator struct {
	Audit Recorder
}

// ValidateString rejects empty or oversized input and anything carrying a
// SQL-injection signature, then strips the denylisted character set and
// returns the cleaned string. maxLen <= 0 means MaxStringLen.
func (v *Validator) ValidateString(input, fieldName string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = MaxStringLen
	}
	if strings.TrimSpace(input) == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrValidation, fieldName)
	}
	if len(input) > maxLen {
		return "", fmt.Errorf("%w: %s exceeds maximum length %d", ErrValidation, fieldName, maxLen)
	}
	for _, pat := range sqlInjectionPatterns {
		if pat.MatchString(input) {
			v.record(EventSQLInjectionAttempt, map[string]any{
				"field":    fieldName,
				"severity": "CRITICAL",
			})
			return "", fmt.Errorf("%w: %s contains a potential SQL injection pattern", ErrBadRequest, fieldName)
		}
	}
	return denylistedChars.ReplaceAllString(input, ""), nil
}

// ValidateEndpoint validates a request path: general string rules at the
// endpoint length cap, no traversal sequences, leading slash required.
func (v *Validator) ValidateEndpoint(endpoint string) (string, error) {
	clean, err := v.ValidateString(endpoint, "endpoint", MaxEndpointLen)
	if err != nil {
		return "", err
	}
	for _, pat := range traversalPatterns {
		if strings.Contains(clean, pat) {
			v.record(EventSecurityViolation, map[string]any{
				"field":    "endpoint",
				"reason":   "path traversal",
				"severity": "CRITICAL",
			})
			return "", fmt.Errorf("%w: endpoint contains an invalid path pattern", ErrBadRequest)
		}
	}
	if !strings.HasPrefix(clean, "/") {
		return "", fmt.Errorf("%w: endpoint must start with /", ErrValidation)
	}
	return clean, nil
}

// ValidatePayload walks a decoded JSON value, enforcing the serialized
// size and nesting caps and validating every object key and string leaf.
// Non-string scalars pass through untouched. The returned value has the
// same shape with sanitized strings.
func (v *Validator) ValidatePayload(payload any) (any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not serializable: %v", ErrValidation, err)
	}
	if len(raw) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload exceeds maximum size of %d bytes", ErrValidation, MaxPayloadBytes)
	}
	return v.walkPayload(payload, 0)
}

func (v *Validator) walkPayload(node any, depth int) (any, error) {
	if depth > MaxPayloadDepth {
		return nil, fmt.Errorf("%w: payload exceeds maximum nesting depth of %d", ErrValidation, MaxPayloadDepth)
	}
	switch val := node.(type) {
	case nil, bool, float64, int, int64, json.Number:
		return val, nil
	case string:
		return v.ValidateString(val, "payload", MaxStringLen)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			clean, err := v.walkPayload(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, item := range val {
			cleanKey, err := v.ValidateString(key, "payload key", MaxStringLen)
			if err != nil {
				return nil, err
			}
			cleanVal, err := v.walkPayload(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[cleanKey] = cleanVal
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: payload contains an unsupported value type %T", ErrValidation, node)
	}
}

// ValidateRestaurantID enforces the strict tenant identifier format.
func (v *Validator) ValidateRestaurantID(id string) (string, error) {
	return v.validateID(id, "restaurantId")
}

// ValidateUserID enforces the strict user identifier format.
func (v *Validator) ValidateUserID(id string) (string, error) {
	return v.validateID(id, "userId")
}

func (v *Validator) validateID(id, fieldName string) (string, error) {
	clean, err := v.ValidateString(id, fieldName, MaxIDLen)
	if err != nil {
		return "", err
	}
	if !idFormat.MatchString(clean) {
		return "", fmt.Errorf("%w: %s has an invalid format", ErrValidation, fieldName)
	}
	return clean, nil
}

func (v *Validator) record(event string, details map[string]any) {
	if v.Audit != nil {
		v.Audit.Record(event, details)
	}
}
