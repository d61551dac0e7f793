// Package validate sanitizes and bounds-checks every value entering the
// sync queue. Nothing reaches the queue, the store, or the network
// layer without passing through this gate first.
package validate

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/kyawswar/orderpad/internal/apperrors"
)

const (
	// MaxStringLen bounds every free-form string field.
	MaxStringLen = 1024
	// MaxPayloadBytes bounds the serialized payload size.
	MaxPayloadBytes = 512 * 1024
	// MaxPayloadDepth bounds JSON nesting in payloads.
	MaxPayloadDepth = 10
	// MaxIdentifierLen bounds tenant and user identifiers.
	MaxIdentifierLen = 64
)

var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)(\bunion\s+select\b|\binsert\s+into\b|\bdrop\s+(table|database)\b|\bdelete\s+from\b|--|;\s*--|'\s*or\s+'1'\s*=\s*'1)`)
	identifierPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	endpointPattern     = regexp.MustCompile(`^/[A-Za-z0-9/_\-.~%]*$`)
)

// Validator performs input sanitization and struct-shape validation.
// It is pure and safe for concurrent use.
type Validator struct {
	v *validator.Validate
}

// New creates a Validator.
func New() *Validator {
	return &Validator{v: validator.New()}
}

// Struct validates tagged fields on an input struct and maps failures
// to a validation error.
func (vd *Validator) Struct(input interface{}) error {
	if err := vd.v.Struct(input); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid input", err)
	}
	return nil
}

// SanitizeString checks a free-form string for emptiness, length,
// control characters and injection patterns, returning a trimmed copy.
func (vd *Validator) SanitizeString(field, s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", apperrors.Newf(apperrors.ErrValidation, "%s must not be empty", field)
	}
	if len(s) > MaxStringLen {
		return "", apperrors.Newf(apperrors.ErrValidation, "%s exceeds %d characters", field, MaxStringLen)
	}
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return "", apperrors.Newf(apperrors.ErrValidation, "%s contains control characters", field)
		}
	}
	if sqlInjectionPattern.MatchString(s) {
		return "", apperrors.Newf(apperrors.ErrValidation, "%s contains a forbidden pattern", field)
	}
	return s, nil
}

// Identifier validates a tenant or user identifier.
func (vd *Validator) Identifier(field, s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", apperrors.Newf(apperrors.ErrValidation, "%s must not be empty", field)
	}
	if len(s) > MaxIdentifierLen {
		return "", apperrors.Newf(apperrors.ErrValidation, "%s exceeds %d characters", field, MaxIdentifierLen)
	}
	if !identifierPattern.MatchString(s) {
		return "", apperrors.Newf(apperrors.ErrValidation, "%s contains invalid characters", field)
	}
	return s, nil
}

// Endpoint validates a relative API endpoint path.
func (vd *Validator) Endpoint(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", apperrors.New(apperrors.ErrValidation, "endpoint must not be empty")
	}
	if len(s) > MaxStringLen {
		return "", apperrors.Newf(apperrors.ErrValidation, "endpoint exceeds %d characters", MaxStringLen)
	}
	if strings.Contains(s, "..") {
		return "", apperrors.New(apperrors.ErrValidation, "endpoint contains path traversal")
	}
	if !endpointPattern.MatchString(s) {
		return "", apperrors.New(apperrors.ErrValidation, "endpoint contains invalid characters")
	}
	return s, nil
}

// Payload checks that a payload is valid JSON within the size and
// nesting-depth ceilings. A nil payload is allowed; DELETE and sync
// actions carry none.
func (vd *Validator) Payload(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if len(raw) > MaxPayloadBytes {
		return apperrors.Newf(apperrors.ErrValidation, "payload exceeds %d bytes", MaxPayloadBytes)
	}
	if !json.Valid(raw) {
		return apperrors.New(apperrors.ErrValidation, "payload is not valid JSON")
	}
	depth, err := payloadDepth(raw)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "payload is not parseable", err)
	}
	if depth > MaxPayloadDepth {
		return apperrors.Newf(apperrors.ErrValidation, "payload nesting exceeds depth %d", MaxPayloadDepth)
	}
	return nil
}

// payloadDepth walks the token stream counting nesting of objects and
// arrays.
func payloadDepth(raw json.RawMessage) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	depth, maxDepth := 0, 0
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
				if depth > maxDepth {
					maxDepth = depth
				}
			case '}', ']':
				depth--
			}
		}
	}
	return maxDepth, nil
}
