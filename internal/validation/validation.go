// Package validation provides payload checks for the admission pipeline and
// field validators for request bodies.
package validation

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// ErrPayloadTooLarge means the body exceeds the configured size limit.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrUnsupportedContentType means a mutating request carried a body of a
	// type that is not allow-listed.
	ErrUnsupportedContentType = errors.New("unsupported content type")
)

// identifierRegex matches order and actor identifiers.
var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// Payload describes the parts of a request the payload stage inspects.
type Payload struct {
	Method        string
	ContentType   string
	ContentLength int64 // -1 when unknown
	BodyLen       int
}

// Checker enforces the body size limit and the content-type allow-list.
type Checker struct {
	maxBytes int64
	allowed  map[string]bool
}

// NewChecker creates a payload checker. Content types are compared by media
// type only; parameters such as charset are ignored.
func NewChecker(maxBytes int64, allowedTypes []string) *Checker {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		if mt := mediaType(t); mt != "" {
			allowed[mt] = true
		}
	}
	return &Checker{maxBytes: maxBytes, allowed: allowed}
}

// MaxBytes returns the configured size limit.
func (c *Checker) MaxBytes() int64 { return c.maxBytes }

// Check returns ErrPayloadTooLarge or ErrUnsupportedContentType, wrapped with
// detail, or nil when the payload is acceptable.
func (c *Checker) Check(p Payload) error {
	size := int64(p.BodyLen)
	if p.ContentLength > size {
		size = p.ContentLength
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, size, c.maxBytes)
	}

	if !isMutating(p.Method) || size == 0 {
		return nil
	}
	mt := mediaType(p.ContentType)
	if !c.allowed[mt] {
		if mt == "" {
			mt = "none"
		}
		return fmt.Errorf("%w: %s", ErrUnsupportedContentType, mt)
	}
	return nil
}

func isMutating(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func mediaType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt, _, _ = strings.Cut(ct, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidIdentifier checks order and reference identifiers.
func ValidIdentifier(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !identifierRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 letters, digits or _.:-"}
		}
		return nil
	}
}

// ValidAmount checks that value is a positive decimal with at most two
// fractional digits.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		whole, frac, hasDot := strings.Cut(value, ".")
		if whole == "" || (hasDot && (frac == "" || len(frac) > 2)) {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		for _, c := range whole + frac {
			if c < '0' || c > '9' {
				return &ValidationError{Field: field, Message: "invalid amount format"}
			}
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if f <= 0 {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// OneOf checks that value is one of the allowed options.
func OneOf(field, value string, options ...string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		for _, o := range options {
			if value == o {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(options, ", ")}
	}
}
