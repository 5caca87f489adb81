// Package validation provides request validation and the error envelope
// shared by every HTTP handler.
package validation

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/bchescrow/internal/amount"
	"github.com/mbd888/bchescrow/internal/apperr"
	"github.com/mbd888/bchescrow/internal/idgen"
	"github.com/mbd888/bchescrow/internal/logging"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// ActorHeader carries the identity resolved by the upstream auth layer.
const ActorHeader = "X-Actor-ID"

const actorKey = "actorID"

var (
	// hexRegex validates hex strings (raw transactions)
	hexRegex = regexp.MustCompile(`^[a-fA-F0-9]+$`)
	// txHashRegex validates a 32-byte transaction id
	txHashRegex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
	// recordIDRegex accepts uuids and prefixed random ids
	recordIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// RequireActor rejects requests without an actor identity.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(ActorHeader))
		if id == "" || len(id) > 128 {
			RespondError(c, apperr.New(apperr.CodeUnauthorized, "missing actor identity"))
			c.Abort()
			return
		}
		c.Set(actorKey, id)
		c.Next()
	}
}

// ActorID returns the identity set by RequireActor.
func ActorID(c *gin.Context) string {
	return c.GetString(actorKey)
}

// IDParamMiddleware rejects malformed :id path parameters early.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidRecordID(id) {
			RespondError(c, apperr.Validation("id is malformed"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// RespondError writes the structured error body. Internal errors are
// logged and replaced with a generic message.
func RespondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(apperr.HTTPStatus(code), gin.H{
		"error":     code,
		"message":   apperr.Message(err),
		"retryable": apperr.Retryable(err),
	})
}

// BindJSON decodes the body into dst, answering VALIDATION_ERROR on failure.
func BindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			RespondError(c, apperr.Validation("request body too large"))
			return false
		}
		RespondError(c, apperr.Wrap(apperr.CodeValidation, "invalid request body", err))
		return false
	}
	return true
}

// IsValidHex checks if a string is valid hex
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// IsValidTxHash checks for a 64 character hex transaction id
func IsValidTxHash(s string) bool {
	return txHashRegex.MatchString(s)
}

// IsValidRecordID accepts uuids, prefixed ids and escrow references.
func IsValidRecordID(s string) bool {
	return idgen.IsEscrowRef(s) || recordIDRegex.MatchString(s)
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

// Err converts the collection into a VALIDATION_ERROR, or nil when empty.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return apperr.Validation(e.Error())
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// ValidAmount checks that a value is a positive BCH amount with at most
// 8 decimal places.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if _, err := amount.Parse(value); err != nil {
			return &ValidationError{Field: field, Message: err.Error()}
		}
		return nil
	}
}

// ValidTxHash checks an optional transaction id.
func ValidTxHash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidTxHash(value) {
			return &ValidationError{Field: field, Message: "must be 64 hex characters"}
		}
		return nil
	}
}

// ValidRawTx checks an optional serialized transaction.
func ValidRawTx(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if len(value)%2 != 0 || !IsValidHex(value) {
			return &ValidationError{Field: field, Message: "must be hex encoded"}
		}
		return nil
	}
}

// OneOf checks that value is one of the allowed options.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}
