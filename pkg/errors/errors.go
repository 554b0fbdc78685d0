// Package errors provides the structured error system for corevault: error
// kinds, categories, and operation context, carried through every subsystem
// instead of ad-hoc fmt.Errorf strings.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode identifies a specific failure. Names follow spec §7's error
// kinds plus the finer-grained codes each kind covers.
type ErrorCode string

const (
	// NotFound: hash or path absent locally and (if applicable) remotely.
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeCommitNotFound ErrorCode = "COMMIT_NOT_FOUND"
	ErrCodeFileNotFound   ErrorCode = "FILE_NOT_FOUND"
	ErrCodeBranchNotFound ErrorCode = "BRANCH_NOT_FOUND"
	ErrCodePeerNotFound   ErrorCode = "PEER_NOT_FOUND"

	// Corruption: hash mismatch, truncated record beyond recovery, unknown type.
	ErrCodeHashMismatch    ErrorCode = "HASH_MISMATCH"
	ErrCodeTruncatedRecord ErrorCode = "TRUNCATED_RECORD"
	ErrCodeUnknownType     ErrorCode = "UNKNOWN_OBJECT_TYPE"
	ErrCodeMalformedTree   ErrorCode = "MALFORMED_TREE"
	ErrCodeMalformedBlob   ErrorCode = "MALFORMED_LARGEBLOB"

	// VersionMismatch: on-disk version string differs from this build.
	ErrCodeVersionMismatch ErrorCode = "VERSION_MISMATCH"

	// Locked: repository lock held by another process.
	ErrCodeRepoLocked ErrorCode = "REPO_LOCKED"

	// IoError: wraps the underlying OS error.
	ErrCodeIO ErrorCode = "IO_ERROR"

	// ProtocolError: malformed wire message, unknown command, peer version skew.
	ErrCodeProtocol        ErrorCode = "PROTOCOL_ERROR"
	ErrCodeUnknownCommand  ErrorCode = "UNKNOWN_COMMAND"
	ErrCodePeerVersionSkew ErrorCode = "PEER_VERSION_SKEW"

	// Unsupported: e.g. purging a non-Blob, cross-device rename w/o copy fallback.
	ErrCodeUnsupportedPurge  ErrorCode = "UNSUPPORTED_PURGE"
	ErrCodeUnsupportedRename ErrorCode = "UNSUPPORTED_RENAME"

	// Internal / operational.
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeRefcountNegative ErrorCode = "REFCOUNT_NEGATIVE"
	ErrCodePurgeHeadCommit  ErrorCode = "PURGE_HEAD_COMMIT"
	ErrCodeMergeConflict    ErrorCode = "MERGE_CONFLICT"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups error codes for coarse handling (retries, alerting).
type ErrorCategory string

const (
	CategoryNotFound        ErrorCategory = "not_found"
	CategoryCorruption      ErrorCategory = "corruption"
	CategoryVersionMismatch ErrorCategory = "version_mismatch"
	CategoryLocked          ErrorCategory = "locked"
	CategoryIO              ErrorCategory = "io"
	CategoryProtocol        ErrorCategory = "protocol"
	CategoryUnsupported     ErrorCategory = "unsupported"
	CategoryInternal        ErrorCategory = "internal"
)

// CoreVaultError is a structured error with context and metadata, modeled on
// the teacher repo's ObjectFSError.
type CoreVaultError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *CoreVaultError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *CoreVaultError) Unwrap() error {
	return e.Cause
}

// Is reports whether target shares this error's code.
func (e *CoreVaultError) Is(target error) bool {
	if other, ok := target.(*CoreVaultError); ok {
		return e.Code == other.Code
	}
	return false
}

// String renders a detailed representation for logging.
func (e *CoreVaultError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("CoreVaultError{%s}", strings.Join(parts, ", "))
}

// JSON renders the error as a JSON string.
func (e *CoreVaultError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a CoreVaultError with category/retryable defaults filled in.
func NewError(code ErrorCode, message string) *CoreVaultError {
	return &CoreVaultError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// GetCategory determines the category for a code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeObjectNotFound, ErrCodeCommitNotFound, ErrCodeFileNotFound,
		ErrCodeBranchNotFound, ErrCodePeerNotFound:
		return CategoryNotFound
	case ErrCodeHashMismatch, ErrCodeTruncatedRecord, ErrCodeUnknownType,
		ErrCodeMalformedTree, ErrCodeMalformedBlob:
		return CategoryCorruption
	case ErrCodeVersionMismatch:
		return CategoryVersionMismatch
	case ErrCodeRepoLocked:
		return CategoryLocked
	case ErrCodeIO:
		return CategoryIO
	case ErrCodeProtocol, ErrCodeUnknownCommand, ErrCodePeerVersionSkew:
		return CategoryProtocol
	case ErrCodeUnsupportedPurge, ErrCodeUnsupportedRename:
		return CategoryUnsupported
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether errors of this code should be retried
// by a caller without additional context (e.g. the wire/pull paths).
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeIO, ErrCodePeerNotFound, ErrCodeRepoLocked:
		return true
	default:
		return false
	}
}

// CaptureStack captures the current call stack for debugging, skipping the
// given number of additional frames.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext attaches a contextual key/value pair.
func (e *CoreVaultError) WithContext(key, value string) *CoreVaultError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail attaches a structured detail.
func (e *CoreVaultError) WithDetail(key string, value interface{}) *CoreVaultError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the originating component (e.g. "packfile", "index").
func (e *CoreVaultError) WithComponent(component string) *CoreVaultError {
	e.Component = component
	return e
}

// WithOperation sets the operation name (e.g. "commitFromTree").
func (e *CoreVaultError) WithOperation(operation string) *CoreVaultError {
	e.Operation = operation
	return e
}

// WithCause sets the wrapped underlying error.
func (e *CoreVaultError) WithCause(cause error) *CoreVaultError {
	e.Cause = cause
	return e
}

// WithStack captures and attaches the current stack trace.
func (e *CoreVaultError) WithStack() *CoreVaultError {
	e.Stack = CaptureStack(2)
	return e
}
