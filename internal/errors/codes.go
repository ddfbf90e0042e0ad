package errors

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for cluster operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeKeyNotFound     ErrorCode = 1001
	ErrCodeKeyTooLarge     ErrorCode = 1002
	ErrCodeValueTooLarge   ErrorCode = 1003
	ErrCodeNodeNotFound    ErrorCode = 1004
	ErrCodeDuplicateNode   ErrorCode = 1005
	ErrCodeCollision       ErrorCode = 1006

	// Server errors (5xx equivalent)
	ErrCodeInternal            ErrorCode = 2000
	ErrCodeUnavailable         ErrorCode = 2001
	ErrCodeStructuralRing      ErrorCode = 2002
	ErrCodeCoordinationTimeout ErrorCode = 2003
	ErrCodePartialFailure      ErrorCode = 2004
	ErrCodeTransferFailed      ErrorCode = 2005
)

// ClusterError represents a structured error with code and context
type ClusterError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *ClusterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *ClusterError) Unwrap() error {
	return e.Cause
}

// Is matches any ClusterError carrying the same code, so callers can write
// errors.Is(err, &ClusterError{Code: ErrCodeCollision}).
func (e *ClusterError) Is(target error) bool {
	t, ok := target.(*ClusterError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToGRPCStatus converts ClusterError to gRPC status
func (e *ClusterError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *ClusterError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeKeyTooLarge, ErrCodeValueTooLarge:
		return codes.InvalidArgument
	case ErrCodeKeyNotFound, ErrCodeNodeNotFound:
		return codes.NotFound
	case ErrCodeDuplicateNode, ErrCodeCollision:
		return codes.AlreadyExists
	case ErrCodeCoordinationTimeout:
		return codes.DeadlineExceeded
	case ErrCodeUnavailable:
		return codes.Unavailable
	case ErrCodeStructuralRing:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// NewClusterError creates a new ClusterError
func NewClusterError(code ErrorCode, message string, cause error) *ClusterError {
	return &ClusterError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *ClusterError) WithDetail(key string, value interface{}) *ClusterError {
	e.Details[key] = value
	return e
}

// StructuralRing reports a ring whose predecessor chain is broken. dump is the
// ring's string form at the time of detection.
func StructuralRing(message, dump string) *ClusterError {
	return NewClusterError(ErrCodeStructuralRing, "structural ring corruption: "+message, nil).
		WithDetail("ring", dump)
}

// Collision reports two nodes hashing to the same ring position.
func Collision(existing, incoming, hash string) *ClusterError {
	return NewClusterError(ErrCodeCollision,
		fmt.Sprintf("hash collision between %s and %s at %s", existing, incoming, hash), nil).
		WithDetail("existing", existing).
		WithDetail("incoming", incoming).
		WithDetail("hash", hash)
}

// CoordinationTimeout reports a multicast or transfer that did not finish in time.
func CoordinationTimeout(operation string, timeout time.Duration) *ClusterError {
	return NewClusterError(ErrCodeCoordinationTimeout,
		fmt.Sprintf("%s did not complete within %v", operation, timeout), nil).
		WithDetail("operation", operation).
		WithDetail("timeout", timeout.String())
}

func NodeNotFound(name string) *ClusterError {
	return NewClusterError(ErrCodeNodeNotFound, fmt.Sprintf("node not found: %s", name), nil).
		WithDetail("node", name)
}

func DuplicateNode(name string) *ClusterError {
	return NewClusterError(ErrCodeDuplicateNode,
		fmt.Sprintf("%s already exists, server name must be unique", name), nil).
		WithDetail("node", name)
}

func KeyNotFound(key, server string) *ClusterError {
	return NewClusterError(ErrCodeKeyNotFound, fmt.Sprintf("key %q not found on server %s", key, server), nil).
		WithDetail("key", key).
		WithDetail("server", server)
}

func KeyTooLarge(size, maxSize int) *ClusterError {
	return NewClusterError(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func ValueTooLarge(size, maxSize int) *ClusterError {
	return NewClusterError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func TransferFailed(message string, cause error) *ClusterError {
	return NewClusterError(ErrCodeTransferFailed, message, cause)
}

func InvalidArgument(message string, cause error) *ClusterError {
	return NewClusterError(ErrCodeInvalidArgument, message, cause)
}

func InternalError(message string, cause error) *ClusterError {
	return NewClusterError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *ClusterError {
	return NewClusterError(ErrCodeUnavailable, message, cause)
}

// PartialFailure collects per-node failures of a fan-out operation.
type PartialFailure struct {
	Errors map[string]error
}

// NewPartialFailure creates an empty PartialFailure
func NewPartialFailure() *PartialFailure {
	return &PartialFailure{Errors: make(map[string]error)}
}

// Add records err against node. A nil err is ignored.
func (p *PartialFailure) Add(node string, err error) {
	if err == nil {
		return
	}
	p.Errors[node] = err
}

// Empty reports whether no node failed.
func (p *PartialFailure) Empty() bool {
	return p == nil || len(p.Errors) == 0
}

// Nodes returns the failed node names in sorted order.
func (p *PartialFailure) Nodes() []string {
	names := make([]string, 0, len(p.Errors))
	for name := range p.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Strings flattens the failures into node -> message.
func (p *PartialFailure) Strings() map[string]string {
	out := make(map[string]string, len(p.Errors))
	for name, err := range p.Errors {
		out[name] = err.Error()
	}
	return out
}

// Error implements the error interface
func (p *PartialFailure) Error() string {
	parts := make([]string, 0, len(p.Errors))
	for _, name := range p.Nodes() {
		parts = append(parts, fmt.Sprintf("%s: %v", name, p.Errors[name]))
	}
	return fmt.Sprintf("%d node(s) failed: %s", len(p.Errors), strings.Join(parts, "; "))
}

// IsClusterError checks if an error is a ClusterError
func IsClusterError(err error) bool {
	_, ok := err.(*ClusterError)
	return ok
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if ce, ok := err.(*ClusterError); ok {
		return ce.Code
	}
	if _, ok := err.(*PartialFailure); ok {
		return ErrCodePartialFailure
	}
	return ErrCodeInternal
}

// HasCode walks the wrap chain looking for a ClusterError with code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if ce, ok := err.(*ClusterError); ok && ce.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
