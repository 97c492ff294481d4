package assignment

import (
	"errors"
	"fmt"
)

// Code 校验失败的错误码（同步返回，不重试）。
type Code string

const (
	CodeNotFound            Code = "NOT_FOUND"
	CodeWrongRole           Code = "WRONG_ROLE"
	CodeDuplicateAssignment Code = "DUPLICATE_ASSIGNMENT"
	CodePermissionDenied    Code = "PERMISSION_DENIED"
	CodeVehicleUnavailable  Code = "VEHICLE_UNAVAILABLE"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
)

// ValidationError 校验类错误：调用方改参数/改权限后重发，不做自动重试。
type ValidationError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newValidationError(code Code, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsValidationError 取出错误中的 ValidationError（若是）。
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// ErrConflict 提交时发现派单指针版本已变化：调用方需重新读取后重试，引擎不自动合并。
var ErrConflict = errors.New("assignment version conflict: state changed since read, re-fetch and retry")

// IsConflict 判断是否为乐观并发冲突。
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// TransientStoreError 存储层瞬时故障；协调器内部已按退避重试 Attempts 次仍失败。
type TransientStoreError struct {
	Attempts int
	Err      error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// IntegrityViolation 调用前不变量已被破坏（如同一司机出现两条 active 派单）。
// 不在写路径上悄悄修复；记录日志并指向 Reconciler 的修复入口。
type IntegrityViolation struct {
	DriverID string
	Detail   string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violation for driver %s: %s", e.DriverID, e.Detail)
}

// IsIntegrityViolation 判断是否为不变量破坏错误。
func IsIntegrityViolation(err error) bool {
	var iv *IntegrityViolation
	return errors.As(err, &iv)
}
