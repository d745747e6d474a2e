// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// 定義錯誤碼
const (
	// ErrCodeUnauthorized 非管理員執行受限操作
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeNotFound 資源未找到（房間、賽道、AI 模型）
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidState 房間狀態不允許此操作
	ErrCodeInvalidState = "INVALID_STATE"
	// ErrCodeCapacity 房間已滿
	ErrCodeCapacity = "CAPACITY_EXCEEDED"
	// ErrCodePrecondition 前置條件不滿足
	ErrCodePrecondition = "PRECONDITION_FAILED"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeRateLimited 消息頻率超過限制
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is（以錯誤碼比對）
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf 以格式化訊息創建錯誤
func Newf(code, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回附帶詳細資訊的副本
//
// 預定義錯誤是共享的，因此不可原地修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	ErrUnauthorized   = New(ErrCodeUnauthorized, "admin privileges required")
	ErrRoomNotFound   = New(ErrCodeNotFound, "room not found")
	ErrTrackNotFound  = New(ErrCodeNotFound, "track not found")
	ErrModelNotFound  = New(ErrCodeNotFound, "ai model not found")
	ErrRoomFull       = New(ErrCodeCapacity, "room is full")
	ErrInvalidState   = New(ErrCodeInvalidState, "operation not allowed in current room state")
	ErrNoRaceConfig   = New(ErrCodePrecondition, "race configuration missing")
	ErrNoParticipants = New(ErrCodePrecondition, "room has no participants")
	ErrInvalidConfig  = New(ErrCodeInvalidInput, "invalid race configuration")
	ErrRateLimited    = New(ErrCodeRateLimited, "message rate exceeded")
)

// CodeOf 取得錯誤碼，非 AppError 視為內部錯誤
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsUnauthorized 檢查是否為權限錯誤
func IsUnauthorized(err error) bool { return hasCode(err, ErrCodeUnauthorized) }

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsInvalidState 檢查是否為狀態錯誤
func IsInvalidState(err error) bool { return hasCode(err, ErrCodeInvalidState) }

// IsCapacity 檢查是否為房間已滿
func IsCapacity(err error) bool { return hasCode(err, ErrCodeCapacity) }

// IsPrecondition 檢查是否為前置條件錯誤
func IsPrecondition(err error) bool { return hasCode(err, ErrCodePrecondition) }

// IsValidation 檢查是否為輸入驗證錯誤
func IsValidation(err error) bool { return hasCode(err, ErrCodeInvalidInput) }

// HTTPStatus 將錯誤碼對應到 HTTP 狀態碼
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidState, ErrCodeCapacity:
		return http.StatusConflict
	case ErrCodePrecondition:
		return http.StatusPreconditionFailed
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
